package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaOptions tunes the dispatcher
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Metrics     *metrics.Metrics
}

// DefaultKafkaOptions returns sensible defaults
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   1024,
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// KafkaDispatcher buffers commit events in a bounded queue and sends them
// from background workers with capped exponential backoff. Events keyed by
// document keep per-document order within a partition as long as a single
// worker is used.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     KafkaOptions
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan CommitEvent
	wg     sync.WaitGroup
}

// NewKafkaProducer creates a synchronous producer that waits for all
// in-sync replicas
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaDispatcher starts the workers
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opts KafkaOptions, logger zerolog.Logger) *KafkaDispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultKafkaOptions().QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		log:      logger.With().Str("component", "kafka").Str("topic", topic).Logger(),
		queue:    make(chan CommitEvent, opts.QueueSize),
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Publish enqueues evt. It never waits: a full queue drops the event.
func (d *KafkaDispatcher) Publish(ctx context.Context, evt CommitEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- evt:
		d.record("queued")
		return nil
	default:
		d.record("dropped")
		return ErrQueueFull
	}
}

// Close drains the queue and closes the producer
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.producer.Close()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CommitEvent) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			d.record("sent")
			return
		}

		if attempt == d.opts.MaxRetry {
			d.record("failed")
			d.log.Error().Err(err).
				Str("document", evt.Document).
				Int("revision", evt.Revision).
				Int("worker", workerID).
				Msg("dropping commit event after retries")
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CommitEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Document),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

func (d *KafkaDispatcher) record(status string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordEvent(status)
	}
}
