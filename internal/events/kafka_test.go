package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
)

func testOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt CommitEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Document != "/doc" || evt.Revision != 3 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if evt.Operation == nil || evt.Operation.TargetLen != 3 {
			return fmt.Errorf("unexpected operation %+v", evt.Operation)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "commits", testOptions(), zerolog.Nop())
	err := d.Publish(context.Background(), CommitEvent{
		Document:  "/doc",
		Revision:  3,
		SessionID: "s1",
		Operation: ot.New().Retain(2).Insert("x"),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Close drains the queue; the mock fails the test on unmet expectations
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "commits", testOptions(), zerolog.Nop())
	if err := d.Publish(context.Background(), CommitEvent{Document: "/doc", Revision: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestKafkaDispatcher_GivesUpAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	d := NewKafkaDispatcher(producer, "commits", testOptions(), zerolog.Nop())
	if err := d.Publish(context.Background(), CommitEvent{Document: "/doc", Revision: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestKafkaDispatcher_PublishAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaDispatcher(producer, "commits", testOptions(), zerolog.Nop())
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := d.Publish(context.Background(), CommitEvent{Document: "/doc"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() error = %v, want ErrClosed", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	if err := s.Publish(context.Background(), CommitEvent{}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
