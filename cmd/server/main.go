package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dancode-188/padsync/internal/config"
	"github.com/Dancode-188/padsync/internal/events"
	"github.com/Dancode-188/padsync/internal/logger"
	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/Dancode-188/padsync/internal/presence"
	"github.com/Dancode-188/padsync/internal/security"
	"github.com/Dancode-188/padsync/internal/server"
	"github.com/Dancode-188/padsync/internal/session"
	"github.com/Dancode-188/padsync/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "padsync: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.Disconnect(context.Background())

	tracker, closeTracker, err := openTracker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTracker()

	sink, err := openEventSink(cfg, m, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	limits := security.Limits{
		MaxConnectionsPerIP:  cfg.Limits.MaxConnectionsPerIP,
		MaxMessagesPerMinute: cfg.Limits.MaxMessagesPerMinute,
		MaxMessageSize:       cfg.Limits.MaxMessageSize,
		MaxDocumentLength:    cfg.Limits.MaxDocumentLength,
	}
	sec := security.NewManager(limits)
	defer sec.Dispose()

	store := storage.NewStore(backend, log)
	manager := session.NewManager(store, session.Options{
		Tracker:           tracker,
		Events:            sink,
		Metrics:           m,
		MaxDocumentLength: limits.MaxDocumentLength,
	}, log)
	defer manager.Close()

	srv := server.New(cfg, server.Deps{
		Manager:  manager,
		Backend:  backend,
		Security: sec,
		Metrics:  m,
		Logger:   log,
	})

	addr := cfg.Addr()
	logger.LogServerStart(log, addr, cfg.Storage.Driver)
	log.Info().Msgf("Health check: http://%s/health", addr)
	log.Info().Msgf("WebSocket: ws://%s/ws", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.LogServerShutdown(log)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("forced shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server shut down")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Backend, error) {
	var backend storage.Backend
	switch cfg.Storage.Driver {
	case "file":
		backend = storage.NewFileBackend(cfg.Storage.Folder, log)
	case "postgres":
		sc := storage.DefaultStorageConfig()
		sc.ConnectionString = cfg.Storage.DatabaseURL
		backend = storage.NewPostgresBackend(sc)
	case "memory":
		backend = storage.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if err := backend.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s storage: %w", cfg.Storage.Driver, err)
	}
	return backend, nil
}

func openTracker(ctx context.Context, cfg *config.Config) (presence.Tracker, func(), error) {
	if cfg.Redis.URL == "" {
		return presence.NewMemoryTracker(), func() {}, nil
	}

	rc := presence.DefaultRedisConfig()
	rc.URL = cfg.Redis.URL
	rc.Prefix = cfg.Redis.Prefix
	rc.TTL = cfg.Redis.PresenceTTL
	tracker, err := presence.NewRedisTracker(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	return tracker, func() { tracker.Close() }, nil
}

func openEventSink(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) (events.Sink, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NopSink{}, nil
	}

	producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	opts := events.DefaultKafkaOptions()
	opts.QueueSize = cfg.Kafka.QueueSize
	opts.Workers = cfg.Kafka.Workers
	opts.MaxRetry = cfg.Kafka.MaxRetry
	opts.Metrics = m
	return events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, opts, log), nil
}
