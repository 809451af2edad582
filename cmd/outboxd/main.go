// outboxd runs the outbox dispatcher as a standalone process: it claims
// READY rows from PostgreSQL and relays them to RabbitMQ or Kafka.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relaypoint/outbox"
	"github.com/relaypoint/outbox/kafka"
	"github.com/relaypoint/outbox/log"
	"github.com/relaypoint/outbox/postgres"
	"github.com/relaypoint/outbox/rabbitmq"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := MustLoadConfig()

	zapLogger := MustSetupLogger(cfg.Logger)
	logger := log.NewZap(zapLogger).With(log.String("service", cfg.Service.Name))

	if err := run(ctx, cfg, logger); err != nil {
		logger.Log(context.Background(), log.LevelError, "outboxd exited with error", log.Err(err))
	}

	if err := logger.Sync(context.Background()); err != nil {
		zapLogger.Sugar().Warnw("failed to sync logger", "error", err)
	}
}

func run(ctx context.Context, cfg *Config, logger log.Logger) error {
	dsn := cfg.Database.DSN()

	conn := &postgres.Connection{
		ConnectionString:   dsn,
		DatabaseName:       cfg.Database.Name,
		Logger:             logger,
		MaxOpenConnections: cfg.Database.MaxOpenConnections,
		MaxIdleConnections: cfg.Database.MaxIdleConnections,
		SkipMigrations:     cfg.Database.SkipMigrations,
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}

	defer func() {
		if err := conn.Close(); err != nil {
			log.SafeError(logger, context.Background(), "postgres close failed", err)
		}
	}()

	db, err := conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("postgres database handle: %w", err)
	}

	storeOpts := []postgres.StoreOption{
		postgres.WithLogger(logger),
		postgres.WithTracer(otel.Tracer("outbox.store")),
	}
	if cfg.Database.Table != "" {
		storeOpts = append(storeOpts, postgres.WithTableName(cfg.Database.Table))
	}

	store, err := postgres.NewStore(db, storeOpts...)
	if err != nil {
		return fmt.Errorf("outbox store: %w", err)
	}

	listenerOpts := []postgres.ListenerOption{postgres.WithListenerLogger(logger)}
	if cfg.Database.ListenChannel != "" {
		listenerOpts = append(listenerOpts, postgres.WithChannel(cfg.Database.ListenChannel))
	}

	listener, err := postgres.NewListener(dsn, listenerOpts...)
	if err != nil {
		return fmt.Errorf("outbox listener: %w", err)
	}

	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("outbox listener start: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := listener.Close(closeCtx); err != nil {
			log.SafeError(logger, closeCtx, "listener close failed", err)
		}
	}()

	publisher, classifier, closePublisher, err := buildPublisher(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("broker publisher: %w", err)
	}

	defer func() {
		if err := closePublisher(); err != nil {
			log.SafeError(logger, context.Background(), "publisher close failed", err)
		}
	}()

	dispatcher, err := outbox.NewDispatcher(store, publisher, logger, otel.Tracer("outbox.dispatcher"),
		dispatcherOptions(cfg.Dispatcher, listener, classifier)...)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "outboxd started",
		log.String("broker", cfg.Broker.Kind),
		log.String("database", cfg.Database.Name),
	)

	errs := make(chan error, 1)

	go func() { errs <- dispatcher.Run(ctx) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Log(context.Background(), log.LevelInfo, "received stop signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}

	return <-errs
}

func dispatcherOptions(cfg DispatcherConfig, notifier outbox.Notifier, classifier outbox.RetryClassifier) []outbox.DispatcherOption {
	opts := []outbox.DispatcherOption{
		outbox.WithNotifier(notifier),
		outbox.WithRetryClassifier(classifier),
	}

	if cfg.PollInterval > 0 {
		opts = append(opts, outbox.WithPollInterval(cfg.PollInterval))
	}

	if cfg.BatchSize > 0 {
		opts = append(opts, outbox.WithBatchSize(cfg.BatchSize))
	}

	if cfg.PublishMaxAttempts > 0 {
		opts = append(opts, outbox.WithPublishMaxAttempts(cfg.PublishMaxAttempts))
	}

	if cfg.PublishBackoff > 0 {
		opts = append(opts, outbox.WithPublishBackoff(cfg.PublishBackoff))
	}

	if cfg.RetryWindow > 0 {
		opts = append(opts, outbox.WithRetryWindow(cfg.RetryWindow))
	}

	if cfg.MaxDispatchAttempts > 0 {
		opts = append(opts, outbox.WithMaxDispatchAttempts(cfg.MaxDispatchAttempts))
	}

	if cfg.ProcessingTimeout > 0 {
		opts = append(opts, outbox.WithProcessingTimeout(cfg.ProcessingTimeout))
	}

	if cfg.MaxFailedPerBatch > 0 {
		opts = append(opts, outbox.WithMaxFailedPerBatch(cfg.MaxFailedPerBatch))
	}

	if cfg.ClaimFailureThreshold > 0 {
		opts = append(opts, outbox.WithClaimFailureThreshold(cfg.ClaimFailureThreshold))
	}

	if cfg.ClaimBackoff > 0 {
		opts = append(opts, outbox.WithClaimBackoff(cfg.ClaimBackoff))
	}

	return opts
}

func buildPublisher(ctx context.Context, cfg BrokerConfig, logger log.Logger) (outbox.Publisher, outbox.RetryClassifier, func() error, error) {
	switch cfg.Kind {
	case brokerKindKafka:
		publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, nil, kafka.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}

		return publisher, kafka.NonRetryableClassifier(), publisher.Close, nil
	default:
		conn := &rabbitmq.Connection{
			ConnectionString: rabbitmq.BuildConnectionString(
				cfg.RabbitMQ.Protocol,
				cfg.RabbitMQ.User,
				cfg.RabbitMQ.Pass,
				cfg.RabbitMQ.Host,
				cfg.RabbitMQ.Port,
				cfg.RabbitMQ.VHost,
			),
			Logger: logger,
		}

		opts := []rabbitmq.PublisherOption{rabbitmq.WithLogger(logger)}

		if cfg.RabbitMQ.ConfirmTimeout > 0 {
			opts = append(opts, rabbitmq.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout))
		}

		if cfg.RabbitMQ.ExchangeKind != "" {
			opts = append(opts, rabbitmq.WithExchangeKind(cfg.RabbitMQ.ExchangeKind))
		}

		if !cfg.RabbitMQ.DeclareExchanges {
			opts = append(opts, rabbitmq.WithoutExchangeDeclaration())
		}

		publisher, err := rabbitmq.NewPublisher(ctx, conn, opts...)
		if err != nil {
			return nil, nil, nil, err
		}

		closeAll := func() error {
			publishErr := publisher.Close()
			if connErr := conn.Close(); connErr != nil && publishErr == nil {
				publishErr = connErr
			}

			return publishErr
		}

		return publisher, rabbitmq.NonRetryableClassifier(), closeAll, nil
	}
}
