// Package kafka delivers outbox messages to Kafka through a sarama
// SyncProducer. The exchange name maps to the topic and the routing key
// becomes the message key, so messages sharing a routing key keep their
// relative order within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/relaypoint/outbox"
	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
)

var (
	ErrBrokersRequired  = errors.New("kafka brokers are required")
	ErrProducerRequired = errors.New("kafka producer is required")
	ErrPublisherClosed  = errors.New("kafka publisher is closed")
)

// Producer is the slice of sarama.SyncProducer the publisher needs.
// Tests substitute the sarama mocks package.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// NewConfig returns the producer configuration the publisher expects:
// acks from all in-sync replicas and an idempotent producer, so a broker
// retry cannot duplicate a delivery the outbox already counts as sent.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	return cfg
}

// PublisherOption configures the publisher at construction.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// Publisher implements outbox.Publisher on top of a synchronous Kafka
// producer.
type Publisher struct {
	producer Producer
	logger   log.Logger

	mu     sync.Mutex
	closed bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher connects a SyncProducer to the given brokers. A nil config
// falls back to NewConfig.
func NewPublisher(brokers []string, cfg *sarama.Config, opts ...PublisherOption) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if cfg == nil {
		cfg = NewConfig()
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka connect: %w", err)
	}

	return NewPublisherFromProducer(producer, opts...)
}

// NewPublisherFromProducer wraps an existing producer.
func NewPublisherFromProducer(producer Producer, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(producer) {
		return nil, ErrProducerRequired
	}

	pub := &Publisher{
		producer: producer,
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// Publish implements outbox.Publisher. SendMessage blocks until the broker
// acks per the producer config, so a nil return means the cluster has the
// message.
func (pub *Publisher) Publish(ctx context.Context, exchangeName, routingKey string, payload []byte) error {
	if pub == nil {
		return ErrPublisherClosed
	}

	// sarama's synchronous path does not take a context.
	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("kafka publish: %w", ctx.Err())
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.closed {
		return ErrPublisherClosed
	}

	message := &sarama.ProducerMessage{
		Topic:     exchangeName,
		Key:       sarama.StringEncoder(routingKey),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now().UTC(),
	}

	partition, offset, err := pub.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("kafka publish to %q: %w", exchangeName, err)
	}

	pub.logger.Log(ctx, log.LevelDebug, "kafka message delivered",
		log.String("topic", exchangeName),
		log.String("key", routingKey),
		log.Int("partition", int(partition)),
		log.Any("offset", offset),
	)

	return nil
}

// Close shuts the producer down. Further publishes fail with
// ErrPublisherClosed.
func (pub *Publisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.closed {
		return nil
	}

	pub.closed = true

	if err := pub.producer.Close(); err != nil {
		return fmt.Errorf("kafka publisher close: %w", err)
	}

	return nil
}

// NonRetryableClassifier reports producer failures a retry cannot fix, so
// the dispatcher dead-letters instead of burning attempts: oversized or
// malformed records, unknown or unauthorized topics.
func NonRetryableClassifier() outbox.RetryClassifier {
	return outbox.RetryClassifierFunc(func(err error) bool {
		nonRetryable := []error{
			sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrInvalidMessageSize,
			sarama.ErrUnknownTopicOrPartition,
			sarama.ErrTopicAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed,
		}

		for _, target := range nonRetryable {
			if errors.Is(err, target) {
				return true
			}
		}

		return false
	})
}
