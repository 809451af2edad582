package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaypoint/outbox"
	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	defaultExchangeKind   = "topic"

	// confirmChannelBuffer keeps the broker from blocking on confirm
	// delivery while the publisher is between waits.
	confirmChannelBuffer = 16
)

var (
	ErrConnectionRequired     = errors.New("rabbitmq connection is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherClosed        = errors.New("rabbitmq publisher is closed")
	ErrChannelClosed          = errors.New("rabbitmq channel closed before confirm")
	ErrPublishNacked          = errors.New("rabbitmq publish was nacked by the broker")
	ErrConfirmTimeout         = errors.New("timed out waiting for rabbitmq publish confirm")
	ErrConfirmModeUnavailable = errors.New("rabbitmq channel does not support confirm mode")
)

// ConfirmableChannel is the slice of *amqp.Channel the publisher needs.
// Tests substitute a fake.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ ConfirmableChannel = (*amqp.Channel)(nil)

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

// WithConfirmTimeout bounds how long a publish waits for the broker ack.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithExchangeKind overrides the kind used when declaring exchanges.
// The default is "topic".
func WithExchangeKind(kind string) PublisherOption {
	return func(pub *Publisher) {
		if kind != "" {
			pub.exchangeKind = kind
		}
	}
}

// WithoutExchangeDeclaration skips exchange declaration entirely, for
// topologies provisioned out of band where the publisher lacks configure
// permission.
func WithoutExchangeDeclaration() PublisherOption {
	return func(pub *Publisher) {
		pub.declareExchanges = false
	}
}

// Publisher sends persistent JSON deliveries and waits for the broker
// confirm before reporting success, which is what lets the dispatcher mark
// a row DISPATCHED without losing messages.
//
// publishMu serializes publish+confirm pairs, so confirms are matched to
// deliveries by arrival order. A corrupted confirm stream (timeout, context
// cancellation, channel close) drops the channel; the next publish reopens
// one through the connection hub.
type Publisher struct {
	conn             *Connection
	logger           log.Logger
	confirmTimeout   time.Duration
	exchangeKind     string
	declareExchanges bool

	publishMu    sync.Mutex
	channel      ConfirmableChannel
	confirms     chan amqp.Confirmation
	closeNotify  chan *amqp.Error
	declared     map[string]struct{}
	channelValid bool
	closed       bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher opens a confirm-mode channel on the given connection.
func NewPublisher(ctx context.Context, conn *Connection, opts ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	pub := newPublisher(opts)
	pub.conn = conn

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	if err := pub.ensureChannelLocked(ctx); err != nil {
		return nil, err
	}

	return pub, nil
}

// NewPublisherFromChannel wraps an existing channel. Without a connection
// hub the publisher cannot recover a dropped channel.
func NewPublisherFromChannel(channel ConfirmableChannel, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	pub := newPublisher(opts)

	if err := pub.adoptChannel(channel); err != nil {
		return nil, err
	}

	return pub, nil
}

func newPublisher(opts []PublisherOption) *Publisher {
	pub := &Publisher{
		logger:           log.NewNop(),
		confirmTimeout:   defaultConfirmTimeout,
		exchangeKind:     defaultExchangeKind,
		declareExchanges: true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub
}

// Publish implements outbox.Publisher. It returns nil only after the broker
// has acked the delivery.
func (pub *Publisher) Publish(ctx context.Context, exchangeName, routingKey string, payload []byte) error {
	if pub == nil {
		return ErrPublisherClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	if pub.closed {
		return ErrPublisherClosed
	}

	if err := pub.ensureChannelLocked(ctx); err != nil {
		return err
	}

	if err := pub.ensureExchangeLocked(exchangeName); err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	if err := pub.channel.PublishWithContext(ctx, exchangeName, routingKey, false, false, publishing); err != nil {
		pub.invalidateChannelLocked(ctx)

		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	return pub.waitForConfirmLocked(ctx)
}

// Close shuts the publisher down. In-flight confirms are drained and
// further publishes fail with ErrPublisherClosed.
func (pub *Publisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	if pub.closed {
		return nil
	}

	pub.closed = true

	var closeErr error
	if pub.channelValid {
		closeErr = pub.channel.Close()
	}

	pub.channelValid = false
	pub.drainConfirmsLocked()

	if closeErr != nil {
		return fmt.Errorf("rabbitmq publisher close: %w", closeErr)
	}

	return nil
}

func (pub *Publisher) ensureChannelLocked(ctx context.Context) error {
	if pub.channelValid {
		return nil
	}

	if pub.conn == nil {
		return ErrChannelClosed
	}

	channel, err := pub.conn.Channel(ctx)
	if err != nil {
		return err
	}

	if err := pub.adoptChannel(channel); err != nil {
		if closeErr := channel.Close(); closeErr != nil {
			pub.logger.Log(ctx, log.LevelDebug, "rabbitmq channel close after failed confirm setup",
				log.String("error", closeErr.Error()))
		}

		return err
	}

	return nil
}

func (pub *Publisher) adoptChannel(channel ConfirmableChannel) error {
	if err := channel.Confirm(false); err != nil {
		return fmt.Errorf("%w: %s", ErrConfirmModeUnavailable, err.Error())
	}

	pub.channel = channel
	pub.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	pub.closeNotify = channel.NotifyClose(make(chan *amqp.Error, 1))
	pub.declared = make(map[string]struct{})
	pub.channelValid = true

	return nil
}

func (pub *Publisher) ensureExchangeLocked(exchangeName string) error {
	if !pub.declareExchanges {
		return nil
	}

	if _, ok := pub.declared[exchangeName]; ok {
		return nil
	}

	// A failed declare closes the channel per AMQP semantics.
	if err := pub.channel.ExchangeDeclare(exchangeName, pub.exchangeKind, true, false, false, false, nil); err != nil {
		pub.invalidateChannelLocked(context.Background())

		return fmt.Errorf("rabbitmq declare exchange %q: %w", exchangeName, err)
	}

	pub.declared[exchangeName] = struct{}{}

	return nil
}

func (pub *Publisher) waitForConfirmLocked(ctx context.Context) error {
	timer := time.NewTimer(pub.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-pub.confirms:
		if !ok {
			pub.invalidateChannelLocked(ctx)

			return ErrChannelClosed
		}

		if !confirmation.Ack {
			return ErrPublishNacked
		}

		return nil
	case amqpErr := <-pub.closeNotify:
		pub.invalidateChannelLocked(ctx)

		if amqpErr != nil {
			return fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Error())
		}

		return ErrChannelClosed
	case <-timer.C:
		// A late confirm would desynchronize the stream; drop the channel
		// rather than guess which delivery it belongs to.
		pub.invalidateChannelLocked(ctx)

		return ErrConfirmTimeout
	case <-ctx.Done():
		pub.invalidateChannelLocked(ctx)

		return fmt.Errorf("rabbitmq confirm wait: %w", ctx.Err())
	}
}

func (pub *Publisher) invalidateChannelLocked(ctx context.Context) {
	if !pub.channelValid {
		return
	}

	pub.channelValid = false
	pub.declared = nil

	if err := pub.channel.Close(); err != nil {
		pub.logger.Log(ctx, log.LevelDebug, "rabbitmq channel close failed",
			log.String("error", err.Error()))
	}

	pub.drainConfirmsLocked()
}

func (pub *Publisher) drainConfirmsLocked() {
	if pub.confirms == nil {
		return
	}

	for {
		select {
		case _, ok := <-pub.confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NonRetryableClassifier reports broker failures a retry cannot fix, so the
// dispatcher dead-letters instead of burning attempts: refused access,
// missing exchanges, precondition failures.
func NonRetryableClassifier() outbox.RetryClassifier {
	return outbox.RetryClassifierFunc(func(err error) bool {
		var amqpErr *amqp.Error
		if !errors.As(err, &amqpErr) {
			return false
		}

		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.NotAllowed, amqp.NotImplemented:
			return true
		default:
			return false
		}
	})
}
