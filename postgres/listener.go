package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaypoint/outbox"
	"github.com/relaypoint/outbox/backoff"
	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
	"github.com/relaypoint/outbox/runtime"
)

const (
	// DefaultChannel is the NOTIFY channel the schema trigger publishes on.
	DefaultChannel = "outbox_changes"

	defaultNotificationBuffer = 16
	defaultReconnectBackoff   = 500 * time.Millisecond
	maxReconnectExponent      = 6
	closeTimeout              = 5 * time.Second
)

var (
	ErrListenerStarted = errors.New("outbox listener already started")
	ErrListenerClosed  = errors.New("outbox listener is closed")
)

// ListenerOption configures the listener at construction.
type ListenerOption func(*Listener)

// WithListenerLogger sets the listener logger.
func WithListenerLogger(logger log.Logger) ListenerOption {
	return func(listener *Listener) {
		if nilcheck.Interface(logger) {
			return
		}

		listener.logger = logger
	}
}

// WithChannel overrides the NOTIFY channel to listen on.
func WithChannel(channel string) ListenerOption {
	return func(listener *Listener) {
		listener.channel = channel
	}
}

// WithNotificationBuffer sets the notification channel capacity.
func WithNotificationBuffer(size int) ListenerOption {
	return func(listener *Listener) {
		if size > 0 {
			listener.bufferSize = size
		}
	}
}

// WithReconnectBackoff sets the base delay between reconnect attempts.
func WithReconnectBackoff(base time.Duration) ListenerOption {
	return func(listener *Listener) {
		if base > 0 {
			listener.reconnectBackoff = base
		}
	}
}

// Listener implements outbox.Notifier over a dedicated PostgreSQL LISTEN
// connection.
//
// Notifications are hints: the buffered channel coalesces bursts by
// dropping notifications while the dispatcher is already awake, and a lost
// connection is retried with backoff while the dispatcher keeps making
// progress from its polling ticker.
type Listener struct {
	connString       string
	channel          string
	bufferSize       int
	reconnectBackoff time.Duration
	logger           log.Logger

	notifications chan outbox.ChangeNotification
	cancel        context.CancelFunc
	done          chan struct{}
	mu            sync.Mutex
	started       bool
	closed        bool
}

var _ outbox.Notifier = (*Listener)(nil)

// NewListener creates a LISTEN/NOTIFY notifier for the given DSN. The
// listener owns its own connection; it must not share the store's pool
// because WaitForNotification blocks the connection indefinitely.
func NewListener(connString string, opts ...ListenerOption) (*Listener, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, ErrConnectionStringRequired
	}

	listener := &Listener{
		connString:       connString,
		channel:          DefaultChannel,
		bufferSize:       defaultNotificationBuffer,
		reconnectBackoff: defaultReconnectBackoff,
		logger:           log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(listener)
		}
	}

	listener.channel = strings.TrimSpace(listener.channel)
	if listener.channel == "" {
		listener.channel = DefaultChannel
	}

	if err := validateIdentifier(listener.channel); err != nil {
		return nil, fmt.Errorf("channel name: %w", err)
	}

	listener.notifications = make(chan outbox.ChangeNotification, listener.bufferSize)
	listener.done = make(chan struct{})

	return listener, nil
}

// Notifications implements outbox.Notifier. The channel is closed when the
// listener shuts down for good.
func (listener *Listener) Notifications() <-chan outbox.ChangeNotification {
	return listener.notifications
}

// Start launches the listen loop in a background goroutine. The loop
// reconnects with backoff until Close is called or parentCtx is cancelled.
func (listener *Listener) Start(parentCtx context.Context) error {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()

	if listener.closed {
		return ErrListenerClosed
	}

	if listener.started {
		return ErrListenerStarted
	}

	ctx, cancel := context.WithCancel(parentCtx)
	listener.cancel = cancel
	listener.started = true

	runtime.SafeGo(listener.logger, "outbox", "listener_run", func() {
		defer close(listener.done)
		defer close(listener.notifications)

		listener.run(ctx)
	})

	return nil
}

// Close stops the listen loop and waits for it to finish.
func (listener *Listener) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	listener.mu.Lock()

	listener.closed = true
	cancel := listener.cancel
	started := listener.started

	listener.mu.Unlock()

	if !started {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	select {
	case <-listener.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener close: %w", ctx.Err())
	}
}

func (listener *Listener) run(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := pgx.Connect(ctx, listener.connString)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			listener.logger.Log(ctx, log.LevelWarn, "outbox listener failed to connect",
				log.String("error", sanitizeSensitiveError(err)),
				log.Int("attempt", attempt+1),
			)

			if !listener.waitReconnect(ctx, &attempt) {
				return
			}

			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(listener.channel)); err != nil {
			listener.closeConn(conn)

			if ctx.Err() != nil {
				return
			}

			listener.logger.Log(ctx, log.LevelWarn, "outbox listener failed to subscribe",
				log.String("channel", listener.channel),
				log.String("error", sanitizeSensitiveError(err)),
			)

			if !listener.waitReconnect(ctx, &attempt) {
				return
			}

			continue
		}

		listener.logger.Log(ctx, log.LevelInfo, "outbox listener subscribed",
			log.String("channel", listener.channel))

		attempt = 0

		if !listener.receive(ctx, conn) {
			return
		}

		if !listener.waitReconnect(ctx, &attempt) {
			return
		}
	}
}

// receive consumes notifications until the connection breaks. It returns
// false when the listener should stop instead of reconnecting.
func (listener *Listener) receive(ctx context.Context, conn *pgx.Conn) bool {
	defer listener.closeConn(conn)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}

			listener.logger.Log(ctx, log.LevelWarn, "outbox listener connection lost",
				log.String("error", sanitizeSensitiveError(err)))

			return true
		}

		listener.deliver(ctx, notification.Payload)
	}
}

func (listener *Listener) deliver(ctx context.Context, payload string) {
	var notification outbox.ChangeNotification

	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		// Still worth a wake-up; the dispatcher re-reads eligibility anyway.
		listener.logger.Log(ctx, log.LevelWarn, "outbox notification payload is not valid JSON",
			log.String("error", err.Error()))

		notification = outbox.ChangeNotification{}
	}

	select {
	case listener.notifications <- notification:
	default:
		// Dispatcher is already awake; coalesce the burst.
	}
}

func (listener *Listener) waitReconnect(ctx context.Context, attempt *int) bool {
	exponent := *attempt
	if exponent > maxReconnectExponent {
		exponent = maxReconnectExponent
	}

	*attempt++

	delay := backoff.ExponentialWithJitter(listener.reconnectBackoff, exponent)

	return backoff.SleepWithContext(ctx, delay) == nil
}

func (listener *Listener) closeConn(conn *pgx.Conn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := conn.Close(closeCtx); err != nil {
		listener.logger.Log(closeCtx, log.LevelDebug, "outbox listener connection close failed",
			log.String("error", sanitizeSensitiveError(err)))
	}
}
