// Package rabbitmq delivers outbox messages to RabbitMQ using publisher
// confirms, so a message is only marked dispatched once the broker has
// taken responsibility for it.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
)

var (
	ErrConnectionStringRequired = errors.New("rabbitmq connection string is required")
	ErrConnectionClosed         = errors.New("rabbitmq connection is closed")
)

// Connection manages a single AMQP connection and hands out channels.
// Channels are cheap; connections are not. The dispatcher publisher opens
// one channel per Publisher and reopens it through this hub when the
// broker drops it.
type Connection struct {
	// ConnectionString is the amqp:// or amqps:// URL.
	ConnectionString string

	// Logger is optional; a no-op logger is used when nil.
	Logger log.Logger

	conn   *amqp.Connection
	mu     sync.Mutex
	closed bool

	// dial is swappable in tests.
	dial func(connString string) (*amqp.Connection, error)
}

// Connect establishes the AMQP connection. It is safe to call again after
// the broker drops the connection; a live connection is left untouched.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrConnectionStringRequired
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connectLocked(ctx)
}

func (rc *Connection) connectLocked(ctx context.Context) error {
	if rc.closed {
		return ErrConnectionClosed
	}

	if strings.TrimSpace(rc.ConnectionString) == "" {
		return ErrConnectionStringRequired
	}

	if rc.conn != nil && !rc.conn.IsClosed() {
		return nil
	}

	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("rabbitmq connect: %w", ctx.Err())
	}

	dial := rc.dial
	if dial == nil {
		dial = amqp.Dial
	}

	conn, err := dial(rc.ConnectionString)
	if err != nil {
		rc.logger().Log(context.Background(), log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, rc.ConnectionString)))

		return newSanitizedError(err, rc.ConnectionString, "rabbitmq connect")
	}

	rc.conn = conn

	rc.logger().Log(context.Background(), log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a fresh channel, reconnecting first when the underlying
// connection is gone.
func (rc *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrConnectionStringRequired
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.connectLocked(ctx); err != nil {
		return nil, err
	}

	channel, err := rc.conn.Channel()
	if err != nil {
		return nil, newSanitizedError(err, rc.ConnectionString, "rabbitmq open channel")
	}

	return channel, nil
}

// HealthCheck reports whether the connection is currently usable.
func (rc *Connection) HealthCheck() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return !rc.closed && rc.conn != nil && !rc.conn.IsClosed()
}

// Close shuts the connection down permanently. Further Connect calls fail
// with ErrConnectionClosed.
func (rc *Connection) Close() error {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.closed = true

	if rc.conn == nil || rc.conn.IsClosed() {
		rc.conn = nil
		return nil
	}

	err := rc.conn.Close()
	rc.conn = nil

	if err != nil {
		return newSanitizedError(err, rc.ConnectionString, "rabbitmq close")
	}

	return nil
}

func (rc *Connection) logger() log.Logger {
	if nilcheck.Interface(rc.Logger) {
		return log.NewNop()
	}

	return rc.Logger
}

// sanitizedError carries a credential-free message while keeping the
// original error reachable through errors.Is / errors.As.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	if strings.Contains(errMsg, referenceURL.String()) {
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)
	}

	// The password may appear decoded in driver errors even when the URL
	// carried it percent-encoded.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string. An empty
// vhost means the default vhost "/" (no path in the URL). User, password,
// and vhost are URL-encoded; bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape: vhost names may contain '/',
		// which must become %2F. The ReplaceAll converts the query-style
		// space encoding (+) to the path-style one.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
