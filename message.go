package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MessageStatusReady      = "READY"
	MessageStatusProcessing = "PROCESSING"
	MessageStatusDispatched = "DISPATCHED"
	MessageStatusFailed     = "FAILED"
	MessageStatusDead       = "DEAD"
	DefaultMaxPayloadBytes  = 1 << 20
)

// Router resolves where a message is published: a logical exchange and the
// key brokers use to route it to bound queues.
type Router interface {
	ExchangeName() string
	RoutingKey() string
}

// Route is a plain exchange/routing-key pair implementing Router.
type Route struct {
	Exchange string `json:"exchange"`
	Key      string `json:"routing_key"`
}

// NewRoute builds a Route value.
func NewRoute(exchange, key string) Route {
	return Route{Exchange: exchange, Key: key}
}

func (route Route) ExchangeName() string {
	return route.Exchange
}

func (route Route) RoutingKey() string {
	return route.Key
}

// Message is a domain event staged in the outbox for reliable delivery.
//
// Payload and routing metadata are write-once; only the dispatcher mutates
// Status, Attempts, FailedAt, DispatchedAt, and LastError after creation.
type Message struct {
	ID           uuid.UUID
	ExchangeName string
	RoutingKey   string
	Payload      json.RawMessage
	Status       string
	Attempts     int
	FailedAt     *time.Time
	DispatchedAt *time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewMessage creates a valid outbox message initialized as ready for dispatch.
func NewMessage(router Router, payload []byte) (*Message, error) {
	return NewMessageWithID(uuid.New(), router, payload)
}

// NewMessageWithID creates a valid outbox message using a caller-provided ID.
// Producers that derive the ID from the business entity can use it to make
// enqueueing naturally idempotent.
func NewMessageWithID(messageID uuid.UUID, router Router, payload []byte) (*Message, error) {
	if messageID == uuid.Nil {
		return nil, ErrMessageIDRequired
	}

	if router == nil {
		return nil, ErrExchangeNameRequired
	}

	exchangeName := strings.TrimSpace(router.ExchangeName())
	if exchangeName == "" {
		return nil, ErrExchangeNameRequired
	}

	routingKey := strings.TrimSpace(router.RoutingKey())
	if routingKey == "" {
		return nil, ErrRoutingKeyRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Message{
		ID:           messageID,
		ExchangeName: exchangeName,
		RoutingKey:   routingKey,
		Payload:      json.RawMessage(payload),
		Status:       MessageStatusReady,
		Attempts:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Partition identifies the ordering domain of the message. Creation order is
// preserved per partition within a single dispatcher instance.
func (message *Message) Partition() string {
	return message.ExchangeName + "/" + message.RoutingKey
}
