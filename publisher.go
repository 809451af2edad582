package outbox

import "context"

// Publisher delivers one payload to the broker and reports confirmation or
// failure. Implementations are not expected to be exactly-once; the
// dispatcher only guarantees at-least-once delivery and downstream consumers
// deduplicate.
type Publisher interface {
	Publish(ctx context.Context, exchangeName, routingKey string, payload []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, exchangeName, routingKey string, payload []byte) error

func (fn PublisherFunc) Publish(ctx context.Context, exchangeName, routingKey string, payload []byte) error {
	return fn(ctx, exchangeName, routingKey, payload)
}
