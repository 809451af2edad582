//go:build integration

package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaypoint/outbox/log"
)

const (
	testRabbitMQImage   = "rabbitmq:3-management-alpine"
	testStartupTimeout  = 60 * time.Second
	testConsumeDeadline = 10 * time.Second
)

func setupRabbitMQContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(testStartupTimeout),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	amqpURL, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	return amqpURL
}

func newTestConnection(t *testing.T, amqpURL string) *Connection {
	t.Helper()

	conn := &Connection{
		ConnectionString: amqpURL,
		Logger:           log.NewNop(),
	}

	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("cleanup: connection close: %v", err)
		}
	})

	return conn
}

func TestIntegration_ConnectionLifecycle(t *testing.T) {
	amqpURL := setupRabbitMQContainer(t)

	ctx := context.Background()
	conn := newTestConnection(t, amqpURL)

	require.NoError(t, conn.Connect(ctx))
	assert.True(t, conn.HealthCheck())

	channel, err := conn.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, channel.Close())
}

func TestIntegration_PublishIsConsumable(t *testing.T) {
	amqpURL := setupRabbitMQContainer(t)

	ctx := context.Background()
	conn := newTestConnection(t, amqpURL)

	publisher, err := NewPublisher(ctx, conn, WithLogger(log.NewNop()))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := publisher.Close(); err != nil {
			t.Errorf("cleanup: publisher close: %v", err)
		}
	})

	// Bind a queue so the delivery is observable. The first publish
	// declares the exchange, so the binding happens after it.
	require.NoError(t, publisher.Publish(ctx, "orders", "order.created", []byte(`{"n":1}`)))

	consumeChannel, err := conn.Channel(ctx)
	require.NoError(t, err)

	queue, err := consumeChannel.QueueDeclare("orders.audit", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, consumeChannel.QueueBind(queue.Name, "order.#", "orders", false, nil))

	require.NoError(t, publisher.Publish(ctx, "orders", "order.created", []byte(`{"n":2}`)))

	deliveries, err := consumeChannel.Consume(queue.Name, "", true, false, false, false, nil)
	require.NoError(t, err)

	select {
	case delivery := <-deliveries:
		assert.Equal(t, []byte(`{"n":2}`), delivery.Body)
		assert.Equal(t, "application/json", delivery.ContentType)
		assert.Equal(t, uint8(amqp.Persistent), delivery.DeliveryMode)
		assert.Equal(t, "order.created", delivery.RoutingKey)
	case <-time.After(testConsumeDeadline):
		t.Fatal("no delivery received")
	}
}

func TestIntegration_PublisherRecoversDroppedChannel(t *testing.T) {
	amqpURL := setupRabbitMQContainer(t)

	ctx := context.Background()
	conn := newTestConnection(t, amqpURL)

	publisher, err := NewPublisher(ctx, conn)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := publisher.Close(); err != nil {
			t.Errorf("cleanup: publisher close: %v", err)
		}
	})

	require.NoError(t, publisher.Publish(ctx, "orders", "order.created", []byte(`{"n":1}`)))

	// Kill the channel out from under the publisher; the next publish
	// reopens one through the connection hub.
	publisher.publishMu.Lock()
	require.NoError(t, publisher.channel.Close())
	publisher.publishMu.Unlock()

	require.Eventually(t, func() bool {
		return publisher.Publish(ctx, "orders", "order.created", []byte(`{"n":2}`)) == nil
	}, 5*time.Second, 100*time.Millisecond)
}
