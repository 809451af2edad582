//go:build unit

package outbox

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	t.Run("valid message", func(t *testing.T) {
		t.Parallel()

		message, err := NewMessage(NewRoute("orders", "order.created"), []byte(`{"id":42}`))
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, message.ID)
		assert.Equal(t, "orders", message.ExchangeName)
		assert.Equal(t, "order.created", message.RoutingKey)
		assert.Equal(t, MessageStatusReady, message.Status)
		assert.Zero(t, message.Attempts)
		assert.Equal(t, message.CreatedAt, message.UpdatedAt)
		assert.False(t, message.CreatedAt.IsZero())
	})

	t.Run("route values are trimmed", func(t *testing.T) {
		t.Parallel()

		message, err := NewMessage(NewRoute("  orders  ", " order.created "), []byte(`{}`))
		require.NoError(t, err)

		assert.Equal(t, "orders", message.ExchangeName)
		assert.Equal(t, "order.created", message.RoutingKey)
	})

	t.Run("nil router", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(nil, []byte(`{}`))
		assert.ErrorIs(t, err, ErrExchangeNameRequired)
	})

	t.Run("blank exchange", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(NewRoute("   ", "order.created"), []byte(`{}`))
		assert.ErrorIs(t, err, ErrExchangeNameRequired)
	})

	t.Run("blank routing key", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(NewRoute("orders", ""), []byte(`{}`))
		assert.ErrorIs(t, err, ErrRoutingKeyRequired)
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(NewRoute("orders", "order.created"), nil)
		assert.ErrorIs(t, err, ErrPayloadRequired)
	})

	t.Run("oversized payload", func(t *testing.T) {
		t.Parallel()

		payload := append([]byte(`{"padding":"`), bytes.Repeat([]byte("x"), DefaultMaxPayloadBytes)...)
		payload = append(payload, []byte(`"}`)...)

		_, err := NewMessage(NewRoute("orders", "order.created"), payload)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("payload must be JSON", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(NewRoute("orders", "order.created"), []byte("not json"))
		assert.ErrorIs(t, err, ErrPayloadNotJSON)
	})
}

func TestNewMessageWithID(t *testing.T) {
	t.Parallel()

	t.Run("caller-provided id is kept", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		message, err := NewMessageWithID(id, NewRoute("orders", "order.created"), []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, id, message.ID)
	})

	t.Run("nil id is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessageWithID(uuid.Nil, NewRoute("orders", "order.created"), []byte(`{}`))
		assert.ErrorIs(t, err, ErrMessageIDRequired)
	})
}

func TestMessagePartition(t *testing.T) {
	t.Parallel()

	message, err := NewMessage(NewRoute("orders", "order.created"), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "orders/order.created", message.Partition())
}

func TestRoute(t *testing.T) {
	t.Parallel()

	route := NewRoute("orders", "order.created")
	assert.Equal(t, "orders", route.ExchangeName())
	assert.Equal(t, "order.created", route.RoutingKey())
}
