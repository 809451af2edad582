//go:build unit

package postgres

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/outbox"
)

func TestNewStore(t *testing.T) {
	t.Parallel()

	t.Run("nil db is rejected", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(nil)
		require.ErrorIs(t, err, ErrDatabaseRequired)
		assert.Nil(t, store)
	})

	t.Run("invalid table name is rejected", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(&sql.DB{}, WithTableName("outbox; DROP TABLE users"))
		require.ErrorIs(t, err, ErrInvalidIdentifier)
		assert.Nil(t, store)
	})

	t.Run("blank table name falls back to default", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(&sql.DB{}, WithTableName("   "))
		require.NoError(t, err)
		assert.Equal(t, defaultTableName, store.tableName)
	})

	t.Run("schema-qualified table name is accepted", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(&sql.DB{}, WithTableName("events.outbox_messages"))
		require.NoError(t, err)
		assert.Equal(t, "events.outbox_messages", store.tableName)
	})
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	valid := []string{"outbox_messages", "_private", "Outbox1", "a"}
	for _, identifier := range valid {
		assert.NoError(t, validateIdentifier(identifier), identifier)
	}

	invalid := []string{"", "1outbox", "outbox-messages", `outbox"messages`, "outbox messages", "drop;table"}
	for _, identifier := range invalid {
		assert.ErrorIs(t, validateIdentifier(identifier), ErrInvalidIdentifier, identifier)
	}

	longIdentifier := make([]byte, maxSQLIdentifierLength+1)
	for i := range longIdentifier {
		longIdentifier[i] = 'a'
	}

	assert.ErrorIs(t, validateIdentifier(string(longIdentifier)), ErrInvalidIdentifier)
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_messages"`, quoteIdentifierPath("outbox_messages"))
	assert.Equal(t, `"events"."outbox_messages"`, quoteIdentifierPath("events.outbox_messages"))
	assert.Equal(t, `"odd""name"`, quoteIdentifier(`odd"name`))
}

func TestSplitStuckMessages(t *testing.T) {
	t.Parallel()

	retryableMsg := &outbox.Message{ID: uuid.New(), Attempts: 1}
	exhaustedMsg := &outbox.Message{ID: uuid.New(), Attempts: 2}

	retryable, exhausted := splitStuckMessages([]*outbox.Message{retryableMsg, exhaustedMsg, nil}, 3)

	require.Len(t, retryable, 1)
	assert.Equal(t, retryableMsg.ID, retryable[0].ID)
	require.Len(t, exhausted, 1)
	assert.Equal(t, exhaustedMsg.ID, exhausted[0])
}

func TestValidateEnqueueMessage(t *testing.T) {
	t.Parallel()

	base := func() *outbox.Message {
		return &outbox.Message{
			ID:           uuid.New(),
			ExchangeName: "orders",
			RoutingKey:   "order.created",
			Payload:      []byte(`{"id":1}`),
		}
	}

	t.Run("valid message passes", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, validateEnqueueMessage(base()))
	})

	t.Run("nil message", func(t *testing.T) {
		t.Parallel()

		assert.ErrorIs(t, validateEnqueueMessage(nil), outbox.ErrMessageRequired)
	})

	t.Run("missing id", func(t *testing.T) {
		t.Parallel()

		message := base()
		message.ID = uuid.Nil
		assert.ErrorIs(t, validateEnqueueMessage(message), outbox.ErrMessageIDRequired)
	})

	t.Run("blank exchange", func(t *testing.T) {
		t.Parallel()

		message := base()
		message.ExchangeName = "  "
		assert.ErrorIs(t, validateEnqueueMessage(message), outbox.ErrExchangeNameRequired)
	})

	t.Run("blank routing key", func(t *testing.T) {
		t.Parallel()

		message := base()
		message.RoutingKey = ""
		assert.ErrorIs(t, validateEnqueueMessage(message), outbox.ErrRoutingKeyRequired)
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()

		message := base()
		message.Payload = nil
		assert.ErrorIs(t, validateEnqueueMessage(message), outbox.ErrPayloadRequired)
	})

	t.Run("oversized payload", func(t *testing.T) {
		t.Parallel()

		message := base()
		message.Payload = make([]byte, outbox.DefaultMaxPayloadBytes+1)
		assert.ErrorIs(t, validateEnqueueMessage(message), outbox.ErrPayloadTooLarge)
	})
}

func TestNormalizedEnqueueValues(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("zero timestamps default to now", func(t *testing.T) {
		t.Parallel()

		values := normalizedEnqueueValues(&outbox.Message{ID: uuid.New()}, now)
		assert.Equal(t, now, values.createdAt)
		assert.Equal(t, now, values.updatedAt)
	})

	t.Run("status and counters are forced to initial state", func(t *testing.T) {
		t.Parallel()

		failedAt := now.Add(-time.Hour)
		values := normalizedEnqueueValues(&outbox.Message{
			ID:       uuid.New(),
			Status:   outbox.MessageStatusFailed,
			Attempts: 7,
			FailedAt: &failedAt,
		}, now)

		assert.Equal(t, outbox.MessageStatusReady, values.status)
		assert.Zero(t, values.attempts)
		assert.Nil(t, values.failedAt)
		assert.Nil(t, values.dispatchedAt)
	})

	t.Run("updated_at never precedes created_at", func(t *testing.T) {
		t.Parallel()

		created := now.Add(-time.Minute)
		values := normalizedEnqueueValues(&outbox.Message{
			ID:        uuid.New(),
			CreatedAt: created,
			UpdatedAt: created.Add(-time.Hour),
		}, now)

		assert.Equal(t, created, values.updatedAt)
	})
}

func TestIDsParam(t *testing.T) {
	t.Parallel()

	first := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	second := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t,
		"{11111111-1111-1111-1111-111111111111,22222222-2222-2222-2222-222222222222}",
		idsParam([]uuid.UUID{first, second}),
	)
	assert.Equal(t, "{}", idsParam(nil))
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestEnsureRowsAffected(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ensureRowsAffected(fakeResult{rows: 1}))
	assert.ErrorIs(t, ensureRowsAffected(fakeResult{rows: 0}), outbox.ErrStateConflict)
	assert.ErrorIs(t, ensureRowsAffected(nil), outbox.ErrStateConflict)

	rowsErr := errors.New("driver does not support rows affected")
	assert.ErrorIs(t, ensureRowsAffected(fakeResult{err: rowsErr}), rowsErr)

	assert.NoError(t, ensureRowsAffectedExact(fakeResult{rows: 3}, 3))
	assert.ErrorIs(t, ensureRowsAffectedExact(fakeResult{rows: 2}, 3), outbox.ErrStateConflict)
}

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	err := errors.New("connect postgres://user:hunter2@db:5432/outbox: password=hunter2 rejected")
	sanitized := sanitizeSensitiveError(err)

	assert.NotContains(t, sanitized, "hunter2")
	assert.Contains(t, sanitized, "://***@")
	assert.Contains(t, sanitized, "password=***")
	assert.Empty(t, sanitizeSensitiveError(nil))
}

func TestValidateDBName(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateDBName("outbox"))
	assert.NoError(t, validateDBName("outbox_prod1"))
	assert.Error(t, validateDBName(""))
	assert.Error(t, validateDBName("1outbox"))
	assert.Error(t, validateDBName("outbox;drop"))
}
