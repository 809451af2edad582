package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle accepted by EnqueueInTx.
//
// It intentionally aliases *sql.Tx so producers can stage a message inside
// the same transaction as their business write without an adapter layer in
// the write path.
type Tx = *sql.Tx

// Store defines persistence operations for outbox messages.
//
// Claiming semantics: ClaimEligible, RequeueFailed, and ReclaimStuck must be
// safe to call concurrently from multiple dispatcher instances; two instances
// never receive the same row (row-level locking in the implementation). A
// claimed row whose owner crashes becomes reclaimable once it is older than
// the processing timeout passed to ReclaimStuck.
type Store interface {
	// Enqueue stores a new message in its own transaction.
	Enqueue(ctx context.Context, message *Message) (*Message, error)

	// EnqueueInTx stores a new message inside the caller's open transaction,
	// making it atomic with the business write.
	EnqueueInTx(ctx context.Context, tx Tx, message *Message) (*Message, error)

	// ClaimEligible atomically selects up to limit READY messages ordered by
	// creation time (ties broken by id) and transitions them to PROCESSING.
	ClaimEligible(ctx context.Context, limit int) ([]*Message, error)

	// GetByID retrieves a message regardless of status.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// MarkDispatched records the terminal successful transition. Rows are
	// retained with a DISPATCHED status for audit rather than deleted.
	MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error

	// MarkFailed records a publish failure, stamping failed_at and
	// incrementing attempts. When attempts reach maxAttempts the row is
	// dead-lettered instead.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error

	// MarkDead immediately dead-letters a message whose payload the broker
	// will never accept.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error

	// Requeue transitions a FAILED message back to READY, clearing failed_at.
	// Calling it on a row in any other status returns ErrStateConflict.
	Requeue(ctx context.Context, id uuid.UUID) error

	// RequeueFailed atomically claims FAILED messages older than failedBefore
	// that still have attempts left, transitioning them to PROCESSING.
	RequeueFailed(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Message, error)

	// ReclaimStuck recovers PROCESSING messages older than processingBefore
	// (abandoned claims). Rows with attempts left are re-claimed; exhausted
	// rows are dead-lettered.
	ReclaimStuck(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Message, error)

	// ListDead returns dead-lettered messages for inspection, oldest first.
	ListDead(ctx context.Context, limit int) ([]*Message, error)
}
