package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relaypoint/outbox"
	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
)

const (
	maxSQLIdentifierLength = 63
	defaultTableName       = "outbox_messages"

	deadLetterReason = "max dispatch attempts exceeded"
)

var (
	ErrDatabaseRequired       = errors.New("postgres database handle is required")
	ErrTransactionRequired    = errors.New("postgres transaction is required")
	ErrStoreNotInitialized    = errors.New("outbox store not initialized")
	ErrInvalidIdentifier      = errors.New("invalid sql identifier")
	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
	outboxColumns             = "id, exchange_name, routing_key, payload, status, attempts, failed_at, dispatched_at, last_error, created_at, updated_at"
)

// StoreOption configures the store at construction.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) StoreOption {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTracer sets the tracer used for store spans.
func WithTracer(tracer trace.Tracer) StoreOption {
	return func(store *Store) {
		if nilcheck.Interface(tracer) {
			return
		}

		store.tracer = tracer
	}
}

// WithTableName overrides the outbox table name, optionally schema-qualified.
func WithTableName(tableName string) StoreOption {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTransactionTimeout bounds store-owned transactions that inherit no
// deadline from the caller.
func WithTransactionTimeout(timeout time.Duration) StoreOption {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists outbox messages in PostgreSQL.
//
// Claiming operations lock candidate rows with FOR UPDATE SKIP LOCKED, so
// concurrent dispatcher instances never receive the same row.
type Store struct {
	db                 *sql.DB
	logger             log.Logger
	tracer             trace.Tracer
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store over an open database handle.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	store := &Store{
		db:                 db,
		logger:             log.NewNop(),
		tracer:             noop.NewTracerProvider().Tracer("outbox.postgres"),
		tableName:          defaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Enqueue stores a new message in its own transaction.
func (store *Store) Enqueue(ctx context.Context, message *outbox.Message) (*outbox.Message, error) {
	return store.enqueue(ctx, nil, message)
}

// EnqueueInTx stores a new message inside the caller's open transaction so
// the enqueue commits or rolls back together with the business write.
func (store *Store) EnqueueInTx(ctx context.Context, tx outbox.Tx, message *outbox.Message) (*outbox.Message, error) {
	if tx == nil {
		return nil, ErrTransactionRequired
	}

	return store.enqueue(ctx, tx, message)
}

func (store *Store) enqueue(ctx context.Context, tx *sql.Tx, message *outbox.Message) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if err := validateEnqueueMessage(message); err != nil {
		return nil, err
	}

	ctx, span := store.tracer.Start(ctx, "postgres.enqueue_outbox_message")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, tx, func(execTx *sql.Tx) (*outbox.Message, error) {
		values := normalizedEnqueueValues(message, time.Now().UTC())
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table +
			" (" + outboxColumns + ")" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
			" RETURNING " + outboxColumns

		row := execTx.QueryRowContext(ctx, query,
			values.id,
			values.exchangeName,
			values.routingKey,
			values.payload,
			values.status,
			values.attempts,
			values.failedAt,
			values.dispatchedAt,
			values.lastError,
			values.createdAt,
			values.updatedAt,
		)

		return scanMessage(row)
	})
	if err != nil {
		store.handleError(ctx, span, "failed to enqueue outbox message", err)

		return nil, fmt.Errorf("enqueueing outbox message: %w", err)
	}

	return result, nil
}

// ClaimEligible atomically selects READY messages in creation order and
// transitions them to PROCESSING.
func (store *Store) ClaimEligible(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.claim_eligible")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Message, error) {
		messages, err := store.listReadyRows(ctx, tx, limit)
		if err != nil {
			return nil, err
		}

		ids := collectMessageIDs(messages)
		if len(ids) == 0 {
			return messages, nil
		}

		now := time.Now().UTC()

		if err := store.markMessagesProcessing(ctx, tx, now, ids, outbox.MessageStatusReady); err != nil {
			return nil, err
		}

		applyProcessingState(messages, now, false)

		return messages, nil
	})
	if err != nil {
		store.handleError(ctx, span, "failed to claim eligible messages", err)

		return nil, fmt.Errorf("claiming eligible messages: %w", err)
	}

	return result, nil
}

// GetByID retrieves a message by id regardless of status.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return nil, outbox.ErrMessageIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

	message, err := scanMessage(store.db.QueryRowContext(ctx, query, id))
	if err != nil {
		store.handleError(ctx, span, "failed to get outbox message", err)

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return message, nil
}

// MarkDispatched records the terminal successful transition. The row is
// retained for audit rather than deleted.
func (store *Store) MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if err := outbox.ValidateTransition(outbox.MessageStatusProcessing, outbox.MessageStatusDispatched); err != nil {
		return fmt.Errorf("mark dispatched transition: %w", err)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_dispatched")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_message_status, dispatched_at = $2, updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_message_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.MessageStatusDispatched,
			dispatchedAt,
			time.Now().UTC(),
			id,
			outbox.MessageStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		store.handleError(ctx, span, "failed to mark outbox message dispatched", err)

		return fmt.Errorf("marking dispatched: %w", err)
	}

	return nil
}

// MarkFailed records a publish failure, incrementing attempts and stamping
// failed_at. When the increment reaches maxAttempts the row is dead-lettered
// in the same statement.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if maxAttempts <= 0 {
		return outbox.ErrMaxAttemptsMustBeSet
	}

	if err := outbox.ValidateTransition(outbox.MessageStatusProcessing, outbox.MessageStatusFailed); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		now := time.Now().UTC()
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::outbox_message_status, " +
			"attempts = attempts + 1, " +
			"failed_at = $4, " +
			"last_error = CASE WHEN attempts + 1 >= $1 THEN $5 ELSE $6 END, " +
			"updated_at = $7 WHERE id = $8 AND status = $9::outbox_message_status"

		result, execErr := tx.ExecContext(ctx, query,
			maxAttempts,
			outbox.MessageStatusDead,
			outbox.MessageStatusFailed,
			now,
			deadLetterReason,
			errMsg,
			now,
			id,
			outbox.MessageStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		store.handleError(ctx, span, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// MarkDead immediately dead-letters a message the broker will never accept.
func (store *Store) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if err := outbox.ValidateTransition(outbox.MessageStatusProcessing, outbox.MessageStatusDead); err != nil {
		return fmt.Errorf("mark dead transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_dead")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		now := time.Now().UTC()
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_message_status, attempts = attempts + 1, failed_at = $2, last_error = $3, updated_at = $4" +
			" WHERE id = $5 AND status IN ($6::outbox_message_status, $7::outbox_message_status)"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.MessageStatusDead,
			now,
			errMsg,
			now,
			id,
			outbox.MessageStatusProcessing,
			outbox.MessageStatusFailed,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		store.handleError(ctx, span, "failed to mark outbox message dead", err)

		return fmt.Errorf("marking dead: %w", err)
	}

	return nil
}

// Requeue transitions a FAILED message back to READY for manual recovery.
// The next dispatch cycle picks it up like any fresh message.
func (store *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if err := outbox.ValidateTransition(outbox.MessageStatusFailed, outbox.MessageStatusReady); err != nil {
		return fmt.Errorf("requeue transition: %w", err)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.requeue_outbox_message")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_message_status, failed_at = NULL, updated_at = $2" +
			" WHERE id = $3 AND status = $4::outbox_message_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.MessageStatusReady,
			time.Now().UTC(),
			id,
			outbox.MessageStatusFailed,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		store.handleError(ctx, span, "failed to requeue outbox message", err)

		return fmt.Errorf("requeueing message: %w", err)
	}

	return nil
}

// RequeueFailed atomically claims FAILED messages whose cooldown elapsed and
// that still have attempts left, transitioning them to PROCESSING.
func (store *Store) RequeueFailed(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, outbox.ErrMaxAttemptsMustBeSet
	}

	ctx, span := store.tracer.Start(ctx, "postgres.requeue_failed")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Message, error) {
		messages, err := store.listFailedForRetryRows(ctx, tx, limit, failedBefore, maxAttempts)
		if err != nil {
			return nil, err
		}

		ids := collectMessageIDs(messages)
		if len(ids) == 0 {
			return messages, nil
		}

		now := time.Now().UTC()

		if err := store.markMessagesProcessing(ctx, tx, now, ids, outbox.MessageStatusFailed); err != nil {
			return nil, err
		}

		applyProcessingState(messages, now, false)

		return messages, nil
	})
	if err != nil {
		store.handleError(ctx, span, "failed to requeue failed messages", err)

		return nil, fmt.Errorf("requeueing failed messages: %w", err)
	}

	return result, nil
}

// ReclaimStuck recovers PROCESSING messages abandoned by a crashed instance.
// Rows with attempts left are re-claimed; exhausted rows are dead-lettered.
func (store *Store) ReclaimStuck(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, outbox.ErrMaxAttemptsMustBeSet
	}

	ctx, span := store.tracer.Start(ctx, "postgres.reclaim_stuck")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Message, error) {
		messages, err := store.listStuckProcessingRows(ctx, tx, limit, processingBefore)
		if err != nil {
			return nil, err
		}

		if len(messages) == 0 {
			return messages, nil
		}

		retryable, exhaustedIDs := splitStuckMessages(messages, maxAttempts)
		now := time.Now().UTC()

		retryIDs := collectMessageIDs(retryable)
		if len(retryIDs) > 0 {
			if err := store.markStuckReprocessing(ctx, tx, now, retryIDs); err != nil {
				return nil, err
			}

			applyProcessingState(retryable, now, true)
		}

		if len(exhaustedIDs) > 0 {
			if err := store.markStuckDead(ctx, tx, now, exhaustedIDs); err != nil {
				return nil, err
			}
		}

		return retryable, nil
	})
	if err != nil {
		store.handleError(ctx, span, "failed to reclaim stuck messages", err)

		return nil, fmt.Errorf("reclaiming stuck messages: %w", err)
	}

	return result, nil
}

// ListDead returns dead-lettered messages for inspection, oldest first.
func (store *Store) ListDead(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.list_outbox_dead")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2"

	rows, err := store.db.QueryContext(ctx, query, outbox.MessageStatusDead, limit)
	if err != nil {
		store.handleError(ctx, span, "failed to list dead-lettered messages", err)

		return nil, fmt.Errorf("listing dead-lettered messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows, limit)
	if err != nil {
		store.handleError(ctx, span, "failed to scan dead-lettered messages", err)

		return nil, fmt.Errorf("listing dead-lettered messages: %w", err)
	}

	return messages, nil
}

func (store *Store) listReadyRows(ctx context.Context, tx *sql.Tx, limit int) ([]*outbox.Message, error) {
	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, query, outbox.MessageStatusReady, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ready messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func (store *Store) listFailedForRetryRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.Message, error) {
	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 AND attempts < $2 AND failed_at <= $3" +
		" ORDER BY created_at ASC, id ASC LIMIT $4 FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, query, outbox.MessageStatusFailed, maxAttempts, failedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying failed messages for retry: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func (store *Store) listStuckProcessingRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	processingBefore time.Time,
) ([]*outbox.Message, error) {
	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 AND updated_at <= $2" +
		" ORDER BY created_at ASC, id ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, query, outbox.MessageStatusProcessing, processingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stuck messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func (store *Store) markMessagesProcessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
	fromStatus string,
) error {
	if err := outbox.ValidateTransition(fromStatus, outbox.MessageStatusProcessing); err != nil {
		return fmt.Errorf("status transition: %w", err)
	}

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_message_status, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4::outbox_message_status"

	result, err := tx.ExecContext(ctx, query, outbox.MessageStatusProcessing, now, idsParam(ids), fromStatus)
	if err != nil {
		return fmt.Errorf("updating status to %s: %w", outbox.MessageStatusProcessing, err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating status to %s: %w", outbox.MessageStatusProcessing, err)
	}

	return nil
}

// markStuckReprocessing keeps stuck rows in PROCESSING while incrementing
// attempts. Flipping them to READY before returning would let another
// dispatcher claim and publish the same message right after this
// transaction commits.
func (store *Store) markStuckReprocessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_message_status, attempts = attempts + 1, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4::outbox_message_status"

	result, err := tx.ExecContext(ctx, query, outbox.MessageStatusProcessing, now, idsParam(ids), outbox.MessageStatusProcessing)
	if err != nil {
		return fmt.Errorf("updating stuck messages to processing: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck messages to processing: %w", err)
	}

	return nil
}

func (store *Store) markStuckDead(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_message_status, attempts = attempts + 1, failed_at = $2, last_error = $3, updated_at = $4" +
		" WHERE id = ANY($5::uuid[]) AND status = $6::outbox_message_status"

	result, err := tx.ExecContext(ctx, query,
		outbox.MessageStatusDead,
		now,
		deadLetterReason,
		now,
		idsParam(ids),
		outbox.MessageStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("updating stuck messages to dead: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck messages to dead: %w", err)
	}

	return nil
}

func (store *Store) initialized() bool {
	return store != nil && store.db != nil
}

func (store *Store) handleError(ctx context.Context, span trace.Span, msg string, err error) {
	if err == nil {
		return
	}

	span.SetStatus(codes.Error, msg)
	span.RecordError(err)

	if nilcheck.Interface(store.logger) {
		return
	}

	store.logger.Log(ctx, log.LevelError, msg,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func splitStuckMessages(messages []*outbox.Message, maxAttempts int) ([]*outbox.Message, []uuid.UUID) {
	retryable := make([]*outbox.Message, 0, len(messages))
	exhaustedIDs := make([]uuid.UUID, 0)

	for _, message := range messages {
		if message == nil || message.ID == uuid.Nil {
			continue
		}

		if message.Attempts+1 >= maxAttempts {
			exhaustedIDs = append(exhaustedIDs, message.ID)

			continue
		}

		retryable = append(retryable, message)
	}

	return retryable, exhaustedIDs
}

func collectMessageIDs(messages []*outbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, message := range messages {
		if message == nil || message.ID == uuid.Nil {
			continue
		}

		ids = append(ids, message.ID)
	}

	return ids
}

func applyProcessingState(messages []*outbox.Message, now time.Time, incrementAttempts bool) {
	for _, message := range messages {
		if message == nil {
			continue
		}

		if incrementAttempts {
			message.Attempts++
		}

		message.Status = outbox.MessageStatusProcessing
		message.UpdatedAt = now
	}
}

// idsParam renders a uuid slice as a text array literal the pgx stdlib
// driver binds to a uuid[] parameter.
func idsParam(ids []uuid.UUID) string {
	elems := make([]string, 0, len(ids))
	for _, id := range ids {
		elems = append(elems, id.String())
	}

	return "{" + strings.Join(elems, ",") + "}"
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var message outbox.Message

	var lastError sql.NullString

	if err := scanner.Scan(
		&message.ID,
		&message.ExchangeName,
		&message.RoutingKey,
		&message.Payload,
		&message.Status,
		&message.Attempts,
		&message.FailedAt,
		&message.DispatchedAt,
		&lastError,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	if lastError.Valid {
		message.LastError = lastError.String
	}

	return &message, nil
}

func scanMessages(rows *sql.Rows, capacity int) ([]*outbox.Message, error) {
	messages := make([]*outbox.Message, 0, capacity)

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}

	return messages, nil
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

type enqueueValues struct {
	id           uuid.UUID
	exchangeName string
	routingKey   string
	payload      []byte
	status       string
	attempts     int
	failedAt     *time.Time
	dispatchedAt *time.Time
	lastError    string
	createdAt    time.Time
	updatedAt    time.Time
}

func normalizedEnqueueValues(message *outbox.Message, now time.Time) enqueueValues {
	createdAt := message.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := message.UpdatedAt
	if updatedAt.IsZero() || updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	return enqueueValues{
		id:           message.ID,
		exchangeName: strings.TrimSpace(message.ExchangeName),
		routingKey:   strings.TrimSpace(message.RoutingKey),
		payload:      message.Payload,
		status:       outbox.MessageStatusReady,
		attempts:     0,
		failedAt:     nil,
		dispatchedAt: nil,
		lastError:    "",
		createdAt:    createdAt,
		updatedAt:    updatedAt,
	}
}

func validateEnqueueMessage(message *outbox.Message) error {
	if message == nil {
		return outbox.ErrMessageRequired
	}

	if message.ID == uuid.Nil {
		return outbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(message.ExchangeName) == "" {
		return outbox.ErrExchangeNameRequired
	}

	if strings.TrimSpace(message.RoutingKey) == "" {
		return outbox.ErrRoutingKeyRequired
	}

	if len(message.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	if len(message.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrPayloadTooLarge
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrStateConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}
