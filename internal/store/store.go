// Package store implements the row-level SQL operations and the transaction
// runner the listener uses against the outbox/inbox table.
//
// All accessors operate on a connection already enrolled in the caller's
// transaction, so a handler writing business rows through the same connection
// commits atomically with the message's state transition. Schema and table
// identifiers come from trusted configuration and are interpolated literally;
// every value is a bind parameter.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"go.pgrelay.tech/internal/message"
)

// AttemptResult is the outcome of a lock-and-load accessor.
type AttemptResult int

const (
	// ResultOK - the row is locked and owned by the caller for the
	// remainder of the current transaction
	ResultOK AttemptResult = iota

	// ResultNotFound - no row with that id is visible to this transaction
	ResultNotFound

	// ResultAlreadyProcessed - the row reached terminal success
	ResultAlreadyProcessed

	// ResultAbandoned - the row reached terminal failure
	ResultAbandoned
)

// String returns a human-readable result name
func (r AttemptResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case ResultAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// DBTX is the subset of pgx.Tx the accessors need. pgx.Tx, *pgx.Conn and
// *pgxpool.Pool all satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NotFoundRetry decides whether a NOT_FOUND result from InitiateProcessing
// should be retried after a delay. attempt starts at zero. This covers the
// race where logical replication announces an INSERT whose row is not yet
// visible to another session under load.
type NotFoundRetry interface {
	Retry(msg *message.Message, attempt int) (time.Duration, bool)
}

// MessageStore executes the parameterised row operations against one
// configured (schema, table) pair.
type MessageStore struct {
	schema string
	table  string
}

// New creates a message store for the given schema and table.
func New(schema, table string) *MessageStore {
	return &MessageStore{schema: schema, table: table}
}

// Relation returns the qualified table identifier used in generated SQL.
func (s *MessageStore) Relation() string {
	return s.schema + "." + s.table
}

// Schema returns the configured schema name.
func (s *MessageStore) Schema() string { return s.schema }

// Table returns the configured table name.
func (s *MessageStore) Table() string { return s.table }

// IncrementStartedAttempts bumps started_attempts under an immediate row
// lock. The nested SELECT ... FOR UPDATE NOWAIT fails at once if another
// worker holds the row, preventing stampedes. The returned counters and
// terminal markers are written back into msg so the in-memory view is
// consistent with any out-of-band changes.
func (s *MessageStore) IncrementStartedAttempts(ctx context.Context, db DBTX, msg *message.Message) (AttemptResult, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET started_attempts = started_attempts + 1
		WHERE id IN (SELECT id FROM %[1]s WHERE id = $1 FOR UPDATE NOWAIT)
		RETURNING started_attempts, finished_attempts, locked_until, processed_at, abandoned_at
	`, s.Relation())

	return s.lockAndReload(ctx, db, query, msg)
}

// InitiateProcessing loads and locks the row for the main processing
// transaction. FOR NO KEY UPDATE NOWAIT blocks concurrent updates while
// still permitting concurrent key reads. On ResultOK the caller owns the
// row until the transaction ends.
//
// When the row is not found and the retry policy authorises it, the load is
// repeated after the policy-supplied delay.
func (s *MessageStore) InitiateProcessing(ctx context.Context, db DBTX, msg *message.Message, retry NotFoundRetry) (AttemptResult, error) {
	query := fmt.Sprintf(`
		SELECT started_attempts, finished_attempts, locked_until, processed_at, abandoned_at
		FROM %s
		WHERE id = $1
		FOR NO KEY UPDATE NOWAIT
	`, s.Relation())

	for attempt := 0; ; attempt++ {
		result, err := s.lockAndReload(ctx, db, query, msg)
		if err != nil {
			return result, err
		}
		if result != ResultNotFound || retry == nil {
			return result, nil
		}

		delay, ok := retry.Retry(msg, attempt)
		if !ok {
			return ResultNotFound, nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ResultNotFound, ctx.Err()
		}
	}
}

// lockAndReload runs a locking statement that returns the attempt counters
// and terminal markers, writes them back into msg, and classifies the state.
func (s *MessageStore) lockAndReload(ctx context.Context, db DBTX, query string, msg *message.Message) (AttemptResult, error) {
	var lockedUntil, processedAt, abandonedAt *time.Time

	err := db.QueryRow(ctx, query, msg.ID).Scan(
		&msg.StartedAttempts,
		&msg.FinishedAttempts,
		&lockedUntil,
		&processedAt,
		&abandonedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResultNotFound, nil
		}
		return ResultNotFound, message.NewError(message.ErrDB, msg, fmt.Errorf("store: lock message: %w", err))
	}

	if lockedUntil != nil {
		msg.LockedUntil = *lockedUntil
	}
	msg.ProcessedAt = processedAt
	msg.AbandonedAt = abandonedAt

	switch {
	case processedAt != nil:
		return ResultAlreadyProcessed, nil
	case abandonedAt != nil:
		return ResultAbandoned, nil
	default:
		return ResultOK, nil
	}
}

// MarkCompleted records terminal success and closes the attempt.
func (s *MessageStore) MarkCompleted(ctx context.Context, db DBTX, msg *message.Message) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET processed_at = NOW(), finished_attempts = finished_attempts + 1
		WHERE id = $1
	`, s.Relation())

	if _, err := db.Exec(ctx, query, msg.ID); err != nil {
		return message.NewError(message.ErrDB, msg, fmt.Errorf("store: mark completed: %w", err))
	}
	now := time.Now().UTC()
	msg.ProcessedAt = &now
	return nil
}

// MarkAbandoned records terminal failure and closes the attempt.
// clock_timestamp() rather than NOW() so the abandonment instant is the real
// wall time even inside a long-running transaction.
func (s *MessageStore) MarkAbandoned(ctx context.Context, db DBTX, msg *message.Message) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET abandoned_at = clock_timestamp(), finished_attempts = finished_attempts + 1
		WHERE id = $1
	`, s.Relation())

	if _, err := db.Exec(ctx, query, msg.ID); err != nil {
		return message.NewError(message.ErrDB, msg, fmt.Errorf("store: mark abandoned: %w", err))
	}
	now := time.Now().UTC()
	msg.AbandonedAt = &now
	return nil
}

// IncrementFinishedAttempts closes a failed attempt without abandoning.
func (s *MessageStore) IncrementFinishedAttempts(ctx context.Context, db DBTX, msg *message.Message) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_attempts = finished_attempts + 1
		WHERE id = $1
	`, s.Relation())

	if _, err := db.Exec(ctx, query, msg.ID); err != nil {
		return message.NewError(message.ErrDB, msg, fmt.Errorf("store: increment finished attempts: %w", err))
	}
	return nil
}

// Insert writes a new message row. A missing id is generated; duplicate ids
// are silently ignored (ON CONFLICT DO NOTHING) so producers may safely
// re-send.
func (s *MessageStore) Insert(ctx context.Context, db DBTX, msg *message.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, aggregate_type, aggregate_id, message_type, segment, concurrency, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, s.Relation())

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	concurrency := msg.Concurrency
	if concurrency == "" {
		concurrency = message.ConcurrencySequential
	}

	_, err := db.Exec(ctx, query,
		msg.ID,
		msg.AggregateType,
		msg.AggregateID,
		msg.MessageType,
		msg.Segment,
		string(concurrency),
		msg.Payload,
		msg.Metadata,
		createdAt,
	)
	if err != nil {
		return message.NewError(message.ErrStorageFailed, msg, fmt.Errorf("store: insert message: %w", err))
	}
	return nil
}
