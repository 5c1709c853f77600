package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxBeginner starts transactions. Both *pgxpool.Pool (pooled connections,
// released on every exit path) and *pgx.Conn (a dedicated connection, left
// open) satisfy it.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgreSQL SQLSTATE codes the listener cares about.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateObjectInUse          = "55006"
)

// InTransaction opens a transaction at the given isolation level, runs fn,
// and commits. An empty isolation level issues a plain BEGIN. On any error
// the transaction is rolled back and the original error is surfaced; a
// rollback failure is attached as a secondary cause, never replacing the
// primary.
func InTransaction(ctx context.Context, db TxBeginner, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// IsSerializationError reports whether err is a PostgreSQL serialization
// failure or deadlock (SQLSTATE 40001 / 40P01). These are safe to retry.
func IsSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
	}
	return false
}

// IsLockNotAvailable reports whether err is the immediate failure of a
// NOWAIT row lock (SQLSTATE 55P03) - another worker owns the row.
func IsLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateLockNotAvailable
	}
	return false
}

// IsReplicationSlotInUse reports whether err means the logical replication
// slot is held by another subscriber (SQLSTATE 55006). The replication
// listener restarts with its long delay on this error.
func IsReplicationSlotInUse(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateObjectInUse
	}
	return false
}
