package listener

import (
	"context"

	"github.com/jackc/pgx/v5"

	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/store"
)

// Store is the row-operation surface the processor and the error
// orchestrator need. *store.MessageStore implements it; tests substitute a
// fake.
type Store interface {
	IncrementStartedAttempts(ctx context.Context, db store.DBTX, msg *message.Message) (store.AttemptResult, error)
	InitiateProcessing(ctx context.Context, db store.DBTX, msg *message.Message, retry store.NotFoundRetry) (store.AttemptResult, error)
	MarkCompleted(ctx context.Context, db store.DBTX, msg *message.Message) error
	MarkAbandoned(ctx context.Context, db store.DBTX, msg *message.Message) error
	IncrementFinishedAttempts(ctx context.Context, db store.DBTX, msg *message.Message) error
}

// TxRunner runs a function inside a database transaction at the given
// isolation level. An empty level uses the database default.
type TxRunner interface {
	InTransaction(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx store.DBTX) error) error
}

// pgxTxRunner is the production TxRunner over a pgx pool or dedicated
// connection.
type pgxTxRunner struct {
	db store.TxBeginner
}

// NewTxRunner wraps a pgx pool or connection as a TxRunner.
func NewTxRunner(db store.TxBeginner) TxRunner {
	return &pgxTxRunner{db: db}
}

func (r *pgxTxRunner) InTransaction(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx store.DBTX) error) error {
	return store.InTransaction(ctx, r.db, iso, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
