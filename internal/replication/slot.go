package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// sqlstateDuplicateObject is returned when the slot already exists.
const sqlstateDuplicateObject = "42710"

// EnsureSlot creates the logical replication slot with the pgoutput plugin
// if it does not exist yet. Safe to call on every startup.
func EnsureSlot(ctx context.Context, dsn, slot string) error {
	conn, err := pgconn.Connect(ctx, replicationDSN(dsn))
	if err != nil {
		return fmt.Errorf("replication: connect for slot creation: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateDuplicateObject {
			slog.Debug("Replication slot already exists", "slot", slot)
			return nil
		}
		return fmt.Errorf("replication: create slot %s: %w", slot, err)
	}
	slog.Info("Created replication slot", "slot", slot)
	return nil
}
