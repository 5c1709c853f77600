// Package cleanup removes terminal and expired rows from the outbox/inbox
// table on a schedule. Terminal rows are kept for a retention window for
// debugging and duplicate suppression, then deleted in bulk.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"go.pgrelay.tech/internal/common/metrics"
	"go.pgrelay.tech/internal/config"
	"go.pgrelay.tech/internal/message"
)

// Execer is the statement surface the scheduler needs. *pgxpool.Pool
// satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Scheduler runs the retention delete at a fixed interval. Disabled entirely
// when the interval is zero or no retention window is configured.
type Scheduler struct {
	kind     message.ListenerKind
	db       Execer
	relation string
	interval time.Duration

	processedMaxAge time.Duration
	abandonedMaxAge time.Duration
	allMaxAge       time.Duration

	// isLeader keeps followers from racing the same delete. Nil means
	// always on.
	isLeader func() bool

	mu      sync.Mutex
	running bool
	lastErr error
}

// New creates the cleanup scheduler from configuration.
func New(cfg *config.Config, db Execer, isLeader func() bool) *Scheduler {
	return &Scheduler{
		kind:            cfg.Kind,
		db:              db,
		relation:        cfg.DB.Schema + "." + cfg.DB.Table,
		interval:        cfg.Cleanup.Interval,
		processedMaxAge: cfg.Cleanup.ProcessedMaxAge,
		abandonedMaxAge: cfg.Cleanup.AbandonedMaxAge,
		allMaxAge:       cfg.Cleanup.AllMaxAge,
		isLeader:        isLeader,
	}
}

// Enabled reports whether the scheduler has anything to do.
func (s *Scheduler) Enabled() bool {
	if s.interval <= 0 {
		return false
	}
	return s.processedMaxAge > 0 || s.abandonedMaxAge > 0 || s.allMaxAge > 0
}

// Name implements lifecycle.Service.
func (s *Scheduler) Name() string {
	return fmt.Sprintf("%s-cleanup", s.kind)
}

// Health implements lifecycle.Service. A failed run degrades health until
// the next run succeeds.
func (s *Scheduler) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("cleanup scheduler not running")
	}
	if s.lastErr != nil {
		return fmt.Errorf("cleanup degraded: %w", s.lastErr)
	}
	return nil
}

// Start implements lifecycle.Service: runs the schedule and blocks until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	slog.Info("Cleanup scheduler starting",
		"kind", s.kind,
		"interval", s.interval,
		"processedMaxAge", s.processedMaxAge,
		"abandonedMaxAge", s.abandonedMaxAge,
		"allMaxAge", s.allMaxAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if s.isLeader != nil && !s.isLeader() {
			continue
		}

		deleted, err := s.RunOnce(ctx)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.CleanupRuns.WithLabelValues("error").Inc()
			slog.Error("Cleanup run failed", "kind", s.kind, "error", err)
			continue
		}
		metrics.CleanupRuns.WithLabelValues("ok").Inc()
		if deleted > 0 {
			metrics.CleanupDeletedRows.Add(float64(deleted))
			slog.Info("Cleanup removed expired messages", "kind", s.kind, "deleted", deleted)
		}
	}
}

// Stop implements lifecycle.Service.
func (s *Scheduler) Stop(context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// RunOnce executes one retention delete and returns the number of rows
// removed.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	query, args := s.buildDelete(time.Now().UTC())
	if query == "" {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup: delete expired rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildDelete assembles the delete statement from the enabled retention
// windows. Each window contributes one OR-ed predicate; a zero window is
// omitted.
func (s *Scheduler) buildDelete(now time.Time) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, maxAge time.Duration) {
		if maxAge <= 0 {
			return
		}
		args = append(args, now.Add(-maxAge))
		clauses = append(clauses, fmt.Sprintf("%s < $%d", column, len(args)))
	}
	add("processed_at", s.processedMaxAge)
	add("abandoned_at", s.abandonedMaxAge)
	add("created_at", s.allMaxAge)

	if len(clauses) == 0 {
		return "", nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", s.relation, strings.Join(clauses, " OR "))
	return query, args
}
