// Package polling implements the polling message source. A SQL function
// selects and leases pending rows up to a bounded in-flight budget; every
// leased message is handed to the message processor under the concurrency
// controller, and resolving messages free their slots for the next poll.
package polling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"go.pgrelay.tech/internal/common/metrics"
	"go.pgrelay.tech/internal/config"
	"go.pgrelay.tech/internal/listener"
	"go.pgrelay.tech/internal/message"
)

// Querier is the query surface the poller needs. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Processor handles one leased message to resolution.
type Processor interface {
	Process(ctx context.Context, msg *message.Message)
}

// Poller periodically invokes the next-messages function and dispatches the
// returned rows. The function bumps started_attempts and sets locked_until
// in the same statement that selects the rows, so a crashed worker's lease
// simply expires. Dispatched messages form a bounded in-flight set: each
// poll leases only up to the free share of the budget, and a resolving
// message frees its slot for the next poll without waiting on the rest.
type Poller struct {
	kind         message.ListenerKind
	db           Querier
	processor    Processor
	controller   listener.Controller
	batchSize    listener.BatchSizeStrategy
	interval     time.Duration
	lockDuration time.Duration
	capacity     int
	query        string

	// isLeader pauses polling on followers. Nil means always on.
	isLeader func() bool

	// completions wakes the poll loop when an in-flight message resolves.
	completions chan struct{}

	mu       sync.Mutex
	running  bool
	lastErr  error
	inFlight int
	wg       sync.WaitGroup
}

// New creates the poller for the configured next-messages function.
func New(cfg *config.Config, db Querier, processor Processor, controller listener.Controller, batchSize listener.BatchSizeStrategy, isLeader func() bool) *Poller {
	query := fmt.Sprintf(`
		SELECT id, aggregate_type, aggregate_id, message_type, segment, concurrency,
		       payload, metadata, created_at, locked_until, started_attempts,
		       finished_attempts, processed_at, abandoned_at
		FROM %s.%s($1, $2)
	`, cfg.Polling.FunctionSchema, cfg.Polling.FunctionName)

	return &Poller{
		kind:         cfg.Kind,
		db:           db,
		processor:    processor,
		controller:   controller,
		batchSize:    batchSize,
		interval:     cfg.Polling.Interval,
		lockDuration: cfg.Polling.LockDuration,
		capacity:     cfg.Polling.BatchSize,
		query:        query,
		isLeader:     isLeader,
		completions:  make(chan struct{}, 1),
	}
}

// Name implements lifecycle.Service.
func (p *Poller) Name() string {
	return fmt.Sprintf("%s-polling-listener", p.kind)
}

// Health implements lifecycle.Service.
func (p *Poller) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("poller not running")
	}
	if p.lastErr != nil {
		return fmt.Errorf("polling degraded: %w", p.lastErr)
	}
	return nil
}

// Start implements lifecycle.Service: it runs the poll loop and blocks until
// ctx is cancelled. A failed poll waits the regular interval before the next
// try; the error only surfaces through Health and the log.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	slog.Info("Polling listener starting",
		"kind", p.kind,
		"interval", p.interval,
		"lockDuration", p.lockDuration)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if p.isLeader != nil && !p.isLeader() {
			if !sleepCtx(ctx, p.interval) {
				return nil
			}
			continue
		}

		free := p.freeCapacity()
		if free == 0 {
			if !p.waitForSlot(ctx) {
				return nil
			}
			continue
		}

		n, requested, err := p.pollOnce(ctx, free)
		p.setLastErr(err)
		if err != nil && ctx.Err() == nil {
			slog.Error("Poll failed", "kind", p.kind, "error", err)
		}

		// A full batch suggests backlog; poll again right away. Otherwise
		// wait until an in-flight message resolves or the interval elapses,
		// whichever comes first.
		if err == nil && n > 0 && n == requested {
			continue
		}
		if !p.waitForSlot(ctx) {
			return nil
		}
	}
}

// Stop implements lifecycle.Service. Cancels the concurrency controller and
// waits for in-flight messages; their polling leases expire on their own if
// the wait is cut short.
func (p *Poller) Stop(ctx context.Context) error {
	p.controller.Cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for in-flight messages", "kind", p.kind)
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *Poller) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Poller) freeCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.inFlight
}

func (p *Poller) addInFlight(delta int) {
	p.mu.Lock()
	p.inFlight += delta
	p.mu.Unlock()
}

// waitForSlot blocks until an in-flight message resolves or the polling
// interval elapses; false means the context was cancelled.
func (p *Poller) waitForSlot(ctx context.Context) bool {
	select {
	case <-p.completions:
		return true
	case <-time.After(p.interval):
		return true
	case <-ctx.Done():
		return false
	}
}

// pollOnce leases up to free messages and dispatches each one without
// waiting on the rest, so one slow handler never holds back the remaining
// in-flight budget. Returns how many rows were leased and how many were
// requested.
func (p *Poller) pollOnce(ctx context.Context, free int) (int, int, error) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	batch := p.batchSize.Next()
	if batch > free {
		batch = free
	}
	msgs, err := p.nextMessages(ctx, batch)
	if err != nil {
		return 0, batch, err
	}
	metrics.PolledMessages.Add(float64(len(msgs)))

	for _, msg := range msgs {
		release, err := p.controller.Acquire(ctx, msg)
		if err != nil {
			if message.HasCode(err, message.ErrListenerStopped) || ctx.Err() != nil {
				break
			}
			slog.Error("Failed to acquire concurrency permit",
				"kind", p.kind, "messageId", msg.ID, "error", err)
			break
		}

		metrics.InFlightMessages.WithLabelValues("polling").Inc()
		p.addInFlight(1)
		p.wg.Add(1)
		go func(msg *message.Message) {
			defer func() {
				release()
				metrics.InFlightMessages.WithLabelValues("polling").Dec()
				p.addInFlight(-1)
				p.notifyCompletion()
				p.wg.Done()
			}()
			p.processor.Process(ctx, msg)
		}(msg)
	}

	return len(msgs), batch, nil
}

func (p *Poller) notifyCompletion() {
	select {
	case p.completions <- struct{}{}:
	default:
	}
}

// nextMessages calls the lease function. The lock duration is passed in
// milliseconds, matching the function's signature.
func (p *Poller) nextMessages(ctx context.Context, batch int) ([]*message.Message, error) {
	rows, err := p.db.Query(ctx, p.query, batch, p.lockDuration.Milliseconds())
	if err != nil {
		return nil, message.NewError(message.ErrDB, nil, fmt.Errorf("polling: query next messages: %w", err))
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, message.NewError(message.ErrDB, nil, fmt.Errorf("polling: scan message: %w", err))
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, message.NewError(message.ErrDB, nil, fmt.Errorf("polling: read next messages: %w", err))
	}
	return msgs, nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		msg         message.Message
		segment     *string
		concurrency *string
		lockedUntil *time.Time
	)
	err := row.Scan(
		&msg.ID,
		&msg.AggregateType,
		&msg.AggregateID,
		&msg.MessageType,
		&segment,
		&concurrency,
		&msg.Payload,
		&msg.Metadata,
		&msg.CreatedAt,
		&lockedUntil,
		&msg.StartedAttempts,
		&msg.FinishedAttempts,
		&msg.ProcessedAt,
		&msg.AbandonedAt,
	)
	if err != nil {
		return nil, err
	}
	if segment != nil {
		msg.Segment = *segment
	}
	if concurrency != nil {
		msg.Concurrency = message.Concurrency(*concurrency)
	}
	if lockedUntil != nil {
		msg.LockedUntil = *lockedUntil
	}
	return &msg, nil
}

// sleepCtx waits for d or cancellation; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
