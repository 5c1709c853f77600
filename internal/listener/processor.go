package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.pgrelay.tech/internal/common/metrics"
	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/store"
)

// Processor runs the per-message state machine:
//
//	select handler
//	(poisonous protection) TX1: bump started_attempts, check the attempt gap
//	TX2: lock the row, invoke the handler under the processing timeout,
//	     mark completed
//
// The started-attempts bump runs in its own transaction so the
// crash-detection counter survives even when the main transaction is later
// rolled back by a crash; that is what makes the gap heuristic work.
//
// Process never returns an error: handler failures and timeouts are routed
// to the error orchestrator, which advances the attempt counters and decides
// between retry and abandonment.
type Processor struct {
	kind         message.ListenerKind
	store        Store
	db           store.DBTX
	runner       TxRunner
	registry     *Registry
	strategies   *Strategies
	orchestrator *ErrorOrchestrator

	// poisonousProtection runs TX1 before the main transaction. The
	// replication listener always enables it because an unacknowledged
	// message is replayed on every resubscribe.
	poisonousProtection bool
}

// NewProcessor wires the message processor. db must be the same pool the
// runner begins transactions on.
func NewProcessor(kind message.ListenerKind, st Store, db store.DBTX, runner TxRunner, registry *Registry, strategies *Strategies, poisonousProtection bool) *Processor {
	return &Processor{
		kind:                kind,
		store:               st,
		db:                  db,
		runner:              runner,
		registry:            registry,
		strategies:          strategies,
		orchestrator:        NewErrorOrchestrator(kind, st, runner, strategies),
		poisonousProtection: poisonousProtection,
	}
}

// Process handles one message to resolution. All outcomes (completed,
// skipped, retried, abandoned) are final from the caller's perspective; the
// replication listener acknowledges the LSN after Process returns.
func (p *Processor) Process(ctx context.Context, msg *message.Message) {
	start := time.Now()
	defer func() {
		metrics.ProcessingDuration.WithLabelValues(string(p.kind)).Observe(time.Since(start).Seconds())
	}()

	handler, ok := p.registry.Select(msg)
	if !ok {
		p.completeUnhandled(ctx, msg)
		return
	}

	if p.poisonousProtection {
		if proceed := p.guardPoisonous(ctx, msg); !proceed {
			return
		}
	}

	outcome, err := p.runProcessingTx(ctx, msg, handler)
	if err == nil {
		metrics.MessagesProcessed.WithLabelValues(string(p.kind), outcome).Inc()
		return
	}

	// Resolution must not inherit a fired processing deadline.
	if p.orchestrator.OnError(context.WithoutCancel(ctx), msg, handler, err) {
		metrics.MessagesProcessed.WithLabelValues(string(p.kind), "retried").Inc()
	} else {
		metrics.MessagesProcessed.WithLabelValues(string(p.kind), "abandoned").Inc()
	}
}

// completeUnhandled marks a message with no registered handler as processed
// with a single update so unrecognised messages do not block the stream.
func (p *Processor) completeUnhandled(ctx context.Context, msg *message.Message) {
	if err := p.store.MarkCompleted(ctx, p.db, msg); err != nil {
		slog.Error("Failed to complete message without handler",
			"kind", p.kind,
			"messageId", msg.ID,
			"aggregateType", msg.AggregateType,
			"messageType", msg.MessageType,
			"error", err)
		return
	}
	slog.Debug("Completed message without a registered handler",
		"kind", p.kind,
		"messageId", msg.ID,
		"aggregateType", msg.AggregateType,
		"messageType", msg.MessageType)
	metrics.MessagesProcessed.WithLabelValues(string(p.kind), "skipped").Inc()
}

// guardPoisonous runs TX1 and the gap check. Returns false when the message
// must be dropped (lock contention, terminal row, or poisonous abandon).
func (p *Processor) guardPoisonous(ctx context.Context, msg *message.Message) bool {
	var result store.AttemptResult
	err := p.runner.InTransaction(ctx, "", func(tx store.DBTX) error {
		var err error
		result, err = p.store.IncrementStartedAttempts(ctx, tx, msg)
		return err
	})
	if err != nil {
		if store.IsLockNotAvailable(err) {
			slog.Debug("Message is locked by another worker, dropping",
				"kind", p.kind, "messageId", msg.ID)
		} else {
			slog.Error("Failed to increment started attempts",
				"kind", p.kind, "messageId", msg.ID, "error", err)
		}
		return false
	}
	if result != store.ResultOK {
		slog.Debug("Dropping message before processing",
			"kind", p.kind, "messageId", msg.ID, "state", result.String())
		return false
	}

	if msg.AttemptGap() >= 2 && !p.strategies.PoisonousRetry.ShouldRetry(msg) {
		p.abandonPoisonous(ctx, msg)
		return false
	}
	return true
}

// abandonPoisonous marks a crash-looping message as terminally failed.
func (p *Processor) abandonPoisonous(ctx context.Context, msg *message.Message) {
	err := p.runner.InTransaction(ctx, "", func(tx store.DBTX) error {
		return p.store.MarkAbandoned(ctx, tx, msg)
	})
	if err != nil {
		slog.Error("Failed to abandon poisonous message",
			"kind", p.kind, "messageId", msg.ID, "error", err)
		return
	}
	slog.Error("Abandoned poisonous message",
		"kind", p.kind,
		"messageId", msg.ID,
		"code", message.ErrPoisonousMessage,
		"startedAttempts", msg.StartedAttempts,
		"finishedAttempts", msg.FinishedAttempts)
	metrics.MessagesProcessed.WithLabelValues(string(p.kind), "poisonous").Inc()
}

// runProcessingTx executes the main transaction: lock, handler, completion.
// The processing timeout cancels the transaction context, which aborts any
// in-flight query and rolls the transaction back.
func (p *Processor) runProcessingTx(ctx context.Context, msg *message.Message, handler *Handler) (outcome string, err error) {
	procCtx, cancel := context.WithTimeout(ctx, p.strategies.Timeout.Timeout(msg))
	defer cancel()

	outcome = "completed"
	err = p.runner.InTransaction(procCtx, p.strategies.Isolation.Isolation(msg), func(tx store.DBTX) error {
		result, err := p.store.InitiateProcessing(procCtx, tx, msg, p.strategies.NotFoundRetry)
		if err != nil {
			return err
		}
		if result != store.ResultOK {
			slog.Debug("Skipping message in main transaction",
				"kind", p.kind, "messageId", msg.ID, "state", result.String())
			outcome = "skipped"
			return nil
		}

		// A re-delivered message whose attempts are exhausted is left
		// for the abandonment path instead of invoking the handler again.
		if msg.FinishedAttempts > 0 && !p.strategies.Retry.ShouldRetry(msg, nil, SourceMessageHandler) {
			slog.Debug("Skipping message with exhausted attempts",
				"kind", p.kind, "messageId", msg.ID,
				"finishedAttempts", msg.FinishedAttempts)
			outcome = "skipped"
			return nil
		}

		if err := handler.Handle(procCtx, msg, tx); err != nil {
			return message.NewError(message.ErrHandlingFailed, msg, err)
		}
		if procCtx.Err() != nil {
			return procCtx.Err()
		}
		return p.store.MarkCompleted(procCtx, tx, msg)
	})

	if err != nil && errors.Is(procCtx.Err(), context.DeadlineExceeded) {
		metrics.HandlerTimeouts.WithLabelValues(string(p.kind)).Inc()
		return "", message.NewError(message.ErrTimeout, msg, err)
	}
	return outcome, err
}
