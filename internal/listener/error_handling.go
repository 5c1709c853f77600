package listener

import (
	"context"
	"log/slog"
	"time"

	"go.pgrelay.tech/internal/common/metrics"
	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/store"
)

// bestEffortAttempts bounds the fallback loop that advances the attempt
// counters when the regular error-handling transaction fails.
const bestEffortAttempts = 3

// ErrorOrchestrator resolves a failed message: it advances the finished
// attempts or abandons the row, invokes the user error hook, and survives
// failures inside the hook itself. If the counters could not be advanced at
// all, the message is at worst one finished attempt short in the database
// and will be corrected on the next delivery.
type ErrorOrchestrator struct {
	kind       message.ListenerKind
	store      Store
	runner     TxRunner
	strategies *Strategies
}

// NewErrorOrchestrator wires the error orchestrator.
func NewErrorOrchestrator(kind message.ListenerKind, st Store, runner TxRunner, strategies *Strategies) *ErrorOrchestrator {
	return &ErrorOrchestrator{kind: kind, store: st, runner: runner, strategies: strategies}
}

// OnError resolves cause for msg and reports whether the message will be
// retried. A broken error hook must not cause infinite replay of the same
// message, so counter advancement is guaranteed best-effort even when the
// hook throws.
func (o *ErrorOrchestrator) OnError(ctx context.Context, msg *message.Message, handler *Handler, cause error) bool {
	// The hook observes the post-attempt count; the SQL bump below brings
	// the database to the same value.
	msg.FinishedAttempts++
	retry := o.strategies.Retry.ShouldRetry(msg, cause, SourceMessageHandler)

	txErr := o.runner.InTransaction(ctx, o.strategies.Isolation.Isolation(msg), func(tx store.DBTX) error {
		if handler != nil && handler.HandleError != nil {
			if hookErr := handler.HandleError(ctx, cause, msg, tx, retry); hookErr != nil {
				return message.NewError(message.ErrErrorHandlingFailed, msg, hookErr)
			}
		}
		if retry {
			return o.store.IncrementFinishedAttempts(ctx, tx, msg)
		}
		return o.store.MarkAbandoned(ctx, tx, msg)
	})

	if txErr == nil {
		o.logResolution(msg, cause, retry)
		return retry
	}

	metrics.ErrorHandlingFailures.WithLabelValues(string(o.kind)).Inc()
	slog.Error("Error-handling transaction failed, entering best-effort resolution",
		"kind", o.kind,
		"messageId", msg.ID,
		"cause", cause,
		"error", txErr)

	// Best-effort: each attempt is its own transaction doing only the
	// counter bump or the abandon. Serialization errors get a growing
	// pause; anything else is not worth retrying.
	for i := 1; i <= bestEffortAttempts; i++ {
		attemptErr := o.runner.InTransaction(ctx, "", func(tx store.DBTX) error {
			if retry {
				return o.store.IncrementFinishedAttempts(ctx, tx, msg)
			}
			return o.store.MarkAbandoned(ctx, tx, msg)
		})
		if attemptErr == nil {
			o.logResolution(msg, cause, retry)
			return retry
		}
		if !store.IsSerializationError(attemptErr) {
			slog.Error("Best-effort resolution failed",
				"kind", o.kind, "messageId", msg.ID, "attempt", i, "error", attemptErr)
			break
		}
		time.Sleep(time.Duration(i) * 100 * time.Millisecond)
	}

	// Counters could not be advanced; refusing the retry (the default for
	// this source) stops the replay loop.
	retry = o.strategies.Retry.ShouldRetry(msg, cause, SourceErrorHandler)
	slog.Error("Giving up on error resolution",
		"kind", o.kind,
		"messageId", msg.ID,
		"code", message.ErrErrorHandlingFailed,
		"willRetry", retry,
		"cause", cause)
	return retry
}

func (o *ErrorOrchestrator) logResolution(msg *message.Message, cause error, retry bool) {
	if retry {
		slog.Warn("Message handling failed, will retry",
			"kind", o.kind,
			"messageId", msg.ID,
			"finishedAttempts", msg.FinishedAttempts,
			"error", cause)
		return
	}
	slog.Error("Message handling failed, abandoned",
		"kind", o.kind,
		"messageId", msg.ID,
		"code", message.ErrGivingUp,
		"finishedAttempts", msg.FinishedAttempts,
		"error", cause)
}
