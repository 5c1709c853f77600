package listener

import (
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"go.pgrelay.tech/internal/config"
	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/store"
)

// ErrorSource tells the retry strategy where a failure came from. Errors
// raised while handling another error are not retried by default.
type ErrorSource string

const (
	SourceMessageHandler ErrorSource = "message-handler"
	SourceErrorHandler   ErrorSource = "error-handler-error"
)

// serializationRetryCeiling is the attempt cap for serialization/deadlock
// errors when it exceeds the configured max attempts. Such errors are
// transient contention, not handler failures, so they get more headroom.
const serializationRetryCeiling = 100

// TimeoutStrategy returns the processing timeout for a message.
type TimeoutStrategy interface {
	Timeout(msg *message.Message) time.Duration
}

// IsolationStrategy returns the transaction isolation level for a message.
// An empty level uses the database default.
type IsolationStrategy interface {
	Isolation(msg *message.Message) pgx.TxIsoLevel
}

// RetryStrategy decides whether a failed message should be retried.
// err is nil when the processor pre-checks a re-delivered message before
// invoking the handler.
type RetryStrategy interface {
	ShouldRetry(msg *message.Message, err error, source ErrorSource) bool
}

// PoisonousRetryStrategy decides whether a message whose attempt gap signals
// earlier crashes should get another chance.
type PoisonousRetryStrategy interface {
	ShouldRetry(msg *message.Message) bool
}

// BatchSizeStrategy returns the next poll's batch size.
type BatchSizeStrategy interface {
	Next() int
}

// RestartDelayStrategy returns how long the replication listener waits
// before resubscribing after the given error.
type RestartDelayStrategy interface {
	Delay(err error) time.Duration
}

// Strategies bundles every pluggable policy. Construct once at listener
// init; any nil field of a caller-supplied bundle should be filled from
// DefaultStrategies.
type Strategies struct {
	Timeout        TimeoutStrategy
	Isolation      IsolationStrategy
	Retry          RetryStrategy
	PoisonousRetry PoisonousRetryStrategy
	NotFoundRetry  store.NotFoundRetry
	BatchSize      BatchSizeStrategy
	RestartDelay   RestartDelayStrategy
}

// DefaultStrategies builds the documented default policy set from the
// listener configuration.
func DefaultStrategies(cfg config.ListenerConfig, repl config.ReplicationConfig, poll config.PollingConfig) *Strategies {
	return &Strategies{
		Timeout:        fixedTimeout{timeout: cfg.MessageProcessingTimeout},
		Isolation:      defaultIsolation{},
		Retry:          &maxAttemptsRetry{maxAttempts: cfg.MaxAttempts, enforce: cfg.EnableMaxAttemptsProtection},
		PoisonousRetry: &attemptGapRetry{maxPoisonousAttempts: cfg.MaxPoisonousAttempts},
		NotFoundRetry: &delayedNotFoundRetry{
			maxAttempts: cfg.MaxMessageNotFoundAttempts,
			delay:       cfg.MaxMessageNotFoundDelay,
		},
		BatchSize: NewRampBatchSize(poll.BatchSize),
		RestartDelay: &slotAwareRestartDelay{
			normal:    repl.RestartDelay,
			slotInUse: repl.RestartDelaySlotInUse,
		},
	}
}

// fixedTimeout applies the configured processing timeout to every message.
type fixedTimeout struct {
	timeout time.Duration
}

func (s fixedTimeout) Timeout(_ *message.Message) time.Duration {
	if s.timeout <= 0 {
		return 15 * time.Second
	}
	return s.timeout
}

// defaultIsolation leaves the isolation level to the database default.
type defaultIsolation struct{}

func (defaultIsolation) Isolation(_ *message.Message) pgx.TxIsoLevel {
	return ""
}

// maxAttemptsRetry is the default retry policy:
//   - error-handler errors are never retried
//   - serialization/deadlock errors retry up to max(maxAttempts, 100)
//   - otherwise retry while finishedAttempts < maxAttempts, or always when
//     max-attempts protection is disabled
type maxAttemptsRetry struct {
	maxAttempts int
	enforce     bool
}

func (s *maxAttemptsRetry) ShouldRetry(msg *message.Message, err error, source ErrorSource) bool {
	if source == SourceErrorHandler {
		return false
	}
	if err != nil && store.IsSerializationError(err) {
		ceiling := s.maxAttempts
		if ceiling < serializationRetryCeiling {
			ceiling = serializationRetryCeiling
		}
		return msg.FinishedAttempts < ceiling
	}
	if !s.enforce {
		return true
	}
	return msg.FinishedAttempts < s.maxAttempts
}

// attemptGapRetry declares a message poisonous once the gap between started
// and finished attempts reaches maxPoisonousAttempts.
type attemptGapRetry struct {
	maxPoisonousAttempts int
}

func (s *attemptGapRetry) ShouldRetry(msg *message.Message) bool {
	return msg.AttemptGap() < s.maxPoisonousAttempts
}

// delayedNotFoundRetry retries a not-yet-visible row a bounded number of
// times with a fixed delay. The default max of zero disables retries.
type delayedNotFoundRetry struct {
	maxAttempts int
	delay       time.Duration
}

func (s *delayedNotFoundRetry) Retry(_ *message.Message, attempt int) (time.Duration, bool) {
	if attempt >= s.maxAttempts {
		return 0, false
	}
	delay := s.delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	return delay, true
}

// RampBatchSize grows the poll batch size from 1 to the configured maximum
// across successive polls. A cold-started listener fetching a full batch at
// once would taint the whole batch if the backlog head is poisonous.
type RampBatchSize struct {
	max   int
	calls atomic.Int64
}

// NewRampBatchSize creates the ramping batch-size strategy.
func NewRampBatchSize(max int) *RampBatchSize {
	if max < 1 {
		max = 1
	}
	return &RampBatchSize{max: max}
}

// Next returns the batch size for the upcoming poll: 1, 2, ... up to max.
func (s *RampBatchSize) Next() int {
	n := int(s.calls.Add(1))
	if n > s.max {
		return s.max
	}
	return n
}

// slotAwareRestartDelay pauses briefly on ordinary errors and much longer
// when the replication slot is held by another subscriber, since the holder
// usually needs time to go away.
type slotAwareRestartDelay struct {
	normal    time.Duration
	slotInUse time.Duration
}

func (s *slotAwareRestartDelay) Delay(err error) time.Duration {
	if store.IsReplicationSlotInUse(err) {
		if s.slotInUse > 0 {
			return s.slotInUse
		}
		return 10 * time.Second
	}
	if s.normal > 0 {
		return s.normal
	}
	return 250 * time.Millisecond
}
