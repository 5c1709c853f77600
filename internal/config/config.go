// Package config holds all configuration for the pgrelay listener.
package config

import (
	"fmt"
	"time"

	"go.pgrelay.tech/internal/message"
)

// Mode selects the message acquisition strategy.
type Mode string

const (
	// ModeReplication consumes the table through a logical replication slot
	ModeReplication Mode = "replication"

	// ModePolling consumes the table through the next-messages function
	ModePolling Mode = "polling"
)

// Config holds all configuration for a pgrelay instance.
type Config struct {
	// Kind labels this listener as the outbox or the inbox side.
	// Controls default table names and protection defaults.
	Kind message.ListenerKind

	// Mode selects replication or polling acquisition
	Mode Mode

	// DB is the PostgreSQL connection configuration
	DB DBConfig

	// Listener tunes per-message processing
	Listener ListenerConfig

	// Replication configures the logical replication source
	Replication ReplicationConfig

	// Polling configures the polling source
	Polling PollingConfig

	// Cleanup configures the terminal-row cleanup scheduler
	Cleanup CleanupConfig

	// Leader configures optional Redis leader election. The replication
	// slot accepts a single subscriber, so multi-instance deployments
	// should enable this.
	Leader LeaderConfig

	// HTTP configures the ops endpoint (health, metrics)
	HTTP HTTPConfig

	// DevMode enables debug logging
	DevMode bool
}

// DBConfig holds PostgreSQL connection configuration
type DBConfig struct {
	// URL is the connection string (postgres://...)
	URL string

	// Schema and Table identify the watched message table.
	// Table defaults to "outbox" or "inbox" depending on Kind.
	Schema string
	Table  string
}

// ListenerConfig tunes per-message processing behaviour
type ListenerConfig struct {
	// MessageProcessingTimeout bounds one handler invocation
	MessageProcessingTimeout time.Duration

	// MaxAttempts is the retry ceiling before a message is abandoned
	MaxAttempts int

	// EnableMaxAttemptsProtection applies the retry ceiling.
	// Defaults: outbox false, inbox true.
	EnableMaxAttemptsProtection bool

	// MaxPoisonousAttempts is the started/finished gap at which a message
	// is declared poisonous
	MaxPoisonousAttempts int

	// EnablePoisonousMessageProtection runs the started-attempts bump and
	// the gap check. Defaults: outbox false, inbox true. The replication
	// source always runs the bump regardless, because an unacknowledged
	// message is replayed on every resubscribe.
	EnablePoisonousMessageProtection bool

	// MaxMessageNotFoundAttempts retries the row lock when replication
	// announces an INSERT that is not yet visible
	MaxMessageNotFoundAttempts int

	// MaxMessageNotFoundDelay is the wait between those attempts
	MaxMessageNotFoundDelay time.Duration
}

// ReplicationConfig holds logical replication settings
type ReplicationConfig struct {
	// Publication is the PostgreSQL publication name (publish = 'insert')
	Publication string

	// Slot is the logical replication slot name (pgoutput plugin)
	Slot string

	// RestartDelay is the pause before resubscribing after an error
	RestartDelay time.Duration

	// RestartDelaySlotInUse is the longer pause when the slot is held by
	// another subscriber (SQLSTATE 55006)
	RestartDelaySlotInUse time.Duration
}

// PollingConfig holds next-messages polling settings
type PollingConfig struct {
	// FunctionSchema and FunctionName identify the server-side function
	// that atomically selects and lease-locks due rows.
	// Defaults: DB schema and "next_<table>_messages".
	FunctionSchema string
	FunctionName   string

	// BatchSize is the maximum rows fetched per poll (after ramp-up)
	BatchSize int

	// LockDuration is the lease the function places on fetched rows.
	// There is no mid-handling lease renewal: keep this at or above
	// Listener.MessageProcessingTimeout or a slow handler's row may be
	// handed to another poller while still in flight.
	LockDuration time.Duration

	// Interval is the sleep between polls when no work arrived
	Interval time.Duration
}

// CleanupConfig holds terminal-row cleanup settings
type CleanupConfig struct {
	// Interval between cleanup runs; zero disables the scheduler
	Interval time.Duration

	// ProcessedMaxAge deletes processed rows older than this; zero skips
	ProcessedMaxAge time.Duration

	// AbandonedMaxAge deletes abandoned rows older than this; zero skips
	AbandonedMaxAge time.Duration

	// AllMaxAge deletes any row older than this; zero skips
	AllMaxAge time.Duration
}

// LeaderConfig holds Redis leader election settings
type LeaderConfig struct {
	Enabled         bool
	RedisURL        string
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// HTTPConfig holds the ops endpoint settings
type HTTPConfig struct {
	Port int
}

// Default returns the configuration defaults for the given listener kind.
func Default(kind message.ListenerKind) *Config {
	return &Config{
		Kind: kind,
		Mode: ModePolling,
		DB: DBConfig{
			Schema: "public",
			Table:  kind.DefaultTable(),
		},
		Listener: ListenerConfig{
			MessageProcessingTimeout:         15 * time.Second,
			MaxAttempts:                      5,
			EnableMaxAttemptsProtection:      kind == message.KindInbox,
			MaxPoisonousAttempts:             3,
			EnablePoisonousMessageProtection: kind == message.KindInbox,
			MaxMessageNotFoundAttempts:       0,
			MaxMessageNotFoundDelay:          10 * time.Millisecond,
		},
		Replication: ReplicationConfig{
			RestartDelay:          250 * time.Millisecond,
			RestartDelaySlotInUse: 10 * time.Second,
		},
		Polling: PollingConfig{
			FunctionSchema: "public",
			FunctionName:   fmt.Sprintf("next_%s_messages", kind.DefaultTable()),
			BatchSize:      5,
			LockDuration:   5 * time.Second,
			Interval:       500 * time.Millisecond,
		},
		Cleanup: CleanupConfig{
			Interval:        5 * time.Minute,
			ProcessedMaxAge: 7 * 24 * time.Hour,
			AbandonedMaxAge: 14 * 24 * time.Hour,
			AllMaxAge:       60 * 24 * time.Hour,
		},
		Leader: LeaderConfig{
			Enabled:         false,
			LockName:        "pgrelay-" + string(kind) + "-leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
	}
}

// Validate checks the configuration for construction-time errors.
func (c *Config) Validate() error {
	if c.Kind != message.KindOutbox && c.Kind != message.KindInbox {
		return fmt.Errorf("config: outbox_or_inbox must be %q or %q, got %q",
			message.KindOutbox, message.KindInbox, c.Kind)
	}
	if c.Mode != ModeReplication && c.Mode != ModePolling {
		return fmt.Errorf("config: mode must be %q or %q, got %q",
			ModeReplication, ModePolling, c.Mode)
	}
	if c.DB.URL == "" {
		return fmt.Errorf("config: db url is required")
	}
	if c.DB.Schema == "" || c.DB.Table == "" {
		return fmt.Errorf("config: db schema and table are required")
	}
	if c.Mode == ModeReplication {
		if c.Replication.Publication == "" {
			return fmt.Errorf("config: replication mode requires a publication name")
		}
		if c.Replication.Slot == "" {
			return fmt.Errorf("config: replication mode requires a slot name")
		}
	}
	if c.Mode == ModePolling {
		if c.Polling.BatchSize < 1 {
			return fmt.Errorf("config: polling batch size must be >= 1, got %d", c.Polling.BatchSize)
		}
		if c.Polling.Interval <= 0 {
			return fmt.Errorf("config: polling interval must be positive")
		}
	}
	if c.Listener.MessageProcessingTimeout <= 0 {
		return fmt.Errorf("config: message processing timeout must be positive")
	}
	if c.Listener.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.Listener.MaxAttempts)
	}
	if c.Leader.Enabled && c.Leader.RedisURL == "" {
		return fmt.Errorf("config: leader election requires a redis url")
	}
	return nil
}
