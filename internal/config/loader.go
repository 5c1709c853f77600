package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"go.pgrelay.tech/internal/message"
)

// TOMLConfig represents the TOML configuration file structure. Durations for
// the listener settings are integer milliseconds/seconds matching the
// documented setting names; leader durations are Go duration strings.
type TOMLConfig struct {
	OutboxOrInbox string `toml:"outbox_or_inbox"`
	Mode          string `toml:"mode"`
	DevMode       bool   `toml:"dev_mode"`

	DB          TOMLDBConfig          `toml:"db"`
	Listener    TOMLListenerConfig    `toml:"listener"`
	Replication TOMLReplicationConfig `toml:"replication"`
	Polling     TOMLPollingConfig     `toml:"polling"`
	Cleanup     TOMLCleanupConfig     `toml:"cleanup"`
	Leader      TOMLLeaderConfig      `toml:"leader"`
	HTTP        TOMLHTTPConfig        `toml:"http"`
}

// TOMLDBConfig represents database configuration in TOML
type TOMLDBConfig struct {
	URL    string `toml:"url"`
	Schema string `toml:"schema"`
	Table  string `toml:"table"`
}

// TOMLListenerConfig represents listener configuration in TOML
type TOMLListenerConfig struct {
	MessageProcessingTimeoutMs  int   `toml:"message_processing_timeout_ms"`
	MaxAttempts                 int   `toml:"max_attempts"`
	EnableMaxAttemptsProtection *bool `toml:"enable_max_attempts_protection"`
	MaxPoisonousAttempts        int   `toml:"max_poisonous_attempts"`
	EnablePoisonousProtection   *bool `toml:"enable_poisonous_message_protection"`
	MaxMessageNotFoundAttempts  int   `toml:"max_message_not_found_attempts"`
	MaxMessageNotFoundDelayMs   int   `toml:"max_message_not_found_delay_ms"`
}

// TOMLReplicationConfig represents replication configuration in TOML
type TOMLReplicationConfig struct {
	Publication             string `toml:"publication"`
	Slot                    string `toml:"slot"`
	RestartDelayMs          int    `toml:"restart_delay_ms"`
	RestartDelaySlotInUseMs int    `toml:"restart_delay_slot_in_use_ms"`
}

// TOMLPollingConfig represents polling configuration in TOML
type TOMLPollingConfig struct {
	FunctionSchema    string `toml:"next_messages_function_schema"`
	FunctionName      string `toml:"next_messages_function_name"`
	BatchSize         int    `toml:"next_messages_batch_size"`
	LockMs            int    `toml:"next_messages_lock_ms"`
	PollingIntervalMs int    `toml:"next_messages_polling_interval_ms"`
}

// TOMLCleanupConfig represents cleanup configuration in TOML. The interval
// is a pointer so an explicit 0 (cleanup disabled) is distinguishable from
// an absent key.
type TOMLCleanupConfig struct {
	IntervalMs   *int `toml:"message_cleanup_interval_ms"`
	ProcessedSec int `toml:"message_cleanup_processed_sec"`
	AbandonedSec int `toml:"message_cleanup_abandoned_sec"`
	AllSec       int `toml:"message_cleanup_all_sec"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	RedisURL        string `toml:"redis_url"`
	LockName        string `toml:"lock_name"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLHTTPConfig represents the ops endpoint configuration in TOML
type TOMLHTTPConfig struct {
	Port int `toml:"port"`
}

// Load builds the configuration: defaults for the listener kind, then the
// TOML file (PGRELAY_CONFIG or ./pgrelay.toml if present), then environment
// variables on top. The listener kind itself comes from OUTBOX_OR_INBOX or
// the file's outbox_or_inbox key and is required.
func Load() (*Config, error) {
	configPath := getEnv("PGRELAY_CONFIG", "")
	if configPath == "" {
		if _, err := os.Stat("pgrelay.toml"); err == nil {
			configPath = "pgrelay.toml"
		}
	}

	var fileCfg *TOMLConfig
	if configPath != "" {
		var err error
		fileCfg, err = loadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	kind := message.ListenerKind(getEnv("OUTBOX_OR_INBOX", ""))
	if kind == "" && fileCfg != nil {
		kind = message.ListenerKind(fileCfg.OutboxOrInbox)
	}
	if kind == "" {
		return nil, fmt.Errorf("config: OUTBOX_OR_INBOX is required (outbox or inbox)")
	}

	cfg := Default(kind)
	if fileCfg != nil {
		applyFile(cfg, fileCfg)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile parses a TOML configuration file
func loadFile(path string) (*TOMLConfig, error) {
	var tc TOMLConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// applyFile overlays non-zero file values onto cfg
func applyFile(cfg *Config, tc *TOMLConfig) {
	if tc.Mode != "" {
		cfg.Mode = Mode(tc.Mode)
	}
	cfg.DevMode = cfg.DevMode || tc.DevMode

	if tc.DB.URL != "" {
		cfg.DB.URL = tc.DB.URL
	}
	if tc.DB.Schema != "" {
		cfg.DB.Schema = tc.DB.Schema
	}
	if tc.DB.Table != "" {
		cfg.DB.Table = tc.DB.Table
	}

	if tc.Listener.MessageProcessingTimeoutMs > 0 {
		cfg.Listener.MessageProcessingTimeout = time.Duration(tc.Listener.MessageProcessingTimeoutMs) * time.Millisecond
	}
	if tc.Listener.MaxAttempts > 0 {
		cfg.Listener.MaxAttempts = tc.Listener.MaxAttempts
	}
	if tc.Listener.EnableMaxAttemptsProtection != nil {
		cfg.Listener.EnableMaxAttemptsProtection = *tc.Listener.EnableMaxAttemptsProtection
	}
	if tc.Listener.MaxPoisonousAttempts > 0 {
		cfg.Listener.MaxPoisonousAttempts = tc.Listener.MaxPoisonousAttempts
	}
	if tc.Listener.EnablePoisonousProtection != nil {
		cfg.Listener.EnablePoisonousMessageProtection = *tc.Listener.EnablePoisonousProtection
	}
	if tc.Listener.MaxMessageNotFoundAttempts > 0 {
		cfg.Listener.MaxMessageNotFoundAttempts = tc.Listener.MaxMessageNotFoundAttempts
	}
	if tc.Listener.MaxMessageNotFoundDelayMs > 0 {
		cfg.Listener.MaxMessageNotFoundDelay = time.Duration(tc.Listener.MaxMessageNotFoundDelayMs) * time.Millisecond
	}

	if tc.Replication.Publication != "" {
		cfg.Replication.Publication = tc.Replication.Publication
	}
	if tc.Replication.Slot != "" {
		cfg.Replication.Slot = tc.Replication.Slot
	}
	if tc.Replication.RestartDelayMs > 0 {
		cfg.Replication.RestartDelay = time.Duration(tc.Replication.RestartDelayMs) * time.Millisecond
	}
	if tc.Replication.RestartDelaySlotInUseMs > 0 {
		cfg.Replication.RestartDelaySlotInUse = time.Duration(tc.Replication.RestartDelaySlotInUseMs) * time.Millisecond
	}

	if tc.Polling.FunctionSchema != "" {
		cfg.Polling.FunctionSchema = tc.Polling.FunctionSchema
	}
	if tc.Polling.FunctionName != "" {
		cfg.Polling.FunctionName = tc.Polling.FunctionName
	}
	if tc.Polling.BatchSize > 0 {
		cfg.Polling.BatchSize = tc.Polling.BatchSize
	}
	if tc.Polling.LockMs > 0 {
		cfg.Polling.LockDuration = time.Duration(tc.Polling.LockMs) * time.Millisecond
	}
	if tc.Polling.PollingIntervalMs > 0 {
		cfg.Polling.Interval = time.Duration(tc.Polling.PollingIntervalMs) * time.Millisecond
	}

	if tc.Cleanup.IntervalMs != nil {
		cfg.Cleanup.Interval = time.Duration(*tc.Cleanup.IntervalMs) * time.Millisecond
	}
	if tc.Cleanup.ProcessedSec > 0 {
		cfg.Cleanup.ProcessedMaxAge = time.Duration(tc.Cleanup.ProcessedSec) * time.Second
	}
	if tc.Cleanup.AbandonedSec > 0 {
		cfg.Cleanup.AbandonedMaxAge = time.Duration(tc.Cleanup.AbandonedSec) * time.Second
	}
	if tc.Cleanup.AllSec > 0 {
		cfg.Cleanup.AllMaxAge = time.Duration(tc.Cleanup.AllSec) * time.Second
	}

	cfg.Leader.Enabled = cfg.Leader.Enabled || tc.Leader.Enabled
	if tc.Leader.RedisURL != "" {
		cfg.Leader.RedisURL = tc.Leader.RedisURL
	}
	if tc.Leader.LockName != "" {
		cfg.Leader.LockName = tc.Leader.LockName
	}
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}
}

// applyEnv overlays environment variables onto cfg. Unknown keys are ignored.
func applyEnv(cfg *Config) {
	cfg.Mode = Mode(getEnv("LISTENER_MODE", string(cfg.Mode)))
	cfg.DevMode = getEnvBool("PGRELAY_DEV", cfg.DevMode)

	cfg.DB.URL = getEnv("DB_URL", cfg.DB.URL)
	cfg.DB.Schema = getEnv("DB_SCHEMA", cfg.DB.Schema)
	cfg.DB.Table = getEnv("DB_TABLE", cfg.DB.Table)

	cfg.Listener.MessageProcessingTimeout = getEnvMs("MESSAGE_PROCESSING_TIMEOUT_MS", cfg.Listener.MessageProcessingTimeout)
	cfg.Listener.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.Listener.MaxAttempts)
	cfg.Listener.EnableMaxAttemptsProtection = getEnvBool("ENABLE_MAX_ATTEMPTS_PROTECTION", cfg.Listener.EnableMaxAttemptsProtection)
	cfg.Listener.MaxPoisonousAttempts = getEnvInt("MAX_POISONOUS_ATTEMPTS", cfg.Listener.MaxPoisonousAttempts)
	cfg.Listener.EnablePoisonousMessageProtection = getEnvBool("ENABLE_POISONOUS_MESSAGE_PROTECTION", cfg.Listener.EnablePoisonousMessageProtection)
	cfg.Listener.MaxMessageNotFoundAttempts = getEnvInt("MAX_MESSAGE_NOT_FOUND_ATTEMPTS", cfg.Listener.MaxMessageNotFoundAttempts)
	cfg.Listener.MaxMessageNotFoundDelay = getEnvMs("MAX_MESSAGE_NOT_FOUND_DELAY_MS", cfg.Listener.MaxMessageNotFoundDelay)

	cfg.Replication.Publication = getEnv("DB_PUBLICATION", cfg.Replication.Publication)
	cfg.Replication.Slot = getEnv("DB_REPLICATION_SLOT", cfg.Replication.Slot)
	cfg.Replication.RestartDelay = getEnvMs("RESTART_DELAY_MS", cfg.Replication.RestartDelay)
	cfg.Replication.RestartDelaySlotInUse = getEnvMs("RESTART_DELAY_SLOT_IN_USE_MS", cfg.Replication.RestartDelaySlotInUse)

	cfg.Polling.FunctionSchema = getEnv("NEXT_MESSAGES_FUNCTION_SCHEMA", cfg.Polling.FunctionSchema)
	cfg.Polling.FunctionName = getEnv("NEXT_MESSAGES_FUNCTION_NAME", cfg.Polling.FunctionName)
	cfg.Polling.BatchSize = getEnvInt("NEXT_MESSAGES_BATCH_SIZE", cfg.Polling.BatchSize)
	cfg.Polling.LockDuration = getEnvMs("NEXT_MESSAGES_LOCK_MS", cfg.Polling.LockDuration)
	cfg.Polling.Interval = getEnvMs("NEXT_MESSAGES_POLLING_INTERVAL_MS", cfg.Polling.Interval)

	cfg.Cleanup.Interval = getEnvMs("MESSAGE_CLEANUP_INTERVAL_MS", cfg.Cleanup.Interval)
	cfg.Cleanup.ProcessedMaxAge = getEnvSec("MESSAGE_CLEANUP_PROCESSED_SEC", cfg.Cleanup.ProcessedMaxAge)
	cfg.Cleanup.AbandonedMaxAge = getEnvSec("MESSAGE_CLEANUP_ABANDONED_SEC", cfg.Cleanup.AbandonedMaxAge)
	cfg.Cleanup.AllMaxAge = getEnvSec("MESSAGE_CLEANUP_ALL_SEC", cfg.Cleanup.AllMaxAge)

	cfg.Leader.Enabled = getEnvBool("LEADER_ELECTION_ENABLED", cfg.Leader.Enabled)
	cfg.Leader.RedisURL = getEnv("LEADER_REDIS_URL", cfg.Leader.RedisURL)
	cfg.Leader.LockName = getEnv("LEADER_LOCK_NAME", cfg.Leader.LockName)
	cfg.Leader.TTL = getEnvDuration("LEADER_TTL", cfg.Leader.TTL)
	cfg.Leader.RefreshInterval = getEnvDuration("LEADER_REFRESH_INTERVAL", cfg.Leader.RefreshInterval)

	cfg.HTTP.Port = getEnvInt("HTTP_PORT", cfg.HTTP.Port)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvMs(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvSec(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
