package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.pgrelay.tech/internal/message"
)

// clearListenerEnv unsets every env key the loader reads so tests control
// their inputs.
func clearListenerEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PGRELAY_CONFIG", "OUTBOX_OR_INBOX", "LISTENER_MODE", "PGRELAY_DEV",
		"DB_URL", "DB_SCHEMA", "DB_TABLE",
		"MESSAGE_PROCESSING_TIMEOUT_MS", "MAX_ATTEMPTS",
		"ENABLE_MAX_ATTEMPTS_PROTECTION", "MAX_POISONOUS_ATTEMPTS",
		"ENABLE_POISONOUS_MESSAGE_PROTECTION",
		"MAX_MESSAGE_NOT_FOUND_ATTEMPTS", "MAX_MESSAGE_NOT_FOUND_DELAY_MS",
		"DB_PUBLICATION", "DB_REPLICATION_SLOT",
		"RESTART_DELAY_MS", "RESTART_DELAY_SLOT_IN_USE_MS",
		"NEXT_MESSAGES_FUNCTION_SCHEMA", "NEXT_MESSAGES_FUNCTION_NAME",
		"NEXT_MESSAGES_BATCH_SIZE", "NEXT_MESSAGES_LOCK_MS",
		"NEXT_MESSAGES_POLLING_INTERVAL_MS",
		"MESSAGE_CLEANUP_INTERVAL_MS", "MESSAGE_CLEANUP_PROCESSED_SEC",
		"MESSAGE_CLEANUP_ABANDONED_SEC", "MESSAGE_CLEANUP_ALL_SEC",
		"LEADER_ELECTION_ENABLED", "LEADER_REDIS_URL", "LEADER_LOCK_NAME",
		"LEADER_TTL", "LEADER_REFRESH_INTERVAL", "HTTP_PORT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaultsOutbox(t *testing.T) {
	cfg := Default(message.KindOutbox)

	if cfg.DB.Table != "outbox" {
		t.Errorf("Expected table 'outbox', got %q", cfg.DB.Table)
	}
	if cfg.Listener.EnableMaxAttemptsProtection {
		t.Error("Expected max-attempts protection off for outbox")
	}
	if cfg.Listener.EnablePoisonousMessageProtection {
		t.Error("Expected poisonous protection off for outbox")
	}
	if cfg.Listener.MessageProcessingTimeout != 15*time.Second {
		t.Errorf("Expected 15s timeout, got %v", cfg.Listener.MessageProcessingTimeout)
	}
	if cfg.Listener.MaxAttempts != 5 {
		t.Errorf("Expected 5 max attempts, got %d", cfg.Listener.MaxAttempts)
	}
	if cfg.Polling.FunctionName != "next_outbox_messages" {
		t.Errorf("Expected default function name, got %q", cfg.Polling.FunctionName)
	}
	if cfg.Replication.RestartDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms restart delay, got %v", cfg.Replication.RestartDelay)
	}
	if cfg.Replication.RestartDelaySlotInUse != 10*time.Second {
		t.Errorf("Expected 10s slot-in-use delay, got %v", cfg.Replication.RestartDelaySlotInUse)
	}
}

func TestDefaultsInbox(t *testing.T) {
	cfg := Default(message.KindInbox)

	if cfg.DB.Table != "inbox" {
		t.Errorf("Expected table 'inbox', got %q", cfg.DB.Table)
	}
	if !cfg.Listener.EnableMaxAttemptsProtection {
		t.Error("Expected max-attempts protection on for inbox")
	}
	if !cfg.Listener.EnablePoisonousMessageProtection {
		t.Error("Expected poisonous protection on for inbox")
	}
	if cfg.Listener.MaxPoisonousAttempts != 3 {
		t.Errorf("Expected 3 poisonous attempts, got %d", cfg.Listener.MaxPoisonousAttempts)
	}
	if cfg.Polling.FunctionName != "next_inbox_messages" {
		t.Errorf("Expected default function name, got %q", cfg.Polling.FunctionName)
	}
}

func TestLoadRequiresKind(t *testing.T) {
	clearListenerEnv(t)

	if _, err := Load(); err == nil {
		t.Error("Expected an error without OUTBOX_OR_INBOX")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearListenerEnv(t)
	t.Setenv("OUTBOX_OR_INBOX", "inbox")
	t.Setenv("DB_URL", "postgres://localhost/app")
	t.Setenv("DB_SCHEMA", "messaging")
	t.Setenv("LISTENER_MODE", "replication")
	t.Setenv("DB_PUBLICATION", "pub_inbox")
	t.Setenv("DB_REPLICATION_SLOT", "slot_inbox")
	t.Setenv("MESSAGE_PROCESSING_TIMEOUT_MS", "2500")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Kind != message.KindInbox {
		t.Errorf("Expected inbox kind, got %q", cfg.Kind)
	}
	if cfg.Mode != ModeReplication {
		t.Errorf("Expected replication mode, got %q", cfg.Mode)
	}
	if cfg.DB.Schema != "messaging" {
		t.Errorf("Expected schema override, got %q", cfg.DB.Schema)
	}
	if cfg.DB.Table != "inbox" {
		t.Errorf("Expected default table, got %q", cfg.DB.Table)
	}
	if cfg.Listener.MessageProcessingTimeout != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s timeout, got %v", cfg.Listener.MessageProcessingTimeout)
	}
	if cfg.Listener.MaxAttempts != 7 {
		t.Errorf("Expected 7 max attempts, got %d", cfg.Listener.MaxAttempts)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	clearListenerEnv(t)

	content := `
outbox_or_inbox = "outbox"
mode = "polling"

[db]
url = "postgres://localhost/app"
schema = "messaging"
table = "events_outbox"

[listener]
message_processing_timeout_ms = 5000
max_attempts = 3
enable_max_attempts_protection = true

[polling]
next_messages_batch_size = 10
next_messages_lock_ms = 8000
next_messages_polling_interval_ms = 250

[leader]
enabled = true
redis_url = "redis://localhost:6379"
ttl = "45s"
refresh_interval = "15s"
`
	path := filepath.Join(t.TempDir(), "pgrelay.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("PGRELAY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Kind != message.KindOutbox {
		t.Errorf("Expected outbox kind, got %q", cfg.Kind)
	}
	if cfg.DB.Table != "events_outbox" {
		t.Errorf("Expected table override, got %q", cfg.DB.Table)
	}
	if cfg.Listener.MessageProcessingTimeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", cfg.Listener.MessageProcessingTimeout)
	}
	if !cfg.Listener.EnableMaxAttemptsProtection {
		t.Error("Expected file to enable max-attempts protection for outbox")
	}
	if cfg.Polling.BatchSize != 10 {
		t.Errorf("Expected batch size 10, got %d", cfg.Polling.BatchSize)
	}
	if cfg.Polling.LockDuration != 8*time.Second {
		t.Errorf("Expected 8s lock duration, got %v", cfg.Polling.LockDuration)
	}
	if !cfg.Leader.Enabled {
		t.Error("Expected leader election enabled")
	}
	if cfg.Leader.TTL != 45*time.Second {
		t.Errorf("Expected 45s leader TTL, got %v", cfg.Leader.TTL)
	}
}

func TestFileCanDisableCleanup(t *testing.T) {
	clearListenerEnv(t)

	content := `
outbox_or_inbox = "outbox"

[db]
url = "postgres://localhost/app"

[cleanup]
message_cleanup_interval_ms = 0
`
	path := filepath.Join(t.TempDir(), "pgrelay.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("PGRELAY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An explicit zero interval switches cleanup off; it must not be
	// mistaken for an absent key falling back to the default.
	if cfg.Cleanup.Interval != 0 {
		t.Errorf("Expected cleanup disabled, got interval %v", cfg.Cleanup.Interval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearListenerEnv(t)

	content := `
outbox_or_inbox = "outbox"

[db]
url = "postgres://localhost/app"

[listener]
max_attempts = 3
`
	path := filepath.Join(t.TempDir(), "pgrelay.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("PGRELAY_CONFIG", path)
	t.Setenv("MAX_ATTEMPTS", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Listener.MaxAttempts != 9 {
		t.Errorf("Expected env to win over file, got %d", cfg.Listener.MaxAttempts)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.DB.URL = "" }},
		{"bad mode", func(c *Config) { c.Mode = "streaming" }},
		{"replication without publication", func(c *Config) {
			c.Mode = ModeReplication
			c.Replication.Slot = "slot"
		}},
		{"replication without slot", func(c *Config) {
			c.Mode = ModeReplication
			c.Replication.Publication = "pub"
		}},
		{"zero batch size", func(c *Config) { c.Polling.BatchSize = 0 }},
		{"zero timeout", func(c *Config) { c.Listener.MessageProcessingTimeout = 0 }},
		{"zero max attempts", func(c *Config) { c.Listener.MaxAttempts = 0 }},
		{"leader without redis", func(c *Config) { c.Leader.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(message.KindOutbox)
			cfg.DB.URL = "postgres://localhost/app"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	cfg := Default(message.KindInbox)
	cfg.DB.URL = "postgres://localhost/app"

	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}
