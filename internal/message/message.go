// Package message defines the transactional outbox/inbox message model shared
// by every listener component. A message is one row in the outbox or inbox
// table; the in-memory value is owned by the processor handling it and lives
// only for the duration of that processing.
package message

import (
	"encoding/json"
	"time"
)

// ListenerKind distinguishes the outbox (producer) side from the inbox
// (consumer) side. It labels logs and selects the default table name.
type ListenerKind string

const (
	KindOutbox ListenerKind = "outbox"
	KindInbox  ListenerKind = "inbox"
)

// DefaultTable returns the default table name for the listener kind.
func (k ListenerKind) DefaultTable() string {
	if k == KindInbox {
		return "inbox"
	}
	return "outbox"
}

// Concurrency selects how a message may be interleaved with others by the
// replication listener's concurrency controller.
type Concurrency string

const (
	// ConcurrencySequential - the message must be processed one-at-a-time
	// with respect to its mutex scope (global or per segment).
	ConcurrencySequential Concurrency = "sequential"

	// ConcurrencyParallel - the message may be processed alongside others.
	ConcurrencyParallel Concurrency = "parallel"
)

// Message represents one outbox or inbox row.
type Message struct {
	// ID is the globally unique message identifier (UUID string)
	ID string `json:"id"`

	// AggregateType and MessageType route the message to a handler
	AggregateType string `json:"aggregateType"`
	MessageType   string `json:"messageType"`

	// AggregateID identifies the aggregate instance the message is about
	AggregateID string `json:"aggregateId"`

	// Segment is an optional concurrency bucket label; messages sharing a
	// segment are serialised with respect to each other under the
	// segment-mutex controller
	Segment string `json:"segment,omitempty"`

	// Concurrency is the per-message interleaving preference
	Concurrency Concurrency `json:"concurrency,omitempty"`

	// Payload is the opaque message body
	Payload json.RawMessage `json:"payload"`

	// Metadata is an optional JSON mapping carried alongside the payload
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// CreatedAt is when the row was inserted (UTC)
	CreatedAt time.Time `json:"createdAt"`

	// LockedUntil is the polling lease deadline; zero when unleased
	LockedUntil time.Time `json:"lockedUntil,omitempty"`

	// StartedAttempts counts processing attempts that began; bumped in its
	// own transaction so it survives a crash of the main transaction
	StartedAttempts int `json:"startedAttempts"`

	// FinishedAttempts counts processing attempts that ended (success or
	// failure); always <= StartedAttempts
	FinishedAttempts int `json:"finishedAttempts"`

	// ProcessedAt is the terminal-success instant, nil while pending
	ProcessedAt *time.Time `json:"processedAt,omitempty"`

	// AbandonedAt is the terminal-failure instant, nil while pending
	AbandonedAt *time.Time `json:"abandonedAt,omitempty"`
}

// IsTerminal returns true once the row reached a final state. Terminal rows
// are never re-processed; only the cleanup scheduler may remove them.
func (m *Message) IsTerminal() bool {
	return m.ProcessedAt != nil || m.AbandonedAt != nil
}

// AttemptGap is startedAttempts - finishedAttempts. A gap of two or more
// means a previous process crashed mid-handling (the poisonous heuristic).
func (m *Message) AttemptGap() int {
	return m.StartedAttempts - m.FinishedAttempts
}

// EffectiveSegment returns the segment or the aggregate type when no segment
// was assigned, so the segment-mutex controller always has a bucket.
func (m *Message) EffectiveSegment() string {
	if m.Segment == "" {
		return m.AggregateType
	}
	return m.Segment
}
