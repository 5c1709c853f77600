package message

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestListenerKindDefaultTable(t *testing.T) {
	if KindOutbox.DefaultTable() != "outbox" {
		t.Errorf("Unexpected outbox table: %s", KindOutbox.DefaultTable())
	}
	if KindInbox.DefaultTable() != "inbox" {
		t.Errorf("Unexpected inbox table: %s", KindInbox.DefaultTable())
	}
}

func TestIsTerminal(t *testing.T) {
	now := time.Now()

	msg := &Message{}
	if msg.IsTerminal() {
		t.Error("Expected pending message to not be terminal")
	}

	msg.ProcessedAt = &now
	if !msg.IsTerminal() {
		t.Error("Expected processed message to be terminal")
	}

	msg = &Message{AbandonedAt: &now}
	if !msg.IsTerminal() {
		t.Error("Expected abandoned message to be terminal")
	}
}

func TestAttemptGap(t *testing.T) {
	msg := &Message{StartedAttempts: 3, FinishedAttempts: 1}
	if msg.AttemptGap() != 2 {
		t.Errorf("Expected gap 2, got %d", msg.AttemptGap())
	}
}

func TestEffectiveSegment(t *testing.T) {
	msg := &Message{AggregateType: "order"}
	if msg.EffectiveSegment() != "order" {
		t.Errorf("Expected aggregate-type fallback, got %s", msg.EffectiveSegment())
	}

	msg.Segment = "tenant-a"
	if msg.EffectiveSegment() != "tenant-a" {
		t.Errorf("Expected explicit segment, got %s", msg.EffectiveSegment())
	}
}

func TestErrorWrappingAndCodes(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrHandlingFailed, &Message{ID: "m-1"}, cause)

	if !HasCode(err, ErrHandlingFailed) {
		t.Error("Expected code to match")
	}
	if HasCode(err, ErrTimeout) {
		t.Error("Expected other codes to not match")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the cause to be reachable via errors.Is")
	}
	if code, ok := CodeOf(err); !ok || code != ErrHandlingFailed {
		t.Errorf("Unexpected code: %s", code)
	}
}

func TestErrorCodeSurvivesWrapping(t *testing.T) {
	err := Errorf(ErrPoisonousMessage, nil, "gap too large")
	wrapped := fmt.Errorf("while processing: %w", err)

	if !HasCode(wrapped, ErrPoisonousMessage) {
		t.Error("Expected code to survive fmt.Errorf wrapping")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("Expected no code for a plain error")
	}
	if HasCode(nil, ErrDB) {
		t.Error("Expected nil error to have no code")
	}
}
