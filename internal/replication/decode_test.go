package replication

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"go.pgrelay.tech/internal/message"
)

func messageRelation(columns ...string) *pglogrepl.RelationMessageV2 {
	rel := &pglogrepl.RelationMessageV2{}
	rel.RelationID = 1
	rel.Namespace = "public"
	rel.RelationName = "outbox"
	for _, name := range columns {
		rel.Columns = append(rel.Columns, &pglogrepl.RelationMessageColumn{Name: name})
	}
	return rel
}

func textColumn(value string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(value)}
}

func nullColumn() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
}

func TestDecodeInsertFullRow(t *testing.T) {
	rel := messageRelation(
		"id", "aggregate_type", "aggregate_id", "message_type", "segment",
		"concurrency", "payload", "metadata", "created_at", "locked_until",
		"started_attempts", "finished_attempts", "processed_at", "abandoned_at",
	)
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("11111111-1111-1111-1111-111111111111"),
		textColumn("order"),
		textColumn("order-1"),
		textColumn("order-created"),
		textColumn("tenant-a"),
		textColumn("parallel"),
		textColumn(`{"total":42}`),
		textColumn(`{"trace":"abc"}`),
		textColumn("2026-08-25 10:30:00.123456+00"),
		nullColumn(),
		textColumn("2"),
		textColumn("1"),
		nullColumn(),
		nullColumn(),
	}}

	msg, err := decodeInsert(rel, tuple)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.ID != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("Unexpected id: %s", msg.ID)
	}
	if msg.AggregateType != "order" || msg.MessageType != "order-created" || msg.AggregateID != "order-1" {
		t.Errorf("Unexpected routing fields: %+v", msg)
	}
	if msg.Segment != "tenant-a" {
		t.Errorf("Unexpected segment: %s", msg.Segment)
	}
	if msg.Concurrency != message.ConcurrencyParallel {
		t.Errorf("Unexpected concurrency: %s", msg.Concurrency)
	}
	if string(msg.Payload) != `{"total":42}` {
		t.Errorf("Unexpected payload: %s", msg.Payload)
	}
	if msg.StartedAttempts != 2 || msg.FinishedAttempts != 1 {
		t.Errorf("Unexpected counters: %d/%d", msg.StartedAttempts, msg.FinishedAttempts)
	}
	if msg.ProcessedAt != nil || msg.AbandonedAt != nil {
		t.Error("Expected pending message")
	}

	want := time.Date(2026, 8, 25, 10, 30, 0, 123456000, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("Unexpected createdAt: %v", msg.CreatedAt)
	}
}

func TestDecodeInsertNullableColumns(t *testing.T) {
	rel := messageRelation("id", "aggregate_type", "aggregate_id", "message_type", "segment", "payload")
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("22222222-2222-2222-2222-222222222222"),
		textColumn("shipment"),
		textColumn("ship-9"),
		textColumn("shipment-sent"),
		nullColumn(),
		textColumn(`{}`),
	}}

	msg, err := decodeInsert(rel, tuple)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Segment != "" {
		t.Errorf("Expected empty segment, got %q", msg.Segment)
	}
	// No segment: the effective concurrency bucket falls back to the
	// aggregate type.
	if msg.EffectiveSegment() != "shipment" {
		t.Errorf("Unexpected effective segment: %s", msg.EffectiveSegment())
	}
}

func TestDecodeInsertIgnoresUnknownColumns(t *testing.T) {
	rel := messageRelation("id", "aggregate_type", "aggregate_id", "message_type", "payload", "tenant_region")
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("33333333-3333-3333-3333-333333333333"),
		textColumn("order"),
		textColumn("order-2"),
		textColumn("order-created"),
		textColumn(`{}`),
		textColumn("eu-west"),
	}}

	msg, err := decodeInsert(rel, tuple)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" {
		t.Error("Expected known columns decoded despite extras")
	}
}

func TestDecodeInsertRejectsMissingID(t *testing.T) {
	rel := messageRelation("aggregate_type", "message_type")
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("order"),
		textColumn("order-created"),
	}}

	if _, err := decodeInsert(rel, tuple); err == nil {
		t.Error("Expected an error for a row without id")
	}
}

func TestDecodeInsertRejectsColumnCountMismatch(t *testing.T) {
	rel := messageRelation("id", "aggregate_type")
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("44444444-4444-4444-4444-444444444444"),
	}}

	if _, err := decodeInsert(rel, tuple); err == nil {
		t.Error("Expected an error for mismatched column counts")
	}
}

func TestDecodeInsertRejectsNilTuple(t *testing.T) {
	if _, err := decodeInsert(messageRelation("id"), nil); err == nil {
		t.Error("Expected an error for a missing tuple")
	}
}

func TestDecodeInsertBadCounter(t *testing.T) {
	rel := messageRelation("id", "started_attempts")
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("55555555-5555-5555-5555-555555555555"),
		textColumn("not-a-number"),
	}}

	if _, err := decodeInsert(rel, tuple); err == nil {
		t.Error("Expected an error for an unparseable counter")
	}
}

func TestParsePgTimestampLayouts(t *testing.T) {
	cases := []string{
		"2026-08-25 10:30:00.123456+00",
		"2026-08-25 10:30:00+00",
		"2026-08-25 10:30:00.5+02",
		"2026-08-25 10:30:00",
	}
	for _, value := range cases {
		if _, err := parsePgTimestamp(value); err != nil {
			t.Errorf("Expected %q to parse: %v", value, err)
		}
	}

	if _, err := parsePgTimestamp("yesterday"); err == nil {
		t.Error("Expected garbage to fail parsing")
	}
}
