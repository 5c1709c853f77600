package replication

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"

	"go.pgrelay.tech/internal/message"
)

// pgTimestampLayouts covers the text renderings pgoutput emits for
// timestamp and timestamptz columns.
var pgTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

// decodeInsert maps a pgoutput INSERT tuple onto a Message using the
// relation's column names. Columns the model does not know are ignored, so
// user extensions of the table do not break the listener. Text-format values
// only; pgoutput sends binary tuples only when explicitly negotiated, which
// the subscription does not do.
func decodeInsert(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) (*message.Message, error) {
	if tuple == nil {
		return nil, fmt.Errorf("decode: insert without tuple data")
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("decode: tuple has %d columns, relation %s has %d",
			len(tuple.Columns), rel.RelationName, len(rel.Columns))
	}

	msg := &message.Message{}
	for i, col := range tuple.Columns {
		name := rel.Columns[i].Name

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			continue
		case pglogrepl.TupleDataTypeToast:
			// Unchanged TOAST values never appear on INSERT.
			return nil, fmt.Errorf("decode: unexpected toasted column %q", name)
		case pglogrepl.TupleDataTypeText:
		default:
			return nil, fmt.Errorf("decode: unsupported tuple data type %q for column %q", col.DataType, name)
		}

		if err := assignColumn(msg, name, string(col.Data)); err != nil {
			return nil, err
		}
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("decode: row on %s has no id", rel.RelationName)
	}
	return msg, nil
}

func assignColumn(msg *message.Message, name, value string) error {
	switch name {
	case "id":
		msg.ID = value
	case "aggregate_type":
		msg.AggregateType = value
	case "aggregate_id":
		msg.AggregateID = value
	case "message_type":
		msg.MessageType = value
	case "segment":
		msg.Segment = value
	case "concurrency":
		msg.Concurrency = message.Concurrency(value)
	case "payload":
		msg.Payload = json.RawMessage(value)
	case "metadata":
		msg.Metadata = json.RawMessage(value)
	case "created_at":
		t, err := parsePgTimestamp(value)
		if err != nil {
			return fmt.Errorf("decode: created_at: %w", err)
		}
		msg.CreatedAt = t
	case "locked_until":
		t, err := parsePgTimestamp(value)
		if err != nil {
			return fmt.Errorf("decode: locked_until: %w", err)
		}
		msg.LockedUntil = t
	case "started_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("decode: started_attempts: %w", err)
		}
		msg.StartedAttempts = n
	case "finished_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("decode: finished_attempts: %w", err)
		}
		msg.FinishedAttempts = n
	case "processed_at":
		t, err := parsePgTimestamp(value)
		if err != nil {
			return fmt.Errorf("decode: processed_at: %w", err)
		}
		msg.ProcessedAt = &t
	case "abandoned_at":
		t, err := parsePgTimestamp(value)
		if err != nil {
			return fmt.Errorf("decode: abandoned_at: %w", err)
		}
		msg.AbandonedAt = &t
	}
	return nil
}

func parsePgTimestamp(value string) (time.Time, error) {
	for _, layout := range pgTimestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}
