package store

import (
	"fmt"
	"time"
)

const StatusPending = "pending"

// Record hash field names.
const (
	FieldID            = "id"
	FieldMessage       = "message"
	FieldScheduledTime = "scheduled_time"
	FieldCreatedAt     = "created_at"
	FieldStatus        = "status"
)

// ScheduledMessage is the unit of work. ScheduledTime is kept as submitted
// (human readable); the queue score carries the machine-readable instant.
type ScheduledMessage struct {
	ID            string
	Payload       string
	ScheduledTime string
	CreatedAt     time.Time
	Status        string
}

// Fields encodes the message as record hash fields.
func (m ScheduledMessage) Fields() map[string]string {
	status := m.Status
	if status == "" {
		status = StatusPending
	}
	return map[string]string{
		FieldID:            m.ID,
		FieldMessage:       m.Payload,
		FieldScheduledTime: m.ScheduledTime,
		FieldCreatedAt:     m.CreatedAt.Format(time.RFC3339Nano),
		FieldStatus:        status,
	}
}

// MessageFromFields decodes a record hash. The id argument is used when the
// record predates the id field.
func MessageFromFields(id string, fields map[string]string) (ScheduledMessage, error) {
	payload, ok := fields[FieldMessage]
	if !ok {
		return ScheduledMessage{}, fmt.Errorf("record %s: missing %q field", id, FieldMessage)
	}
	m := ScheduledMessage{
		ID:            id,
		Payload:       payload,
		ScheduledTime: fields[FieldScheduledTime],
		Status:        fields[FieldStatus],
	}
	if v := fields[FieldID]; v != "" {
		m.ID = v
	}
	// created_at is informational; records written by other producers may
	// carry a naive timestamp, which is accepted or left zero.
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, fields[FieldCreatedAt]); err == nil {
			m.CreatedAt = t
			break
		}
	}
	return m, nil
}

// Score converts an instant to the queue's sort key: epoch seconds with
// sub-second precision.
func Score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
