// Package intake accepts messages for delayed delivery and writes them to
// the due queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"echoattime/internal/id"
	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/store"

	"go.uber.org/zap"
)

// ErrValidation is wrapped by every error caused by a bad request.
var ErrValidation = errors.New("invalid request")

// ValidationError carries a client-facing reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

// Receipt describes an accepted message.
type Receipt struct {
	ID            string
	ScheduledTime string
	DueAt         time.Time
}

type Intake struct {
	store    store.Store
	queueKey string
	ids      id.Generator
	now      func() time.Time
	loc      *time.Location
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// Option configures an Intake.
type Option func(*Intake)

// WithClock sets the clock used to reject past times and stamp created_at.
func WithClock(now func() time.Time) Option {
	return func(i *Intake) { i.now = now }
}

// WithIDs sets the message id generator.
func WithIDs(g id.Generator) Option {
	return func(i *Intake) { i.ids = g }
}

// WithLocation sets the zone applied to times submitted without an offset.
func WithLocation(loc *time.Location) Option {
	return func(i *Intake) { i.loc = loc }
}

func New(s store.Store, queueKey string, m *metrics.Metrics, logger *log.Logger, opts ...Option) *Intake {
	i := &Intake{
		store:    s,
		queueKey: queueKey,
		ids:      id.UUID{},
		now:      time.Now,
		loc:      time.Local,
		metrics:  m,
		logger:   logger,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Schedule validates a client request and queues the message. rawTime is an
// ISO 8601 timestamp; it must not be in the past and message must not be
// empty.
func (i *Intake) Schedule(ctx context.Context, rawTime, message string) (Receipt, error) {
	dueAt, err := ParseTime(rawTime, i.loc)
	if err != nil {
		i.logger.Error("Invalid time format", zap.String("time", rawTime), zap.Error(err))
		return Receipt{}, invalid("Invalid time format. Use ISO format (YYYY-MM-DDTHH:MM:SS)")
	}
	if dueAt.Before(i.now()) {
		i.logger.Error("Scheduled time is in the past", zap.Time("scheduled_time", dueAt))
		return Receipt{}, invalid("Scheduled time must be in the future")
	}
	if message == "" {
		i.logger.Error("Message cannot be empty")
		return Receipt{}, invalid("Message cannot be empty")
	}

	msgID := i.ids.Generate()
	if err := i.Submit(ctx, msgID, message, dueAt, rawTime); err != nil {
		return Receipt{}, err
	}
	return Receipt{ID: msgID, ScheduledTime: rawTime, DueAt: dueAt}, nil
}

// Submit writes the record and its queue entry in one transaction. The
// scheduledTime string is stored as given; dueAt decides the queue score.
func (i *Intake) Submit(ctx context.Context, msgID, payload string, dueAt time.Time, scheduledTime string) error {
	if msgID == "" {
		return invalid("Message id cannot be empty")
	}
	if scheduledTime == "" {
		scheduledTime = dueAt.Format(time.RFC3339Nano)
	}
	msg := store.ScheduledMessage{
		ID:            msgID,
		Payload:       payload,
		ScheduledTime: scheduledTime,
		CreatedAt:     i.now(),
		Status:        store.StatusPending,
	}
	err := i.store.Schedule(ctx, i.queueKey, msgID, store.Score(dueAt), store.RecordKey(msgID), msg.Fields())
	if err != nil {
		i.logger.Error("Failed to store message", zap.String("message_id", msgID), zap.Error(err))
		return fmt.Errorf("schedule message %s: %w", msgID, err)
	}
	i.metrics.ScheduledTotal.Inc()
	i.logger.Info("Message scheduled",
		zap.String("message_id", msgID),
		zap.Time("due_at", dueAt),
	)
	return nil
}

var (
	zonedLayouts = []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02T15",
		"2006-01-02",
	}
)

// ParseTime accepts the ISO 8601 forms clients commonly send: date only,
// minute or second precision, fractional seconds, an optional UTC offset,
// and a space instead of the T separator. Times without an offset are read
// in loc.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported format", raw)
}
