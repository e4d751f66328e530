// Package delivery defines the side effect performed when a scheduled
// message comes due. Deliveries may be repeated after a crash between the
// side effect and queue cleanup, so every Deliverer must tolerate duplicates.
package delivery

import (
	"context"
	"errors"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"go.uber.org/zap"
)

type Deliverer interface {
	Deliver(ctx context.Context, msg store.ScheduledMessage) error
}

// Func adapts a function to Deliverer.
type Func func(ctx context.Context, msg store.ScheduledMessage) error

func (f Func) Deliver(ctx context.Context, msg store.ScheduledMessage) error { return f(ctx, msg) }

// Log emits the message as a structured log line.
type Log struct {
	logger *log.Logger
	now    func() time.Time
}

func NewLog(logger *log.Logger) *Log {
	return &Log{logger: logger, now: time.Now}
}

func (l *Log) Deliver(_ context.Context, msg store.ScheduledMessage) error {
	l.logger.Info("Scheduled message",
		zap.Time("delivered_at", l.now()),
		zap.String("message_id", msg.ID),
		zap.String("scheduled_time", msg.ScheduledTime),
		zap.String("content", msg.Payload))
	return nil
}

// Multi delivers to every sink in order and joins their errors. A failing
// sink does not prevent the remaining sinks from running.
type Multi []Deliverer

func (m Multi) Deliver(ctx context.Context, msg store.ScheduledMessage) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
