// Package executor processes a single due message: it takes the message's
// processing lock, performs the delivery side effect, removes the message
// from the store, and releases the lock. Transient store failures are
// retried with exponential backoff before the message is left for the next
// dispatch cycle.
package executor

import (
	"context"
	"fmt"
	"time"

	"echoattime/internal/delivery"
	"echoattime/internal/lock"
	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/retry"
	"echoattime/internal/store"

	"go.uber.org/zap"
)

// Result is the outcome of Process.
type Result int

const (
	// Completed means the message is gone from the store, either delivered
	// by this call or already handled by someone else.
	Completed Result = iota
	// Skipped means the message is still queued: another processor holds
	// its lock, or retries were exhausted for this cycle.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Completed:
		return metrics.ResultCompleted
	case Skipped:
		return metrics.ResultSkipped
	default:
		return "unknown"
	}
}

type Executor struct {
	store     store.Store
	locks     *lock.Manager
	deliverer delivery.Deliverer
	queueKey  string
	policy    retry.Policy
	sleep     retry.Sleeper
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy sets the retry policy for transient store errors.
func WithPolicy(p retry.Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithSleeper replaces the backoff sleep, letting tests run without real
// delays.
func WithSleeper(s retry.Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

func New(
	s store.Store,
	locks *lock.Manager,
	d delivery.Deliverer,
	queueKey string,
	m *metrics.Metrics,
	logger *log.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		store:     s,
		locks:     locks,
		deliverer: d,
		queueKey:  queueKey,
		policy:    retry.DefaultPolicy(),
		sleep:     retry.Sleep,
		metrics:   m,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process handles message id. It never returns an error: failures leave the
// message queued and it is picked up again on a later cycle.
func (e *Executor) Process(ctx context.Context, id string) Result {
	res, err := retry.Do(ctx, e.policy, e.sleep,
		func(ctx context.Context) (Result, error) { return e.attempt(ctx, id) },
		func(n int, delay time.Duration, err error) {
			e.metrics.RetriesTotal.Inc()
			e.logger.Warn("Error processing message, backing off",
				zap.String("message_id", id),
				zap.Int("retry", n),
				zap.Duration("backoff", delay),
				zap.Error(err))
		})
	if err != nil {
		e.logger.Error("Giving up on message for this cycle",
			zap.String("message_id", id),
			zap.Int("attempts", e.policy.MaxAttempts),
			zap.Error(err))
		res = Skipped
	}
	e.metrics.ProcessedTotal.WithLabelValues(res.String()).Inc()
	return res
}

// attempt is one pass of lock, load, deliver, clean up. A non-nil error is
// transient and makes the caller retry the whole attempt.
func (e *Executor) attempt(ctx context.Context, id string) (Result, error) {
	acquired, err := e.locks.TryAcquire(ctx, id)
	if err != nil {
		return Skipped, err
	}
	if !acquired {
		e.logger.Debug("Message locked by another processor", zap.String("message_id", id))
		return Skipped, nil
	}
	defer func() {
		// Release even when ctx is cancelled; an unreleased lock only
		// delays the message until its TTL runs out.
		if err := e.locks.Release(context.WithoutCancel(ctx), id); err != nil {
			e.logger.Warn("Failed to release lock", zap.String("message_id", id), zap.Error(err))
		}
	}()

	recordKey := store.RecordKey(id)
	fields, err := e.store.HGetAll(ctx, recordKey)
	if err != nil {
		return Skipped, fmt.Errorf("load record %s: %w", id, err)
	}
	if len(fields) == 0 {
		// A racing processor finished first. Drop any queue entry it left
		// behind so the id is not fetched again.
		if err := e.store.ZRem(ctx, e.queueKey, id); err != nil {
			return Skipped, fmt.Errorf("remove orphaned queue entry %s: %w", id, err)
		}
		e.logger.Debug("Message already handled", zap.String("message_id", id))
		return Completed, nil
	}

	msg, err := store.MessageFromFields(id, fields)
	if err != nil {
		// Retrying cannot repair a record; drop it loudly instead of
		// refetching it every cycle.
		e.logger.Error("Discarding undeliverable record",
			zap.String("message_id", id),
			zap.Any("fields", fields),
			zap.Error(err))
		if err := e.store.Complete(ctx, e.queueKey, id, recordKey); err != nil {
			return Skipped, fmt.Errorf("discard record %s: %w", id, err)
		}
		return Completed, nil
	}

	if err := e.deliverer.Deliver(ctx, msg); err != nil {
		return Skipped, fmt.Errorf("deliver %s: %w", id, err)
	}
	e.metrics.DeliveriesTotal.Inc()

	if err := e.store.Complete(ctx, e.queueKey, id, recordKey); err != nil {
		return Skipped, fmt.Errorf("clean up %s: %w", id, err)
	}
	return Completed, nil
}
