// Package fetcher finds the messages that are due for dispatch.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrInvalidLimit is returned when FetchDue is asked for fewer than one id.
var ErrInvalidLimit = errors.New("fetcher: limit must be positive")

// Fetcher queries the scheduled queue for due ids. Store access goes
// through a circuit breaker so an unreachable store fails fast instead of
// stacking timeouts on every poll.
type Fetcher struct {
	store    store.Store
	queueKey string
	cb       *gobreaker.CircuitBreaker
	logger   *log.Logger
}

// Option configures a Fetcher.
type Option func(*gobreaker.Settings)

// WithBreakerTimeout sets how long the breaker stays open before letting a
// probe request through.
func WithBreakerTimeout(d time.Duration) Option {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithTripAfter sets the number of consecutive failures that opens the
// breaker.
func WithTripAfter(n uint32) Option {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

func New(s store.Store, queueKey string, logger *log.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{store: s, queueKey: queueKey, logger: logger}
	settings := gobreaker.Settings{
		Name:        "fetcher",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("Store circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	f.cb = gobreaker.NewCircuitBreaker(settings)
	return f
}

// FetchDue returns up to limit ids whose scheduled time is at or before
// now, ascending by scheduled time. An empty result is the steady state.
func (f *Fetcher) FetchDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit < 1 {
		return nil, ErrInvalidLimit
	}
	ids, err := f.cb.Execute(func() (interface{}, error) {
		return f.store.ZRangeByScore(ctx, f.queueKey, store.Score(now), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch due messages: %w", err)
	}
	return ids.([]string), nil
}

// BreakerState reports the circuit breaker state for health reporting.
func (f *Fetcher) BreakerState() string {
	return f.cb.State().String()
}
