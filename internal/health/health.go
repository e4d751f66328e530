// Package health watches the store connection and answers liveness probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/store"

	"go.uber.org/zap"
)

var (
	ErrLoopStalled      = errors.New("dispatch loop is not running")
	ErrStoreUnreachable = errors.New("store is unreachable")
)

// Pinger is the part of the store the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Liveness reports whether the dispatch loop completed a cycle recently.
type Liveness interface {
	Alive(staleness time.Duration) bool
}

var _ Pinger = (store.Store)(nil)

type Monitor struct {
	store     Pinger
	loop      Liveness
	interval  time.Duration
	staleness time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *log.Logger

	up      atomic.Bool
	checked atomic.Bool
}

// NewMonitor builds a monitor that pings s every interval. The loop counts as
// alive while its last cycle is younger than staleness.
func NewMonitor(s Pinger, loop Liveness, interval, staleness time.Duration, m *metrics.Metrics, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if staleness <= 0 {
		staleness = 10 * interval
	}
	return &Monitor{
		store:     s,
		loop:      loop,
		interval:  interval,
		staleness: staleness,
		timeout:   interval,
		metrics:   m,
		logger:    logger,
	}
}

// Run probes the store until ctx is done.
func (h *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Health monitor shutting down")
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

// Probe pings the store once and records the result.
func (h *Monitor) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err := h.store.Ping(pctx)
	up := err == nil

	first := !h.checked.Swap(true)
	was := h.up.Swap(up)
	switch {
	case up && (first || !was):
		h.logger.Info("Store is reachable")
	case !up && (first || was):
		h.logger.Error("Store is unreachable", zap.Error(err))
	}
	if up {
		h.metrics.StoreUp.Set(1)
	} else {
		h.metrics.StoreUp.Set(0)
	}
	return err
}

// StoreUp reports the result of the last probe.
func (h *Monitor) StoreUp() bool { return h.up.Load() }

// Check answers a liveness probe: the dispatch loop must be running and the
// store must answer a ping now.
func (h *Monitor) Check(ctx context.Context) error {
	var errs []error
	if h.loop != nil && !h.loop.Alive(h.staleness) {
		errs = append(errs, ErrLoopStalled)
	}
	if err := h.Probe(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrStoreUnreachable, err))
	}
	return errors.Join(errs...)
}
