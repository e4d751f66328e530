// Package dispatcher runs the scheduling control loop: every poll interval
// it fetches a batch of due message ids, fans them out to the worker pool
// through the executor, and waits for the batch before polling again.
//
// The loop holds no durable state. Every cycle re-derives its work from the
// store, so a restart needs no recovery step and several dispatchers may
// run against the same store; the per-message lock keeps them from
// delivering the same message concurrently.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"echoattime/internal/executor"
	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/pool"

	"go.uber.org/zap"
)

// State is the dispatch loop's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetchBatch
	StateDispatching
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchBatch:
		return "fetch_batch"
	case StateDispatching:
		return "dispatching"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fetcher returns the due message ids.
type Fetcher interface {
	FetchDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Processor handles a single message id.
type Processor interface {
	Process(ctx context.Context, id string) executor.Result
}

// Options tunes the loop. Zero values take the defaults below.
type Options struct {
	BatchSize    int           // default 100
	PollInterval time.Duration // pause between cycles, default 100ms
	ErrorPause   time.Duration // pause after a failed fetch, default 1s
	TaskTimeout  time.Duration // per-task wait bound, default 30s
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.ErrorPause <= 0 {
		o.ErrorPause = time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	return o
}

// CycleReport summarises one cycle.
type CycleReport struct {
	Fetched   int
	Completed int
	Skipped   int
	TimedOut  int
	Failed    int
}

type Dispatcher struct {
	fetcher   Fetcher
	processor Processor
	pool      *pool.Pool
	opts      Options
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *log.Logger

	state     atomic.Int32
	lastCycle atomic.Int64
	running   atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to decide which messages are due.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(
	f Fetcher,
	p Processor,
	workers *pool.Pool,
	opts Options,
	m *metrics.Metrics,
	logger *log.Logger,
	options ...Option,
) *Dispatcher {
	d := &Dispatcher{
		fetcher:   f,
		processor: p,
		pool:      workers,
		opts:      opts.withDefaults(),
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// State returns the current loop state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// LastCycle returns when the loop last finished a cycle, successful or not.
// It is the zero time before the first cycle.
func (d *Dispatcher) LastCycle() time.Time {
	ns := d.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Alive reports whether the loop is running and finished a cycle within
// staleness. A cycle can legitimately take up to BatchSize task timeouts,
// so staleness should be sized with that in mind.
func (d *Dispatcher) Alive(staleness time.Duration) bool {
	if !d.running.Load() {
		return false
	}
	last := d.LastCycle()
	return !last.IsZero() && time.Since(last) <= staleness
}

// Run loops until ctx is done. Fetch failures are logged and followed by
// the longer error pause; nothing ends the loop except ctx. The in-flight
// batch is always waited for before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher: already running")
	}
	defer func() {
		d.running.Store(false)
		d.setState(StateStopped)
	}()

	d.logger.Info("Dispatcher started",
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Int("workers", d.pool.Size()),
		zap.Duration("poll_interval", d.opts.PollInterval),
		zap.Duration("task_timeout", d.opts.TaskTimeout))

	for {
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher shutting down")
			return nil
		}

		pause := d.opts.PollInterval
		if _, err := d.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.metrics.CycleErrorsTotal.Inc()
			d.logger.Error("Scheduler error", zap.Error(err))
			pause = d.opts.ErrorPause
		}

		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}
}

// RunCycle performs a single FetchBatch, Dispatching, Waiting pass and
// returns to Idle. The returned error is non-nil only when the batch could
// not be fetched or dispatched.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	defer func() {
		d.lastCycle.Store(time.Now().UnixNano())
		d.setState(StateIdle)
	}()

	var report CycleReport
	start := time.Now()

	d.setState(StateFetchBatch)
	ids, err := d.fetcher.FetchDue(ctx, d.now(), d.opts.BatchSize)
	if err != nil {
		return report, err
	}
	report.Fetched = len(ids)
	if len(ids) == 0 {
		return report, nil
	}
	d.metrics.FetchedTotal.Add(float64(len(ids)))

	d.setState(StateDispatching)
	// Tasks outlive ctx so a shutdown mid-batch lets in-flight messages
	// finish; the pool's close deadline bounds them instead.
	taskCtx := context.WithoutCancel(ctx)
	results := make([]executor.Result, len(ids))
	futures := make([]*pool.Future, 0, len(ids))
	for i, id := range ids {
		i, id := i, id
		f, err := d.pool.Submit(taskCtx, func() {
			results[i] = d.processor.Process(taskCtx, id)
		})
		if err != nil {
			// Whatever was submitted still gets waited for below.
			d.wait(ids, futures, results, &report)
			return report, fmt.Errorf("submit %s: %w", id, err)
		}
		futures = append(futures, f)
	}

	d.setState(StateWaiting)
	d.wait(ids, futures, results, &report)
	d.metrics.CycleDuration.Observe(time.Since(start).Seconds())

	d.logger.Debug("Dispatch cycle finished",
		zap.Int("fetched", report.Fetched),
		zap.Int("completed", report.Completed),
		zap.Int("skipped", report.Skipped),
		zap.Int("timed_out", report.TimedOut),
		zap.Int("failed", report.Failed))
	return report, nil
}

// wait collects the futures in submission order, giving each up to the
// task timeout from the moment it is waited on.
func (d *Dispatcher) wait(ids []string, futures []*pool.Future, results []executor.Result, report *CycleReport) {
	for i, f := range futures {
		err := f.Wait(d.opts.TaskTimeout)
		switch {
		case err == nil:
			if results[i] == executor.Completed {
				report.Completed++
			} else {
				report.Skipped++
			}
		case errors.Is(err, pool.ErrTimeout):
			// Abandoned, not cancelled: the message lock expires on its own
			// and the id is fetched again if it is still queued.
			report.TimedOut++
			d.metrics.TimeoutsTotal.Inc()
			d.logger.Error("Message processing timed out",
				zap.String("message_id", ids[i]),
				zap.Duration("timeout", d.opts.TaskTimeout))
		default:
			report.Failed++
			d.logger.Error("Message processing failed",
				zap.String("message_id", ids[i]),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }
