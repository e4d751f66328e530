package executor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"echoattime/internal/delivery"
	"echoattime/internal/lock"
	"echoattime/internal/log"
	"echoattime/internal/metrics"
	"echoattime/internal/retry"
	"echoattime/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const queue = store.DefaultQueueKey

type recorder struct {
	mu        sync.Mutex
	delivered []string
	fail      int
}

func (r *recorder) Deliver(_ context.Context, msg store.ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("sink unavailable")
	}
	r.delivered = append(r.delivered, msg.ID+":"+msg.Payload)
	return nil
}

type harness struct {
	store   *store.Memory
	locks   *lock.Manager
	sink    *recorder
	metrics *metrics.Metrics
	slept   []time.Duration
	exec    *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: store.NewMemory(), sink: &recorder{}, metrics: metrics.New(nil)}
	h.locks = lock.NewManager(h.store, lock.DefaultTTL)
	var mu sync.Mutex
	h.exec = New(h.store, h.locks, h.sink, queue, h.metrics, log.Nop(),
		WithPolicy(retry.DefaultPolicy()),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			h.slept = append(h.slept, d)
			mu.Unlock()
			return nil
		}))
	return h
}

func (h *harness) seed(t *testing.T, id, payload string) {
	t.Helper()
	msg := store.ScheduledMessage{ID: id, Payload: payload, ScheduledTime: "2025-01-01T00:00:00", CreatedAt: time.Now()}
	if err := h.store.Schedule(context.Background(), queue, id, 1, store.RecordKey(id), msg.Fields()); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) queued(id string) bool {
	_, ok := h.store.Score(queue, id)
	return ok
}

func TestProcessDeliversAndCleansUp(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "hello")

	if got := h.exec.Process(context.Background(), "A"); got != Completed {
		t.Fatalf("result = %s, want completed", got)
	}
	if !slices.Equal(h.sink.delivered, []string{"A:hello"}) {
		t.Fatalf("delivered = %v", h.sink.delivered)
	}
	if h.queued("A") || h.store.Exists(store.RecordKey("A")) {
		t.Fatal("message should be removed from queue and record store")
	}
	if h.store.Exists(store.LockKey("A")) {
		t.Fatal("lock should be released")
	}
	if got := testutil.ToFloat64(h.metrics.ProcessedTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed counter = %v", got)
	}
}

func TestProcessSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "hello")
	if ok, _ := h.locks.TryAcquire(context.Background(), "A"); !ok {
		t.Fatal("pre-acquire failed")
	}

	if got := h.exec.Process(context.Background(), "A"); got != Skipped {
		t.Fatalf("result = %s, want skipped", got)
	}
	if len(h.sink.delivered) != 0 || !h.queued("A") {
		t.Fatal("contended message must be left untouched")
	}
	if !h.store.Exists(store.LockKey("A")) {
		t.Fatal("a skipped attempt must not release someone else's lock")
	}
	if len(h.slept) != 0 {
		t.Fatalf("lock contention must not back off, slept %v", h.slept)
	}
}

func TestProcessIsIdempotentOnMissingRecord(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "once")

	for i := 0; i < 3; i++ {
		if got := h.exec.Process(context.Background(), "A"); got != Completed {
			t.Fatalf("run %d: result = %s, want completed", i, got)
		}
	}
	if len(h.sink.delivered) != 1 {
		t.Fatalf("delivered %d times, want 1", len(h.sink.delivered))
	}
	if h.store.Exists(store.LockKey("A")) {
		t.Fatal("lock should be released")
	}
}

func TestProcessRemovesOrphanedQueueEntry(t *testing.T) {
	h := newHarness(t)
	if err := h.store.ZAdd(context.Background(), queue, "ghost", 1); err != nil {
		t.Fatal(err)
	}
	if got := h.exec.Process(context.Background(), "ghost"); got != Completed {
		t.Fatalf("result = %s, want completed", got)
	}
	if h.queued("ghost") {
		t.Fatal("orphaned queue entry should be removed")
	}
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name string
		op   string
	}{
		{"acquire", store.OpSetNX},
		{"load", store.OpHGetAll},
		{"cleanup", store.OpComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "A", "hello")
			h.store.FailNext(tt.op, 1, nil)

			if got := h.exec.Process(context.Background(), "A"); got != Completed {
				t.Fatalf("result = %s, want completed", got)
			}
			if !slices.Equal(h.slept, []time.Duration{2 * time.Second}) {
				t.Fatalf("backoff = %v, want [2s]", h.slept)
			}
			if h.queued("A") || h.store.Exists(store.LockKey("A")) {
				t.Fatal("message should be cleaned up and lock released")
			}
			if got := testutil.ToFloat64(h.metrics.RetriesTotal); got != 1 {
				t.Fatalf("retries counter = %v", got)
			}
		})
	}
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "hello")
	h.store.FailNext(store.OpComplete, 3, nil)

	if got := h.exec.Process(context.Background(), "A"); got != Skipped {
		t.Fatalf("result = %s, want skipped", got)
	}
	if !h.queued("A") || !h.store.Exists(store.RecordKey("A")) {
		t.Fatal("message must stay queued for the next cycle")
	}
	if h.store.Exists(store.LockKey("A")) {
		t.Fatal("lock must be released after each failed attempt")
	}
	if got := h.store.Calls(store.OpSetNX); got != 3 {
		t.Fatalf("lock attempts = %d, want 3", got)
	}
	// Cleanup failed after each delivery, so the side effect repeated.
	if len(h.sink.delivered) != 3 {
		t.Fatalf("deliveries = %d, want 3 (at-least-once)", len(h.sink.delivered))
	}
	if !slices.Equal(h.slept, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("backoff = %v", h.slept)
	}

	// The next cycle finishes the job.
	if got := h.exec.Process(context.Background(), "A"); got != Completed {
		t.Fatalf("follow-up result = %s, want completed", got)
	}
	if h.queued("A") {
		t.Fatal("message should be drained on the follow-up cycle")
	}
}

func TestProcessRetriesDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "hello")
	h.sink.fail = 1

	if got := h.exec.Process(context.Background(), "A"); got != Completed {
		t.Fatalf("result = %s, want completed", got)
	}
	if len(h.sink.delivered) != 1 {
		t.Fatalf("delivered = %v", h.sink.delivered)
	}
}

func TestProcessDiscardsMalformedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.Schedule(ctx, queue, "bad", 1, store.RecordKey("bad"), map[string]string{"id": "bad"}); err != nil {
		t.Fatal(err)
	}
	if got := h.exec.Process(ctx, "bad"); got != Completed {
		t.Fatalf("result = %s, want completed", got)
	}
	if h.queued("bad") || len(h.sink.delivered) != 0 {
		t.Fatal("malformed record should be dropped without delivery")
	}
}

func TestProcessHonoursCancellationDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "A", "hello")
	h.store.FailNext(store.OpHGetAll, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.exec.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if got := h.exec.Process(ctx, "A"); got != Skipped {
		t.Fatalf("result = %s, want skipped", got)
	}
	if h.store.Exists(store.LockKey("A")) {
		t.Fatal("lock should be released")
	}
}

var _ delivery.Deliverer = (*recorder)(nil)
