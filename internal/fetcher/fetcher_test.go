package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/sony/gobreaker"
)

const queue = store.DefaultQueueKey

var base = time.Unix(1_700_000_000, 0)

func TestFetchDueNeverReturnsFutureIDs(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))
	scores := make(map[string]float64)
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("m%03d", i)
		at := base.Add(time.Duration(r.Intn(2000)-1000) * time.Second)
		scores[id] = store.Score(at)
		if err := s.ZAdd(ctx, queue, id, scores[id]); err != nil {
			t.Fatal(err)
		}
	}

	f := New(s, queue, log.Nop())
	for _, limit := range []int{1, 7, 50, 100, 1000} {
		ids, err := f.FetchDue(ctx, base, limit)
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		if len(ids) > limit {
			t.Fatalf("limit %d: got %d ids", limit, len(ids))
		}
		for i, id := range ids {
			if scores[id] > store.Score(base) {
				t.Fatalf("limit %d: %s is not due", limit, id)
			}
			if i > 0 && scores[ids[i-1]] > scores[id] {
				t.Fatalf("limit %d: ids not ascending by score at %d", limit, i)
			}
		}
	}
}

func TestFetchDueFutureMessageBecomesDue(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	if err := s.ZAdd(ctx, queue, "B", store.Score(base.Add(1000*time.Second))); err != nil {
		t.Fatal(err)
	}
	f := New(s, queue, log.Nop())

	ids, err := f.FetchDue(ctx, base, 100)
	if err != nil || len(ids) != 0 {
		t.Fatalf("at submission time: %v, %v", ids, err)
	}
	ids, err = f.FetchDue(ctx, base.Add(1000*time.Second), 100)
	if err != nil || !slices.Equal(ids, []string{"B"}) {
		t.Fatalf("at scheduled time: %v, %v", ids, err)
	}
}

func TestFetchDueEmptyQueue(t *testing.T) {
	f := New(store.NewMemory(), queue, log.Nop())
	ids, err := f.FetchDue(context.Background(), base, 100)
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty queue = %v, %v", ids, err)
	}
}

func TestFetchDueRejectsNonPositiveLimit(t *testing.T) {
	f := New(store.NewMemory(), queue, log.Nop())
	if _, err := f.FetchDue(context.Background(), base, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	s := store.NewMemory()
	s.FailNext(store.OpZRangeByScore, 2, nil)
	f := New(s, queue, log.Nop(), WithTripAfter(2), WithBreakerTimeout(time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.FetchDue(ctx, base, 10); !errors.Is(err, store.ErrInjected) {
			t.Fatalf("expected store error, got %v", err)
		}
	}
	if f.BreakerState() != gobreaker.StateOpen.String() {
		t.Fatalf("breaker state = %s, want open", f.BreakerState())
	}
	// The store is healthy again but the open breaker short-circuits.
	if _, err := f.FetchDue(ctx, base, 10); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if got := s.Calls(store.OpZRangeByScore); got != 2 {
		t.Fatalf("store calls = %d, want 2", got)
	}
}
