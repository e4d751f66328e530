package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runContract exercises the behaviour every Store backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("setnx only once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ok, err := s.SetNX(ctx, "lock:a", "locked", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first setnx = %v, %v", ok, err)
		}
		ok, err = s.SetNX(ctx, "lock:a", "locked", time.Minute)
		if err != nil || ok {
			t.Fatalf("second setnx = %v, %v", ok, err)
		}
		if err := s.Del(ctx, "lock:a"); err != nil {
			t.Fatalf("del: %v", err)
		}
		ok, err = s.SetNX(ctx, "lock:a", "locked", time.Minute)
		if err != nil || !ok {
			t.Fatalf("setnx after del = %v, %v", ok, err)
		}
	})

	t.Run("concurrent setnx has one winner", func(t *testing.T) {
		s := newStore(t)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetNX(context.Background(), "lock:race", "locked", time.Minute)
				if err != nil {
					t.Errorf("setnx: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("winners = %d, want 1", got)
		}
	})

	t.Run("range by score", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, score := range []float64{50, 10, 30, 20, 40} {
			if err := s.ZAdd(ctx, "q", fmt.Sprintf("m%d", i), score); err != nil {
				t.Fatalf("zadd: %v", err)
			}
		}
		got, err := s.ZRangeByScore(ctx, "q", 30, 0)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if want := []string{"m1", "m3", "m2"}; !slices.Equal(got, want) {
			t.Fatalf("range = %v, want %v", got, want)
		}
		got, err = s.ZRangeByScore(ctx, "q", 100, 2)
		if err != nil {
			t.Fatalf("range limit: %v", err)
		}
		if want := []string{"m1", "m3"}; !slices.Equal(got, want) {
			t.Fatalf("limited range = %v, want %v", got, want)
		}
		got, err = s.ZRangeByScore(ctx, "q", 5, 10)
		if err != nil || len(got) != 0 {
			t.Fatalf("empty range = %v, %v", got, err)
		}
		if err := s.ZRem(ctx, "q", "m1"); err != nil {
			t.Fatalf("zrem: %v", err)
		}
		n, err := s.ZCard(ctx, "q")
		if err != nil || n != 4 {
			t.Fatalf("zcard = %d, %v", n, err)
		}
	})

	t.Run("schedule and complete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fields := map[string]string{FieldID: "x", FieldMessage: "hello"}
		if err := s.Schedule(ctx, "q", "x", 42, RecordKey("x"), fields); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		rec, err := s.HGetAll(ctx, RecordKey("x"))
		if err != nil || rec[FieldMessage] != "hello" {
			t.Fatalf("record = %v, %v", rec, err)
		}
		ids, _ := s.ZRangeByScore(ctx, "q", 42, 0)
		if !slices.Equal(ids, []string{"x"}) {
			t.Fatalf("queue = %v", ids)
		}
		if err := s.Complete(ctx, "q", "x", RecordKey("x")); err != nil {
			t.Fatalf("complete: %v", err)
		}
		rec, err = s.HGetAll(ctx, RecordKey("x"))
		if err != nil || len(rec) != 0 {
			t.Fatalf("record after complete = %v, %v", rec, err)
		}
		ids, _ = s.ZRangeByScore(ctx, "q", 42, 0)
		if len(ids) != 0 {
			t.Fatalf("queue after complete = %v", ids)
		}
		// Completing twice is harmless.
		if err := s.Complete(ctx, "q", "x", RecordKey("x")); err != nil {
			t.Fatalf("second complete: %v", err)
		}
	})
}
