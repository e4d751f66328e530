package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New(nil)
	m.ProcessedTotal.WithLabelValues(ResultCompleted).Add(3)
	m.TimeoutsTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`echoattime_processed_total{result="completed"} 3`,
		"echoattime_task_timeouts_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestCollectDepth(t *testing.T) {
	m := New(nil)
	s := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.ZAdd(ctx, "q", id, 1); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.CollectDepth(ctx, s, "q", 5*time.Millisecond, log.Nop())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.QueueDepth) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("queue depth = %v, want 3", testutil.ToFloat64(m.QueueDepth))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
