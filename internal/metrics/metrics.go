package metrics

import (
	"context"
	"net/http"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Result label values for ProcessedTotal.
const (
	ResultCompleted = "completed"
	ResultSkipped   = "skipped"
)

type Metrics struct {
	ScheduledTotal   prometheus.Counter
	FetchedTotal     prometheus.Counter
	ProcessedTotal   *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	DeliveriesTotal  prometheus.Counter
	TimeoutsTotal    prometheus.Counter
	CycleErrorsTotal prometheus.Counter
	CycleDuration    prometheus.Histogram
	QueueDepth       prometheus.Gauge
	StoreUp          prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the dispatcher metrics with reg. A nil reg uses a fresh
// private registry, which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_scheduled_total",
			Help: "Total number of messages accepted for scheduling",
		}),
		FetchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_fetched_total",
			Help: "Total number of due message ids fetched by the dispatch loop",
		}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echoattime_processed_total",
			Help: "Total number of executor runs by result",
		}, []string{"result"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_retries_total",
			Help: "Total number of executor attempts retried after a transient error",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_deliveries_total",
			Help: "Total number of delivery side effects performed",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_task_timeouts_total",
			Help: "Total number of executor tasks abandoned after the per-task timeout",
		}),
		CycleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echoattime_cycle_errors_total",
			Help: "Total number of dispatch cycles that failed to fetch due messages",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "echoattime_cycle_duration_seconds",
			Help:    "Duration of dispatch cycles that fetched at least one message",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "echoattime_queue_depth",
			Help: "Number of messages waiting in the scheduled queue",
		}),
		StoreUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "echoattime_store_up",
			Help: "Whether the backing store answered the last ping (1 = up, 0 = down)",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ScheduledTotal,
		m.FetchedTotal,
		m.ProcessedTotal,
		m.RetriesTotal,
		m.DeliveriesTotal,
		m.TimeoutsTotal,
		m.CycleErrorsTotal,
		m.CycleDuration,
		m.QueueDepth,
		m.StoreUp,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// CollectDepth samples the queue size every interval until ctx is done.
func (m *Metrics) CollectDepth(ctx context.Context, s store.Store, queueKey string, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			n, err := s.ZCard(ctx, queueKey)
			if err != nil {
				logger.Warn("Failed to sample queue depth", zap.Error(err))
				continue
			}
			m.QueueDepth.Set(float64(n))
		}
	}
}
