package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the drain metrics. A nil *Metrics records nothing.
type Metrics struct {
	passes   *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration prometheus.Histogram
	depth    prometheus.Gauge
}

// NewMetrics registers the sync metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncqueue_sync_passes_total",
				Help: "Drain passes by result (completed, aborted, canceled, skipped)",
			},
			[]string{"result"},
		),
		items: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncqueue_sync_items_total",
				Help: "Submitted items by outcome (delivered, rejected, retried, dead_lettered)",
			},
			[]string{"outcome"},
		),
		duration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syncqueue_sync_pass_duration_seconds",
				Help:    "Duration of drain passes that took the guard",
				Buckets: prometheus.DefBuckets,
			},
		),
		depth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "syncqueue_queue_depth",
				Help: "Pending items of the current user after the last pass",
			},
		),
	}
}

func (m *Metrics) pass(result string, started time.Time) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	if !started.IsZero() {
		m.duration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) item(outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}
