package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime connection metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	status   *prometheus.GaugeVec
	attempts *prometheus.CounterVec
	faults   prometheus.Counter
	messages prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		status: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncqueue_realtime_status",
				Help: "1 for the current realtime connection status, 0 for the others",
			},
			[]string{"status"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncqueue_realtime_connect_attempts_total",
				Help: "Connection attempts by trigger (gate, auto, manual)",
			},
			[]string{"trigger"},
		),
		faults: f.NewCounter(prometheus.CounterOpts{
			Name: "syncqueue_realtime_faults_total",
			Help: "Channel faults that moved the connection to the error status",
		}),
		messages: f.NewCounter(prometheus.CounterOpts{
			Name: "syncqueue_realtime_messages_total",
			Help: "Pushed messages delivered from the current channel",
		}),
	}
}

func (m *Metrics) setStatus(current Status) {
	if m == nil {
		return
	}
	for _, s := range Statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.status.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) attempt(trigger string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(trigger).Inc()
}

func (m *Metrics) fault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

func (m *Metrics) message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}
