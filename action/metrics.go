package action

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts Action runs by outcome and times them
type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg if it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecrig",
			Name:      "action_runs_total",
			Help:      "Actions run, by action and the condition they finished with.",
		}, []string{"action", "condition"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ecrig",
			Name:      "action_duration_seconds",
			Help:      "Wall time spent in each action.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Duration)
	}
	return m
}

func (m *Metrics) observe(id ID, c Condition, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(id), string(c)).Inc()
	m.Duration.WithLabelValues(string(id)).Observe(d.Seconds())
}
