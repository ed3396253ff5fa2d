package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors describing registry activity.
// A nil *Metrics records nothing.
type Metrics struct {
	Topics      prometheus.Gauge
	Subscribers prometheus.Gauge
	Updates     *prometheus.CounterVec
	Pruned      prometheus.Counter
}

// NewMetrics creates the registry collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Topics: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "listsync",
			Name:      "topics",
			Help:      "Number of live topics.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "listsync",
			Name:      "subscriptions",
			Help:      "Number of topic subscriptions across all topics.",
		}),
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listsync",
			Name:      "snapshot_updates_total",
			Help:      "Snapshot updates applied, by outcome.",
		}, []string{"outcome"}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "listsync",
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers removed because a broadcast could not reach them.",
		}),
	}
}

func (m *Metrics) setTopics(n int) {
	if m == nil {
		return
	}
	m.Topics.Set(float64(n))
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) subscribersRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Subscribers.Sub(float64(n))
}

func (m *Metrics) subscribersPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Pruned.Add(float64(n))
}

func (m *Metrics) updateApplied(changed bool) {
	if m == nil {
		return
	}
	outcome := "noop"
	if changed {
		outcome = "delta"
	}
	m.Updates.WithLabelValues(outcome).Inc()
}
