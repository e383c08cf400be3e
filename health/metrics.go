package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "healthd"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	statusChanges  *prometheus.CounterVec
	watchers       prometheus.Gauge
	watchersLagged prometheus.Counter
	watchSent      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		statusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_changes_total",
				Help:      "Total number of serving status transitions",
			},
			[]string{"service", "status"},
		),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "watchers",
			Help:      "Number of active Watch subscriptions",
		}),
		watchersLagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watchers_lagged_total",
			Help:      "Watch subscriptions terminated because they fell too far behind",
		}),
		watchSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watch_responses_sent_total",
			Help:      "Total number of responses sent on Watch streams",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.statusChanges, m.watchers, m.watchersLagged, m.watchSent)
	}
	return m
}

func (m *Metrics) statusChanged(service string, status Status) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(service, status.String()).Inc()
}

func (m *Metrics) watcherStarted() {
	if m == nil {
		return
	}
	m.watchers.Inc()
}

func (m *Metrics) watcherStopped(lagged bool) {
	if m == nil {
		return
	}
	m.watchers.Dec()
	if lagged {
		m.watchersLagged.Inc()
	}
}

func (m *Metrics) responseSent() {
	if m == nil {
		return
	}
	m.watchSent.Inc()
}
