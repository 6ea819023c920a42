package pomelo

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/pomelo/protocol"
)

const metricsNamespace = "pomelo_client"

// metrics holds the collectors of one client. A nil *metrics records
// nothing.
type metrics struct {
	registerer prometheus.Registerer

	packages *prometheus.CounterVec
	requests *prometheus.CounterVec
	pending  prometheus.Gauge
	pushes   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, clientID string) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"client": clientID}
	m := &metrics{
		registerer: reg,
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "packages_total",
			Help:        "Packages sent and received, by direction and package type.",
			ConstLabels: labels,
		}, []string{"direction", "type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "requests_total",
			Help:        "Finished requests, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "pending_requests",
			Help:        "Requests waiting for a response.",
			ConstLabels: labels,
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "push_events_total",
			Help:        "Server pushes dispatched to listeners.",
			ConstLabels: labels,
		}),
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			m.unregister()
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.packages, m.requests, m.pending, m.pushes}
}

func (m *metrics) unregister() {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}

func (m *metrics) packageSent(t protocol.PackageType) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues("out", t.String()).Inc()
}

func (m *metrics) packageReceived(t protocol.PackageType) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues("in", t.String()).Inc()
}

func (m *metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

// requestFinished records the outcome of a request that was started.
func (m *metrics) requestFinished(err error) {
	if m == nil {
		return
	}
	m.pending.Dec()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *metrics) pushReceived() {
	if m == nil {
		return
	}
	m.pushes.Inc()
}
