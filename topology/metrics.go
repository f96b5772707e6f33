package topology

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the operation and device counters the status API and an
// external scraper read, grounded in the teacher's
// manager/operator/metrics/metrics.go (one set of named counters/gauges
// registered once, methods that just Inc/Set/Observe).
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	devicesIgnored    prometheus.Counter
	collectionsLost   prometheus.Counter
	statePublishers   prometheus.Gauge
	operationDuration *prometheus.HistogramVec
}

// NewMetrics registers the topology's counters on reg. Passing a fresh
// prometheus.NewRegistry() per Topology instance (rather than the global
// default registry) keeps tests that build multiple topologies from
// panicking on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "topology",
			Name:      "operations_total",
			Help:      "Count of completed topology operations by kind and result.",
		}, []string{"kind", "result"}),
		devicesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "topology",
			Name:      "devices_ignored_total",
			Help:      "Count of devices ignored due to expendable failure or disappearance.",
		}),
		collectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "topology",
			Name:      "collections_lost_total",
			Help:      "Count of collections ignored after a member failure left them at or above nMin.",
		}),
		statePublishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topoctl",
			Subsystem: "topology",
			Name:      "state_publishers",
			Help:      "Current count of devices subscribed to state changes.",
		}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "topoctl",
			Subsystem: "topology",
			Name:      "operation_duration_seconds",
			Help:      "Duration of completed topology operations by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.operationsTotal, m.devicesIgnored, m.collectionsLost, m.statePublishers, m.operationDuration)

	return m
}

func (m *Metrics) ObserveOperation(kind string, err error, seconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.operationsTotal.WithLabelValues(kind, result).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) ObserveDeviceIgnored() { m.devicesIgnored.Inc() }
func (m *Metrics) ObserveCollectionLost() { m.collectionsLost.Inc() }
func (m *Metrics) SetStatePublishers(n int) { m.statePublishers.Set(float64(n)) }
