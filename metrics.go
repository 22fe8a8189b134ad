package liveobjects

import (
	"github.com/drpcorg/liveobjects/objects"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "liveobjects"

type metrics struct {
	syncPages    prometheus.Counter
	syncCommits  prometheus.Counter
	syncRestarts prometheus.Counter
	syncDropped  prometheus.Counter
	bufferedOps  prometheus.Counter
	operations   *prometheus.CounterVec
	poolSize     prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		syncPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pages_total",
			Help:      "OBJECT_SYNC pages received",
		}),
		syncCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_commits_total",
			Help:      "Snapshots committed to the registry",
		}),
		syncRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_restarts_total",
			Help:      "Sync sequences abandoned for a newer one",
		}),
		syncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pages_dropped_total",
			Help:      "OBJECT_SYNC pages dropped for a malformed channel serial",
		}),
		bufferedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffered_operations_total",
			Help:      "Live operations held back by an in-progress sync",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Live operations applied, by outcome",
		}, []string{"outcome"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_objects",
			Help:      "Objects in the registry, root included",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.syncPages, m.syncCommits, m.syncRestarts, m.syncDropped,
		m.bufferedOps, m.operations, m.poolSize,
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *metrics) operation(outcome objects.Outcome) {
	m.operations.WithLabelValues(outcome.String()).Inc()
}
