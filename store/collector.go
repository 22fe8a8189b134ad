package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type metricDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(s *Store, m *pebble.Metrics) float64
}

func newMetricDesc(name, help string, vt prometheus.ValueType, value func(s *Store, m *pebble.Metrics) float64) metricDesc {
	return metricDesc{desc: prometheus.NewDesc(name, help, nil, nil), valueType: vt, value: value}
}

// Collector exports store write counters next to the pebble memtable,
// WAL and compaction figures.
type Collector struct {
	store   *Store
	metrics []metricDesc
}

func (s *Store) Collector() *Collector {
	return &Collector{
		store: s,
		metrics: []metricDesc{
			newMetricDesc("liveobjects_store_batches_total", "Batches committed to the store",
				prometheus.CounterValue, func(s *Store, _ *pebble.Metrics) float64 { return float64(s.batches.Load()) }),
			newMetricDesc("liveobjects_store_states_written_total", "Object states written to the store",
				prometheus.CounterValue, func(s *Store, _ *pebble.Metrics) float64 { return float64(s.written.Load()) }),
			newMetricDesc("liveobjects_store_resets_total", "Full registry replacements written to the store",
				prometheus.CounterValue, func(s *Store, _ *pebble.Metrics) float64 { return float64(s.resets.Load()) }),
			newMetricDesc("pebble_compaction_count_total", "Total number of compactions performed",
				prometheus.CounterValue, func(_ *Store, m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newMetricDesc("pebble_memtable_size_bytes", "Current size of the memtable in bytes",
				prometheus.GaugeValue, func(_ *Store, m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newMetricDesc("pebble_wal_bytes_written_total", "Total physical bytes written to the WAL",
				prometheus.CounterValue, func(_ *Store, m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect reports nothing once the store is closed.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	pm := c.store.metrics()
	if pm == nil {
		return
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(c.store, pm))
	}
}

func (s *Store) metrics() *pebble.Metrics {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return nil
	}
	return s.db.Metrics()
}
