// Package metrics exposes a Prometheus surface mirroring the teacher's
// DHTMetrics struct (routing/dht.go): lookup latency, success rate, and
// node-store fill level. Supplementary observability, not part of the
// routing core itself (SPEC_FULL.md §13).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors for one router instance.
type Metrics struct {
	LookupLatency   prometheus.Histogram
	SearchesStarted prometheus.Counter
	SearchesOK      prometheus.Counter
	SearchesFailed  prometheus.Counter
	NodeStoreSize   prometheus.Gauge
	OurReach        prometheus.Gauge
}

// New registers and returns a fresh Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reachdht",
			Name:      "lookup_latency_seconds",
			Help:      "Time from begin_search to finalisation.",
			Buckets:   prometheus.DefBuckets,
		}),
		SearchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reachdht",
			Name:      "searches_started_total",
			Help:      "Searches begun, successful or not.",
		}),
		SearchesOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reachdht",
			Name:      "searches_completed_total",
			Help:      "Searches that finalised via a stop callback.",
		}),
		SearchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reachdht",
			Name:      "searches_exhausted_total",
			Help:      "Searches that finalised via candidate exhaustion.",
		}),
		NodeStoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reachdht",
			Name:      "node_store_size",
			Help:      "Current node store occupancy.",
		}),
		OurReach: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reachdht",
			Name:      "our_reach",
			Help:      "Reach of the highest-reach node known (our_reach()).",
		}),
	}

	reg.MustRegister(
		m.LookupLatency,
		m.SearchesStarted,
		m.SearchesOK,
		m.SearchesFailed,
		m.NodeStoreSize,
		m.OurReach,
	)
	return m
}

// ObserveLookup records the wall-clock duration of a completed search.
func (m *Metrics) ObserveLookup(d time.Duration) {
	m.LookupLatency.Observe(d.Seconds())
}
