package threadsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Cycle results as recorded in classifieds_sync_cycles_total.
const (
	resultOK         = "ok"
	resultEmpty      = "empty"
	resultNoToken    = "no_token"
	resultFetchError = "fetch_error"
	resultCacheError = "cache_error"
	resultStale      = "stale"
)

// Metrics holds the sync engine's Prometheus collectors.
type Metrics struct {
	Registry     *prometheus.Registry
	Cycles       *prometheus.CounterVec
	CycleSeconds prometheus.Histogram
	Threads      prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry, together with the
// standard Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classifieds",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Sync cycles by result.",
	}, []string{"result"})
	cycleSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "classifieds",
		Subsystem: "sync",
		Name:      "cycle_seconds",
		Help:      "Duration of sync cycles that reached the API.",
		Buckets:   prometheus.DefBuckets,
	})
	threads := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "classifieds",
		Subsystem: "sync",
		Name:      "threads",
		Help:      "Threads in the last applied result set.",
	})

	registry.MustRegister(
		cycles,
		cycleSeconds,
		threads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		Registry:     registry,
		Cycles:       cycles,
		CycleSeconds: cycleSeconds,
		Threads:      threads,
	}
}
