package querycache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports cache activity as Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	StaleServed prometheus.Counter
	Fetches     prometheus.Counter
	FetchErrors prometheus.Counter
	Discarded   prometheus.Counter
	Invalidated prometheus.Counter
	Evictions   prometheus.Counter
	Entries     prometheus.Gauge
}

// NewMetrics creates the collectors under namespace and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "querycache",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Hits:        counter("hits_total", "Reads served from a fresh entry."),
		Misses:      counter("misses_total", "Reads that had to wait for a fetch."),
		StaleServed: counter("stale_served_total", "Reads answered with a stale value while revalidating."),
		Fetches:     counter("fetches_total", "Fetch functions started."),
		FetchErrors: counter("fetch_errors_total", "Fetch functions that returned an error."),
		Discarded:   counter("discarded_results_total", "Fetch results dropped because a newer fetch had started."),
		Invalidated: counter("invalidated_entries_total", "Entries marked stale by invalidation."),
		Evictions:   counter("evictions_total", "Entries evicted to respect capacity."),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "querycache",
			Name:      "entries",
			Help:      "Resident cache entries.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.StaleServed, m.Fetches, m.FetchErrors, m.Discarded, m.Invalidated, m.Evictions, m.Entries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register querycache metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) count(pick func(*Metrics) prometheus.Counter, n int) {
	if m == nil || n <= 0 {
		return
	}
	pick(m).Add(float64(n))
}

func (m *Metrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

func hitsOf(m *Metrics) prometheus.Counter        { return m.Hits }
func missesOf(m *Metrics) prometheus.Counter      { return m.Misses }
func staleServedOf(m *Metrics) prometheus.Counter { return m.StaleServed }
func fetchesOf(m *Metrics) prometheus.Counter     { return m.Fetches }
func fetchErrorsOf(m *Metrics) prometheus.Counter { return m.FetchErrors }
func discardedOf(m *Metrics) prometheus.Counter   { return m.Discarded }
func invalidatedOf(m *Metrics) prometheus.Counter { return m.Invalidated }
func evictionsOf(m *Metrics) prometheus.Counter   { return m.Evictions }
