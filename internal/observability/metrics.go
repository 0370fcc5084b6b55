// Package observability holds the client's Prometheus metrics and its
// OpenTelemetry tracer.
package observability

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Collector holds all Prometheus metrics for the client. A nil *Collector is
// valid and records nothing.
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Cache metrics
	CacheReads *prometheus.CounterVec

	// Fetch metrics
	Fetches       *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	Coalesced     *prometheus.CounterVec

	// Mutation metrics
	Mutations   *prometheus.CounterVec
	Invalidated prometheus.Counter
}

// NewCollector creates a new metrics collector with the given namespace.
func NewCollector(namespace string) *Collector {
	// Create a new registry for this collector
	registry := prometheus.NewRegistry()

	cacheReads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Cache reads by resource type and result (fresh, stale, miss)",
		},
		[]string{"resource", "result"},
	)

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Remote fetches by resource type and outcome",
		},
		[]string{"resource", "outcome"},
	)

	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Remote fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	coalesced := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_coalesced_total",
			Help:      "Fetches that attached to an identical in-flight fetch",
		},
		[]string{"resource"},
	)

	mutations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Optimistic mutations by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	invalidated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidated_keys_total",
			Help:      "Cache keys marked stale by the invalidation engine",
		},
	)

	// Register all metrics with the registry
	registry.MustRegister(
		cacheReads,
		fetches,
		fetchDuration,
		coalesced,
		mutations,
		invalidated,
	)

	return &Collector{
		registry:      registry,
		CacheReads:    cacheReads,
		Fetches:       fetches,
		FetchDuration: fetchDuration,
		Coalesced:     coalesced,
		Mutations:     mutations,
		Invalidated:   invalidated,
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordCacheRead counts a read served from (or missing in) the cache.
func (c *Collector) RecordCacheRead(resource, result string) {
	if c == nil {
		return
	}
	c.CacheReads.WithLabelValues(resource, result).Inc()
}

// RecordFetch counts one remote fetch and its duration.
func (c *Collector) RecordFetch(resource, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Fetches.WithLabelValues(resource, outcome).Inc()
	c.FetchDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// RecordCoalesced counts a fetch that shared another caller's request.
func (c *Collector) RecordCoalesced(resource string) {
	if c == nil {
		return
	}
	c.Coalesced.WithLabelValues(resource).Inc()
}

// RecordMutation counts a resolved mutation.
func (c *Collector) RecordMutation(mutationType, outcome string) {
	if c == nil {
		return
	}
	c.Mutations.WithLabelValues(mutationType, outcome).Inc()
}

// RecordInvalidated counts keys marked stale.
func (c *Collector) RecordInvalidated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Invalidated.Add(float64(n))
}

// Sample is one counter value with its labels rendered as "k=v,k=v".
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// Snapshot gathers every counter and histogram count in name order.
func (c *Collector) Snapshot() ([]Sample, error) {
	if c == nil {
		return nil, nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			s := Sample{Name: mf.GetName(), Labels: renderLabels(m.GetLabel())}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Name += "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			samples = append(samples, s)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples, nil
}

func renderLabels(pairs []*dto.LabelPair) string {
	out := ""
	for i, p := range pairs {
		if i > 0 {
			out += ","
		}
		out += p.GetName() + "=" + p.GetValue()
	}
	return out
}
