// Package metrics exposes Qakka's queue counters and histograms as
// Prometheus collectors: dead-letters, shard allocations, redeliveries, a
// queue-depth gauge (the §9 open-question estimate), and refresh/sweep
// duration histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qakka/qakka/internal/domain"
)

// defaultDurationBuckets covers storage round-trips from sub-millisecond
// cache hits to multi-second degraded-storage ticks.
var defaultDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics wraps the Prometheus collectors for one qakkad process. Built
// with explicit construction (New) rather than a package-global registry,
// per the facade/actor/allocator/sweeper's own constructor-injection style.
type Metrics struct {
	registry *prometheus.Registry

	shardAllocations *prometheus.CounterVec
	redeliveries     *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec

	queueDepth *prometheus.GaugeVec

	refreshDuration *prometheus.HistogramVec
	sweepDuration   *prometheus.HistogramVec

	uptime    prometheus.GaugeFunc
	startedAt time.Time
}

// New builds and registers Qakka's Prometheus collectors under namespace.
// A nil buckets slice uses defaultDurationBuckets.
func New(namespace string, buckets []float64) *Metrics {
	if len(buckets) == 0 {
		buckets = defaultDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:  registry,
		startedAt: time.Now(),

		shardAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shard_allocations_total",
				Help:      "Total shard allocations triggered by the allocator crossing the maxShardSize threshold",
			},
			[]string{"queue", "region", "type"},
		),

		redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redeliveries_total",
				Help:      "Total messages transitioned INFLIGHT to DEFAULT on nack or lease expiry",
			},
			[]string{"queue", "region"},
		),

		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total messages dead-lettered after exceeding maxRedeliveries",
			},
			[]string{"queue", "region"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Estimated queue depth: counter(DEFAULT) + counter(INFLIGHT) across shards (§9 open question)",
			},
			[]string{"queue", "region"},
		),

		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "actor_refresh_duration_seconds",
				Help:      "Duration of a queue actor's Refresh storage round trip",
				Buckets:   buckets,
			},
			[]string{"queue", "region"},
		),

		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweeper_tick_duration_seconds",
				Help:      "Duration of a sweeper tick's lease-expiry scan",
				Buckets:   buckets,
			},
			[]string{"queue", "region"},
		),
	}

	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since this qakkad process's metrics were initialized",
		},
		func() float64 { return time.Since(m.startedAt).Seconds() },
	)

	registry.MustRegister(
		m.shardAllocations,
		m.redeliveries,
		m.deadLetters,
		m.queueDepth,
		m.refreshDuration,
		m.sweepDuration,
		m.uptime,
	)

	return m
}

// RecordShardAllocation satisfies internal/shardalloc.Metrics.
func (m *Metrics) RecordShardAllocation(queue, region string, typ domain.RowType) {
	m.shardAllocations.WithLabelValues(queue, region, string(typ)).Inc()
}

// RecordRedelivery satisfies internal/actor.Metrics and internal/sweeper.Metrics.
func (m *Metrics) RecordRedelivery(queue, region string) {
	m.redeliveries.WithLabelValues(queue, region).Inc()
}

// RecordDeadLetter satisfies internal/actor.Metrics and internal/sweeper.Metrics.
func (m *Metrics) RecordDeadLetter(queue, region string) {
	m.deadLetters.WithLabelValues(queue, region).Inc()
}

// SetQueueDepth records the derived depth estimate for (queue, region).
func (m *Metrics) SetQueueDepth(queue, region string, depth int64) {
	m.queueDepth.WithLabelValues(queue, region).Set(float64(depth))
}

// ObserveRefreshDuration records how long one Refresh call took.
func (m *Metrics) ObserveRefreshDuration(queue, region string, d time.Duration) {
	m.refreshDuration.WithLabelValues(queue, region).Observe(d.Seconds())
}

// ObserveSweepDuration records how long one sweeper tick took.
func (m *Metrics) ObserveSweepDuration(queue, region string, d time.Duration) {
	m.sweepDuration.WithLabelValues(queue, region).Observe(d.Seconds())
}

// Handler returns an http.Handler serving this instance's collectors for
// Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests or additional
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
