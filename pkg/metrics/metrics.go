// Package metrics exposes Prometheus collectors for aggregation activity.
//
// All recording methods accept a nil *Metrics so that callers can run without
// a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "olapcube"

// Consolidation results.
const (
	ResultCommitted = "committed"
	ResultConflict  = "conflict"
	ResultFailed    = "failed"
)

// Metrics holds all collectors, labelled by aggregation.
type Metrics struct {
	RecordsIngested *prometheus.CounterVec
	ChunksWritten   *prometheus.CounterVec
	Queries         *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueryChunks     *prometheus.HistogramVec
	Consolidations  *prometheus.CounterVec
	LiveChunks      *prometheus.GaugeVec
	MaxOverlap      *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Input records consumed by ingest.",
		}, []string{"aggregation"}),
		ChunksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Chunks made visible by ingest or consolidation.",
		}, []string{"aggregation", "source"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries planned, by plan path.",
		}, []string{"aggregation", "path"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time from planning until the result stream is closed.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"aggregation"}),
		QueryChunks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_chunks",
			Help:      "Chunks read per query.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"aggregation"}),
		Consolidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidations_total",
			Help:      "Consolidation attempts by strategy and result.",
		}, []string{"aggregation", "strategy", "result"}),
		LiveChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_chunks",
			Help:      "Chunks currently visible to queries.",
		}, []string{"aggregation"}),
		MaxOverlap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_overlap",
			Help:      "Largest number of live chunks covering one key.",
		}, []string{"aggregation"}),
	}
	reg.MustRegister(
		m.RecordsIngested,
		m.ChunksWritten,
		m.Queries,
		m.QueryDuration,
		m.QueryChunks,
		m.Consolidations,
		m.LiveChunks,
		m.MaxOverlap,
	)
	return m
}

// Ingested records an ingest that made chunks visible.
func (m *Metrics) Ingested(agg string, records int64, chunks int) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(agg).Add(float64(records))
	m.ChunksWritten.WithLabelValues(agg, "ingest").Add(float64(chunks))
}

// Queried records a planned query.
func (m *Metrics) Queried(agg, path string, chunks int) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(agg, path).Inc()
	m.QueryChunks.WithLabelValues(agg).Observe(float64(chunks))
}

// QueryDone records the lifetime of a query result stream.
func (m *Metrics) QueryDone(agg string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(agg).Observe(d.Seconds())
}

// Consolidated records one consolidation attempt.
func (m *Metrics) Consolidated(agg, strategy, result string, added int) {
	if m == nil {
		return
	}
	m.Consolidations.WithLabelValues(agg, strategy, result).Inc()
	if result == ResultCommitted {
		m.ChunksWritten.WithLabelValues(agg, "consolidation").Add(float64(added))
	}
}

// Catalog publishes the current shape of an aggregation's catalog.
func (m *Metrics) Catalog(agg string, live, maxOverlap int) {
	if m == nil {
		return
	}
	m.LiveChunks.WithLabelValues(agg).Set(float64(live))
	m.MaxOverlap.WithLabelValues(agg).Set(float64(maxOverlap))
}
