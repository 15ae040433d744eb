package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestIngested(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Ingested("views", 10, 2)
	m.Ingested("views", 5, 1)

	require.Equal(t, float64(15), testutil.ToFloat64(m.RecordsIngested.WithLabelValues("views")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.ChunksWritten.WithLabelValues("views", "ingest")))
}

func TestConsolidated(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Consolidated("views", "hot_segment", ResultCommitted, 4)
	m.Consolidated("views", "hot_segment", ResultConflict, 4)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Consolidations.WithLabelValues("views", "hot_segment", ResultCommitted)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Consolidations.WithLabelValues("views", "hot_segment", ResultConflict)))
	require.Equal(t, float64(4), testutil.ToFloat64(m.ChunksWritten.WithLabelValues("views", "consolidation")))
}

func TestCatalogGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Catalog("views", 12, 3)
	m.Catalog("views", 8, 2)

	require.Equal(t, float64(8), testutil.ToFloat64(m.LiveChunks.WithLabelValues("views")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.MaxOverlap.WithLabelValues("views")))
}

func TestQueries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Queried("views", "range", 7)
	m.QueryDone("views", 20*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Queries.WithLabelValues("views", "range")))
	require.Equal(t, 1, testutil.CollectAndCount(m.QueryDuration))
	require.Equal(t, 1, testutil.CollectAndCount(m.QueryChunks))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Ingested("views", 1, 1)
	m.Queried("views", "range", 1)
	m.QueryDone("views", time.Second)
	m.Consolidated("views", "size_fix", ResultFailed, 0)
	m.Catalog("views", 1, 1)
}

func TestRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Ingested("a", 1, 1)
	m.Queried("a", "range", 1)
	m.QueryDone("a", time.Millisecond)
	m.Consolidated("a", "size_fix", ResultCommitted, 1)
	m.Catalog("a", 1, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"olapcube_records_ingested_total",
		"olapcube_chunks_written_total",
		"olapcube_queries_total",
		"olapcube_query_duration_seconds",
		"olapcube_query_chunks",
		"olapcube_consolidations_total",
		"olapcube_live_chunks",
		"olapcube_max_overlap",
	} {
		require.True(t, names[n], "missing %s", n)
	}
}
