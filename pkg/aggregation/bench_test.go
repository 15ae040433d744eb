package aggregation

import (
	"context"
	"fmt"
	"testing"

	"github.com/eunmann/olapcube/pkg/benchutil"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/predicate"
)

func benchAggregation(b *testing.B) *Aggregation {
	b.Helper()
	def := DefaultDefinition("events", benchutil.EventSchema())
	def.Chunker.ChunkSize = 10000
	def.Consolidation.OptimalChunkSize = 10000
	a, err := Open(context.Background(), def, chunkstore.NewMemStore(chunkstore.CompressionSnappy), metastore.NewMemStore())
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	return a
}

func benchIngest(b *testing.B, a *Aggregation, n int, sorted bool, seed int64) {
	b.Helper()
	cfg := benchutil.DefaultConfig(n)
	cfg.Sorted = sorted
	cfg.Seed = seed
	if _, err := a.Ingest(context.Background(), benchutil.NewGenerator(cfg).Iterator(), nil); err != nil {
		b.Fatalf("ingest: %v", err)
	}
}

func BenchmarkIngest(b *testing.B) {
	for _, n := range benchutil.BenchmarkSizes {
		for _, sorted := range []bool{false, true} {
			b.Run(fmt.Sprintf("n=%d/sorted=%t", n, sorted), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					b.StopTimer()
					a := benchAggregation(b)
					b.StartTimer()
					benchIngest(b, a, n, sorted, benchutil.BenchmarkSeed)
				}
			})
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	a := benchAggregation(b)
	for i := 0; i < 4; i++ {
		benchIngest(b, a, 25000, false, benchutil.BenchmarkSeed+int64(i))
	}
	site, err := predicate.Parse(a.Definition().Schema, []string{"site=3"})
	if err != nil {
		b.Fatalf("parse: %v", err)
	}

	queries := []struct {
		name string
		q    Query
	}{
		{"all", Query{}},
		{"by_site", Query{Keys: []string{"site"}, Fields: []string{"clicks"}}},
		{"total", Query{Keys: []string{}, Fields: []string{"clicks", "hits"}}},
		{"site_filter", Query{Keys: []string{"day"}, Predicate: site}},
	}
	for _, tc := range queries {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := a.QueryAll(context.Background(), tc.q); err != nil {
					b.Fatalf("query: %v", err)
				}
			}
		})
	}
}

func BenchmarkConsolidate(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		a := benchAggregation(b)
		for j := 0; j < 8; j++ {
			benchIngest(b, a, 10000, false, int64(j+1))
		}
		b.StartTimer()
		if _, err := a.ConsolidateUntilStable(context.Background(), 100); err != nil {
			b.Fatalf("consolidate: %v", err)
		}
	}
}

func BenchmarkIngestScaling(b *testing.B) {
	benchutil.SkipIfNoLongBench(b)
	for _, n := range benchutil.ScalingSizes {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				a := benchAggregation(b)
				b.StartTimer()
				benchIngest(b, a, n, false, benchutil.BenchmarkSeed)
			}
		})
	}
}
