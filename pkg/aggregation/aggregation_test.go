package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

func idSchema() record.Schema {
	return record.Schema{
		Keys:   []record.KeyField{{Name: "id", Type: record.KeyInt}},
		Fields: []record.Field{record.MustField("clicks", record.ReducerSum)},
	}
}

func siteSchema() record.Schema {
	return record.Schema{
		Keys: []record.KeyField{
			{Name: "day", Type: record.KeyInt},
			{Name: "site", Type: record.KeyString},
		},
		Fields: []record.Field{
			record.MustField("clicks", record.ReducerSum),
			record.MustField("peak", record.ReducerMax),
			record.MustField("latest", record.ReducerLast),
			record.MustField("hits", record.ReducerCount),
		},
	}
}

type env struct {
	chunks *chunkstore.MemStore
	meta   *metastore.MemStore
}

func newEnv() env {
	return env{chunks: chunkstore.NewMemStore(chunkstore.CompressionNone), meta: metastore.NewMemStore()}
}

func (e env) open(t *testing.T, def Definition) *Aggregation {
	t.Helper()
	a, err := Open(context.Background(), def, e.chunks, e.meta)
	require.NoError(t, err)
	return a
}

func ingest(t *testing.T, a *Aggregation, recs []record.Record) []*chunk.Chunk {
	t.Helper()
	chunks, err := a.Ingest(context.Background(), stream.FromSlice(recs), nil)
	require.NoError(t, err)
	return chunks
}

func query(t *testing.T, a *Aggregation, q Query) []record.Record {
	t.Helper()
	recs, err := a.QueryAll(context.Background(), q)
	require.NoError(t, err)
	return recs
}

func idRange(lo, hi int, clicks int64) []record.Record {
	var out []record.Record
	for i := lo; i <= hi; i++ {
		out = append(out, record.Record{"id": int64(i), "clicks": clicks})
	}
	return out
}

func TestConsolidationExample(t *testing.T) {
	ctx := context.Background()
	def := DefaultDefinition("ids", idSchema())
	def.Consolidation.MaxChunks = 5
	a := newEnv().open(t, def)

	chunkA := ingest(t, a, idRange(1, 5, 1))
	chunkB := ingest(t, a, idRange(3, 8, 10))
	require.Len(t, chunkA, 1)
	require.Len(t, chunkB, 1)

	res, err := a.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, catalog.StrategyHotSegment, res.Strategy)
	assert.Equal(t, []chunk.ID{chunkA[0].ID, chunkB[0].ID}, res.Original)
	require.Len(t, res.Added, 1)

	c := res.Added[0]
	assert.Equal(t, primarykey.Of(1), c.MinKey)
	assert.Equal(t, primarykey.Of(8), c.MaxKey)
	assert.Equal(t, int64(8), c.Count)
	assert.Equal(t, []chunk.ID{c.ID}, chunk.IDs(a.Chunks()))

	r, err := a.Query(ctx, Query{Predicate: predicate.Eq{Key: "id", Value: 4}})
	require.NoError(t, err)
	assert.Equal(t, []chunk.ID{c.ID}, chunk.IDs(r.Plan.Chunks))
	recs, err := stream.Collect(r)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{{"id": int64(4), "clicks": int64(11)}}, recs)

	again, err := a.Consolidate(ctx)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

// siteData returns deterministic overlapping batches.
func siteData() [][]record.Record {
	sites := []string{"a", "b", "c"}
	var batches [][]record.Record
	for b := range 4 {
		var batch []record.Record
		for day := b * 2; day < b*2+6; day++ {
			for i, s := range sites {
				v := int64((day*7+i*3+b)%11 + 1)
				batch = append(batch, record.Record{
					"day": int64(day), "site": s,
					"clicks": v, "peak": v, "latest": int64(b), "hits": true,
				})
			}
		}
		batches = append(batches, batch)
	}
	return batches
}

func TestConsolidationPreservesResults(t *testing.T) {
	ctx := context.Background()
	def := DefaultDefinition("sites", siteSchema())
	def.Chunker = def.Chunker.WithChunkSize(4)
	def.Consolidation.OptimalChunkSize = 4
	a := newEnv().open(t, def)

	var total int64
	for _, batch := range siteData() {
		ingest(t, a, batch)
		for _, r := range batch {
			total += r["clicks"].(int64)
		}
	}
	require.Greater(t, a.Stats().MaxOverlap, 1)

	queries := []Query{
		{},
		{Keys: []string{"day"}},
		{Keys: []string{"site"}, Fields: []string{"clicks", "hits"}},
		{Predicate: predicate.Between{Key: "day", From: 3, To: 7}},
		{Predicate: predicate.And{predicate.Eq{Key: "day", Value: 4}, predicate.NotEq{Key: "site", Value: "b"}}},
	}
	before := make([][]record.Record, len(queries))
	for i, q := range queries {
		before[i] = query(t, a, q)
	}

	rounds, err := a.ConsolidateUntilStable(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, rounds)
	assert.LessOrEqual(t, a.Stats().MaxOverlap, 1)

	for i, q := range queries {
		assert.Equal(t, before[i], query(t, a, q), "query %d", i)
	}

	var sum int64
	for _, r := range query(t, a, Query{Keys: []string{}, Fields: []string{"clicks"}}) {
		sum += r["clicks"].(int64)
	}
	assert.Equal(t, total, sum)
}

func TestLastPrefersNewerChunks(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("sites", siteSchema()))
	ingest(t, a, []record.Record{{"day": int64(1), "site": "a", "latest": "old"}})
	ingest(t, a, []record.Record{{"day": int64(1), "site": "a", "latest": "new"}})

	recs := query(t, a, Query{Fields: []string{"latest"}})
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0]["latest"])

	_, err := a.ConsolidateUntilStable(context.Background(), 10)
	require.NoError(t, err)
	recs = query(t, a, Query{Fields: []string{"latest"}})
	assert.Equal(t, "new", recs[0]["latest"])
}

func TestLastSurvivesCappedConsolidation(t *testing.T) {
	ctx := context.Background()
	schema := record.Schema{
		Keys:   []record.KeyField{{Name: "day", Type: record.KeyInt}},
		Fields: []record.Field{record.MustField("latest", record.ReducerLast)},
	}
	days := func(lo, hi int, v string) []record.Record {
		var out []record.Record
		for d := lo; d <= hi; d++ {
			out = append(out, record.Record{"day": int64(d), "latest": v})
		}
		return out
	}
	latestOn := func(a *Aggregation, day int) any {
		recs := query(t, a, Query{Predicate: predicate.Eq{Key: "day", Value: int64(day)}})
		require.Len(t, recs, 1)
		return recs[0]["latest"]
	}

	for _, maxChunks := range []int{2, 3} {
		t.Run(fmt.Sprintf("max_chunks=%d", maxChunks), func(t *testing.T) {
			def := DefaultDefinition("days", schema)
			def.Consolidation.MaxChunks = maxChunks
			def.Consolidation.Strategies = []catalog.Strategy{catalog.StrategyHotSegment}
			a := newEnv().open(t, def)

			ingest(t, a, days(1, 10, "old"))
			ingest(t, a, days(5, 5, "new"))
			ingest(t, a, days(2, 3, "recent"))
			require.Equal(t, "new", latestOn(a, 5))

			res, err := a.Consolidate(ctx)
			require.NoError(t, err)
			if maxChunks == 2 {
				assert.True(t, res.Empty(), "the wide chunk cannot be rewritten without both newer chunks")
			} else {
				assert.Len(t, res.Original, 3)
			}
			assert.Equal(t, "new", latestOn(a, 5))
			assert.Equal(t, "recent", latestOn(a, 2))
			assert.Equal(t, "old", latestOn(a, 9))
		})
	}
}

func TestIngestPreAggregates(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("sites", siteSchema()))
	chunks := ingest(t, a, []record.Record{
		{"day": int64(2), "site": "a", "clicks": int64(1), "hits": true},
		{"day": int64(1), "site": "a", "clicks": int64(2), "hits": true},
		{"day": int64(2), "site": "a", "clicks": int64(3), "hits": true},
	})
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(2), chunks[0].Count)
	assert.Equal(t, int64(1), a.Revision())

	recs := query(t, a, Query{Fields: []string{"clicks", "hits"}})
	assert.Equal(t, []record.Record{
		{"day": int64(1), "site": "a", "clicks": int64(2), "hits": int64(1)},
		{"day": int64(2), "site": "a", "clicks": int64(4), "hits": int64(2)},
	}, recs)
}

func TestIngestEmpty(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("ids", idSchema()))
	chunks := ingest(t, a, nil)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, a.Stats().Chunks)
}

func TestPartitionedIngest(t *testing.T) {
	def := DefaultDefinition("sites", siteSchema())
	def.PartitioningKeyLength = 1
	a := newEnv().open(t, def)

	ingest(t, a, siteData()[0])
	for _, ch := range a.Chunks() {
		assert.Equal(t, ch.MinKey.Prefix(1), ch.MaxKey.Prefix(1), "chunk %d straddles days", ch.ID)
	}
	assert.Equal(t, 6, a.Stats().Chunks)
}

func TestQueryShapes(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("sites", siteSchema()))
	ingest(t, a, []record.Record{
		{"day": int64(1), "site": "b", "clicks": int64(1)},
		{"day": int64(1), "site": "a", "clicks": int64(2)},
		{"day": int64(2), "site": "a", "clicks": int64(4)},
		{"day": int64(3), "site": "c", "clicks": int64(8)},
	})
	ctx := context.Background()

	res, err := a.Query(ctx, Query{Keys: []string{"site"}, Fields: []string{"clicks"}})
	require.NoError(t, err)
	assert.True(t, res.Sorted)
	assert.True(t, res.Collapsed)
	recs, err := stream.Collect(res)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{
		{"site": "a", "clicks": int64(6)},
		{"site": "b", "clicks": int64(1)},
		{"site": "c", "clicks": int64(8)},
	}, recs)

	res, err = a.Query(ctx, Query{Keys: []string{"day"}, Fields: []string{"clicks"}})
	require.NoError(t, err)
	assert.False(t, res.Sorted)
	recs, err = stream.Collect(res)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{
		{"day": int64(1), "clicks": int64(3)},
		{"day": int64(2), "clicks": int64(4)},
		{"day": int64(3), "clicks": int64(8)},
	}, recs)

	recs = query(t, a, Query{Fields: []string{"clicks"}, OrderBy: []string{"site"}, Offset: 1, Limit: 2})
	assert.Equal(t, []record.Record{
		{"day": int64(2), "site": "a", "clicks": int64(4)},
		{"day": int64(1), "site": "b", "clicks": int64(1)},
	}, recs)
}

func TestSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	a := newEnv().open(t, DefaultDefinition("sites", siteSchema()))

	_, err := a.Query(ctx, Query{Predicate: predicate.Eq{Key: "country", Value: "x"}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = a.Query(ctx, Query{Fields: []string{"revenue"}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = a.Query(ctx, Query{Keys: []string{"day"}, OrderBy: []string{"site"}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = a.Ingest(ctx, stream.FromSlice([]record.Record{{"day": int64(1), "clicks": int64(1)}}), nil)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = a.Consume(ctx, []string{"revenue"})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, 0, a.Stats().Chunks)
}

func TestKeyValuesFollowDeclaredTypes(t *testing.T) {
	ctx := context.Background()
	schema := record.Schema{
		Keys: []record.KeyField{
			{Name: "date", Type: record.KeyDate},
			{Name: "site", Type: record.KeyInt},
		},
		Fields: []record.Field{record.MustField("clicks", record.ReducerSum)},
	}
	a := newEnv().open(t, DefaultDefinition("daily", schema))

	ingest(t, a, []record.Record{
		{"date": "2024-03-01", "site": 7, "clicks": int64(2)},
		{"date": primarykey.Date(19783), "site": uint16(7), "clicks": int64(3)},
		{"date": "2024-03-02", "site": int64(7), "clicks": int64(4)},
	})

	recs := query(t, a, Query{
		Fields:    []string{"clicks"},
		Predicate: predicate.Eq{Key: "date", Value: "2024-03-01"},
	})
	require.Len(t, recs, 1)
	assert.Equal(t, int64(5), recs[0]["clicks"])
	assert.Equal(t, primarykey.Date(19783), recs[0]["date"])

	recs = query(t, a, Query{
		Fields:    []string{"clicks"},
		Predicate: predicate.Between{Key: "site", From: 7.0, To: 7},
	})
	assert.Len(t, recs, 2)

	_, err := a.Query(ctx, Query{Predicate: predicate.Eq{Key: "date", Value: int64(19783)}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = a.Ingest(ctx, stream.FromSlice([]record.Record{{"date": int64(19783), "site": 7}}), nil)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = a.Ingest(ctx, stream.FromSlice([]record.Record{{"date": "2024-03-01", "site": "7"}}), nil)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, math.MaxFloat64, a.Cost(Query{Predicate: predicate.Eq{Key: "site", Value: "7"}}))
}

func TestDeclaredPredicate(t *testing.T) {
	ctx := context.Background()
	def := DefaultDefinition("site_a", siteSchema())
	def.Declared = predicate.Eq{Key: "site", Value: "a"}
	a := newEnv().open(t, def)

	_, err := a.Ingest(ctx, stream.FromSlice([]record.Record{{"day": int64(1), "site": "b"}}), nil)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	ingest(t, a, []record.Record{{"day": int64(1), "site": "a", "clicks": int64(5)}})

	_, err = a.Query(ctx, Query{})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	recs := query(t, a, Query{Fields: []string{"clicks"}, Predicate: predicate.Eq{Key: "site", Value: "a"}})
	assert.Len(t, recs, 1)

	assert.Equal(t, math.MaxFloat64, a.Cost(Query{}))
	assert.Less(t, a.Cost(Query{Predicate: predicate.Eq{Key: "site", Value: "a"}}), math.MaxFloat64)
}

func TestCost(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("sites", siteSchema()))
	all := a.Cost(Query{Fields: []string{"clicks"}})
	pinned := a.Cost(Query{Fields: []string{"clicks"}, Predicate: predicate.Eq{Key: "day", Value: 1}})
	assert.Less(t, pinned, all)
	assert.Equal(t, math.MaxFloat64, a.Cost(Query{Keys: []string{"country"}}))
}

type brokenReads struct {
	*chunkstore.MemStore
	bad chunk.ID
}

var errBroken = errors.New("bad sector")

func (s *brokenReads) OpenReader(ctx context.Context, id chunk.ID) (chunkstore.Reader, error) {
	if id == s.bad {
		return nil, chunkstore.IOError("open", id, errBroken)
	}
	return s.MemStore.OpenReader(ctx, id)
}

func TestFailedConsolidationLeavesOriginals(t *testing.T) {
	ctx := context.Background()
	store := &brokenReads{MemStore: chunkstore.NewMemStore(chunkstore.CompressionNone)}
	a, err := Open(ctx, DefaultDefinition("ids", idSchema()), store, metastore.NewMemStore())
	require.NoError(t, err)

	ingest(t, a, idRange(1, 5, 1))
	b := ingest(t, a, idRange(3, 8, 1))
	store.bad = b[0].ID
	live := chunk.IDs(a.Chunks())
	stored := store.Len()

	_, err = a.Consolidate(ctx)
	require.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errBroken)
	assert.Equal(t, live, chunk.IDs(a.Chunks()))
	assert.Equal(t, stored, store.Len(), "partial output is deleted")

	store.bad = 0
	res, err := a.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, res.Original)
}

func TestConsolidationInProgress(t *testing.T) {
	a := newEnv().open(t, DefaultDefinition("ids", idSchema()))
	a.consolidating.Lock()
	_, err := a.Consolidate(context.Background())
	a.consolidating.Unlock()
	assert.ErrorIs(t, err, ErrConsolidationInProgress)
}

func TestLoadChunksAcrossInstances(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	def := DefaultDefinition("ids", idSchema())
	writer := e.open(t, def)
	reader := e.open(t, def)

	ingest(t, writer, idRange(1, 5, 1))
	ingest(t, writer, idRange(3, 8, 1))

	delta, err := reader.LoadChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, delta.New, 2)
	assert.Empty(t, delta.Superseded)

	res, err := writer.Consolidate(ctx)
	require.NoError(t, err)

	delta, err = reader.LoadChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Original, delta.Superseded)
	assert.Equal(t, chunk.IDs(res.Added), chunk.IDs(delta.New))
	assert.Equal(t, chunk.IDs(writer.Chunks()), chunk.IDs(reader.Chunks()))
	assert.Equal(t, writer.Revision(), reader.Revision())

	delta, err = reader.LoadChunks(ctx)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestCleanupSuperseded(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.meta.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	a := e.open(t, DefaultDefinition("ids", idSchema()))

	ingest(t, a, idRange(1, 5, 1))
	ingest(t, a, idRange(3, 8, 1))
	res, err := a.Consolidate(ctx)
	require.NoError(t, err)

	purged, err := a.CleanupSuperseded(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, purged, "grace period not yet over")

	purged, err = a.CleanupSuperseded(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, res.Original, purged)
	for _, id := range res.Original {
		assert.False(t, e.chunks.Has(id))
	}
	assert.True(t, e.chunks.Has(res.Added[0].ID))
	assert.Len(t, query(t, a, Query{}), 8)
}

func TestDefinitionValidate(t *testing.T) {
	def := DefaultDefinition("sites", siteSchema())
	require.NoError(t, def.Validate())

	bad := def
	bad.PartitioningKeyLength = 3
	assert.Error(t, bad.Validate())

	bad = def
	bad.ID = ""
	assert.Error(t, bad.Validate())

	bad = def
	bad.Declared = predicate.Eq{Key: "clicks", Value: 1}
	assert.ErrorIs(t, bad.Validate(), ErrSchemaMismatch)
}
