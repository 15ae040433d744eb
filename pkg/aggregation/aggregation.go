// Package aggregation binds a chunk catalog to a schema and runs the ingest,
// query and consolidation pipelines of one aggregation.
//
// Chunk metadata is owned by a metastore.Store; the in-memory catalog is a
// projection of it that is refreshed incrementally by revision. Every write
// path (ingest and consolidation) records its outcome in the metadata store
// first and then pulls the resulting delta, so concurrent writers sharing a
// metadata store converge on the same catalog.
package aggregation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/chunker"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/metrics"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// Definition describes one aggregation.
type Definition struct {
	ID     string
	Schema record.Schema
	// Declared is a predicate every stored record satisfies. Queries must
	// imply it to be answerable. Nil means no restriction.
	Declared predicate.Predicate
	// PartitioningKeyLength is the key prefix that chunks never straddle.
	// Zero disables partitioning.
	PartitioningKeyLength int

	Chunker       chunker.Config
	GroupReducer  chunker.GroupReducerConfig
	Consolidation catalog.ConsolidationOptions
}

// DefaultDefinition returns a definition with default pipeline settings.
func DefaultDefinition(id string, schema record.Schema) Definition {
	return Definition{
		ID:           id,
		Schema:       schema,
		Chunker:      chunker.DefaultConfig(),
		GroupReducer: chunker.DefaultGroupReducerConfig(),
		Consolidation: catalog.ConsolidationOptions{
			OptimalChunkSize: chunker.DefaultChunkSize,
		},
	}
}

// Validate checks the definition for consistency.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("aggregation id is required")
	}
	if err := d.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if d.PartitioningKeyLength < 0 || d.PartitioningKeyLength > len(d.Schema.Keys) {
		return fmt.Errorf("partitioning key length %d out of range [0, %d]", d.PartitioningKeyLength, len(d.Schema.Keys))
	}
	if d.Declared != nil {
		if _, err := predicate.Bind(d.Declared, d.Schema); err != nil {
			return fmt.Errorf("declared predicate: %w", err)
		}
	}
	if err := d.Chunker.Validate(); err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	if err := d.GroupReducer.Validate(); err != nil {
		return fmt.Errorf("group reducer: %w", err)
	}
	return nil
}

// Option configures an Aggregation.
type Option func(*Aggregation)

// WithMetrics records pipeline activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregation) { a.metrics = m }
}

// Aggregation is the schema-bound facade over a catalog. It is safe for
// concurrent use.
type Aggregation struct {
	def     Definition
	keys    []string
	keyFunc record.KeyFunc
	chunks  chunkstore.Store
	meta    metastore.Store
	metrics *metrics.Metrics

	// mu guards the catalog and lastRevision. It is never held across
	// chunk or metadata store calls.
	mu           sync.RWMutex
	catalog      *catalog.Catalog
	lastRevision int64

	// refresh serializes catalog refreshes from the metadata store.
	refresh sync.Mutex
	// consolidating admits one consolidation at a time.
	consolidating sync.Mutex
	inFlight      map[chunk.ID]bool
}

// New returns an aggregation with an empty catalog. Call LoadChunks to pull
// chunks already recorded in the metadata store, or use Open.
func New(def Definition, chunks chunkstore.Store, meta metastore.Store, opts ...Option) (*Aggregation, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregation %q: %w", def.ID, err)
	}
	if def.Declared != nil {
		bound, err := predicate.Bind(def.Declared, def.Schema)
		if err != nil {
			return nil, fmt.Errorf("invalid aggregation %q: declared predicate: %w", def.ID, err)
		}
		def.Declared = bound
	}
	a := &Aggregation{
		def:      def,
		keys:     def.Schema.KeyNames(),
		keyFunc:  record.KeyExtractor(def.Schema.KeyNames()),
		chunks:   chunks,
		meta:     meta,
		catalog:  catalog.New(def.Schema.KeyNames(), def.Schema.FieldNames(), def.Declared),
		inFlight: make(map[chunk.ID]bool),
	}
	a.def.Consolidation.PartitioningKeyLength = def.PartitioningKeyLength
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Open is New followed by an initial LoadChunks.
func Open(ctx context.Context, def Definition, chunks chunkstore.Store, meta metastore.Store, opts ...Option) (*Aggregation, error) {
	a, err := New(def, chunks, meta, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := a.LoadChunks(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the aggregation id.
func (a *Aggregation) ID() string { return a.def.ID }

// Definition returns the aggregation definition.
func (a *Aggregation) Definition() Definition { return a.def }

// Keys returns the key column names in key order.
func (a *Aggregation) Keys() []string { return a.keys }

// Fields returns the field names.
func (a *Aggregation) Fields() []string { return a.def.Schema.FieldNames() }

// Revision returns the last metadata revision applied to the catalog.
func (a *Aggregation) Revision() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRevision
}

// Chunks returns the live chunks ordered by ID.
func (a *Aggregation) Chunks() []*chunk.Chunk {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalog.Chunks()
}

// Stats returns catalog statistics.
func (a *Aggregation) Stats() catalog.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalog.Stats()
}

// LoadChunks applies every metadata change recorded since the last applied
// revision and returns the delta.
func (a *Aggregation) LoadChunks(ctx context.Context) (metastore.Delta, error) {
	a.refresh.Lock()
	defer a.refresh.Unlock()

	a.mu.RLock()
	since := a.lastRevision
	a.mu.RUnlock()

	delta, err := a.meta.LoadChunksSince(ctx, a.def.ID, since)
	if err != nil {
		return metastore.Delta{}, fmt.Errorf("load chunks since revision %d: %w", since, err)
	}

	a.mu.Lock()
	if !delta.Empty() {
		if err := a.catalog.Replace(delta.Superseded, delta.New); err != nil {
			a.mu.Unlock()
			return metastore.Delta{}, fmt.Errorf("apply revision %d: %w", delta.Revision, err)
		}
	}
	a.lastRevision = delta.Revision
	stats := a.catalog.Stats()
	a.mu.Unlock()

	a.metrics.Catalog(a.def.ID, stats.Chunks, stats.MaxOverlap)
	if !delta.Empty() {
		log := logctx.FromContext(a.logContext(ctx))
		log.Debug().
			Int64("revision", delta.Revision).
			Int("new", len(delta.New)).
			Int("superseded", len(delta.Superseded)).
			Msg("catalog refreshed")
	}
	return delta, nil
}

// Cost estimates the cost of answering q from this aggregation. It returns
// math.MaxFloat64 when the aggregation cannot answer q.
func (a *Aggregation) Cost(q Query) float64 {
	p, err := predicate.Bind(q.predicate(), a.def.Schema)
	if err != nil {
		return math.MaxFloat64
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalog.Cost(p, q.Keys, q.Fields)
}

func (a *Aggregation) logContext(ctx context.Context) context.Context {
	return logctx.WithAggregation(ctx, a.def.ID)
}

// sinkFactory returns the chunk writer pipeline for chunks holding fields.
func (a *Aggregation) sinkFactory(fields []string) chunker.SinkFactory {
	target := chunker.Target{
		Store:  a.chunks,
		IDs:    a.meta,
		Key:    a.keyFunc,
		Fields: fields,
	}
	open := chunker.Factory(a.def.Chunker, target)
	if n := a.def.PartitioningKeyLength; n > 0 {
		return chunker.PartitionedFactory(chunker.PrefixPartition(a.keyFunc, n), open)
	}
	return open
}

// openChunk adapts the chunk store to a stream opener.
func (a *Aggregation) openChunk(ctx context.Context, id chunk.ID) (stream.Iterator, error) {
	r, err := a.chunks.OpenReader(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// discard deletes physical chunks that never became visible.
func (a *Aggregation) discard(ctx context.Context, chunks []*chunk.Chunk) {
	ctx = context.WithoutCancel(ctx)
	log := logctx.FromContext(ctx)
	for _, ch := range chunks {
		if err := a.chunks.Delete(ctx, ch.ID); err != nil {
			log.Warn().Err(err).Int64("chunk_id", int64(ch.ID)).Msg("failed to delete unrecorded chunk")
		}
	}
}
