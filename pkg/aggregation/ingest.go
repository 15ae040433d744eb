package aggregation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/chunker"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// Ingest accepts raw records for one aggregation. Records are pre-aggregated
// in memory and become visible to queries only after Close succeeds.
// An Ingest is not safe for concurrent use.
type Ingest struct {
	a       *Aggregation
	ctx     context.Context
	fields  []string
	reducer *chunker.GroupReducer
	start   time.Time
	records int64
	closed  bool
}

// Consume starts an ingest writing the given fields. Nil fields selects every
// field of the schema.
func (a *Aggregation) Consume(ctx context.Context, fields []string) (*Ingest, error) {
	if fields == nil {
		fields = a.def.Schema.FieldNames()
	}
	reducer, err := record.NewReducer(a.def.Schema, fields)
	if err != nil {
		return nil, fmt.Errorf("consume: %w: %w", ErrSchemaMismatch, err)
	}
	ctx = a.logContext(ctx)
	gr, err := chunker.NewGroupReducer(ctx, a.def.GroupReducer, reducer, a.keyFunc, a.sinkFactory(fields))
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	gr.WithCleanup(a.chunks)
	return &Ingest{a: a, ctx: ctx, fields: fields, reducer: gr, start: time.Now()}, nil
}

// Write adds one raw record. Every key column must be present with a value
// of the declared key type, and the record must satisfy the aggregation's
// declared predicate. Convertible key values are converted on a copy.
func (in *Ingest) Write(rec record.Record) error {
	if in.closed {
		return chunker.ErrClosed
	}
	copied := false
	for _, k := range in.a.def.Schema.Keys {
		v, ok := rec[k.Name]
		if !ok {
			return fmt.Errorf("record missing key %q: %w", k.Name, ErrSchemaMismatch)
		}
		cv, err := k.Type.Coerce(v)
		if err != nil {
			return fmt.Errorf("record key %q: %w: %w", k.Name, ErrSchemaMismatch, err)
		}
		if cv != v {
			if !copied {
				rec, copied = maps.Clone(rec), true
			}
			rec[k.Name] = cv
		}
	}
	if d := in.a.def.Declared; d != nil && !d.Match(rec) {
		return fmt.Errorf("record outside declared predicate %s: %w", d, ErrSchemaMismatch)
	}
	if err := in.reducer.Write(in.ctx, rec); err != nil {
		return err
	}
	in.records++
	return nil
}

// Close flushes pending records, records the new chunks in the metadata
// store and adds them to the catalog. It returns the chunks made visible.
func (in *Ingest) Close() ([]*chunk.Chunk, error) {
	if in.closed {
		return nil, chunker.ErrClosed
	}
	in.closed = true
	a := in.a

	chunks, err := in.reducer.Close(in.ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	rev, err := a.meta.RecordNewChunks(in.ctx, a.def.ID, chunks)
	if err != nil {
		a.discard(in.ctx, chunks)
		return nil, fmt.Errorf("record new chunks: %w", err)
	}
	if _, err := a.LoadChunks(in.ctx); err != nil {
		return nil, err
	}

	a.metrics.Ingested(a.def.ID, in.records, len(chunks))
	logging.IngestComplete(logctx.FromContext(in.ctx), time.Since(in.start)).
		Rate("records", in.records).
		Int("chunks", len(chunks)).
		Count("stored_records", chunk.TotalCount(chunks)).
		Log(fmt.Sprintf("ingest committed at revision %d", rev))
	return chunks, nil
}

// Ingest consumes every record of src and closes it.
func (a *Aggregation) Ingest(ctx context.Context, src stream.Iterator, fields []string) ([]*chunk.Chunk, error) {
	defer src.Close()
	in, err := a.Consume(ctx, fields)
	if err != nil {
		return nil, err
	}
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = in.Write(rec)
		}
		if err != nil {
			in.Abort()
			return nil, err
		}
	}
	return in.Close()
}

// Abort closes the pipeline and deletes whatever it wrote. Nothing becomes
// visible.
func (in *Ingest) Abort() {
	if in.closed {
		return
	}
	in.closed = true
	if chunks, err := in.reducer.Close(in.ctx); err == nil {
		in.a.discard(in.ctx, chunks)
	}
}
