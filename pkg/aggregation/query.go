package aggregation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// Query selects and reduces records of one aggregation.
type Query struct {
	// Keys are the key columns in the output. Records are reduced over the
	// remaining keys. Nil selects every key.
	Keys []string
	// Fields are the fields in the output. Nil selects every field.
	Fields []string
	// Predicate filters records. Nil matches everything.
	Predicate predicate.Predicate
	// OrderBy lists output key columns to order by. Nil keeps the natural
	// key order.
	OrderBy []string
	Offset  int
	// Limit caps the output. Zero means unlimited.
	Limit int
}

func (q Query) predicate() predicate.Predicate {
	if q.Predicate == nil {
		return predicate.True
	}
	return q.Predicate
}

// Result is the record stream of a query. It must be closed.
type Result struct {
	stream.Iterator

	// Plan is the chunk selection the stream reads from.
	Plan catalog.Plan
	// Runs is the number of merged input streams.
	Runs int
	// Collapsed reports that records were re-reduced onto fewer keys.
	Collapsed bool
	// Sorted reports that an in-memory sort stage was needed.
	Sorted bool

	once sync.Once
	done func()
}

// Close releases the chunk readers.
func (r *Result) Close() error {
	err := r.Iterator.Close()
	r.once.Do(r.done)
	return err
}

// Query plans q against the live chunks and returns a lazy result stream.
// Chunks are read only as the stream is consumed.
func (a *Aggregation) Query(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	ctx = a.logContext(ctx)
	keys, fields, err := a.resolve(q)
	if err != nil {
		return nil, err
	}
	p, err := predicate.Bind(q.predicate(), a.def.Schema)
	if err != nil {
		return nil, err
	}
	if d := a.def.Declared; d != nil && !predicate.Implies(p, d) {
		return nil, fmt.Errorf("query %s does not imply declared predicate %s: %w", p, d, ErrSchemaMismatch)
	}

	a.mu.RLock()
	plan, err := a.catalog.FindChunks(predicate.Combine(a.def.Declared, p), fields)
	a.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("plan query: %w", err)
	}

	reducer, err := record.NewReducer(a.def.Schema, fields)
	if err != nil {
		return nil, fmt.Errorf("plan query: %w: %w", ErrSchemaMismatch, err)
	}

	runs := stream.SequentialRuns(plan.Chunks)
	inputs := make([]stream.Iterator, len(runs))
	for i, run := range runs {
		var it stream.Iterator = stream.Concat(ctx, run, a.openChunk)
		if !predicate.IsTrue(p) {
			it = stream.Filter(it, p.Match)
		}
		inputs[i] = it
	}
	var out stream.Iterator = stream.MergeReduce(inputs, a.keyFunc, reducer)

	res := &Result{Plan: plan, Runs: len(runs)}
	order := a.keys
	switch {
	case len(keys) == len(a.keys):
	case isPrefix(keys, a.keys):
		out = stream.Collapse(out, keys, reducer)
		res.Collapsed = true
	default:
		out = stream.Collapse(stream.Sort(out, keys), keys, reducer)
		res.Collapsed = true
		res.Sorted = true
	}
	if res.Collapsed {
		order = keys
	}
	if len(q.OrderBy) > 0 && !isPrefix(q.OrderBy, order) {
		out = stream.Sort(out, q.OrderBy)
		res.Sorted = true
	}
	out = stream.Project(out, append(slices.Clone(keys), fields...))
	if q.Offset > 0 || q.Limit > 0 {
		out = stream.Limit(out, q.Offset, q.Limit)
	}
	res.Iterator = out

	a.metrics.Queried(a.def.ID, string(plan.Path), len(plan.Chunks))
	log := logctx.FromContext(ctx)
	log.Debug().
		Str("path", string(plan.Path)).
		Int("lookups", plan.Lookups).
		Int("chunks", len(plan.Chunks)).
		Int("runs", len(runs)).
		Bool("sorted", res.Sorted).
		Msg("query planned")
	res.done = func() {
		elapsed := time.Since(start)
		a.metrics.QueryDone(a.def.ID, elapsed)
		logging.QueryComplete(log, elapsed).
			Int("chunks", len(plan.Chunks)).
			Str("path", string(plan.Path)).
			LogDebug("query closed")
	}
	return res, nil
}

// QueryAll runs q and collects every record.
func (a *Aggregation) QueryAll(ctx context.Context, q Query) ([]record.Record, error) {
	res, err := a.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return stream.Collect(res)
}

// resolve fills defaults and checks requested columns against the schema.
func (a *Aggregation) resolve(q Query) (keys, fields []string, err error) {
	keys, fields = q.Keys, q.Fields
	if keys == nil {
		keys = a.keys
	}
	if fields == nil {
		fields = a.def.Schema.FieldNames()
	}
	for _, k := range keys {
		if !slices.Contains(a.keys, k) {
			return nil, nil, fmt.Errorf("query key %q: %w", k, ErrSchemaMismatch)
		}
	}
	for _, f := range fields {
		if _, ok := a.def.Schema.Field(f); !ok {
			return nil, nil, fmt.Errorf("query field %q: %w", f, ErrSchemaMismatch)
		}
	}
	for _, k := range q.OrderBy {
		if !slices.Contains(keys, k) {
			return nil, nil, fmt.Errorf("order by %q: not an output key: %w", k, ErrSchemaMismatch)
		}
	}
	return keys, fields, nil
}

func isPrefix(p, of []string) bool {
	return len(p) <= len(of) && slices.Equal(p, of[:len(p)])
}
