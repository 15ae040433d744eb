package aggregation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/catalog"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/metrics"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// ConsolidationResult describes one consolidation round.
type ConsolidationResult struct {
	Strategy catalog.Strategy
	JobID    string
	Original []chunk.ID
	Added    []*chunk.Chunk
	Revision int64
}

// Empty reports whether nothing was consolidated.
func (r ConsolidationResult) Empty() bool { return len(r.Original) == 0 }

// Consolidate selects one group of chunks, merge-reduces them into new
// chunks and swaps them in. Original chunks stay live until the metadata
// store commits the swap; on any failure before that, new chunks are deleted
// and the catalog is unchanged. An empty result means nothing needed
// consolidation.
func (a *Aggregation) Consolidate(ctx context.Context) (ConsolidationResult, error) {
	if !a.consolidating.TryLock() {
		return ConsolidationResult{}, ErrConsolidationInProgress
	}
	defer a.consolidating.Unlock()
	ctx = a.logContext(ctx)
	start := time.Now()

	if _, err := a.LoadChunks(ctx); err != nil {
		return ConsolidationResult{}, err
	}

	a.mu.RLock()
	sel, err := a.catalog.SelectConsolidation(a.def.Consolidation, func(id chunk.ID) bool { return a.inFlight[id] })
	a.mu.RUnlock()
	if err != nil {
		return ConsolidationResult{}, err
	}
	if sel.Empty() {
		return ConsolidationResult{}, nil
	}

	original := chunk.IDs(sel.Chunks)
	res := ConsolidationResult{Strategy: sel.Strategy, Original: original}
	a.setInFlight(original, true)
	defer a.setInFlight(original, false)

	res.JobID, err = a.meta.MarkConsolidationStarted(ctx, a.def.ID, original)
	if err != nil {
		a.metrics.Consolidated(a.def.ID, string(sel.Strategy), metrics.ResultFailed, 0)
		return ConsolidationResult{}, fmt.Errorf("mark consolidation started: %w", err)
	}
	ctx = logctx.WithJob(ctx, res.JobID)
	log := logctx.FromContext(ctx)
	log.Debug().
		Str("strategy", string(sel.Strategy)).
		Int("chunks", len(original)).
		Msg("consolidation started")

	added, err := a.rewrite(ctx, sel.Chunks)
	if err != nil {
		a.metrics.Consolidated(a.def.ID, string(sel.Strategy), metrics.ResultFailed, 0)
		return ConsolidationResult{}, fmt.Errorf("consolidate %d chunks: %w", len(original), err)
	}

	res.Revision, err = a.meta.CommitConsolidation(ctx, a.def.ID, original, added)
	if err != nil {
		a.discard(ctx, added)
		result := metrics.ResultFailed
		if errors.Is(err, metastore.ErrConflict) {
			result = metrics.ResultConflict
		}
		a.metrics.Consolidated(a.def.ID, string(sel.Strategy), result, 0)
		return ConsolidationResult{}, fmt.Errorf("commit consolidation: %w", err)
	}
	res.Added = added

	if _, err := a.LoadChunks(ctx); err != nil {
		return res, err
	}
	a.metrics.Consolidated(a.def.ID, string(sel.Strategy), metrics.ResultCommitted, len(added))
	logging.ConsolidationComplete(log, time.Since(start)).
		Str("strategy", string(sel.Strategy)).
		Int("original", len(original)).
		Int("added", len(added)).
		Count("records", chunk.TotalCount(added)).
		Log("consolidation committed")
	return res, nil
}

// rewrite merge-reduces chunks into new chunks holding the union of their
// fields. New chunks are not recorded anywhere yet.
func (a *Aggregation) rewrite(ctx context.Context, chunks []*chunk.Chunk) ([]*chunk.Chunk, error) {
	var fields []string
	for _, ch := range chunks {
		fields = append(fields, ch.Fields...)
	}
	slices.Sort(fields)
	fields = slices.Compact(fields)

	reducer, err := record.NewReducer(a.def.Schema, fields)
	if err != nil {
		return nil, err
	}
	runs := stream.SequentialRuns(chunks)
	inputs := make([]stream.Iterator, len(runs))
	for i, run := range runs {
		inputs[i] = stream.Concat(ctx, run, a.openChunk)
	}
	merged := stream.MergeReduce(inputs, a.keyFunc, reducer)
	defer merged.Close()

	sink := a.sinkFactory(fields)(ctx)
	for {
		rec, err := merged.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = sink.Write(ctx, rec)
		}
		if err != nil {
			// A sink that failed itself deletes what it wrote; a read
			// failure leaves a healthy sink whose chunks are dropped here.
			if written, cerr := sink.Close(ctx); cerr == nil {
				a.discard(ctx, written)
			}
			return nil, err
		}
	}
	return sink.Close(ctx)
}

func (a *Aggregation) setInFlight(ids []chunk.ID, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if on {
			a.inFlight[id] = true
		} else {
			delete(a.inFlight, id)
		}
	}
}

// ConsolidateUntilStable runs consolidation rounds until nothing is selected
// or maxRounds rounds have committed. It returns the committed rounds.
func (a *Aggregation) ConsolidateUntilStable(ctx context.Context, maxRounds int) ([]ConsolidationResult, error) {
	var done []ConsolidationResult
	for len(done) < maxRounds {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		res, err := a.Consolidate(ctx)
		if err != nil {
			return done, err
		}
		if res.Empty() {
			break
		}
		done = append(done, res)
	}
	return done, nil
}

// CleanupSuperseded deletes the physical data of chunks consolidated away
// more than gracePeriod ago and purges their metadata. A chunk whose delete
// fails keeps its metadata so that a later cleanup retries it. It returns
// the purged chunk IDs.
func (a *Aggregation) CleanupSuperseded(ctx context.Context, gracePeriod time.Duration) ([]chunk.ID, error) {
	ctx = a.logContext(ctx)
	ids, err := a.meta.ChunksSupersededBefore(ctx, a.def.ID, time.Now().Add(-gracePeriod))
	if err != nil {
		return nil, fmt.Errorf("list superseded chunks: %w", err)
	}
	log := logctx.FromContext(ctx)
	var deleted []chunk.ID
	var firstErr error
	for _, id := range ids {
		if err := a.chunks.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Int64("chunk_id", int64(id)).Msg("failed to delete superseded chunk")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		if err := a.meta.PurgeChunks(ctx, a.def.ID, deleted); err != nil {
			return nil, fmt.Errorf("purge chunks: %w", err)
		}
		log.Info().Int("chunks", len(deleted)).Msg("superseded chunks purged")
	}
	return deleted, firstErr
}
