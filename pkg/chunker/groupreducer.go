package chunker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/membudget"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// GroupReducerConfig configures in-memory pre-aggregation.
type GroupReducerConfig struct {
	// MaxEntries is the number of distinct keys held before a flush.
	MaxEntries int
	// MaxConcurrentFlushes bounds flushes in flight. Write blocks beyond it.
	MaxConcurrentFlushes int
	// EntryBytes is the memory estimate reserved per distinct key when a
	// Budget is set.
	EntryBytes uint64
	// Budget optionally bounds memory across reducers. A refused reservation
	// triggers a flush.
	Budget *membudget.Budget
}

// DefaultGroupReducerConfig returns the default configuration.
func DefaultGroupReducerConfig() GroupReducerConfig {
	return GroupReducerConfig{
		MaxEntries:           1_000_000,
		MaxConcurrentFlushes: 2,
		EntryBytes:           256,
	}
}

// WithBudget returns a copy of the config bound to budget.
func (c GroupReducerConfig) WithBudget(b *membudget.Budget) GroupReducerConfig {
	c.Budget = b
	return c
}

// Validate checks configuration values.
func (c GroupReducerConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("MaxEntries must be positive, got %d", c.MaxEntries)
	}
	if c.MaxConcurrentFlushes <= 0 {
		return fmt.Errorf("MaxConcurrentFlushes must be positive, got %d", c.MaxConcurrentFlushes)
	}
	if c.Budget != nil && c.EntryBytes == 0 {
		return fmt.Errorf("EntryBytes must be positive when a Budget is set")
	}
	return nil
}

type group struct {
	key primarykey.Key
	acc record.Record
}

// GroupReducer folds an unsorted record stream by key in memory and spills
// sorted, reduced batches into sinks from a SinkFactory. It is not safe for
// concurrent Write calls.
type GroupReducer struct {
	cfg     GroupReducerConfig
	reducer *record.Reducer
	key     record.KeyFunc
	open    SinkFactory
	cleanup deleter

	groups   map[string]*group
	reserved uint64
	closed   bool
	fail     failure

	g    *errgroup.Group
	gctx context.Context

	mu      sync.Mutex
	written []*chunk.Chunk
	flushes int
}

// NewGroupReducer returns a GroupReducer whose flushes live within ctx.
func NewGroupReducer(ctx context.Context, cfg GroupReducerConfig, reducer *record.Reducer, key record.KeyFunc, open SinkFactory) (*GroupReducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid group reducer config: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentFlushes)
	return &GroupReducer{
		cfg:     cfg,
		reducer: reducer,
		key:     key,
		open:    open,
		groups:  make(map[string]*group),
		g:       g,
		gctx:    gctx,
	}, nil
}

// Len returns the number of keys currently held in memory.
func (r *GroupReducer) Len() int {
	return len(r.groups)
}

// Flushes returns the number of flushes started so far.
func (r *GroupReducer) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func (r *GroupReducer) Write(ctx context.Context, rec record.Record) error {
	if r.closed {
		return ErrClosed
	}
	if err := r.fail.report(); err != nil {
		return err
	}

	key := r.key(rec)
	ks := key.String()
	if g, ok := r.groups[ks]; ok {
		r.reducer.Accumulate(g.acc, rec)
		return nil
	}

	if b := r.cfg.Budget; b != nil {
		if !b.TryReserve(r.cfg.EntryBytes) {
			r.flush(ctx)
			if err := b.Reserve(ctx, r.cfg.EntryBytes); err != nil {
				r.fail.set(fmt.Errorf("reserve group memory: %w", err))
				return r.fail.report()
			}
		}
		r.reserved += r.cfg.EntryBytes
	}
	r.groups[ks] = &group{key: key, acc: r.reducer.Create(rec)}

	if len(r.groups) >= r.cfg.MaxEntries {
		r.flush(ctx)
	}
	return nil
}

// flush drains the map into a background write. It blocks while
// MaxConcurrentFlushes flushes are in flight.
func (r *GroupReducer) flush(ctx context.Context) {
	if len(r.groups) == 0 {
		return
	}
	batch := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		batch = append(batch, g)
	}
	r.groups = make(map[string]*group)
	reserved := r.reserved
	r.reserved = 0

	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	log := logctx.FromContext(ctx)

	r.g.Go(func() error {
		defer func() {
			if r.cfg.Budget != nil {
				r.cfg.Budget.Release(reserved)
			}
		}()
		start := time.Now()
		slices.SortFunc(batch, func(a, b *group) int { return primarykey.Compare(a.key, b.key) })

		sink := r.open(r.gctx)
		for _, g := range batch {
			if err := sink.Write(r.gctx, g.acc); err != nil {
				sink.Close(r.gctx)
				r.fail.set(err)
				return err
			}
		}
		chunks, err := sink.Close(r.gctx)
		if err != nil {
			r.fail.set(err)
			return err
		}

		r.mu.Lock()
		r.written = append(r.written, chunks...)
		r.mu.Unlock()
		log.Debug().
			Int("groups", len(batch)).
			Int("chunks", len(chunks)).
			Dur("duration", time.Since(start)).
			Msg("group reducer flushed")
		return nil
	})
}

// Close flushes the remainder, waits for all flushes and returns the union
// of their chunks ordered by ID.
func (r *GroupReducer) Close(ctx context.Context) ([]*chunk.Chunk, error) {
	if r.closed {
		return nil, ErrClosed
	}
	r.closed = true
	if r.fail.get() == nil {
		r.flush(ctx)
	} else if r.cfg.Budget != nil {
		r.cfg.Budget.Release(r.reserved)
	}
	r.groups = nil
	r.reserved = 0
	waitErr := r.g.Wait()

	r.mu.Lock()
	written := r.written
	r.written = nil
	r.mu.Unlock()

	if waitErr != nil || r.fail.get() != nil {
		r.fail.set(waitErr)
		discard(ctx, r.cleanup, written)
		return nil, r.fail.report()
	}
	chunk.SortByID(written)
	return written, nil
}

// WithCleanup sets the store from which chunks of successful flushes are
// deleted when a later flush fails.
func (r *GroupReducer) WithCleanup(store chunkstore.Store) *GroupReducer {
	r.cleanup = store
	return r
}
