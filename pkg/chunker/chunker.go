// Package chunker turns record streams into immutable chunks.
//
// A Chunker cuts an already key-sorted stream into chunks of at most
// ChunkSize records and writes them to a chunkstore.Store in the background.
// Partitioned fans a stream out to one Chunker per partition key, and
// GroupReducer pre-aggregates an unsorted stream in memory before spilling
// sorted batches into fresh sinks.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/olapcube/internal/logctx"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

var (
	// ErrAborted is returned by calls made after a stream failure was reported.
	ErrAborted = errors.New("chunk stream aborted")
	// ErrOutOfOrder indicates a record whose key sorts before its predecessor.
	ErrOutOfOrder = errors.New("record out of key order")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("chunk stream closed")
)

// DefaultChunkSize is the record count at which a chunk is rotated.
const DefaultChunkSize = 100_000

// DefaultMaxPendingWrites bounds concurrent physical chunk writes.
const DefaultMaxPendingWrites = 2

// IDAllocator hands out chunk IDs.
type IDAllocator interface {
	AllocateChunkID(ctx context.Context) (chunk.ID, error)
}

// Sink consumes records and reports the chunks they were written to.
type Sink interface {
	Write(ctx context.Context, rec record.Record) error
	Close(ctx context.Context) ([]*chunk.Chunk, error)
}

// SinkFactory opens a new sink.
type SinkFactory func(ctx context.Context) Sink

// Config configures a Chunker.
type Config struct {
	// ChunkSize is the number of records per chunk.
	ChunkSize int
	// MaxPendingWrites bounds how many finished chunks may be writing at once.
	// Write blocks while the limit is reached.
	MaxPendingWrites int
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		MaxPendingWrites: DefaultMaxPendingWrites,
	}
}

// WithChunkSize returns a copy of the config with ChunkSize set.
func (c Config) WithChunkSize(n int) Config {
	c.ChunkSize = n
	return c
}

// Validate checks configuration values.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("ChunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.MaxPendingWrites <= 0 {
		return fmt.Errorf("MaxPendingWrites must be positive, got %d", c.MaxPendingWrites)
	}
	return nil
}

// Target names where chunks go and how their metadata is derived.
type Target struct {
	Store  chunkstore.Store
	IDs    IDAllocator
	Key    record.KeyFunc
	Fields []string
}

type openChunk struct {
	id          chunk.ID
	first, last primarykey.Key
	recs        []record.Record
}

// failure records the first error of a stream and reports it once.
type failure struct {
	mu       sync.Mutex
	err      error
	reported bool
}

func (f *failure) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *failure) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// report returns the first error on its first call and ErrAborted after.
func (f *failure) report() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return nil
	}
	if f.reported {
		return ErrAborted
	}
	f.reported = true
	return f.err
}

// Chunker writes a key-sorted record stream into chunks of bounded size.
// It is not safe for concurrent Write calls.
type Chunker struct {
	cfg    Config
	target Target

	g    *errgroup.Group
	gctx context.Context

	cur    *openChunk
	last   primarykey.Key
	closed bool
	fail   failure

	mu      sync.Mutex
	written []*chunk.Chunk
}

// New returns a Chunker whose background writes live within ctx.
func New(ctx context.Context, cfg Config, target Target) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxPendingWrites)
	return &Chunker{cfg: cfg, target: target, g: g, gctx: gctx}, nil
}

// Factory returns a SinkFactory building Chunkers with cfg and target.
func Factory(cfg Config, target Target) SinkFactory {
	return func(ctx context.Context) Sink {
		c, err := New(ctx, cfg, target)
		if err != nil {
			return failedSink{err: err}
		}
		return c
	}
}

// Write appends rec to the open chunk, rotating when it is full.
func (c *Chunker) Write(ctx context.Context, rec record.Record) error {
	if c.closed {
		return ErrClosed
	}
	if err := c.fail.report(); err != nil {
		return err
	}

	key := c.target.Key(rec)
	if c.last != nil && primarykey.Compare(key, c.last) < 0 {
		c.fail.set(fmt.Errorf("key %s after %s: %w", key, c.last, ErrOutOfOrder))
		return c.fail.report()
	}
	if c.cur == nil {
		id, err := c.target.IDs.AllocateChunkID(ctx)
		if err != nil {
			c.fail.set(fmt.Errorf("allocate chunk id: %w", err))
			return c.fail.report()
		}
		c.cur = &openChunk{id: id, first: key, recs: make([]record.Record, 0, min(c.cfg.ChunkSize, 4096))}
	}
	c.last = key
	c.cur.last = key
	c.cur.recs = append(c.cur.recs, rec)

	if len(c.cur.recs) >= c.cfg.ChunkSize {
		c.rotate(ctx)
	}
	return nil
}

// rotate hands the open chunk to a background write. It blocks while
// MaxPendingWrites writes are in flight.
func (c *Chunker) rotate(ctx context.Context) {
	oc := c.cur
	c.cur = nil
	if oc == nil || len(oc.recs) == 0 {
		return
	}
	meta := chunk.New(oc.id, c.target.Fields, oc.first, oc.last, int64(len(oc.recs)))
	log := logctx.FromContext(logctx.WithChunk(ctx, oc.id))

	c.g.Go(func() error {
		start := time.Now()
		if err := writeChunk(c.gctx, c.target.Store, oc.id, oc.recs); err != nil {
			c.fail.set(err)
			return err
		}
		c.mu.Lock()
		c.written = append(c.written, meta)
		c.mu.Unlock()
		logging.ChunkWritten(log, time.Since(start)).
			Count("records", meta.Count).
			LogDebug("chunk written")
		return nil
	})
}

func writeChunk(ctx context.Context, store chunkstore.Store, id chunk.ID, recs []record.Record) error {
	w, err := store.OpenWriter(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return err
		}
		if err := w.Write(r); err != nil {
			w.Abort()
			return fmt.Errorf("write chunk %d: %w", id, err)
		}
	}
	return w.Close()
}

// Close finalizes the partially filled chunk, waits for every pending write
// and returns the chunks in creation order. On failure, chunks already
// written by this stream are deleted best-effort and the first error is
// returned.
func (c *Chunker) Close(ctx context.Context) ([]*chunk.Chunk, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.closed = true
	if c.fail.get() == nil {
		c.rotate(ctx)
	}
	waitErr := c.g.Wait()

	c.mu.Lock()
	written := c.written
	c.written = nil
	c.mu.Unlock()

	if waitErr != nil || c.fail.get() != nil {
		c.fail.set(waitErr)
		discard(ctx, c.target.Store, written)
		return nil, c.fail.report()
	}
	chunk.SortByID(written)
	return written, nil
}

type deleter interface {
	Delete(ctx context.Context, id chunk.ID) error
}

// discard deletes chunks that never became visible.
func discard(ctx context.Context, store deleter, chunks []*chunk.Chunk) {
	if store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := logctx.FromContext(ctx)
	for _, ch := range chunks {
		if err := store.Delete(ctx, ch.ID); err != nil {
			log.Warn().Err(err).Int64("chunk_id", int64(ch.ID)).Msg("failed to delete orphaned chunk")
		}
	}
}

// failedSink reports a construction error on first use.
type failedSink struct{ err error }

func (s failedSink) Write(context.Context, record.Record) error { return s.err }
func (s failedSink) Close(context.Context) ([]*chunk.Chunk, error) {
	return nil, s.err
}
