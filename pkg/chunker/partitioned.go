package chunker

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// PartitionFunc returns the partition a record belongs to.
type PartitionFunc func(record.Record) primarykey.Key

// PrefixPartition partitions by the first n components of the record key.
func PrefixPartition(key record.KeyFunc, n int) PartitionFunc {
	return func(r record.Record) primarykey.Key {
		return key(r).Prefix(n)
	}
}

type partition struct {
	key  primarykey.Key
	sink Sink
}

// Partitioned routes records to one sink per partition, opening sinks on
// first use. Records within a partition must arrive in key order.
type Partitioned struct {
	part   PartitionFunc
	open   SinkFactory
	parts  map[string]*partition
	closed bool
	fail   failure
}

// NewPartitioned returns a partitioned sink over sinks built by open.
func NewPartitioned(part PartitionFunc, open SinkFactory) *Partitioned {
	return &Partitioned{part: part, open: open, parts: make(map[string]*partition)}
}

// PartitionedFactory returns a SinkFactory building Partitioned sinks.
func PartitionedFactory(part PartitionFunc, open SinkFactory) SinkFactory {
	return func(context.Context) Sink {
		return NewPartitioned(part, open)
	}
}

// Partitions returns the number of partitions seen so far.
func (p *Partitioned) Partitions() int {
	return len(p.parts)
}

func (p *Partitioned) Write(ctx context.Context, rec record.Record) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.fail.report(); err != nil {
		return err
	}
	key := p.part(rec)
	ks := key.String()
	pt, ok := p.parts[ks]
	if !ok {
		pt = &partition{key: key, sink: p.open(ctx)}
		p.parts[ks] = pt
	}
	if err := pt.sink.Write(ctx, rec); err != nil {
		p.fail.set(err)
		return p.fail.report()
	}
	return nil
}

// Close closes every partition concurrently and returns all chunks ordered
// by partition key, then creation order.
func (p *Partitioned) Close(ctx context.Context) ([]*chunk.Chunk, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.closed = true

	parts := make([]*partition, 0, len(p.parts))
	for _, pt := range p.parts {
		parts = append(parts, pt)
	}
	slices.SortFunc(parts, func(a, b *partition) int { return primarykey.Compare(a.key, b.key) })

	results := make([][]*chunk.Chunk, len(parts))
	var (
		mu      sync.Mutex
		written []*chunk.Chunk
	)
	var g errgroup.Group
	for i, pt := range parts {
		g.Go(func() error {
			chunks, err := pt.sink.Close(ctx)
			if err != nil {
				p.fail.set(err)
				return err
			}
			results[i] = chunks
			mu.Lock()
			written = append(written, chunks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil || p.fail.get() != nil {
		p.fail.set(err)
		discard(ctx, storeOf(parts), written)
		return nil, p.fail.report()
	}

	var out []*chunk.Chunk
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// storeOf finds the store behind the partition sinks for cleanup. Sinks
// that are not Chunkers own their cleanup.
func storeOf(parts []*partition) deleter {
	for _, pt := range parts {
		if c, ok := pt.sink.(*Chunker); ok {
			return c.target.Store
		}
	}
	return nil
}
