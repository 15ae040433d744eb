package stream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// Run is a sequence of chunks that can be read back to back: each chunk's
// max key is below the next chunk's min key and all share one field set.
type Run []*chunk.Chunk

// Fields returns the field set shared by the run's chunks.
func (r Run) Fields() []string {
	if len(r) == 0 {
		return nil
	}
	return r[0].Fields
}

// MaxID returns the newest chunk ID in the run.
func (r Run) MaxID() chunk.ID {
	return chunk.MaxID(r)
}

// SequentialRuns sorts chunks by min key and splits them into maximal runs of
// consecutive, non-overlapping chunks with identical field sets. Runs are
// returned oldest first by their newest chunk ID.
func SequentialRuns(chunks []*chunk.Chunk) []Run {
	sorted := slices.Clone(chunks)
	chunk.SortByMinKey(sorted)

	var runs []Run
	for _, ch := range sorted {
		if n := len(runs); n > 0 {
			last := runs[n-1][len(runs[n-1])-1]
			if primarykey.Compare(last.MaxKey, ch.MinKey) < 0 && chunk.SameFields(last, ch) {
				runs[n-1] = append(runs[n-1], ch)
				continue
			}
		}
		runs = append(runs, Run{ch})
	}

	slices.SortStableFunc(runs, func(a, b Run) int {
		return cmp.Compare(a.MaxID(), b.MaxID())
	})
	return runs
}

// Opener opens a reader over one stored chunk.
type Opener func(ctx context.Context, id chunk.ID) (Iterator, error)

// concatIterator reads a run's chunks one after another, opening each only
// when the previous one is exhausted.
type concatIterator struct {
	ctx    context.Context
	run    Run
	open   Opener
	pos    int
	cur    Iterator
	err    error
	closed bool
}

// Concat returns an iterator over every record of the run in order.
func Concat(ctx context.Context, run Run, open Opener) Iterator {
	return &concatIterator{ctx: ctx, run: run, open: open}
}

func (c *concatIterator) Next() (record.Record, error) {
	if c.err != nil {
		return nil, c.err
	}
	for {
		if c.cur == nil {
			if c.pos >= len(c.run) {
				return nil, io.EOF
			}
			if err := c.ctx.Err(); err != nil {
				c.err = err
				return nil, err
			}
			id := c.run[c.pos].ID
			it, err := c.open(c.ctx, id)
			if err != nil {
				c.err = fmt.Errorf("open chunk %d: %w", id, err)
				return nil, c.err
			}
			c.cur = it
			c.pos++
		}

		r, err := c.cur.Next()
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, io.EOF) {
			c.err = fmt.Errorf("read chunk %d: %w", c.run[c.pos-1].ID, err)
			return nil, c.err
		}
		if err := c.cur.Close(); err != nil {
			c.err = fmt.Errorf("close chunk %d: %w", c.run[c.pos-1].ID, err)
			c.cur = nil
			return nil, c.err
		}
		c.cur = nil
	}
}

// Source returns the chunk the last record was read from.
func (c *concatIterator) Source() chunk.ID {
	if c.pos == 0 {
		return 0
	}
	return c.run[c.pos-1].ID
}

func (c *concatIterator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}
