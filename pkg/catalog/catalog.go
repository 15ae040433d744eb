// Package catalog tracks the live chunks of one aggregation.
//
// A Catalog keeps one range index per key-prefix length, 0 through the full
// key arity. Every live chunk is present in each of them under its min and max
// key truncated to that prefix. The catalog plans queries against these
// indexes and selects consolidation candidates from them.
//
// Catalog methods are pure computation and are not safe for concurrent use;
// the owning aggregation serializes access.
package catalog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/rangeindex"
)

// ErrInvariantViolation indicates the catalog and its caller disagree about
// the live chunk set.
var ErrInvariantViolation = errors.New("catalog invariant violation")

// Catalog is the live chunk set of one aggregation.
type Catalog struct {
	keys     []string
	fields   []string
	declared predicate.Predicate

	chunks map[chunk.ID]*chunk.Chunk
	prefix []*rangeindex.Index[chunk.ID]
}

// New returns an empty catalog. declared may be nil.
func New(keys, fields []string, declared predicate.Predicate) *Catalog {
	c := &Catalog{
		keys:     slices.Clone(keys),
		fields:   slices.Clone(fields),
		declared: declared,
		chunks:   make(map[chunk.ID]*chunk.Chunk),
		prefix:   make([]*rangeindex.Index[chunk.ID], len(keys)+1),
	}
	for i := range c.prefix {
		c.prefix[i] = rangeindex.New[chunk.ID]()
	}
	return c
}

// Keys returns the key column names in key order.
func (c *Catalog) Keys() []string { return c.keys }

// Fields returns the aggregation's field names.
func (c *Catalog) Fields() []string { return c.fields }

// Declared returns the predicate the aggregation guarantees, or nil.
func (c *Catalog) Declared() predicate.Predicate { return c.declared }

// Len returns the number of live chunks.
func (c *Catalog) Len() int { return len(c.chunks) }

// Get returns a live chunk by ID.
func (c *Catalog) Get(id chunk.ID) (*chunk.Chunk, bool) {
	ch, ok := c.chunks[id]
	return ch, ok
}

// Chunks returns all live chunks ordered by ID.
func (c *Catalog) Chunks() []*chunk.Chunk {
	out := make([]*chunk.Chunk, 0, len(c.chunks))
	for _, ch := range c.chunks {
		out = append(out, ch)
	}
	chunk.SortByID(out)
	return out
}

// Index returns the range index for prefix length n.
func (c *Catalog) Index(n int) *rangeindex.Index[chunk.ID] {
	return c.prefix[n]
}

// Add indexes a chunk under every prefix length.
func (c *Catalog) Add(ch *chunk.Chunk) error {
	if _, ok := c.chunks[ch.ID]; ok {
		return fmt.Errorf("add chunk %d: already indexed: %w", ch.ID, ErrInvariantViolation)
	}
	if len(ch.MinKey) != len(c.keys) || len(ch.MaxKey) != len(c.keys) {
		return fmt.Errorf("add chunk %d: key arity %d/%d, want %d: %w",
			ch.ID, len(ch.MinKey), len(ch.MaxKey), len(c.keys), ErrInvariantViolation)
	}
	c.chunks[ch.ID] = ch
	for n, ix := range c.prefix {
		ix.Insert(ch.MinKey.Prefix(n), ch.MaxKey.Prefix(n), ch.ID)
	}
	return nil
}

// Remove drops a chunk from every prefix index.
func (c *Catalog) Remove(id chunk.ID) error {
	ch, ok := c.chunks[id]
	if !ok {
		return fmt.Errorf("remove chunk %d: not indexed: %w", id, ErrInvariantViolation)
	}
	for n, ix := range c.prefix {
		if !ix.Contains(id) {
			return fmt.Errorf("remove chunk %d: missing from prefix %d index: %w", id, n, ErrInvariantViolation)
		}
	}
	for n, ix := range c.prefix {
		if err := ix.Remove(ch.MinKey.Prefix(n), ch.MaxKey.Prefix(n), id); err != nil {
			return fmt.Errorf("remove chunk %d: %w: %w", id, ErrInvariantViolation, err)
		}
	}
	delete(c.chunks, id)
	return nil
}

// Replace atomically removes the original chunks and adds the new ones.
// Nothing changes if any original is missing or any new chunk is invalid.
func (c *Catalog) Replace(original []chunk.ID, added []*chunk.Chunk) error {
	for _, id := range original {
		if _, ok := c.chunks[id]; !ok {
			return fmt.Errorf("replace: chunk %d not indexed: %w", id, ErrInvariantViolation)
		}
	}
	for _, ch := range added {
		if _, ok := c.chunks[ch.ID]; ok && !slices.Contains(original, ch.ID) {
			return fmt.Errorf("replace: chunk %d already indexed: %w", ch.ID, ErrInvariantViolation)
		}
		if len(ch.MinKey) != len(c.keys) || len(ch.MaxKey) != len(c.keys) {
			return fmt.Errorf("replace: chunk %d has wrong key arity: %w", ch.ID, ErrInvariantViolation)
		}
	}
	for _, id := range original {
		if err := c.Remove(id); err != nil {
			return err
		}
	}
	for _, ch := range added {
		if err := c.Add(ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) resolve(ids []chunk.ID) []*chunk.Chunk {
	out := make([]*chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		if ch, ok := c.chunks[id]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Stats summarizes the catalog.
type Stats struct {
	Chunks     int
	Records    int64
	MaxOverlap int
	Boundaries int
}

// Stats returns chunk and overlap counts for the full-arity index.
func (c *Catalog) Stats() Stats {
	full := c.prefix[len(c.keys)]
	var records int64
	for _, ch := range c.chunks {
		records += ch.Count
	}
	return Stats{
		Chunks:     len(c.chunks),
		Records:    records,
		MaxOverlap: full.MaxOverlap(),
		Boundaries: full.Boundaries(),
	}
}
