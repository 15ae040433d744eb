// Package chunk defines the metadata of an immutable aggregation chunk.
package chunk

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

// ID identifies a chunk. IDs are allocated by the metadata store and grow
// monotonically, so a larger ID means a newer chunk.
type ID int64

// Chunk describes one immutable, key-sorted unit of stored data.
type Chunk struct {
	ID         ID
	RevisionID int64

	// Fields lists the aggregation fields physically stored in the chunk, sorted.
	Fields []string

	// MinKey and MaxKey are the inclusive full-arity key bounds, taken from
	// the first and last record written.
	MinKey primarykey.Key
	MaxKey primarykey.Key

	Count int64
}

// New returns chunk metadata with Fields sorted and deduplicated.
func New(id ID, fields []string, minKey, maxKey primarykey.Key, count int64) *Chunk {
	fs := slices.Clone(fields)
	slices.Sort(fs)
	return &Chunk{
		ID:     id,
		Fields: slices.Compact(fs),
		MinKey: minKey,
		MaxKey: maxKey,
		Count:  count,
	}
}

// HasField reports whether the chunk stores the named field.
func (c *Chunk) HasField(name string) bool {
	_, ok := slices.BinarySearch(c.Fields, name)
	return ok
}

// HasAnyField reports whether the chunk stores at least one of the fields.
func (c *Chunk) HasAnyField(fields []string) bool {
	for _, f := range fields {
		if c.HasField(f) {
			return true
		}
	}
	return false
}

// Contains reports whether key lies within the chunk's key bounds.
func (c *Chunk) Contains(key primarykey.Key) bool {
	return primarykey.Compare(c.MinKey, key) <= 0 && primarykey.Compare(key, c.MaxKey) <= 0
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %d [%s..%s] n=%d", c.ID, c.MinKey, c.MaxKey, c.Count)
}

// SameFields reports whether two chunks store the identical field set.
func SameFields(a, b *Chunk) bool {
	return slices.Equal(a.Fields, b.Fields)
}

// SortByMinKey orders chunks by min key, breaking ties by ID.
func SortByMinKey(chunks []*Chunk) {
	slices.SortFunc(chunks, func(a, b *Chunk) int {
		if c := primarykey.Compare(a.MinKey, b.MinKey); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// SortByID orders chunks by ID.
func SortByID(chunks []*Chunk) {
	slices.SortFunc(chunks, func(a, b *Chunk) int { return cmp.Compare(a.ID, b.ID) })
}

// IDs returns the chunk IDs in slice order.
func IDs(chunks []*Chunk) []ID {
	ids := make([]ID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// MaxID returns the largest ID in chunks, or 0 for an empty slice.
func MaxID(chunks []*Chunk) ID {
	var m ID
	for _, c := range chunks {
		m = max(m, c.ID)
	}
	return m
}

// TotalCount sums record counts.
func TotalCount(chunks []*Chunk) int64 {
	var n int64
	for _, c := range chunks {
		n += c.Count
	}
	return n
}
