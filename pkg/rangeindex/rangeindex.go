// Package rangeindex provides an interval index over primary keys.
//
// The index decomposes the key space at every interval boundary. Each
// boundary segment records the intervals that span it (Active: low <= key <
// high) and the intervals that end exactly on it (Closing: high == key). This
// answers point and range intersection queries and exposes per-boundary
// overlap counts used for consolidation planning.
//
// Boundaries are kept in a B-tree, so lookups cost O(log n + k) in the number
// of boundaries and results.
package rangeindex

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/btree"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

// ErrNotFound indicates Remove was called for an interval that is not indexed.
var ErrNotFound = errors.New("interval not found")

const btreeDegree = 32

type set[V cmp.Ordered] map[V]struct{}

type segment[V cmp.Ordered] struct {
	key     primarykey.Key
	active  set[V]
	closing set[V]
}

type interval struct {
	low, high primarykey.Key
}

// Segment is a snapshot of one boundary. Active and Closing are sorted.
type Segment[V cmp.Ordered] struct {
	Key     primarykey.Key
	Active  []V
	Closing []V
}

// Overlap returns the number of intervals touching the boundary.
func (s Segment[V]) Overlap() int {
	return len(s.Active) + len(s.Closing)
}

// Values returns Active and Closing merged and sorted.
func (s Segment[V]) Values() []V {
	out := make([]V, 0, s.Overlap())
	out = append(out, s.Active...)
	out = append(out, s.Closing...)
	slices.Sort(out)
	return out
}

// Index maps closed key intervals to values.
// It is not safe for concurrent use.
type Index[V cmp.Ordered] struct {
	tree    *btree.BTreeG[*segment[V]]
	entries map[V]interval
}

// New returns an empty index.
func New[V cmp.Ordered]() *Index[V] {
	return &Index[V]{
		tree: btree.NewG(btreeDegree, func(a, b *segment[V]) bool {
			return primarykey.Compare(a.key, b.key) < 0
		}),
		entries: make(map[V]interval),
	}
}

// Len returns the number of indexed intervals.
func (ix *Index[V]) Len() int {
	return len(ix.entries)
}

// Boundaries returns the number of distinct boundary keys.
func (ix *Index[V]) Boundaries() int {
	return ix.tree.Len()
}

// Values returns every indexed value, sorted.
func (ix *Index[V]) Values() []V {
	return slices.Sorted(maps.Keys(ix.entries))
}

// Contains reports whether v is indexed.
func (ix *Index[V]) Contains(v V) bool {
	_, ok := ix.entries[v]
	return ok
}

// Insert adds [low, high] for v. Reinserting v replaces its previous interval.
func (ix *Index[V]) Insert(low, high primarykey.Key, v V) {
	if primarykey.Compare(low, high) > 0 {
		low, high = high, low
	}
	if old, ok := ix.entries[v]; ok {
		_ = ix.Remove(old.low, old.high, v)
	}
	ix.entries[v] = interval{low: low, high: high}

	ix.ensure(low)
	end := ix.ensure(high)
	ix.tree.AscendRange(ix.pivot(low), ix.pivot(high), func(s *segment[V]) bool {
		s.active[v] = struct{}{}
		return true
	})
	end.closing[v] = struct{}{}
}

// Remove deletes [low, high] for v. The interval must match the one inserted.
func (ix *Index[V]) Remove(low, high primarykey.Key, v V) error {
	if primarykey.Compare(low, high) > 0 {
		low, high = high, low
	}
	iv, ok := ix.entries[v]
	if !ok || !iv.low.Equal(low) || !iv.high.Equal(high) {
		return fmt.Errorf("remove %v [%s..%s]: %w", v, low, high, ErrNotFound)
	}
	delete(ix.entries, v)

	ix.tree.AscendRange(ix.pivot(low), ix.pivot(high), func(s *segment[V]) bool {
		delete(s.active, v)
		return true
	})
	if end, ok := ix.tree.Get(ix.pivot(high)); ok {
		delete(end.closing, v)
	}

	ix.collapse(low)
	ix.collapse(high)
	return nil
}

// Get returns the values whose interval contains key.
func (ix *Index[V]) Get(key primarykey.Key) []V {
	out := make(set[V])
	ix.addFloor(out, key)
	return sorted(out)
}

// RangeQuery returns the values whose interval intersects [low, high].
func (ix *Index[V]) RangeQuery(low, high primarykey.Key) []V {
	if primarykey.Compare(low, high) > 0 {
		return nil
	}
	out := make(set[V])
	ix.addFloor(out, low)
	ix.tree.AscendGreaterOrEqual(ix.pivot(low), func(s *segment[V]) bool {
		c := primarykey.Compare(s.key, high)
		if c > 0 {
			return false
		}
		if primarykey.Compare(s.key, low) == 0 {
			return true
		}
		addAll(out, s.active)
		addAll(out, s.closing)
		return true
	})
	return sorted(out)
}

// Segments returns every boundary in key order.
func (ix *Index[V]) Segments() []Segment[V] {
	out := make([]Segment[V], 0, ix.tree.Len())
	ix.tree.Ascend(func(s *segment[V]) bool {
		out = append(out, Segment[V]{
			Key:     s.key,
			Active:  sorted(s.active),
			Closing: sorted(s.closing),
		})
		return true
	})
	return out
}

// MaxOverlap returns the largest overlap over all boundaries.
func (ix *Index[V]) MaxOverlap() int {
	best := 0
	ix.tree.Ascend(func(s *segment[V]) bool {
		best = max(best, len(s.active)+len(s.closing))
		return true
	})
	return best
}

// addFloor adds the values covering key, read from the nearest boundary at
// or below it.
func (ix *Index[V]) addFloor(out set[V], key primarykey.Key) {
	ix.tree.DescendLessOrEqual(ix.pivot(key), func(s *segment[V]) bool {
		addAll(out, s.active)
		if primarykey.Compare(s.key, key) == 0 {
			addAll(out, s.closing)
		}
		return false
	})
}

// ensure returns the boundary at key, creating it with the spanning set of
// its predecessor if needed.
func (ix *Index[V]) ensure(key primarykey.Key) *segment[V] {
	if s, ok := ix.tree.Get(ix.pivot(key)); ok {
		return s
	}
	s := &segment[V]{key: key, active: make(set[V]), closing: make(set[V])}
	ix.tree.DescendLessOrEqual(ix.pivot(key), func(prev *segment[V]) bool {
		s.active = maps.Clone(prev.active)
		return false
	})
	ix.tree.ReplaceOrInsert(s)
	return s
}

// collapse removes the boundary at key if it carries no information: nothing
// closes there and its spanning set equals its predecessor's.
func (ix *Index[V]) collapse(key primarykey.Key) {
	s, ok := ix.tree.Get(ix.pivot(key))
	if !ok || len(s.closing) > 0 {
		return
	}
	var prev set[V]
	ix.tree.DescendLessOrEqual(ix.pivot(key), func(p *segment[V]) bool {
		if p == s {
			return true
		}
		prev = p.active
		return false
	})
	if !maps.Equal(s.active, prev) {
		return
	}
	ix.tree.Delete(s)
}

func (ix *Index[V]) pivot(key primarykey.Key) *segment[V] {
	return &segment[V]{key: key}
}

func addAll[V cmp.Ordered](dst, src set[V]) {
	for v := range src {
		dst[v] = struct{}{}
	}
}

func sorted[V cmp.Ordered](s set[V]) []V {
	return slices.Sorted(maps.Keys(s))
}
