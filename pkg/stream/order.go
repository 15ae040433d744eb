package stream

import (
	"errors"
	"io"
	"slices"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// collapseIterator re-reduces consecutive records sharing a key prefix.
type collapseIterator struct {
	src     Iterator
	key     record.KeyFunc
	reducer *record.Reducer
	pending record.Record
	pendKey primarykey.Key
	err     error
}

// Collapse merges records that agree on the given key columns. The input
// must be ordered by a key whose leading columns are keys, so that equal
// prefixes are adjacent. Output records carry only keys and reduced fields.
func Collapse(src Iterator, keys []string, reducer *record.Reducer) Iterator {
	return &collapseIterator{
		src:     src,
		key:     record.KeyExtractor(keys),
		reducer: reducer.WithKeys(keys),
	}
}

func (c *collapseIterator) Next() (record.Record, error) {
	if c.err != nil {
		return nil, c.err
	}
	for {
		r, err := c.src.Next()
		if errors.Is(err, io.EOF) {
			if c.pending == nil {
				return nil, io.EOF
			}
			out := c.pending
			c.pending = nil
			return out, nil
		}
		if err != nil {
			c.err = err
			return nil, err
		}

		k := c.key(r)
		if c.pending == nil {
			c.pending, c.pendKey = c.reducer.Start(r), k
			continue
		}
		if k.Equal(c.pendKey) {
			c.reducer.Merge(c.pending, r)
			continue
		}
		out := c.pending
		c.pending, c.pendKey = c.reducer.Start(r), k
		return out, nil
	}
}

func (c *collapseIterator) Close() error { return c.src.Close() }

// sortIterator buffers its input and yields it sorted.
type sortIterator struct {
	src    Iterator
	keys   []string
	sorted []record.Record
	pos    int
	loaded bool
	err    error
}

// Sort buffers the whole input in memory and yields it ordered by the named
// columns. Ties keep input order.
func Sort(src Iterator, keys []string) Iterator {
	return &sortIterator{src: src, keys: keys}
}

func (s *sortIterator) load() error {
	s.loaded = true
	for {
		r, err := s.src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		s.sorted = append(s.sorted, r)
	}
	slices.SortStableFunc(s.sorted, func(a, b record.Record) int {
		for _, k := range s.keys {
			if c := compareColumn(a[k], b[k]); c != 0 {
				return c
			}
		}
		return 0
	})
	return nil
}

func (s *sortIterator) Next() (record.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.loaded {
		if err := s.load(); err != nil {
			s.err = err
			return nil, err
		}
	}
	if s.pos >= len(s.sorted) {
		return nil, io.EOF
	}
	r := s.sorted[s.pos]
	s.pos++
	return r, nil
}

func (s *sortIterator) Close() error { return s.src.Close() }

func compareColumn(a, b any) int {
	if na, err := primarykey.Normalize(a); err == nil {
		a = na
	}
	if nb, err := primarykey.Normalize(b); err == nil {
		b = nb
	}
	return primarykey.CompareValues(a, b)
}
