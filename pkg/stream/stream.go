// Package stream implements the record pipelines behind query execution:
// lazily concatenated chunk runs, residual filters, a k-way merge-reduce and
// the ordering stages that follow it.
//
// Every stage is an Iterator. Next returns io.EOF once the stream is
// exhausted; any other error is terminal and returned again by later calls.
package stream

import (
	"errors"
	"io"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/record"
)

// Iterator yields records in order.
type Iterator interface {
	// Next returns the next record, or io.EOF when exhausted.
	Next() (record.Record, error)
	// Close releases resources. It is safe to call more than once.
	Close() error
}

// sliceIterator yields records from memory.
type sliceIterator struct {
	recs []record.Record
	pos  int
}

// FromSlice returns an iterator over recs.
func FromSlice(recs []record.Record) Iterator {
	return &sliceIterator{recs: recs}
}

func (s *sliceIterator) Next() (record.Record, error) {
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *sliceIterator) Close() error { return nil }

// Empty returns an exhausted iterator.
func Empty() Iterator {
	return FromSlice(nil)
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]record.Record, error) {
	var out []record.Record
	for {
		r, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = it.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach calls fn for every record and closes it. It stops at the first error.
func ForEach(it Iterator, fn func(record.Record) error) error {
	for {
		r, err := it.Next()
		if errors.Is(err, io.EOF) {
			return it.Close()
		}
		if err == nil {
			err = fn(r)
		}
		if err != nil {
			_ = it.Close()
			return err
		}
	}
}

// filterIterator drops records failing a predicate.
type filterIterator struct {
	src   Iterator
	match func(record.Record) bool
}

// Filter yields only the records for which match returns true.
func Filter(src Iterator, match func(record.Record) bool) Iterator {
	return &filterIterator{src: src, match: match}
}

func (f *filterIterator) Next() (record.Record, error) {
	for {
		r, err := f.src.Next()
		if err != nil {
			return nil, err
		}
		if f.match(r) {
			return r, nil
		}
	}
}

func (f *filterIterator) Close() error { return f.src.Close() }

// Source forwards the source chunk of the underlying iterator.
func (f *filterIterator) Source() chunk.ID {
	if s, ok := f.src.(Sourced); ok {
		return s.Source()
	}
	return 0
}

// projectIterator keeps only the named columns.
type projectIterator struct {
	src   Iterator
	names []string
}

// Project yields records holding only the named columns.
func Project(src Iterator, names []string) Iterator {
	return &projectIterator{src: src, names: names}
}

func (p *projectIterator) Next() (record.Record, error) {
	r, err := p.src.Next()
	if err != nil {
		return nil, err
	}
	return r.Project(p.names), nil
}

func (p *projectIterator) Close() error { return p.src.Close() }

// limitIterator skips offset records and stops after limit more.
type limitIterator struct {
	src    Iterator
	offset int
	limit  int
	seen   int
}

// Limit skips the first offset records and yields at most limit records.
// A limit of zero or less means no limit.
func Limit(src Iterator, offset, limit int) Iterator {
	return &limitIterator{src: src, offset: offset, limit: limit}
}

func (l *limitIterator) Next() (record.Record, error) {
	for l.offset > 0 {
		if _, err := l.src.Next(); err != nil {
			return nil, err
		}
		l.offset--
	}
	if l.limit > 0 && l.seen >= l.limit {
		return nil, io.EOF
	}
	r, err := l.src.Next()
	if err != nil {
		return nil, err
	}
	l.seen++
	return r, nil
}

func (l *limitIterator) Close() error { return l.src.Close() }
