package stream

import (
	"container/heap"
	"errors"
	"io"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// Sourced is implemented by iterators that know which chunk their last
// record was read from.
type Sourced interface {
	Source() chunk.ID
}

// MergeIterator performs a k-way merge of key-sorted inputs.
// Records sharing a key, within one input or across inputs, are combined
// with the reducer into a single output record, oldest source chunk first.
type MergeIterator struct {
	inputs  []Iterator
	key     record.KeyFunc
	reducer *record.Reducer
	heap    *mergeHeap
	started bool
	err     error
}

// mergeItem is the current head of one input.
type mergeItem struct {
	rec    record.Record
	key    primarykey.Key
	source chunk.ID
	input  int
}

// mergeHeap orders items by key, then by source chunk, then by input
// position, so that equal keys are folded from older to newer data.
type mergeHeap struct {
	items []mergeItem
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := primarykey.Compare(h.items[i].key, h.items[j].key); c != 0 {
		return c < 0
	}
	if a, b := h.items[i].source, h.items[j].source; a != b {
		return a < b
	}
	return h.items[i].input < h.items[j].input
}

func (h *mergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergeHeap) Push(x any) {
	h.items = append(h.items, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeReduce merges inputs into one key-ordered stream. Inputs are read
// lazily; the merge takes ownership and closes them on Close.
func MergeReduce(inputs []Iterator, key record.KeyFunc, reducer *record.Reducer) *MergeIterator {
	return &MergeIterator{
		inputs:  inputs,
		key:     key,
		reducer: reducer,
		heap:    &mergeHeap{items: make([]mergeItem, 0, len(inputs))},
	}
}

func (m *MergeIterator) init() error {
	m.started = true
	for i := range m.inputs {
		if err := m.advance(i); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next reduced record in key order.
func (m *MergeIterator) Next() (record.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.started {
		if err := m.init(); err != nil {
			m.err = err
			return nil, err
		}
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}

	item := heap.Pop(m.heap).(mergeItem)
	result := m.reducer.Start(item.rec)
	if err := m.advance(item.input); err != nil {
		m.err = err
		return nil, err
	}

	for m.heap.Len() > 0 && primarykey.Compare(m.heap.items[0].key, item.key) == 0 {
		dup := heap.Pop(m.heap).(mergeItem)
		m.reducer.Merge(result, dup.rec)
		if err := m.advance(dup.input); err != nil {
			m.err = err
			return nil, err
		}
	}
	return result, nil
}

// advance reads the next record of input idx onto the heap.
func (m *MergeIterator) advance(idx int) error {
	rec, err := m.inputs[idx].Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	item := mergeItem{rec: rec, key: m.key(rec), input: idx}
	if s, ok := m.inputs[idx].(Sourced); ok {
		item.source = s.Source()
	}
	heap.Push(m.heap, item)
	return nil
}

// Close closes every input and returns the first error.
func (m *MergeIterator) Close() error {
	var firstErr error
	for _, in := range m.inputs {
		if err := in.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
