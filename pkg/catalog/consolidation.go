package catalog

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/rangeindex"
)

// Strategy names a consolidation candidate selection rule.
type Strategy string

const (
	// StrategyPartitioning picks chunks that straddle a partition boundary.
	StrategyPartitioning Strategy = "partitioning"
	// StrategyHotSegment picks the chunks at the most overlapped boundary.
	StrategyHotSegment Strategy = "hot-segment"
	// StrategyMinKey picks the first overlapped boundary in key order within a partition.
	StrategyMinKey Strategy = "min-key"
	// StrategySizeFix picks non-overlapping chunks whose size differs from the optimum.
	StrategySizeFix Strategy = "size-fix"
)

// DefaultStrategies is the order strategies are tried in.
var DefaultStrategies = []Strategy{StrategyPartitioning, StrategyHotSegment, StrategyMinKey, StrategySizeFix}

// ParseStrategy converts a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range DefaultStrategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown consolidation strategy %q", s)
}

// ConsolidationOptions bounds candidate selection.
type ConsolidationOptions struct {
	// MaxChunks caps the number of chunks selected. Default: 1000.
	MaxChunks int

	// OptimalChunkSize is the record count the size-fix strategy aims for.
	// Zero disables size fix.
	OptimalChunkSize int64

	// PartitioningKeyLength is the key prefix chunks are bucketed by. Zero
	// means the aggregation is not partitioned.
	PartitioningKeyLength int

	// Strategies are tried in order; the first non-empty selection wins.
	// Nil means DefaultStrategies.
	Strategies []Strategy
}

const defaultMaxChunks = 1000

func (o ConsolidationOptions) withDefaults() ConsolidationOptions {
	if o.MaxChunks <= 0 {
		o.MaxChunks = defaultMaxChunks
	}
	if o.Strategies == nil {
		o.Strategies = DefaultStrategies
	}
	return o
}

// Selection is the outcome of candidate selection.
type Selection struct {
	Strategy Strategy
	Chunks   []*chunk.Chunk
}

// Empty reports whether nothing was selected.
func (s Selection) Empty() bool { return len(s.Chunks) == 0 }

// SelectConsolidation picks chunks to consolidate. Chunks for which excluded
// returns true are never selected; excluded may be nil.
func (c *Catalog) SelectConsolidation(opts ConsolidationOptions, excluded func(chunk.ID) bool) (Selection, error) {
	opts = opts.withDefaults()
	if opts.PartitioningKeyLength < 0 || opts.PartitioningKeyLength > len(c.keys) {
		return Selection{}, fmt.Errorf("select consolidation: partitioning key length %d out of range [0, %d]",
			opts.PartitioningKeyLength, len(c.keys))
	}
	if excluded == nil {
		excluded = func(chunk.ID) bool { return false }
	}
	sel := &selector{c: c, opts: opts, excluded: excluded}

	for _, st := range opts.Strategies {
		var chunks []*chunk.Chunk
		switch st {
		case StrategyPartitioning:
			chunks = sel.expand(sel.unpartitioned(), c.prefix[len(c.keys)])
		case StrategyHotSegment:
			chunks = sel.expand(sel.hotSegment(c.prefix[len(c.keys)]), c.prefix[len(c.keys)])
		case StrategyMinKey:
			chunks = sel.minKey()
		case StrategySizeFix:
			chunks = sel.sizeFix()
		default:
			return Selection{}, fmt.Errorf("select consolidation: unknown strategy %q", st)
		}
		chunks = sel.keepNewestVisible(chunks)
		if sel.worthRewriting(st, chunks) {
			chunk.SortByMinKey(chunks)
			return Selection{Strategy: st, Chunks: chunks}, nil
		}
	}
	return Selection{}, nil
}

type selector struct {
	c        *Catalog
	opts     ConsolidationOptions
	excluded func(chunk.ID) bool
}

func (s *selector) live(ids []chunk.ID) []chunk.ID {
	return slices.DeleteFunc(slices.Clone(ids), s.excluded)
}

func (s *selector) available() []*chunk.Chunk {
	out := s.c.Chunks()
	return slices.DeleteFunc(out, func(ch *chunk.Chunk) bool { return s.excluded(ch.ID) })
}

// unpartitioned returns chunks whose min and max keys fall in different
// partitions, smallest min key first.
func (s *selector) unpartitioned() []chunk.ID {
	p := s.opts.PartitioningKeyLength
	if p == 0 {
		return nil
	}
	var out []*chunk.Chunk
	for _, ch := range s.available() {
		if !ch.MinKey.Prefix(p).Equal(ch.MaxKey.Prefix(p)) {
			out = append(out, ch)
		}
	}
	chunk.SortByMinKey(out)
	if len(out) > s.opts.MaxChunks {
		out = out[:s.opts.MaxChunks]
	}
	return chunk.IDs(out)
}

// hotSegment returns the chunks touching the boundary with the highest
// overlap, if that overlap is at least 2. Ties go to the smaller key.
func (s *selector) hotSegment(ix *rangeindex.Index[chunk.ID]) []chunk.ID {
	var best []chunk.ID
	for _, seg := range ix.Segments() {
		vals := s.live(seg.Values())
		if len(vals) >= 2 && len(vals) > len(best) {
			best = vals
		}
	}
	return best
}

// minKey scans each partition in key order and returns the first overlapped
// boundary, expanded within that partition.
func (s *selector) minKey() []*chunk.Chunk {
	for _, bucket := range s.partitions() {
		ix := rangeindex.New[chunk.ID]()
		for _, ch := range bucket {
			ix.Insert(ch.MinKey, ch.MaxKey, ch.ID)
		}
		for _, seg := range ix.Segments() {
			if vals := seg.Values(); len(vals) >= 2 {
				return s.expand(vals, ix)
			}
		}
	}
	return nil
}

// sizeFix finds, per partition, the first chunk touching no other chunk whose
// count differs from the optimum, and selects it together with the chunks
// after it. A lone undersized chunk is left alone.
func (s *selector) sizeFix() []*chunk.Chunk {
	optimal := s.opts.OptimalChunkSize
	if optimal <= 0 {
		return nil
	}
	for _, bucket := range s.partitions() {
		ix := rangeindex.New[chunk.ID]()
		for _, ch := range bucket {
			ix.Insert(ch.MinKey, ch.MaxKey, ch.ID)
		}
		for i, ch := range bucket {
			if ch.Count == optimal || len(ix.RangeQuery(ch.MinKey, ch.MaxKey)) != 1 {
				continue
			}
			tail := bucket[i:min(len(bucket), i+s.opts.MaxChunks)]
			if len(tail) >= 2 || ch.Count > optimal {
				return slices.Clone(tail)
			}
		}
	}
	return nil
}

// partitions groups available, partition-aligned chunks by partition key in
// key order. Each bucket is sorted by min key.
func (s *selector) partitions() [][]*chunk.Chunk {
	p := s.opts.PartitioningKeyLength
	groups := make(map[string][]*chunk.Chunk)
	var order []primarykey.Key
	for _, ch := range s.available() {
		pk := ch.MinKey.Prefix(p)
		if !pk.Equal(ch.MaxKey.Prefix(p)) {
			continue
		}
		name := pk.String()
		if _, ok := groups[name]; !ok {
			order = append(order, pk)
		}
		groups[name] = append(groups[name], ch)
	}
	slices.SortFunc(order, primarykey.Compare)

	out := make([][]*chunk.Chunk, 0, len(order))
	for _, pk := range order {
		bucket := groups[pk.String()]
		chunk.SortByMinKey(bucket)
		out = append(out, bucket)
	}
	return out
}

// expand grows a selection with every chunk intersecting its key span until
// it stops growing or reaches MaxChunks, then trims it to the MaxChunks
// chunks with the smallest min key. The loop runs at most MaxChunks times.
func (s *selector) expand(ids []chunk.ID, ix *rangeindex.Index[chunk.ID]) []*chunk.Chunk {
	selected := s.c.resolve(ids)
	if len(selected) == 0 || len(selected) >= s.opts.MaxChunks {
		return s.trim(selected)
	}

	for range s.opts.MaxChunks {
		lo, hi := span(selected)
		grown := s.c.resolve(s.live(ix.RangeQuery(lo, hi)))
		if len(grown) <= len(selected) {
			break
		}
		selected = grown
		if len(selected) >= s.opts.MaxChunks {
			break
		}
	}
	return s.trim(selected)
}

func (s *selector) trim(chunks []*chunk.Chunk) []*chunk.Chunk {
	if len(chunks) <= s.opts.MaxChunks {
		return chunks
	}
	chunk.SortByMinKey(chunks)
	return chunks[:s.opts.MaxChunks]
}

// keepNewestVisible makes a selection safe for order-sensitive reducers.
// Consolidation output gets a fresh id and so outranks every chunk left out;
// a selected chunk overlapping a newer unselected one would then shadow the
// newer records. Each selected chunk is therefore taken together with every
// newer chunk reachable through overlaps, newest first, as long as the union
// stays within MaxChunks. A union of such closures is closed itself.
func (s *selector) keepNewestVisible(chunks []*chunk.Chunk) []*chunk.Chunk {
	if len(chunks) == 0 {
		return nil
	}
	order := slices.Clone(chunks)
	slices.SortFunc(order, func(a, b *chunk.Chunk) int { return cmp.Compare(b.ID, a.ID) })

	ix := s.c.prefix[len(s.c.keys)]
	picked := make(map[chunk.ID]*chunk.Chunk)
	for _, ch := range order {
		if _, ok := picked[ch.ID]; ok {
			continue
		}
		closure, ok := s.newerClosure(ch, ix, picked)
		if !ok || len(picked)+len(closure) > s.opts.MaxChunks {
			continue
		}
		for _, c := range closure {
			picked[c.ID] = c
		}
	}

	out := make([]*chunk.Chunk, 0, len(picked))
	for _, ch := range picked {
		out = append(out, ch)
	}
	return out
}

// newerClosure returns start plus every chunk reachable from it through
// overlaps with higher ids, skipping chunks already picked. It fails when the
// closure reaches an excluded chunk or outgrows MaxChunks.
func (s *selector) newerClosure(start *chunk.Chunk, ix *rangeindex.Index[chunk.ID], picked map[chunk.ID]*chunk.Chunk) ([]*chunk.Chunk, bool) {
	seen := map[chunk.ID]bool{start.ID: true}
	closure := []*chunk.Chunk{start}
	for i := 0; i < len(closure); i++ {
		cur := closure[i]
		for _, id := range ix.RangeQuery(cur.MinKey, cur.MaxKey) {
			if id <= cur.ID || seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := picked[id]; ok {
				continue
			}
			ch, ok := s.c.chunks[id]
			if !ok || s.excluded(id) {
				return nil, false
			}
			closure = append(closure, ch)
			if len(closure) > s.opts.MaxChunks {
				return nil, false
			}
		}
	}
	return closure, true
}

// worthRewriting reports whether a selection still merits a consolidation:
// two or more chunks, a single chunk straddling partitions, or a single
// oversized chunk for size fix.
func (s *selector) worthRewriting(st Strategy, chunks []*chunk.Chunk) bool {
	if len(chunks) != 1 {
		return len(chunks) >= 2
	}
	ch := chunks[0]
	switch st {
	case StrategyPartitioning:
		p := s.opts.PartitioningKeyLength
		return p > 0 && !ch.MinKey.Prefix(p).Equal(ch.MaxKey.Prefix(p))
	case StrategySizeFix:
		return s.opts.OptimalChunkSize > 0 && ch.Count > s.opts.OptimalChunkSize
	}
	return false
}

func span(chunks []*chunk.Chunk) (lo, hi primarykey.Key) {
	lo, hi = chunks[0].MinKey, chunks[0].MaxKey
	for _, ch := range chunks[1:] {
		lo = primarykey.Min(lo, ch.MinKey)
		hi = primarykey.Max(hi, ch.MaxKey)
	}
	return lo, hi
}
