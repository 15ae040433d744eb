package catalog

import (
	"fmt"
	"math"
	"slices"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/predicate"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// BetweenToEqualsThreshold caps how many concrete key tuples a Between range
// is expanded into before planning falls back to a scan.
const BetweenToEqualsThreshold = 1000

// CostBase is the per-unpinned-key penalty used by Cost.
const CostBase = 100.0

// PlanPath records which lookup strategy FindChunks used.
type PlanPath string

const (
	// PlanRange is a single range query on a prefix index.
	PlanRange PlanPath = "range"
	// PlanPointLookups is one point lookup per enumerated key tuple.
	PlanPointLookups PlanPath = "point-lookups"
	// PlanScan is a bounding-box test over every live chunk.
	PlanScan PlanPath = "scan"
)

// Plan is the chunk set selected for a query.
type Plan struct {
	Path    PlanPath
	Bounds  predicate.Bounds
	Lookups int
	Chunks  []*chunk.Chunk
}

// FindChunks returns the live chunks that may hold records matching p and
// at least one of fields. An empty fields slice keeps every chunk.
func (c *Catalog) FindChunks(p predicate.Predicate, fields []string) (Plan, error) {
	if err := c.validate(p, nil, fields); err != nil {
		return Plan{}, err
	}

	bounds := predicate.PrefixBounds(p, c.keys)
	n := bounds.Len()
	plan := Plan{Bounds: bounds}

	var ids []chunk.ID
	switch tuples, ok := c.enumerate(bounds); {
	case !bounds.HasBetween():
		plan.Path = PlanRange
		plan.Lookups = 1
		ids = c.prefix[n].RangeQuery(bounds.Min, bounds.Max)
	case ok:
		plan.Path = PlanPointLookups
		plan.Lookups = len(tuples)
		seen := make(map[chunk.ID]struct{})
		for _, t := range tuples {
			for _, id := range c.prefix[n].Get(t) {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		slices.Sort(ids)
	default:
		plan.Path = PlanScan
		for _, ch := range c.Chunks() {
			if chunkMightContainQueryValues(ch, bounds.Min, bounds.Max) {
				ids = append(ids, ch.ID)
			}
		}
	}

	for _, ch := range c.resolve(ids) {
		if len(fields) == 0 || ch.HasAnyField(fields) {
			plan.Chunks = append(plan.Chunks, ch)
		}
	}
	return plan, nil
}

// enumerate expands the bounds into every concrete key tuple, if every
// Between position is enumerable and the tuple count stays within
// BetweenToEqualsThreshold.
func (c *Catalog) enumerate(b predicate.Bounds) ([]primarykey.Key, bool) {
	if !b.HasBetween() {
		return nil, false
	}
	total := int64(1)
	for _, i := range b.Between {
		if !primarykey.IsEnumerable(b.Min[i]) {
			return nil, false
		}
		d, ok := primarykey.Distance(b.Min[i], b.Max[i])
		if !ok || d < 0 {
			return nil, false
		}
		total *= d + 1
		if total > BetweenToEqualsThreshold {
			return nil, false
		}
	}

	tuples := []primarykey.Key{{}}
	for pos := range b.Len() {
		var next []primarykey.Key
		for _, t := range tuples {
			if !slices.Contains(b.Between, pos) {
				next = append(next, t.Append(b.Min[pos]))
				continue
			}
			for v := b.Min[pos]; primarykey.CompareValues(v, b.Max[pos]) <= 0; v, _ = primarykey.Next(v) {
				next = append(next, t.Append(v))
			}
		}
		tuples = next
	}
	return tuples, true
}

// chunkMightContainQueryValues is the bounding-box test used by scans. Key
// positions where the chunk holds a single value must fall inside the query
// range; at the first position where the chunk spans several values, the
// chunk and query ranges only need to intersect.
func chunkMightContainQueryValues(ch *chunk.Chunk, qmin, qmax primarykey.Key) bool {
	for i := range qmin {
		lo, hi := ch.MinKey[i], ch.MaxKey[i]
		if primarykey.CompareValues(lo, hi) == 0 {
			if primarykey.CompareValues(qmin[i], lo) > 0 || primarykey.CompareValues(lo, qmax[i]) > 0 {
				return false
			}
			continue
		}
		return primarykey.CompareValues(qmin[i], hi) <= 0 && primarykey.CompareValues(lo, qmax[i]) <= 0
	}
	return true
}

// Cost estimates how expensive answering a query from this aggregation is.
// It returns math.MaxFloat64 when the aggregation cannot answer the query.
func (c *Catalog) Cost(p predicate.Predicate, keys, fields []string) float64 {
	if c.validate(p, keys, nil) != nil {
		return math.MaxFloat64
	}
	if c.declared != nil && !predicate.Implies(p, c.declared) {
		return math.MaxFloat64
	}
	if predicate.CountEq(p) > len(c.keys) {
		return math.MaxFloat64
	}

	missing := 0
	for _, f := range fields {
		if !slices.Contains(c.fields, f) {
			missing++
		}
	}
	if len(fields) > 0 && missing == len(fields) {
		return math.MaxFloat64
	}

	eqPrefix := predicate.EqPrefixLen(c.keys, c.declared, p)
	return math.Pow(math.Pow(CostBase, float64(len(c.keys)-eqPrefix)), float64(1+missing))
}

// validate checks the predicate and requested keys against the catalog's
// keys, and requested fields against its fields.
func (c *Catalog) validate(p predicate.Predicate, keys, fields []string) error {
	schema := record.Schema{}
	for _, k := range c.keys {
		schema.Keys = append(schema.Keys, record.KeyField{Name: k})
	}
	if err := predicate.Validate(p, schema); err != nil {
		return err
	}
	for _, k := range keys {
		if !slices.Contains(c.keys, k) {
			return fmt.Errorf("key %q: %w", k, predicate.ErrSchemaMismatch)
		}
	}
	for _, f := range fields {
		if !slices.Contains(c.fields, f) {
			return fmt.Errorf("field %q: %w", f, predicate.ErrSchemaMismatch)
		}
	}
	return nil
}
