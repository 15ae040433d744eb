// Package predicate models the query filters understood by the planner.
//
// A predicate is a conjunction of per-key conditions. Eq and Between conditions
// on a leading run of key columns are turned into key-range bounds for chunk
// pruning; every condition is also evaluated per record as a residual filter.
package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// ErrSchemaMismatch indicates a predicate references a column the aggregation does not declare.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Predicate filters records.
type Predicate interface {
	// Match reports whether the record satisfies the predicate.
	Match(r record.Record) bool
	// Columns returns the key columns the predicate references.
	Columns() []string
	String() string
}

// Eq matches records whose key column equals Value.
type Eq struct {
	Key   string
	Value any
}

// NotEq matches records whose key column differs from Value.
// It is never used for range pruning.
type NotEq struct {
	Key   string
	Value any
}

// Between matches records whose key column lies in [From, To].
type Between struct {
	Key      string
	From, To any
}

// And is a conjunction. An empty And matches everything.
type And []Predicate

// True matches every record.
var True Predicate = And(nil)

func (p Eq) Match(r record.Record) bool      { return compare(r[p.Key], p.Value) == 0 }
func (p Eq) Columns() []string               { return []string{p.Key} }
func (p Eq) String() string                  { return fmt.Sprintf("%s=%v", p.Key, p.Value) }
func (p NotEq) Match(r record.Record) bool   { return compare(r[p.Key], p.Value) != 0 }
func (p NotEq) Columns() []string            { return []string{p.Key} }
func (p NotEq) String() string               { return fmt.Sprintf("%s!=%v", p.Key, p.Value) }
func (p Between) Columns() []string          { return []string{p.Key} }
func (p Between) String() string             { return fmt.Sprintf("%s=%v..%v", p.Key, p.From, p.To) }
func (p Between) Match(r record.Record) bool { return inRange(r[p.Key], p.From, p.To) }

func inRange(v, from, to any) bool {
	return compare(v, from) >= 0 && compare(v, to) <= 0
}

func (a And) Match(r record.Record) bool {
	for _, p := range a {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

func (a And) Columns() []string {
	var cols []string
	for _, p := range a {
		cols = append(cols, p.Columns()...)
	}
	return cols
}

func (a And) String() string {
	if len(a) == 0 {
		return "true"
	}
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return strings.Join(parts, " and ")
}

// IsTrue reports whether p matches unconditionally.
func IsTrue(p Predicate) bool {
	return p == nil || len(Conjuncts(p)) == 0
}

// Conjuncts flattens nested conjunctions into their leaf conditions.
func Conjuncts(p Predicate) []Predicate {
	if p == nil {
		return nil
	}
	a, ok := p.(And)
	if !ok {
		return []Predicate{p}
	}
	var out []Predicate
	for _, c := range a {
		out = append(out, Conjuncts(c)...)
	}
	return out
}

// Combine returns the conjunction of the given predicates, skipping nils.
func Combine(ps ...Predicate) Predicate {
	var out And
	for _, p := range ps {
		out = append(out, Conjuncts(p)...)
	}
	return out
}

// Validate checks that every referenced column is a key of schema and that
// Between bounds are ordered.
func Validate(p Predicate, schema record.Schema) error {
	for _, c := range Conjuncts(p) {
		for _, col := range c.Columns() {
			if schema.KeyIndex(col) < 0 {
				return fmt.Errorf("predicate %s: column %q is not a key: %w", c, col, ErrSchemaMismatch)
			}
		}
		if b, ok := c.(Between); ok && compare(b.From, b.To) > 0 {
			return fmt.Errorf("predicate %s: empty range: %w", c, ErrSchemaMismatch)
		}
	}
	return nil
}

// Bind validates p against schema and converts every condition value to the
// declared type of its key. The result is a flat conjunction. Values that do
// not fit the key type are a schema mismatch.
func Bind(p Predicate, schema record.Schema) (Predicate, error) {
	if p == nil {
		return nil, nil
	}
	out := And{}
	for _, c := range Conjuncts(p) {
		bound, err := bindOne(c, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, bound)
	}
	if err := Validate(out, schema); err != nil {
		return nil, err
	}
	return out, nil
}

func bindOne(c Predicate, schema record.Schema) (Predicate, error) {
	coerce := func(key string, v any) (any, error) {
		kf, ok := schema.Key(key)
		if !ok {
			return nil, fmt.Errorf("predicate %s: column %q is not a key: %w", c, key, ErrSchemaMismatch)
		}
		cv, err := kf.Type.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w: %w", c, ErrSchemaMismatch, err)
		}
		return cv, nil
	}
	switch x := c.(type) {
	case Eq:
		v, err := coerce(x.Key, x.Value)
		if err != nil {
			return nil, err
		}
		return Eq{Key: x.Key, Value: v}, nil
	case NotEq:
		v, err := coerce(x.Key, x.Value)
		if err != nil {
			return nil, err
		}
		return NotEq{Key: x.Key, Value: v}, nil
	case Between:
		from, err := coerce(x.Key, x.From)
		if err != nil {
			return nil, err
		}
		to, err := coerce(x.Key, x.To)
		if err != nil {
			return nil, err
		}
		return Between{Key: x.Key, From: from, To: to}, nil
	}
	return c, nil
}

// compare orders two column values after normalizing integer kinds.
func compare(a, b any) int {
	if na, err := primarykey.Normalize(a); err == nil {
		a = na
	}
	if nb, err := primarykey.Normalize(b); err == nil {
		b = nb
	}
	return primarykey.CompareValues(a, b)
}
