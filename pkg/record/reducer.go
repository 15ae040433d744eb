package record

import (
	"fmt"
	"math"
	"time"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

// FieldReducer folds values of one field.
//
// Create and Accumulate operate on raw input values during ingest; Merge
// combines two accumulated values when chunks are merged at query or
// consolidation time. Implementations may mutate and return acc.
type FieldReducer interface {
	Create(v any) any
	Accumulate(acc, v any) any
	Merge(acc, other any) any
}

// ReducerKind names one of the built-in field reducers.
type ReducerKind string

const (
	ReducerSum   ReducerKind = "sum"
	ReducerMin   ReducerKind = "min"
	ReducerMax   ReducerKind = "max"
	ReducerCount ReducerKind = "count"
	ReducerLast  ReducerKind = "last"
	ReducerList  ReducerKind = "list"
)

// NewFieldReducer returns the built-in reducer for kind.
func NewFieldReducer(kind ReducerKind) (FieldReducer, error) {
	switch kind {
	case ReducerSum:
		return sumReducer{}, nil
	case ReducerMin:
		return extremeReducer{sign: -1}, nil
	case ReducerMax:
		return extremeReducer{sign: 1}, nil
	case ReducerCount:
		return countReducer{}, nil
	case ReducerLast:
		return lastReducer{}, nil
	case ReducerList:
		return listReducer{}, nil
	default:
		return nil, fmt.Errorf("unknown reducer kind %q", kind)
	}
}

type sumReducer struct{}

func (sumReducer) Create(v any) any          { return numeric(v) }
func (sumReducer) Accumulate(acc, v any) any { return addNumbers(acc, numeric(v)) }
func (sumReducer) Merge(acc, other any) any  { return addNumbers(acc, other) }

type extremeReducer struct{ sign int }

func (e extremeReducer) Create(v any) any          { return numeric(v) }
func (e extremeReducer) Accumulate(acc, v any) any { return e.pick(acc, numeric(v)) }
func (e extremeReducer) Merge(acc, other any) any  { return e.pick(acc, other) }

func (e extremeReducer) pick(a, b any) any {
	if primarykey.CompareValues(b, a)*e.sign > 0 {
		return b
	}
	return a
}

type countReducer struct{}

func (countReducer) Create(any) any            { return int64(1) }
func (countReducer) Accumulate(acc, _ any) any { return toInt64(acc) + 1 }
func (countReducer) Merge(acc, other any) any  { return toInt64(acc) + toInt64(other) }

type lastReducer struct{}

func (lastReducer) Create(v any) any        { return v }
func (lastReducer) Accumulate(_, v any) any { return v }
func (lastReducer) Merge(_, other any) any  { return other }

// listReducer collects values; accumulated values are []any.
type listReducer struct{}

func (listReducer) Create(v any) any { return []any{v} }

func (listReducer) Accumulate(acc, v any) any {
	l, _ := acc.([]any)
	return append(l, v)
}

func (listReducer) Merge(acc, other any) any {
	l, _ := acc.([]any)
	o, _ := other.([]any)
	return append(l, o...)
}

// numeric normalizes integer kinds to int64 and float32 to float64.
// Unsigned values beyond int64 become float64. Other values pass through.
func numeric(v any) any {
	switch x := v.(type) {
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
	case time.Time:
		return v
	}
	if n, err := primarykey.Normalize(v); err == nil {
		return n
	}
	return v
}

func addNumbers(a, b any) any {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x + y
		case float64:
			return float64(x) + y
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x + float64(y)
		case float64:
			return x + y
		}
	case nil:
		return b
	}
	return a
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

// Reducer combines whole records sharing a primary key.
//
// A Reducer is bound to a subset of the schema's fields. Fields absent from an
// input record are simply not written by that input, which lets chunks with
// different field subsets merge into one output record.
type Reducer struct {
	keys   []string
	fields []Field
}

// NewReducer returns a Reducer over the named fields of schema.
// A nil names slice selects every field.
func NewReducer(schema Schema, names []string) (*Reducer, error) {
	r := &Reducer{keys: schema.KeyNames()}
	if names == nil {
		r.fields = append(r.fields, schema.Fields...)
		return r, nil
	}
	for _, n := range names {
		f, ok := schema.Field(n)
		if !ok {
			return nil, fmt.Errorf("reducer field %q: not in schema", n)
		}
		r.fields = append(r.fields, f)
	}
	return r, nil
}

// WithKeys returns a copy of the reducer that carries the given key columns
// instead of the schema's. It is used when collapsing onto a key prefix.
func (r *Reducer) WithKeys(keys []string) *Reducer {
	return &Reducer{keys: append([]string(nil), keys...), fields: r.fields}
}

// Keys returns the key columns the reducer carries.
func (r *Reducer) Keys() []string {
	return r.keys
}

// FieldNames returns the fields the reducer writes.
func (r *Reducer) FieldNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Create starts an accumulator from a raw input record.
func (r *Reducer) Create(rec Record) Record {
	acc := r.keysOf(rec)
	for _, f := range r.fields {
		if v, ok := rec[f.Name]; ok {
			acc[f.Name] = f.Reducer.Create(v)
		}
	}
	return acc
}

// Accumulate folds a raw input record into acc.
func (r *Reducer) Accumulate(acc, rec Record) {
	for _, f := range r.fields {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		if cur, ok := acc[f.Name]; ok {
			acc[f.Name] = f.Reducer.Accumulate(cur, v)
		} else {
			acc[f.Name] = f.Reducer.Create(v)
		}
	}
}

// Start begins a merge from an already accumulated record.
func (r *Reducer) Start(rec Record) Record {
	acc := r.keysOf(rec)
	for _, f := range r.fields {
		if v, ok := rec[f.Name]; ok {
			acc[f.Name] = cloneValue(v)
		}
	}
	return acc
}

// Merge folds an accumulated record into acc.
func (r *Reducer) Merge(acc, other Record) {
	for _, f := range r.fields {
		v, ok := other[f.Name]
		if !ok {
			continue
		}
		if cur, ok := acc[f.Name]; ok {
			acc[f.Name] = f.Reducer.Merge(cur, v)
		} else {
			acc[f.Name] = cloneValue(v)
		}
	}
}

func (r *Reducer) keysOf(rec Record) Record {
	acc := make(Record, len(r.keys)+len(r.fields))
	for _, k := range r.keys {
		if v, ok := rec[k]; ok {
			acc[k] = v
		}
	}
	return acc
}
