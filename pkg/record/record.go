// Package record provides the dynamic record type flowing through ingest,
// chunk storage and query pipelines, together with the schema that binds key
// and field names to key types and reducers.
package record

import (
	"maps"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

// Record maps column names to values. Key columns hold primary key
// components; field columns hold raw or accumulated measure values.
type Record map[string]any

// Clone returns a copy of the record. List values are copied so that
// reducers mutating the copy never touch the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Project returns a new record holding only the named columns that are present.
func (r Record) Project(names []string) Record {
	out := make(Record, len(names))
	for _, n := range names {
		if v, ok := r[n]; ok {
			out[n] = v
		}
	}
	return out
}

// Equal reports whether two records hold the same columns and values.
func Equal(a, b Record) bool {
	return maps.EqualFunc(a, b, valuesEqual)
}

// KeyFunc extracts the primary key of a record.
type KeyFunc func(Record) primarykey.Key

// KeyExtractor returns a KeyFunc reading the named key columns in order.
// Values are normalized to key component types; missing columns yield nil.
func KeyExtractor(keys []string) KeyFunc {
	names := append([]string(nil), keys...)
	return func(r Record) primarykey.Key {
		k := make(primarykey.Key, len(names))
		for i, n := range names {
			v := r[n]
			if nv, err := primarykey.Normalize(v); err == nil {
				v = nv
			}
			k[i] = v
		}
		return k
	}
}

// FromKey writes the key components into a new record under the given names.
func FromKey(keys []string, k primarykey.Key) Record {
	r := make(Record, len(keys))
	for i, n := range keys {
		if i < len(k) {
			r[n] = k[i]
		}
	}
	return r
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		return append([]any(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	}
	return v
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case []int64:
		y, ok := b.([]int64)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
