package predicate

import (
	"github.com/eunmann/olapcube/pkg/primarykey"
)

// Bounds is the key-prefix box a predicate pins down.
//
// Min and Max have equal length: the number of leading keys constrained by
// Eq or Between. Between lists the positions within that prefix that carry a
// range rather than a single value.
type Bounds struct {
	Min, Max primarykey.Key
	Between  []int
}

// Len returns the length of the usable key prefix.
func (b Bounds) Len() int {
	return len(b.Min)
}

// HasBetween reports whether any prefix position is a range.
func (b Bounds) HasBetween() bool {
	return len(b.Between) > 0
}

// PrefixBounds walks keys in order, extending the bounds with each key's Eq
// value or Between range. It stops at the first key with no usable condition;
// NotEq never extends the prefix.
func PrefixBounds(p Predicate, keys []string) Bounds {
	conj := Conjuncts(p)
	var b Bounds
	for i, key := range keys {
		lo, hi, between, ok := keyCondition(conj, key)
		if !ok {
			break
		}
		b.Min = append(b.Min, lo)
		b.Max = append(b.Max, hi)
		if between {
			b.Between = append(b.Between, i)
		}
	}
	return b
}

// keyCondition finds the tightest usable condition on key. Eq wins over Between.
func keyCondition(conj []Predicate, key string) (lo, hi any, between, ok bool) {
	for _, c := range conj {
		if e, isEq := c.(Eq); isEq && e.Key == key {
			v := normalize(e.Value)
			return v, v, false, true
		}
	}
	for _, c := range conj {
		if r, isBetween := c.(Between); isBetween && r.Key == key {
			return normalize(r.From), normalize(r.To), true, true
		}
	}
	return nil, nil, false, false
}

// EqPrefixLen counts the leading keys pinned to a single value by an Eq
// condition in any of the given predicates.
func EqPrefixLen(keys []string, ps ...Predicate) int {
	var conj []Predicate
	for _, p := range ps {
		conj = append(conj, Conjuncts(p)...)
	}
	n := 0
	for _, key := range keys {
		found := false
		for _, c := range conj {
			if e, ok := c.(Eq); ok && e.Key == key {
				found = true
				break
			}
		}
		if !found {
			break
		}
		n++
	}
	return n
}

// CountEq returns the number of Eq conditions in p.
func CountEq(p Predicate) int {
	n := 0
	for _, c := range Conjuncts(p) {
		if _, ok := c.(Eq); ok {
			n++
		}
	}
	return n
}

// Implies reports whether every record matching q also matches declared.
//
// The check is conservative: each declared condition must be entailed by a
// single condition of q. A false result does not prove q is broader.
func Implies(q, declared Predicate) bool {
	qc := Conjuncts(q)
	for _, d := range Conjuncts(declared) {
		if !entailed(qc, d) {
			return false
		}
	}
	return true
}

func entailed(qc []Predicate, d Predicate) bool {
	for _, c := range qc {
		switch dd := d.(type) {
		case Eq:
			if e, ok := c.(Eq); ok && e.Key == dd.Key && compare(e.Value, dd.Value) == 0 {
				return true
			}
			if r, ok := c.(Between); ok && r.Key == dd.Key &&
				compare(r.From, dd.Value) == 0 && compare(r.To, dd.Value) == 0 {
				return true
			}
		case NotEq:
			switch cc := c.(type) {
			case NotEq:
				if cc.Key == dd.Key && compare(cc.Value, dd.Value) == 0 {
					return true
				}
			case Eq:
				if cc.Key == dd.Key && compare(cc.Value, dd.Value) != 0 {
					return true
				}
			case Between:
				if cc.Key == dd.Key && !inRange(dd.Value, cc.From, cc.To) {
					return true
				}
			}
		case Between:
			switch cc := c.(type) {
			case Eq:
				if cc.Key == dd.Key && inRange(cc.Value, dd.From, dd.To) {
					return true
				}
			case Between:
				if cc.Key == dd.Key && compare(cc.From, dd.From) >= 0 && compare(cc.To, dd.To) <= 0 {
					return true
				}
			}
		}
	}
	return false
}

func normalize(v any) any {
	if nv, err := primarykey.Normalize(v); err == nil {
		return nv
	}
	return v
}
