// Package primarykey defines the composite key that orders aggregated records.
//
// A Key is a fixed-arity tuple of scalar values. Keys order lexicographically,
// component by component, and a key that is a strict prefix of another sorts
// first. Keys are treated as immutable: every method that derives a new key
// returns a fresh slice.
package primarykey

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Key is an ordered tuple of key components.
//
// Components are one of int64, float64, string, bool or Date. Use Of or New
// to build keys from arbitrary Go values so that integer kinds are normalized.
type Key []any

// New builds a key from the given values, normalizing integer kinds to int64,
// float32 to float64 and time.Time to Date.
func New(values ...any) (Key, error) {
	k := make(Key, len(values))
	for i, v := range values {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key component %d: %w", i, err)
		}
		k[i] = nv
	}
	return k, nil
}

// Of is like New but panics on unsupported component types.
// It is intended for literals in tests and static configuration.
func Of(values ...any) Key {
	k, err := New(values...)
	if err != nil {
		panic(err)
	}
	return k
}

// Normalize converts v into one of the supported component representations.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case int64, float64, string, bool, Date:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("key component %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("key component %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return DateOf(x), nil
	default:
		return nil, fmt.Errorf("unsupported key component type %T", v)
	}
}

// Len returns the arity of the key.
func (k Key) Len() int {
	return len(k)
}

// Prefix returns the first n components as a new key.
// If n exceeds the arity, the whole key is copied.
func (k Key) Prefix(n int) Key {
	if n > len(k) {
		n = len(k)
	}
	if n < 0 {
		n = 0
	}
	p := make(Key, n)
	copy(p, k[:n])
	return p
}

// Append returns a new key with v appended.
func (k Key) Append(v any) Key {
	out := make(Key, len(k), len(k)+1)
	copy(out, k)
	return append(out, v)
}

// Compare orders k against other lexicographically.
func (k Key) Compare(other Key) int {
	return Compare(k, other)
}

// Equal reports whether both keys have the same arity and components.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && Compare(k, other) == 0
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	return Compare(k, other) < 0
}

// String renders the key with type tags so that distinct keys never render
// identically. It is used as a map key for grouping and partitioning.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range k {
		if i > 0 {
			sb.WriteByte(',')
		}
		switch x := v.(type) {
		case int64:
			sb.WriteString(strconv.FormatInt(x, 10))
		case float64:
			sb.WriteString("f:")
			sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		case string:
			sb.WriteString(strconv.Quote(x))
		case bool:
			sb.WriteString(strconv.FormatBool(x))
		case Date:
			sb.WriteString("d:")
			sb.WriteString(x.String())
		default:
			fmt.Fprintf(&sb, "%T:%v", v, v)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Compare orders two keys lexicographically. A strict prefix sorts first.
func Compare(a, b Key) int {
	n := min(len(a), len(b))
	for i := range n {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Min returns the smaller of two keys.
func Min(a, b Key) Key {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of two keys.
func Max(a, b Key) Key {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
