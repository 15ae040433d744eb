package record

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

// KeyType is the declared type of a key column.
type KeyType string

const (
	KeyInt    KeyType = "int"
	KeyFloat  KeyType = "float"
	KeyString KeyType = "string"
	KeyDate   KeyType = "date"
	KeyBool   KeyType = "bool"
)

// Parse converts a textual value (CLI, CSV, YAML) into the key component type.
func (t KeyType) Parse(s string) (any, error) {
	switch t {
	case KeyInt:
		return strconv.ParseInt(s, 10, 64)
	case KeyFloat:
		return strconv.ParseFloat(s, 64)
	case KeyString:
		return s, nil
	case KeyDate:
		return primarykey.ParseDate(s)
	case KeyBool:
		return strconv.ParseBool(s)
	default:
		return nil, fmt.Errorf("unknown key type %q", t)
	}
}

// ErrKeyType reports a key value that does not fit the declared key type.
var ErrKeyType = errors.New("key value does not match key type")

// Coerce converts v to the component representation of t. Integer kinds and
// integral floats fit int keys, any number fits float keys and YYYY-MM-DD
// strings fit date keys. An empty type accepts any supported component.
func (t KeyType) Coerce(v any) (any, error) {
	n, err := primarykey.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyType, err)
	}
	switch t {
	case "":
		return n, nil
	case KeyInt:
		switch x := n.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
				return int64(x), nil
			}
		}
	case KeyFloat:
		switch x := n.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case KeyString:
		if s, ok := n.(string); ok {
			return s, nil
		}
	case KeyDate:
		switch x := n.(type) {
		case primarykey.Date:
			return x, nil
		case string:
			d, err := primarykey.ParseDate(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrKeyType, err)
			}
			return d, nil
		}
	case KeyBool:
		if b, ok := n.(bool); ok {
			return b, nil
		}
	default:
		return nil, fmt.Errorf("unknown key type %q", t)
	}
	return nil, fmt.Errorf("%w: %T %v for %s key", ErrKeyType, v, v, t)
}

// KeyField declares one primary key column.
type KeyField struct {
	Name string
	Type KeyType
}

// Field declares one measure column and the reducer that folds it.
type Field struct {
	Name    string
	Kind    ReducerKind
	Reducer FieldReducer
}

// NewField returns a field using a built-in reducer.
func NewField(name string, kind ReducerKind) (Field, error) {
	r, err := NewFieldReducer(kind)
	if err != nil {
		return Field{}, fmt.Errorf("field %q: %w", name, err)
	}
	return Field{Name: name, Kind: kind, Reducer: r}, nil
}

// MustField is like NewField but panics on an unknown kind.
func MustField(name string, kind ReducerKind) Field {
	f, err := NewField(name, kind)
	if err != nil {
		panic(err)
	}
	return f
}

// Schema binds key and field names of one aggregation.
// Key order defines the primary key order.
type Schema struct {
	Keys   []KeyField
	Fields []Field
}

// KeyNames returns key column names in key order.
func (s Schema) KeyNames() []string {
	names := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		names[i] = k.Name
	}
	return names
}

// FieldNames returns field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Key looks up a key column by name.
func (s Schema) Key(name string) (KeyField, bool) {
	for _, k := range s.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return KeyField{}, false
}

// KeyIndex returns the position of a key column, or -1.
func (s Schema) KeyIndex(name string) int {
	for i, k := range s.Keys {
		if k.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks names are non-empty and unique and every field has a reducer.
func (s Schema) Validate() error {
	if len(s.Keys) == 0 {
		return errors.New("schema has no keys")
	}
	seen := make(map[string]bool, len(s.Keys)+len(s.Fields))
	for _, k := range s.Keys {
		if k.Name == "" {
			return errors.New("key with empty name")
		}
		if seen[k.Name] {
			return fmt.Errorf("duplicate column %q", k.Name)
		}
		seen[k.Name] = true
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return errors.New("field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate column %q", f.Name)
		}
		if f.Reducer == nil {
			return fmt.Errorf("field %q has no reducer", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}
