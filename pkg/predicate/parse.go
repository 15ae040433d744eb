package predicate

import (
	"fmt"
	"strings"

	"github.com/eunmann/olapcube/pkg/record"
)

// Parse builds a predicate from textual conditions of the form
// "key=value", "key!=value" or "key=from..to". Values are parsed with the
// key's declared type.
func Parse(schema record.Schema, exprs []string) (Predicate, error) {
	var out And
	for _, expr := range exprs {
		p, err := parseOne(schema, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseOne(schema record.Schema, expr string) (Predicate, error) {
	neg := false
	key, value, ok := strings.Cut(expr, "!=")
	if ok {
		neg = true
	} else if key, value, ok = strings.Cut(expr, "="); !ok {
		return nil, fmt.Errorf("parse predicate %q: expected key=value", expr)
	}
	key = strings.TrimSpace(key)
	kf, found := schema.Key(key)
	if !found {
		return nil, fmt.Errorf("parse predicate %q: unknown key %q: %w", expr, key, ErrSchemaMismatch)
	}

	if from, to, isRange := strings.Cut(value, ".."); isRange && !neg {
		lo, err := kf.Type.Parse(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("parse predicate %q: %w", expr, err)
		}
		hi, err := kf.Type.Parse(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("parse predicate %q: %w", expr, err)
		}
		return Between{Key: key, From: lo, To: hi}, nil
	}

	v, err := kf.Type.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("parse predicate %q: %w", expr, err)
	}
	if neg {
		return NotEq{Key: key, Value: v}, nil
	}
	return Eq{Key: key, Value: v}, nil
}
