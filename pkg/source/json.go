package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/eunmann/olapcube/pkg/record"
)

// JSONReader reads a stream of JSON objects, one record each, such as
// newline-delimited JSON. Missing key columns are left for the ingest to
// reject.
type JSONReader struct {
	dec     *json.Decoder
	schema  record.Schema
	columns map[string]column
	n       int
	err     error
	closers []func() error
}

// NewJSONReader returns a reader over the objects in r.
func NewJSONReader(r io.Reader, schema record.Schema) *JSONReader {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &JSONReader{dec: dec, schema: schema, columns: make(map[string]column)}
}

// Next returns the next record.
func (r *JSONReader) Next() (record.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	var obj map[string]any
	if err := r.dec.Decode(&obj); err != nil {
		if !errors.Is(err, io.EOF) {
			err = fmt.Errorf("decode JSON object %d: %w", r.n+1, err)
		}
		r.err = err
		return nil, err
	}
	r.n++

	rec := make(record.Record, len(obj))
	for name, v := range obj {
		if v == nil {
			continue
		}
		col := r.column(name)
		switch col.kind {
		case columnKey:
			kv, err := convertKey(col.key, v)
			if err != nil {
				r.err = fmt.Errorf("JSON object %d key %q: %w", r.n, col.name, err)
				return nil, r.err
			}
			rec[col.name] = kv
		case columnField:
			rec[col.name] = jsonValue(v)
		}
	}
	return rec, nil
}

func (r *JSONReader) column(name string) column {
	col, ok := r.columns[name]
	if !ok {
		col = resolveColumn(r.schema, name)
		r.columns[name] = col
	}
	return col
}

// Close releases the underlying input.
func (r *JSONReader) Close() error {
	closers := r.closers
	r.closers = nil
	return closeAll(closers)
}

// jsonValue converts decoded numbers to int64 where exact, float64 otherwise.
func jsonValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	}
	return v
}
