// Package source reads raw input records for ingest from CSV, JSON and
// Parquet files, locally or from S3.
//
// Every reader is a stream.Iterator of record.Record. Key columns are
// converted to their declared schema type; field values keep the most
// specific type their text or encoding allows (int64, float64, bool or
// string). Columns that are neither keys nor fields of the schema are
// dropped.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// Format is an input file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

var (
	// ErrUnknownFormat is returned when the format cannot be derived from a name.
	ErrUnknownFormat = errors.New("unknown input format")
	// ErrMissingColumn is returned when an input lacks a key column.
	ErrMissingColumn = errors.New("missing key column")
)

// ParseFormat converts a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatJSON, FormatParquet:
		return f, nil
	case "ndjson", "jsonl":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// DetectFormat derives the format from a file name, ignoring a trailing .gz.
func DetectFormat(name string) (Format, error) {
	base := strings.TrimSuffix(strings.ToLower(name), ".gz")
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, name)
	}
	return ParseFormat(ext)
}

// OpenFile opens a local file as a record stream. An empty format is
// detected from the file name.
func OpenFile(path string, format Format, schema record.Schema) (stream.Iterator, error) {
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	switch format {
	case FormatParquet:
		return OpenParquetFile(path, schema)
	case FormatCSV, FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	r, closeFn, err := decompressReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	closers := []func() error{f.Close}
	if closeFn != nil {
		closers = append(closers, closeFn)
	}

	if format == FormatCSV {
		it, err := NewCSVReader(r, schema)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		it.closers = closers
		return it, nil
	}
	it := NewJSONReader(r, schema)
	it.closers = closers
	return it, nil
}

// closeAll runs closers in reverse order and returns the first error.
func closeAll(closers []func() error) error {
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// convertKey converts a decoded value to the key column's declared type.
func convertKey(kf record.KeyField, v any) (any, error) {
	switch x := v.(type) {
	case string:
		if kf.Type == record.KeyString {
			return x, nil
		}
		return kf.Type.Parse(strings.TrimSpace(x))
	case json.Number:
		switch kf.Type {
		case record.KeyInt:
			return x.Int64()
		case record.KeyFloat:
			return x.Float64()
		case record.KeyDate:
			n, err := x.Int64()
			return primarykey.Date(n), err
		}
		return kf.Type.Parse(x.String())
	case int32:
		if kf.Type == record.KeyDate {
			return primarykey.Date(x), nil
		}
	case int64:
		switch kf.Type {
		case record.KeyDate:
			return primarykey.Date(x), nil
		case record.KeyFloat:
			return float64(x), nil
		}
	}
	return primarykey.Normalize(v)
}

// parseCell returns the most specific value for a textual field cell.
func parseCell(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// columnKind classifies an input column against the schema.
type columnKind int

const (
	columnSkip columnKind = iota
	columnKey
	columnField
)

type column struct {
	name string
	kind columnKind
	key  record.KeyField
}

// resolveColumn matches an input column name against the schema, ignoring
// case and surrounding whitespace.
func resolveColumn(schema record.Schema, name string) column {
	name = strings.TrimSpace(name)
	for _, k := range schema.Keys {
		if strings.EqualFold(k.Name, name) {
			return column{name: k.Name, kind: columnKey, key: k}
		}
	}
	for _, f := range schema.Fields {
		if strings.EqualFold(f.Name, name) {
			return column{name: f.Name, kind: columnField}
		}
	}
	return column{name: name}
}
