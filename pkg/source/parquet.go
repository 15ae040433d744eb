package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/olapcube/pkg/record"
)

// ParquetReader reads records from a Parquet file with a flat schema,
// one row group at a time.
type ParquetReader struct {
	file    *parquet.File
	columns []column
	closer  io.Closer

	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
	err          error
}

// OpenParquetFile opens a local Parquet file.
func OpenParquetFile(path string, schema record.Schema) (*ParquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat input: %w", err)
	}
	r, err := NewParquetReader(f, info.Size(), schema)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewParquetReader reads Parquet data from r. Every key column of the schema
// must be a top-level column of the file.
func NewParquetReader(r io.ReaderAt, size int64, schema record.Schema) (*ParquetReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	fields := file.Schema().Fields()
	columns := make([]column, len(fields))
	found := make(map[string]bool, len(schema.Keys))
	for i, f := range fields {
		columns[i] = resolveColumn(schema, f.Name())
		if columns[i].kind == columnKey {
			found[columns[i].name] = true
		}
	}
	for _, k := range schema.Keys {
		if !found[k.Name] {
			return nil, fmt.Errorf("parquet schema: %w %q", ErrMissingColumn, k.Name)
		}
	}

	return &ParquetReader{
		file:         file,
		columns:      columns,
		rowGroups:    file.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024),
	}, nil
}

// Next returns the next record. Null values are left out of the record.
func (r *ParquetReader) Next() (record.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		if r.bufIdx < r.bufLen {
			row := r.rowBuf[r.bufIdx]
			r.bufIdx++
			rec, err := r.toRecord(row)
			if err != nil {
				r.err = err
				return nil, err
			}
			return rec, nil
		}

		if r.currentRows != nil {
			n, err := r.currentRows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				r.err = fmt.Errorf("read parquet rows: %w", err)
				return nil, r.err
			}
			r.currentRows.Close()
			r.currentRows = nil
		}

		r.currentRGIdx++
		if r.currentRGIdx >= len(r.rowGroups) {
			r.err = io.EOF
			return nil, io.EOF
		}
		r.currentRows = r.rowGroups[r.currentRGIdx].Rows()
	}
}

func (r *ParquetReader) toRecord(row parquet.Row) (record.Record, error) {
	rec := make(record.Record, len(r.columns))
	for _, val := range row {
		idx := val.Column()
		if val.IsNull() || idx < 0 || idx >= len(r.columns) {
			continue
		}
		col := r.columns[idx]
		switch col.kind {
		case columnKey:
			v, err := convertKey(col.key, parquetValue(val))
			if err != nil {
				return nil, fmt.Errorf("parquet column %q: %w", col.name, err)
			}
			rec[col.name] = v
		case columnField:
			rec[col.name] = parquetValue(val)
		}
	}
	return rec, nil
}

func parquetValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

// Close releases the row reader and the file.
func (r *ParquetReader) Close() error {
	if r.currentRows != nil {
		r.currentRows.Close()
		r.currentRows = nil
	}
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}
