package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/fileutil"
	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// ParquetStore writes each chunk as a flat Parquet file with one optional
// column per record column. Column types are inferred from the values when
// the writer closes. Lists and columns mixing value types are rejected with
// ErrUnsupportedType. Absent and nil values both read back as absent.
type ParquetStore struct {
	dir string
}

// NewParquetStore creates dir if needed.
func NewParquetStore(dir string) (*ParquetStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(dir); err != nil {
		return nil, err
	}
	return &ParquetStore{dir: dir}, nil
}

// Path returns the file path of a chunk.
func (s *ParquetStore) Path(id chunk.ID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.parquet", id))
}

type parquetWriter struct {
	id   chunk.ID
	path string
	recs []record.Record
	done bool
}

func (s *ParquetStore) OpenWriter(_ context.Context, id chunk.ID) (Writer, error) {
	return &parquetWriter{id: id, path: s.Path(id)}, nil
}

func (w *parquetWriter) Write(r record.Record) error {
	norm := make(record.Record, len(r))
	for name, v := range r {
		if v == nil {
			continue
		}
		nv, err := primarykey.Normalize(v)
		if err != nil {
			return fmt.Errorf("column %q %T: %w", name, v, ErrUnsupportedType)
		}
		norm[name] = nv
	}
	w.recs = append(w.recs, norm)
	return nil
}

// columnNode maps a normalized value to its Parquet leaf type.
func columnNode(v any) (parquet.Node, bool) {
	switch v.(type) {
	case int64:
		return parquet.Int(64), true
	case float64:
		return parquet.Leaf(parquet.DoubleType), true
	case string:
		return parquet.String(), true
	case bool:
		return parquet.Leaf(parquet.BooleanType), true
	case primarykey.Date:
		return parquet.Date(), true
	}
	return nil, false
}

func columnValue(v any) parquet.Value {
	switch x := v.(type) {
	case int64:
		return parquet.Int64Value(x)
	case float64:
		return parquet.DoubleValue(x)
	case string:
		return parquet.ByteArrayValue([]byte(x))
	case bool:
		return parquet.BooleanValue(x)
	case primarykey.Date:
		return parquet.Int32Value(int32(x))
	}
	return parquet.NullValue()
}

// schemaOf infers a schema covering every column in recs.
func schemaOf(recs []record.Record) (*parquet.Schema, error) {
	kinds := make(map[string]string)
	group := parquet.Group{}
	for _, r := range recs {
		for name, v := range r {
			kind := fmt.Sprintf("%T", v)
			if prev, ok := kinds[name]; ok {
				if prev != kind {
					return nil, fmt.Errorf("column %q mixes %s and %s: %w", name, prev, kind, ErrUnsupportedType)
				}
				continue
			}
			node, ok := columnNode(v)
			if !ok {
				return nil, fmt.Errorf("column %q %s: %w", name, kind, ErrUnsupportedType)
			}
			kinds[name] = kind
			group[name] = parquet.Optional(node)
		}
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("chunk has no columns: %w", ErrUnsupportedType)
	}
	return parquet.NewSchema("chunk", group), nil
}

func (w *parquetWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	schema, err := schemaOf(w.recs)
	if err != nil {
		return err
	}
	fields := schema.Fields()

	rows := make([]parquet.Row, len(w.recs))
	for i, r := range w.recs {
		row := make(parquet.Row, len(fields))
		for col, f := range fields {
			v, ok := r[f.Name()]
			if !ok {
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			row[col] = columnValue(v).Level(0, 1, col)
		}
		rows[i] = row
	}
	w.recs = nil

	f, err := fileutil.CreateAtomic(w.path)
	if err != nil {
		return IOError("create", w.id, err)
	}
	pw := parquet.NewWriter(f, schema)
	if _, err := pw.WriteRows(rows); err != nil {
		f.Abort()
		return IOError("write", w.id, err)
	}
	if err := pw.Close(); err != nil {
		f.Abort()
		return IOError("finish", w.id, err)
	}
	if err := f.Commit(); err != nil {
		return IOError("commit", w.id, err)
	}
	return nil
}

func (w *parquetWriter) Abort() error {
	w.done = true
	w.recs = nil
	return nil
}

// parquetReader streams rows group by group.
type parquetReader struct {
	id    chunk.ID
	file  *os.File
	names []string

	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
}

func (s *ParquetStore) OpenReader(_ context.Context, id chunk.ID) (Reader, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, IOError("open", id, ErrNotFound)
	}
	if err != nil {
		return nil, IOError("open", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, IOError("stat", id, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, IOError("open", id, fmt.Errorf("open parquet file: %w: %w", ErrCorrupt, err))
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name()
	}
	return &parquetReader{
		id:           id,
		file:         f,
		names:        names,
		rowGroups:    pf.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 256),
	}, nil
}

func (r *parquetReader) Next() (record.Record, error) {
	for {
		if r.bufIdx < r.bufLen {
			row := r.rowBuf[r.bufIdx]
			r.bufIdx++
			return r.toRecord(row), nil
		}

		if r.currentRows != nil {
			n, err := r.currentRows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, IOError("read", r.id, err)
			}
			r.currentRows.Close()
			r.currentRows = nil
		}

		r.currentRGIdx++
		if r.currentRGIdx >= len(r.rowGroups) {
			return nil, io.EOF
		}
		r.currentRows = r.rowGroups[r.currentRGIdx].Rows()
	}
}

func (r *parquetReader) toRecord(row parquet.Row) record.Record {
	rec := make(record.Record, len(r.names))
	for _, val := range row {
		if val.IsNull() {
			continue
		}
		name := r.names[val.Column()]
		switch val.Kind() {
		case parquet.Int64:
			rec[name] = val.Int64()
		case parquet.Int32:
			rec[name] = primarykey.Date(val.Int32())
		case parquet.Double:
			rec[name] = val.Double()
		case parquet.Boolean:
			rec[name] = val.Boolean()
		case parquet.ByteArray:
			rec[name] = string(val.ByteArray())
		}
	}
	return rec
}

func (r *parquetReader) Close() error {
	if r.currentRows != nil {
		r.currentRows.Close()
		r.currentRows = nil
	}
	if r.file != nil {
		f := r.file
		r.file = nil
		return f.Close()
	}
	return nil
}

func (s *ParquetStore) Delete(_ context.Context, id chunk.ID) error {
	err := os.Remove(s.Path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return IOError("delete", id, err)
	}
	return nil
}
