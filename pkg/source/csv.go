package source

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/eunmann/olapcube/pkg/record"
)

// CSVReader reads records from CSV with a header row.
type CSVReader struct {
	csv     *csv.Reader
	columns []column
	row     int
	err     error
	closers []func() error
}

// NewCSVReader reads the header from r and maps its columns to the schema.
// Every key column must be present in the header.
func NewCSVReader(r io.Reader, schema record.Schema) (*CSVReader, error) {
	csvr := csv.NewReader(r)
	csvr.ReuseRecord = true
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true

	header, err := csvr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty CSV: missing header")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	columns := make([]column, len(header))
	found := make(map[string]bool, len(schema.Keys))
	for i, name := range header {
		columns[i] = resolveColumn(schema, name)
		if columns[i].kind == columnKey {
			found[columns[i].name] = true
		}
	}
	for _, k := range schema.Keys {
		if !found[k.Name] {
			return nil, fmt.Errorf("CSV header: %w %q", ErrMissingColumn, k.Name)
		}
	}
	return &CSVReader{csv: csvr, columns: columns, row: 1}, nil
}

// Next returns the next record. Empty field cells are left out of the record.
func (r *CSVReader) Next() (record.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		cells, err := r.csv.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = fmt.Errorf("read CSV row: %w", err)
			}
			r.err = err
			return nil, err
		}
		r.row++
		if len(cells) == 1 && strings.TrimSpace(cells[0]) == "" {
			continue
		}

		rec := make(record.Record, len(r.columns))
		for i, col := range r.columns {
			if i >= len(cells) || col.kind == columnSkip {
				continue
			}
			cell := cells[i]
			switch col.kind {
			case columnKey:
				v, err := convertKey(col.key, cell)
				if err != nil {
					r.err = fmt.Errorf("CSV row %d column %q: %w", r.row, col.name, err)
					return nil, r.err
				}
				rec[col.name] = v
			case columnField:
				if cell = strings.TrimSpace(cell); cell != "" {
					rec[col.name] = parseCell(cell)
				}
			}
		}
		return rec, nil
	}
}

// Close releases the underlying input.
func (r *CSVReader) Close() error {
	closers := r.closers
	r.closers = nil
	return closeAll(closers)
}

// decompressReader wraps r with gzip decompression if name ends in .gz.
// The returned closer is nil when no wrapper was added.
func decompressReader(r io.Reader, name string) (io.Reader, func() error, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".gz") {
		return r, nil, nil
	}
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("create gzip reader: %w", err)
	}
	return gzr, gzr.Close, nil
}
