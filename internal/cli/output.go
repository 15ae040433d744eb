package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// Output formats for query results.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputCSV   = "csv"
)

type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, header ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
	fmt.Fprintln(t.tw, strings.Join(header, "\t"))
	return t
}

func (t *table) row(cells ...any) {
	s := make([]string, len(cells))
	for i, c := range cells {
		s[i] = formatValue(c)
	}
	fmt.Fprintln(t.tw, strings.Join(s, "\t"))
}

func (t *table) flush() error {
	return t.tw.Flush()
}

// formatValue renders a value for text output. Absent values print as "-".
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	case []any:
		s := make([]string, len(x))
		for i, e := range x {
			s[i] = formatValue(e)
		}
		return "[" + strings.Join(s, " ") + "]"
	case primarykey.Key:
		return x.String()
	}
	return fmt.Sprint(v)
}

// jsonValue converts key types without a JSON form to strings.
func jsonValue(v any) any {
	switch x := v.(type) {
	case primarykey.Date:
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

// recordWriter writes query results in one output format.
type recordWriter interface {
	Write(rec record.Record) error
	Flush() error
}

func newRecordWriter(w io.Writer, format string, columns []string) (recordWriter, error) {
	switch format {
	case outputTable:
		return &tableRecords{t: newTable(w, columns...), columns: columns}, nil
	case outputJSON:
		return &jsonRecords{enc: json.NewEncoder(w), columns: columns}, nil
	case outputCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(columns); err != nil {
			return nil, err
		}
		return &csvRecords{w: cw, columns: columns}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want table, json or csv)", format)
}

type tableRecords struct {
	t       *table
	columns []string
}

func (t *tableRecords) Write(rec record.Record) error {
	cells := make([]any, len(t.columns))
	for i, c := range t.columns {
		cells[i] = rec[c]
	}
	t.t.row(cells...)
	return nil
}

func (t *tableRecords) Flush() error { return t.t.flush() }

type jsonRecords struct {
	enc     *json.Encoder
	columns []string
}

func (j *jsonRecords) Write(rec record.Record) error {
	out := make(map[string]any, len(rec))
	for _, c := range j.columns {
		if v, ok := rec[c]; ok {
			out[c] = jsonValue(v)
		}
	}
	return j.enc.Encode(out)
}

func (j *jsonRecords) Flush() error { return nil }

type csvRecords struct {
	w       *csv.Writer
	columns []string
}

func (c *csvRecords) Write(rec record.Record) error {
	row := make([]string, len(c.columns))
	for i, col := range c.columns {
		if v, ok := rec[col]; ok {
			row[i] = formatValue(v)
		}
	}
	return c.w.Write(row)
}

func (c *csvRecords) Flush() error {
	c.w.Flush()
	return c.w.Error()
}
