package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

var testSchema = record.Schema{
	Keys: []record.KeyField{
		{Name: "day", Type: record.KeyDate},
		{Name: "site", Type: record.KeyInt},
	},
	Fields: []record.Field{
		record.MustField("clicks", record.ReducerSum),
		record.MustField("user", record.ReducerList),
	},
}

func mustDate(t *testing.T, s string) primarykey.Date {
	t.Helper()
	d, err := primarykey.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func collect(t *testing.T, it stream.Iterator) []record.Record {
	t.Helper()
	recs, err := stream.Collect(it)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	return recs
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		want Format
		err  bool
	}{
		{"events.csv", FormatCSV, false},
		{"events.CSV.gz", FormatCSV, false},
		{"events.ndjson", FormatJSON, false},
		{"dir/events.jsonl.gz", FormatJSON, false},
		{"events.parquet", FormatParquet, false},
		{"events", "", true},
		{"events.xlsx", "", true},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.name)
		if (err != nil) != tt.err {
			t.Errorf("DetectFormat(%q) error = %v, want error %v", tt.name, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCSVReader(t *testing.T) {
	csv := " Day ,SITE,clicks,referrer,user\n" +
		"2024-01-02,7,3,google,ann\n" +
		"2024-01-03,8,,bing,\n" +
		"\n" +
		"2024-01-04,9,2.5\n"
	r, err := NewCSVReader(strings.NewReader(csv), testSchema)
	if err != nil {
		t.Fatalf("NewCSVReader failed: %v", err)
	}
	got := collect(t, r)

	want := []record.Record{
		{"day": mustDate(t, "2024-01-02"), "site": int64(7), "clicks": int64(3), "user": "ann"},
		{"day": mustDate(t, "2024-01-03"), "site": int64(8)},
		{"day": mustDate(t, "2024-01-04"), "site": int64(9), "clicks": 2.5},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !record.Equal(got[i], want[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCSVReaderMissingKeyColumn(t *testing.T) {
	_, err := NewCSVReader(strings.NewReader("day,clicks\n2024-01-02,1\n"), testSchema)
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("expected ErrMissingColumn, got %v", err)
	}
	if !strings.Contains(err.Error(), "site") {
		t.Errorf("error should name the column: %v", err)
	}

	_, err = NewCSVReader(strings.NewReader(""), testSchema)
	if err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestCSVReaderInvalidKey(t *testing.T) {
	r, err := NewCSVReader(strings.NewReader("day,site\n2024-01-02,x\n2024-01-03,1\n"), testSchema)
	if err != nil {
		t.Fatalf("NewCSVReader failed: %v", err)
	}
	_, err = r.Next()
	if err == nil {
		t.Fatal("expected error for non-integer site")
	}
	if !strings.Contains(err.Error(), "row 2") {
		t.Errorf("error should name the row: %v", err)
	}
	if _, err2 := r.Next(); err2 != err {
		t.Errorf("error must be sticky, got %v then %v", err, err2)
	}
}

func TestOpenFileCSVGZ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	fmt.Fprint(gz, "day,site,clicks\n2024-01-02,1,5\n2024-01-02,2,6\n")
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	it, err := OpenFile(path, "", testSchema)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	got := collect(t, it)
	if len(got) != 2 || got[1]["clicks"] != int64(6) {
		t.Errorf("got %v", got)
	}
	if err := it.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenFile(filepath.Join(dir, "missing.csv"), "", testSchema); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := OpenFile(filepath.Join(dir, "events.txt"), "", testSchema); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}

	bad := filepath.Join(dir, "bad.csv.gz")
	if err := os.WriteFile(bad, []byte("not gzip"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenFile(bad, "", testSchema); err == nil {
		t.Error("expected error for invalid gzip")
	}
}

func TestJSONReader(t *testing.T) {
	input := `{"day": "2024-01-02", "site": 7, "clicks": 3, "user": "ann", "extra": true}
{"day": "2024-01-02", "site": "8", "clicks": 1.5, "user": null}
{"day": 19724, "site": 9, "user": ["a", "b"]}
`
	got := collect(t, NewJSONReader(strings.NewReader(input), testSchema))
	want := []record.Record{
		{"day": mustDate(t, "2024-01-02"), "site": int64(7), "clicks": int64(3), "user": "ann"},
		{"day": mustDate(t, "2024-01-02"), "site": int64(8), "clicks": 1.5},
		{"day": primarykey.Date(19724), "site": int64(9), "user": []any{"a", "b"}},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !record.Equal(got[i], want[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestJSONReaderErrors(t *testing.T) {
	r := NewJSONReader(strings.NewReader(`{"day": "2024-01-02", "site": 1.5}`), testSchema)
	if _, err := r.Next(); err == nil {
		t.Error("expected error for fractional int key")
	}

	r = NewJSONReader(strings.NewReader(`{"day": "2024-01-02", "site": 1} {"day"`), testSchema)
	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	_, err := r.Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected decode error, got %v", err)
	}
}

type parquetEvent struct {
	Day    string `parquet:"day"`
	Site   int32  `parquet:"site"`
	Clicks int64  `parquet:"clicks"`
	Note   string `parquet:"note"`
}

func TestParquetReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	rows := []parquetEvent{
		{Day: "2024-01-02", Site: 1, Clicks: 10, Note: "x"},
		{Day: "2024-01-02", Site: 2, Clicks: 20, Note: "y"},
		{Day: "2024-01-03", Site: 1, Clicks: 30, Note: "z"},
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	it, err := OpenFile(path, "", testSchema)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer it.Close()
	got := collect(t, it)
	if len(got) != len(rows) {
		t.Fatalf("got %d records, want %d", len(got), len(rows))
	}
	for i, row := range rows {
		want := record.Record{"day": mustDate(t, row.Day), "site": int64(row.Site), "clicks": row.Clicks}
		if !record.Equal(got[i], want) {
			t.Errorf("record %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestParquetReaderMissingKey(t *testing.T) {
	type partial struct {
		Day string `parquet:"day"`
	}
	path := filepath.Join(t.TempDir(), "partial.parquet")
	if err := parquet.WriteFile(path, []partial{{Day: "2024-01-02"}}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := OpenParquetFile(path, testSchema); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri         string
		bucket, key string
		err         bool
	}{
		{"s3://bucket/events/2024.csv", "bucket", "events/2024.csv", false},
		{"s3://bucket/a.parquet", "bucket", "a.parquet", false},
		{"s3://bucket", "", "", true},
		{"s3:///key", "", "", true},
		{"/local/file.csv", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URI(tt.uri)
		if (err != nil) != tt.err {
			t.Errorf("ParseS3URI(%q) error = %v, want error %v", tt.uri, err, tt.err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URI(%q) = %q, %q, want %q, %q", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}
}

// fakeS3 serves objects from memory, ignoring ranges.
type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	n := int64(len(data))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(n),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", n-1, n)),
	}, nil
}

func TestFetcher(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"in/a/events.csv": []byte("day,site,clicks\n2024-01-02,1,5\n"),
		"in/b/events.csv": []byte("day,site,clicks\n2024-01-03,2,6\n"),
	}}
	f := NewFetcher(client, FetchConfig{Dir: filepath.Join(t.TempDir(), "dl")})

	paths, err := f.Fetch(context.Background(), []string{"s3://in/a/events.csv", "s3://in/b/events.csv"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Fatalf("paths = %v", paths)
	}
	for i, p := range paths {
		it, err := OpenFile(p, "", testSchema)
		if err != nil {
			t.Fatalf("OpenFile(%s): %v", p, err)
		}
		got := collect(t, it)
		if len(got) != 1 || got[0]["site"] != int64(i+1) {
			t.Errorf("file %d: got %v", i, got)
		}
	}

	if _, err := f.Fetch(context.Background(), []string{"s3://in/missing.csv"}); err == nil {
		t.Error("expected error for missing object")
	}
	if _, err := f.Fetch(context.Background(), []string{"s3://in"}); err == nil {
		t.Error("expected error for URI without key")
	}
}
