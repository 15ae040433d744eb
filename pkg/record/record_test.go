package record

import (
	"errors"
	"math"
	"testing"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

func testSchema() Schema {
	return Schema{
		Keys: []KeyField{{Name: "date", Type: KeyDate}, {Name: "site", Type: KeyInt}},
		Fields: []Field{
			MustField("clicks", ReducerSum),
			MustField("visits", ReducerCount),
			MustField("lo", ReducerMin),
			MustField("hi", ReducerMax),
			MustField("ids", ReducerList),
			MustField("label", ReducerLast),
		},
	}
}

func TestReducerCreateAccumulate(t *testing.T) {
	r, err := NewReducer(testSchema(), nil)
	if err != nil {
		t.Fatalf("NewReducer: %v", err)
	}

	in := []Record{
		{"date": primarykey.Date(1), "site": 1, "clicks": 3, "visits": "x", "lo": 5, "hi": 5, "ids": int64(10), "label": "a"},
		{"date": primarykey.Date(1), "site": 1, "clicks": 4, "visits": "y", "lo": 2, "hi": 9, "ids": int64(11), "label": "b"},
		{"date": primarykey.Date(1), "site": 1, "clicks": 1.5, "lo": 7, "hi": 1, "ids": int64(12)},
	}

	acc := r.Create(in[0])
	for _, rec := range in[1:] {
		r.Accumulate(acc, rec)
	}

	if acc["clicks"] != 8.5 {
		t.Errorf("clicks = %v, want 8.5", acc["clicks"])
	}
	if acc["visits"] != int64(2) {
		t.Errorf("visits = %v, want 2", acc["visits"])
	}
	if acc["lo"] != int64(2) {
		t.Errorf("lo = %v, want 2", acc["lo"])
	}
	if acc["hi"] != int64(9) {
		t.Errorf("hi = %v, want 9", acc["hi"])
	}
	if acc["label"] != "b" {
		t.Errorf("label = %v, want b", acc["label"])
	}
	ids, ok := acc["ids"].([]any)
	if !ok || len(ids) != 3 {
		t.Errorf("ids = %v, want 3 values", acc["ids"])
	}
	if acc["date"] != primarykey.Date(1) || acc["site"] != 1 {
		t.Errorf("keys not carried: %v", acc)
	}
}

func TestSumAcceptsEveryIntegerKind(t *testing.T) {
	r, err := NewReducer(testSchema(), []string{"clicks", "hi"})
	if err != nil {
		t.Fatalf("NewReducer: %v", err)
	}

	acc := r.Create(Record{"clicks": int8(1), "hi": int16(4)})
	for _, v := range []any{int16(2), uint8(3), uint16(4), uint(5), int32(6), uint64(7)} {
		r.Accumulate(acc, Record{"clicks": v, "hi": v})
	}
	if acc["clicks"] != int64(28) {
		t.Errorf("clicks = %v (%T), want int64 28", acc["clicks"], acc["clicks"])
	}
	if acc["hi"] != int64(7) {
		t.Errorf("hi = %v (%T), want int64 7", acc["hi"], acc["hi"])
	}

	big := r.Create(Record{"clicks": uint64(math.MaxUint64)})
	if _, ok := big["clicks"].(float64); !ok {
		t.Errorf("clicks beyond int64 = %T, want float64", big["clicks"])
	}
}

func TestReducerMergeHeterogeneousFields(t *testing.T) {
	r, err := NewReducer(testSchema(), []string{"clicks", "ids"})
	if err != nil {
		t.Fatalf("NewReducer: %v", err)
	}

	a := Record{"date": primarykey.Date(1), "site": int64(1), "clicks": int64(3)}
	b := Record{"date": primarykey.Date(1), "site": int64(1), "ids": []any{int64(1)}}
	c := Record{"date": primarykey.Date(1), "site": int64(1), "clicks": int64(2), "ids": []any{int64(2)}}

	acc := r.Start(a)
	r.Merge(acc, b)
	r.Merge(acc, c)

	if acc["clicks"] != int64(5) {
		t.Errorf("clicks = %v, want 5", acc["clicks"])
	}
	want := []any{int64(1), int64(2)}
	if !Equal(Record{"ids": acc["ids"]}, Record{"ids": want}) {
		t.Errorf("ids = %v, want %v", acc["ids"], want)
	}

	// Merging must not alias the inputs.
	if got := b["ids"].([]any); len(got) != 1 {
		t.Errorf("input list mutated: %v", got)
	}
}

func TestNewReducerUnknownField(t *testing.T) {
	if _, err := NewReducer(testSchema(), []string{"nope"}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestKeyExtractor(t *testing.T) {
	kf := KeyExtractor([]string{"date", "site"})
	k := kf(Record{"date": primarykey.Date(3), "site": 7, "clicks": 1})
	if !k.Equal(primarykey.Of(primarykey.Date(3), 7)) {
		t.Errorf("key = %v", k)
	}

	back := FromKey([]string{"date", "site"}, k)
	if back["site"] != int64(7) {
		t.Errorf("FromKey site = %v", back["site"])
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{"valid", testSchema(), false},
		{"no keys", Schema{Fields: []Field{MustField("a", ReducerSum)}}, true},
		{"duplicate", Schema{Keys: []KeyField{{Name: "a"}}, Fields: []Field{MustField("a", ReducerSum)}}, true},
		{"missing reducer", Schema{Keys: []KeyField{{Name: "a"}}, Fields: []Field{{Name: "b"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyTypeParse(t *testing.T) {
	v, err := KeyDate.Parse("1970-01-02")
	if err != nil || v != primarykey.Date(1) {
		t.Errorf("date parse = %v, %v", v, err)
	}
	v, err = KeyInt.Parse("42")
	if err != nil || v != int64(42) {
		t.Errorf("int parse = %v, %v", v, err)
	}
	if _, err := KeyInt.Parse("x"); err == nil {
		t.Error("expected int parse error")
	}
}

func TestKeyTypeCoerce(t *testing.T) {
	tests := []struct {
		typ     KeyType
		in      any
		want    any
		wantErr bool
	}{
		{KeyInt, 3, int64(3), false},
		{KeyInt, uint16(3), int64(3), false},
		{KeyInt, 4.0, int64(4), false},
		{KeyInt, 4.5, nil, true},
		{KeyInt, "4", nil, true},
		{KeyFloat, 2, 2.0, false},
		{KeyFloat, float32(1.5), 1.5, false},
		{KeyFloat, true, nil, true},
		{KeyString, "a", "a", false},
		{KeyString, 1, nil, true},
		{KeyDate, "1970-01-03", primarykey.Date(2), false},
		{KeyDate, primarykey.Date(9), primarykey.Date(9), false},
		{KeyDate, int64(2), nil, true},
		{KeyDate, "yesterday", nil, true},
		{KeyBool, true, true, false},
		{KeyBool, 1, nil, true},
		{"", int32(7), int64(7), false},
		{KeyInt, uint64(math.MaxUint64), nil, true},
	}
	for _, tt := range tests {
		got, err := tt.typ.Coerce(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrKeyType) {
				t.Errorf("%s.Coerce(%#v) error = %v, want ErrKeyType", tt.typ, tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s.Coerce(%#v) = %#v, %v; want %#v", tt.typ, tt.in, got, err, tt.want)
		}
	}
}
