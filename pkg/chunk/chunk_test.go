package chunk

import (
	"testing"

	"github.com/eunmann/olapcube/pkg/primarykey"
)

func TestNewSortsFields(t *testing.T) {
	c := New(1, []string{"b", "a", "b"}, primarykey.Of(1), primarykey.Of(2), 2)
	if len(c.Fields) != 2 || c.Fields[0] != "a" || c.Fields[1] != "b" {
		t.Errorf("expected [a b], got %v", c.Fields)
	}
	if !c.HasField("a") || c.HasField("c") {
		t.Errorf("HasField mismatch for %v", c.Fields)
	}
	if !c.HasAnyField([]string{"x", "b"}) || c.HasAnyField([]string{"x"}) {
		t.Errorf("HasAnyField mismatch for %v", c.Fields)
	}
}

func TestSortByMinKey(t *testing.T) {
	chunks := []*Chunk{
		New(3, nil, primarykey.Of(5), primarykey.Of(6), 1),
		New(2, nil, primarykey.Of(1), primarykey.Of(9), 1),
		New(1, nil, primarykey.Of(5), primarykey.Of(5), 1),
	}
	SortByMinKey(chunks)

	want := []ID{2, 1, 3}
	for i, c := range chunks {
		if c.ID != want[i] {
			t.Errorf("position %d: expected chunk %d, got %d", i, want[i], c.ID)
		}
	}
	if MaxID(chunks) != 3 {
		t.Errorf("expected max id 3, got %d", MaxID(chunks))
	}
}

func TestContains(t *testing.T) {
	c := New(1, nil, primarykey.Of(2, "a"), primarykey.Of(4, "b"), 3)
	if !c.Contains(primarykey.Of(3, "z")) {
		t.Error("expected key inside bounds")
	}
	if c.Contains(primarykey.Of(4, "c")) {
		t.Error("expected key above bounds")
	}
}
