package state

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeRecord struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func (f fakeRecord) Key() string { return f.ID }

func TestTableAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.jsonl")
	tbl, err := NewTable[fakeRecord](path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Append(fakeRecord{ID: "a", Value: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Append(fakeRecord{ID: "b", Value: 2}); err != nil {
		t.Fatal(err)
	}
	recs, err := tbl.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestTableReadAllMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonl")
	tbl, err := NewTable[fakeRecord](path)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := tbl.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if recs != nil {
		t.Fatalf("expected nil records for missing file, got %+v", recs)
	}
}

func TestTableReadAllDropsCorruptTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.jsonl")
	tbl, err := NewTable[fakeRecord](path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Append(fakeRecord{ID: "good", Value: 1}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"trunc`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	recs, err := tbl.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "good" {
		t.Fatalf("expected only the good record to survive, got %+v", recs)
	}
}

func TestTableReadAllMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.jsonl")
	tbl, err := NewTable[fakeRecord](path)
	if err != nil {
		t.Fatal(err)
	}
	_ = tbl.Append(fakeRecord{ID: "a", Value: 1})
	_ = tbl.Append(fakeRecord{ID: "a", Value: 2})
	m, err := tbl.ReadAllMap()
	if err != nil {
		t.Fatal(err)
	}
	if got := m["a"].Value; got != 2 {
		t.Fatalf("last-record-wins failed: got value %d, want 2", got)
	}
}

func TestTableReplaceAllOverwritesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.jsonl")
	tbl, err := NewTable[fakeRecord](path)
	if err != nil {
		t.Fatal(err)
	}
	_ = tbl.Append(fakeRecord{ID: "stale", Value: 0})
	if err := tbl.ReplaceAll([]fakeRecord{{ID: "fresh", Value: 9}}); err != nil {
		t.Fatal(err)
	}
	recs, err := tbl.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "fresh" {
		t.Fatalf("ReplaceAll did not overwrite: %+v", recs)
	}
}

func TestAtomicWriteJSONAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	in := fakeRecord{ID: "x", Value: 7}
	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatal(err)
	}
	var out fakeRecord
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestAtomicWriteLeavesNoTempFileBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := AtomicWrite(path, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover .tmp file, stat err = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	var out fakeRecord
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}
