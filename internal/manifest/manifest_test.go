package manifest

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestHashFileMatchesSHA256AndIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	if err := os.WriteFile(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, n1, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h2, n2, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || n1 != n2 {
		t.Fatal("hashFile is not deterministic across repeated calls")
	}
	if len(h1.SHA256) != 64 || len(h1.Blake3) != 64 {
		t.Fatalf("unexpected digest lengths: sha256=%d blake3=%d", len(h1.SHA256), len(h1.Blake3))
	}

	want := sha3.Sum256([]byte(`{"ok":true}`))
	if h1.SHA3_256 != hex.EncodeToString(want[:]) {
		t.Fatalf("sha3_256 mismatch: got %q want %q", h1.SHA3_256, hex.EncodeToString(want[:]))
	}
}

func TestUint64ToBytesRoundTripsBigEndian(t *testing.T) {
	got := uint64ToBytes(0x0102030405060708)
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		t.Fatalf("uint64ToBytes = %x, want %x", got, want)
	}
}

func TestBuildWalksAndFiltersByExtension(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.json"), "{}")
	mustWrite(t, filepath.Join(root, "b.csv"), "x,y")
	mustWrite(t, filepath.Join(root, "skip.txt"), "nope")

	m, err := Build(root, map[string]bool{".json": true, ".csv": true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalFiles != 2 {
		t.Fatalf("expected 2 files, got %d: %+v", m.TotalFiles, m.Files)
	}
	var sawJSON, sawCSV bool
	for _, e := range m.Files {
		switch e.Path {
		case "a.json":
			sawJSON = true
		case "b.csv":
			sawCSV = true
		}
		if e.Hashes.SHA256 == "" {
			t.Fatalf("entry %q missing sha256", e.Path)
		}
	}
	if !sawJSON || !sawCSV {
		t.Fatalf("expected both a.json and b.csv in manifest: %+v", m.Files)
	}
}

func TestBuildNilExtensionsIncludesEverything(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "any.bin"), "data")
	m, err := Build(root, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalFiles != 1 {
		t.Fatalf("expected nil extensions to include every file, got %d", m.TotalFiles)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
