package anacutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSafeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.csv", "report.csv"},
		{`bad<name>:"file"/\|?*.json`, "bad_name___file______.json"},
		{"  ..leading-trailing..  ", "leading-trailing"},
		{"", "unnamed"},
		{"...", "unnamed"},
	}
	for _, c := range cases {
		if got := SafeFilename(c.in); got != c.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSafeFilenameClampsLengthPreservingExtension(t *testing.T) {
	long := strings.Repeat("a", 250) + ".json"
	got := SafeFilename(long)
	if len(got) != 200 {
		t.Fatalf("clamped length = %d, want 200", len(got))
	}
	if !strings.HasSuffix(got, ".json") {
		t.Fatalf("clamped name lost its extension: %q", got)
	}
}

func TestExtractFilenameFromURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://dati.anticorruzione.it/data/export.json", "export.json"},
		{"https://dati.anticorruzione.it/data/export.json?rev=2", "export.json"},
		{"https://dati.anticorruzione.it/data/", "unnamed"},
		{"https://dati.anticorruzione.it/data", "data"},
	}
	for _, c := range cases {
		if got := ExtractFilenameFromURL(c.in); got != c.want {
			t.Errorf("ExtractFilenameFromURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte("hello anac"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := SHA256File(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 64 {
		t.Fatalf("SHA256File returned %d hex chars, want 64", len(sum))
	}
	sum2, err := SHA256File(path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != sum2 {
		t.Fatalf("SHA256File not deterministic: %q != %q", sum, sum2)
	}
}

func TestSleepWithJitterHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithJitter(ctx, 5000, 0); err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestSleepWithJitterReturnsAfterBase(t *testing.T) {
	start := time.Now()
	if err := SleepWithJitter(context.Background(), 10, 0); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("returned before base delay elapsed")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("EnsureDir did not create %q", dir)
	}
}
