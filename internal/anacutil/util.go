// Package anacutil holds small shared helpers used across every phase:
// timestamps, streaming SHA-256, filename sanitization and jittered sleeps.
// Each is ported from original_source/anacsync/utils.py, kept behaviorally
// identical since the Planner's dest_path determinism (spec.md invariant)
// depends on sanitize's exact character handling.
package anacutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Timestamp returns the current UTC time as RFC3339 with a literal "Z"
// suffix, matching the original's get_timestamp().
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// SHA256File streams a file's contents through SHA-256 in fixed 32KiB
// chunks, never holding the whole file in memory.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 32*1024)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var unsafeChars = `<>:"/\|?*`

// SafeFilename sanitizes name for use as a path component: characters in
// <>:"/\|?* become underscores, leading/trailing dots and spaces are
// trimmed, the result is clamped to 200 bytes while preserving the
// extension, and an empty result becomes "unnamed". This must match
// original_source/anacsync/utils.py's safe_filename exactly, since
// spec.md's Planner invariant requires dest_path to be deterministic from
// (dataset_slug, filename).
func SafeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(unsafeChars, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "unnamed"
	}
	const maxLen = 200
	if len(out) <= maxLen {
		return out
	}
	ext := filepath.Ext(out)
	if len(ext) >= maxLen {
		return out[:maxLen]
	}
	stem := out[:len(out)-len(ext)]
	keep := maxLen - len(ext)
	if keep < 0 {
		keep = 0
	}
	if keep > len(stem) {
		keep = len(stem)
	}
	return stem[:keep] + ext
}

// ExtractFilenameFromURL returns the last path segment of u, falling back to
// "unnamed" for an empty/trailing-slash URL.
func ExtractFilenameFromURL(u string) string {
	if i := strings.LastIndexAny(u, "/?"); i >= 0 && u[i] == '/' {
		u = u[i+1:]
	} else if idx := strings.Index(u, "?"); idx >= 0 {
		u = u[:idx]
		if i := strings.LastIndex(u, "/"); i >= 0 {
			u = u[i+1:]
		}
	}
	if u == "" {
		return "unnamed"
	}
	return u
}

// SleepWithJitter sleeps baseMS plus a uniform random delay in
// [0, maxJitterMS), honoring ctx cancellation. This mirrors
// sleep_with_jitter(delay_ms_min, delay_ms_max - delay_ms_min) in the
// original; jitter exists for politeness/load-spreading only, never for
// correctness (spec.md §9).
func SleepWithJitter(ctx context.Context, baseMS, maxJitterMS int) error {
	d := time.Duration(baseMS) * time.Millisecond
	if maxJitterMS > 0 {
		d += time.Duration(rand.Intn(maxJitterMS)) * time.Millisecond
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
