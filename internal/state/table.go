// Package state implements the append-only JSON-lines tables that back every
// catalog, inventory, plan and history record in anacsync. It is grounded on
// the teacher's sidecar.go (atomic temp-then-rename writes, pretty JSON with
// HTML escaping disabled) and downloader.go's SafeWriter (a mutex-guarded
// io.Writer shared across goroutines) — here generalized into a reusable
// generic table type instead of being duplicated per record kind.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Keyed is implemented by every record type stored in a Table so that
// ReadAllMap can index records by key without reflection.
type Keyed interface {
	Key() string
}

// Table is an append-only JSON-lines file of records of type T, identified
// by T.Key(). Reads tolerate a corrupt or partial trailing line; writes are
// either append-one-with-fsync (for history-like streams) or atomic full
// replace (for tables that are rewritten wholesale after a scan).
type Table[T Keyed] struct {
	mu   sync.Mutex
	path string
}

// NewTable returns a Table backed by path, creating its parent directory.
func NewTable[T Keyed](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create table dir: %w", err)
	}
	return &Table[T]{path: path}, nil
}

// Path returns the backing file path.
func (t *Table[T]) Path() string { return t.path }

// ReadAll reads every decodable record in the table, in file order, silently
// dropping lines that fail to unmarshal (a partially-written trailing line,
// most commonly, after a crash mid-append).
func (t *Table[T]) ReadAll() ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", t.path, err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	// A scanner error (e.g. token too long) should not fail the whole read;
	// whatever was decoded so far is still returned.
	return out, nil
}

// ReadAllMap reads the table into a map keyed by T.Key(), last record wins.
func (t *Table[T]) ReadAllMap() (map[string]T, error) {
	recs, err := t.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(recs))
	for _, r := range recs {
		out[r.Key()] = r
	}
	return out, nil
}

// Append writes one record with O_APPEND semantics, flushing and fsyncing
// before returning so a crash immediately after Append never loses the
// record nor corrupts a neighboring one.
func (t *Table[T]) Append(rec T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("state: marshal record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("state: open %s for append: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("state: append write: %w", err)
	}
	return f.Sync()
}

// ReplaceAll atomically rewrites the whole table: write path+".tmp", flush,
// fsync, then rename over path. Used after a full rescan (Inventory) or
// after the Sorter updates in-memory records at the end of a batch.
func (t *Table[T]) ReplaceAll(recs []T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeAtomic(t.path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// AtomicWriteJSON pretty-prints v as JSON to path via the same
// temp-then-rename discipline as ReplaceAll, for one-off files like a
// sidecar or the audit manifest that are not append-only tables.
func AtomicWriteJSON(path string, v any) error {
	return writeAtomic(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// AtomicWrite writes arbitrary bytes to path via temp-then-rename.
func AtomicWrite(path string, data []byte) error {
	return writeAtomic(path, func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(path string, write func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("state: create %s: %w", tmp, err)
	}
	bw := bufio.NewWriter(f)
	werr := write(bw)
	if werr == nil {
		werr = bw.Flush()
	}
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: write %s: %w", tmp, werr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals a single JSON file written by AtomicWriteJSON
// (or a sidecar). Returns os.ErrNotExist unchanged if the file is absent.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
