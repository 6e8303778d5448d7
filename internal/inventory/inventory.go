// Package inventory implements the Inventory component: a content-addressed
// survey of the local filesystem tree, ported from
// original_source/anacsync/inventory.py.
package inventory

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/APTlantis/anacsync/internal/anacutil"
	"github.com/APTlantis/anacsync/internal/catalog"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/state"
)

// DefaultExtensions is the Inventory's own extension filter, independently
// configurable from the Sorter's wider set per spec.md §9 Open Question 2.
var DefaultExtensions = map[string]bool{".json": true, ".ndjson": true}

// slugPatterns are heuristics for extracting a dataset slug from a bare file
// path when no sidecar or catalog cross-reference is available, ported
// verbatim from extract_dataset_slug_from_path.
var slugPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ocds-appalti-ordinari-(\d{4})`),
	regexp.MustCompile(`(?i)ocds-appalti-(\d{4})`),
	regexp.MustCompile(`(?i)appalti-ordinari-(\d{4})`),
	regexp.MustCompile(`(?i)stazioni-appaltanti`),
	regexp.MustCompile(`(?i)subappalti`),
	regexp.MustCompile(`(?i)aggiudicazioni`),
	regexp.MustCompile(`(?i)contratti`),
}

var uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// Stats summarizes one scan invocation.
type Stats struct {
	FilesScanned int
	FilesFound   int
	FilesNew     int
	FilesUpdated int
	FilesRemoved int
}

// Scanner walks a root directory and maintains the LocalFile table.
type Scanner struct {
	root       string
	table      *state.Table[model.LocalFile]
	extensions map[string]bool
	cat        *catalog.Catalog // optional, for catalog cross-reference
}

// New builds a Scanner. extensions may be nil to use DefaultExtensions.
func New(root string, table *state.Table[model.LocalFile], extensions map[string]bool, cat *catalog.Catalog) *Scanner {
	if extensions == nil {
		extensions = DefaultExtensions
	}
	return &Scanner{root: root, table: table, extensions: extensions, cat: cat}
}

func (s *Scanner) isSupported(path string) bool {
	return s.extensions[strings.ToLower(filepath.Ext(path))]
}

// sidecarMeta is the subset of Sidecar fields the inventory needs to
// reconcile identity with.
type sidecarMeta struct {
	DatasetSlug string `json:"dataset_slug"`
	URL         string `json:"url"`
}

func loadSidecar(path string) (*sidecarMeta, bool) {
	data, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil, false
	}
	var m sidecarMeta
	if json.Unmarshal(data, &m) != nil {
		return nil, false
	}
	return &m, true
}

// extractSlugFromPath applies the slug regex cascade, then a UUID pattern,
// then falls back to the sanitized filename stem, per
// extract_dataset_slug_from_path.
func extractSlugFromPath(path string) string {
	for _, re := range slugPatterns {
		if m := re.FindString(path); m != "" {
			return m
		}
	}
	if m := uuidPattern.FindString(path); m != "" {
		return m
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if len(stem) > 3 {
		return anacutil.SafeFilename(stem)
	}
	return ""
}

// reconcile determines (dataset_slug, url) for path: sidecar first, then a
// slug-pattern plus catalog cross-reference by filename substring, per
// spec.md §4.4.
func (s *Scanner) reconcile(path string) (slug, url *string) {
	if m, ok := loadSidecar(path); ok {
		return strOrNil(m.DatasetSlug), strOrNil(m.URL)
	}
	guessed := extractSlugFromPath(path)
	if guessed == "" {
		return nil, nil
	}
	if s.cat != nil {
		filename := filepath.Base(path)
		for _, r := range s.cat.AllResources() {
			if r.DatasetSlug != guessed {
				continue
			}
			if strings.Contains(filename, r.Name) || strings.Contains(r.Name, filename) {
				u := r.URL
				return &guessed, &u
			}
		}
	}
	return &guessed, nil
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ScanLocal walks root, (re)computing LocalFile records and tombstoning
// paths that have vanished, per spec.md §4.4's rescan policy.
func (s *Scanner) ScanLocal() (Stats, error) {
	var stats Stats
	existing, err := s.table.ReadAllMap()
	if err != nil {
		return stats, err
	}
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		if err := anacutil.EnsureDir(s.root); err != nil {
			return stats, err
		}
		return stats, nil
	}

	seen := map[string]bool{}
	out := make(map[string]model.LocalFile, len(existing))

	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // permission errors etc: skip, don't abort
		}
		if d.IsDir() || !s.isSupported(path) {
			return nil
		}
		stats.FilesScanned++

		info, err := d.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime().UTC().Format("2006-01-02T15:04:05.000000Z")
		seen[path] = true

		prior, had := existing[path]
		if had && prior.Size == info.Size() && prior.MTime == mtime {
			// Unchanged by cheap metadata; trust the stored hash.
			out[path] = prior
			stats.FilesFound++
			return nil
		}

		sum, err := anacutil.SHA256File(path)
		if err != nil {
			return nil
		}
		slug, url := s.reconcile(path)
		rec := model.LocalFile{Path: path, SHA256: sum, Size: info.Size(), MTime: mtime, DatasetSlug: slug, URL: url}
		out[path] = rec
		stats.FilesFound++
		if had {
			stats.FilesUpdated++
		} else {
			stats.FilesNew++
		}
		return nil
	})
	if walkErr != nil {
		return stats, walkErr
	}

	for path := range existing {
		if !seen[path] {
			stats.FilesRemoved++
		}
	}

	recs := make([]model.LocalFile, 0, len(out))
	for _, r := range out {
		recs = append(recs, r)
	}
	if err := s.table.ReplaceAll(recs); err != nil {
		return stats, err
	}
	return stats, nil
}

// FilesByDataset returns every LocalFile reconciled to slug. Supplemented
// from original_source's get_files_by_dataset.
func FilesByDataset(table *state.Table[model.LocalFile], slug string) ([]model.LocalFile, error) {
	all, err := table.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []model.LocalFile
	for _, r := range all {
		if r.DatasetSlug != nil && *r.DatasetSlug == slug {
			out = append(out, r)
		}
	}
	return out, nil
}

// OrphanedFiles returns every LocalFile with no reconciled dataset slug.
// Supplemented from original_source's get_orphaned_files.
func OrphanedFiles(table *state.Table[model.LocalFile]) ([]model.LocalFile, error) {
	all, err := table.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []model.LocalFile
	for _, r := range all {
		if r.DatasetSlug == nil || *r.DatasetSlug == "" {
			out = append(out, r)
		}
	}
	return out, nil
}
