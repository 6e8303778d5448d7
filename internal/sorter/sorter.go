// Package sorter implements the Sorter component: an ordered, rule-driven
// relocation pass over the root directory with a deliberately tiny
// condition DSL. Ported from original_source/anacsync/sorter.py, minus its
// unsafe eval() fallback for unrecognized condition forms — see
// SPEC_FULL.md §4.7 and DESIGN.md for why that fallback is not carried over.
package sorter

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/APTlantis/anacsync/internal/anacutil"
	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/state"
)

// DefaultExtensions is the Sorter's own, independently-configured extension
// set — wider than the Inventory's, per spec.md §9 Open Question 2.
var DefaultExtensions = map[string]bool{
	".json": true, ".ndjson": true, ".csv": true, ".xlsx": true, ".xml": true, ".zip": true,
}

// fileContext is the per-file field set exposed to rule conditions, per
// spec.md §4.7.
type fileContext struct {
	path, filename, stem, suffix, parent string
	size                                  int64
	datasetSlug, slug, url, sha256, mtime string
	format                                 string
}

func (c fileContext) field(name string) (string, bool) {
	switch name {
	case "path":
		return c.path, true
	case "filename":
		return c.filename, true
	case "stem":
		return c.stem, true
	case "suffix":
		return c.suffix, true
	case "parent":
		return c.parent, true
	case "size":
		return strconv.FormatInt(c.size, 10), true
	case "dataset_slug":
		return c.datasetSlug, true
	case "slug":
		return c.slug, true
	case "url":
		return c.url, true
	case "format":
		return c.format, true
	case "sha256":
		return c.sha256, true
	case "mtime":
		return c.mtime, true
	default:
		return "", false
	}
}

// evaluate parses and evaluates one of the four supported condition forms
// (or the true/false constants). An unrecognized form is a configuration
// error: logged once, treated as non-matching, never evaluated as a general
// expression.
func evaluate(condition string, ctx fileContext) bool {
	condition = strings.TrimSpace(condition)
	switch {
	case strings.Contains(condition, " matches "):
		field, pattern, ok := splitOperator(condition, " matches ")
		if !ok {
			return false
		}
		val, _ := ctx.field(field)
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			slog.Warn("sorter: invalid regex in rule", "pattern", pattern, "err", err)
			return false
		}
		return re.MatchString(val)

	case strings.Contains(condition, " contains "):
		field, sub, ok := splitOperator(condition, " contains ")
		if !ok {
			return false
		}
		val, _ := ctx.field(field)
		return strings.Contains(strings.ToLower(val), strings.ToLower(sub))

	case strings.Contains(condition, " == "):
		field, expected, ok := splitOperator(condition, " == ")
		if !ok {
			return false
		}
		val, _ := ctx.field(field)
		return val == expected

	case strings.Contains(condition, " != "):
		field, expected, ok := splitOperator(condition, " != ")
		if !ok {
			return false
		}
		val, _ := ctx.field(field)
		return val != expected

	case condition == "true":
		return true
	case condition == "false":
		return false
	default:
		if _, seen := warnedConditions.LoadOrStore(condition, true); !seen {
			slog.Warn("sorter: unrecognized condition form, treating as non-matching", "condition", condition)
		}
		return false
	}
}

// warnedConditions records the unrecognized condition forms evaluate has
// already logged.
var warnedConditions sync.Map

func splitOperator(condition, op string) (field, value string, ok bool) {
	parts := strings.SplitN(condition, op, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	field = strings.TrimSpace(parts[0])
	value = strings.Trim(strings.TrimSpace(parts[1]), `"'`)
	return field, value, true
}

// Sorter applies an ordered ruleset to every matching file under root.
type Sorter struct {
	root       string
	rules      []config.SortingRule
	extensions map[string]bool
	inventory  map[string]model.LocalFile // keyed by path, mutated in place
	invTable   *state.Table[model.LocalFile]
}

// New builds a Sorter over rules, loading the current inventory for context
// enrichment and in-place path updates after a move.
func New(root string, rules []config.SortingRule, invTable *state.Table[model.LocalFile]) (*Sorter, error) {
	inv, err := invTable.ReadAllMap()
	if err != nil {
		return nil, err
	}
	return &Sorter{root: root, rules: rules, extensions: DefaultExtensions, inventory: inv, invTable: invTable}, nil
}

func (s *Sorter) buildContext(path string, info fs.FileInfo) fileContext {
	ctx := fileContext{
		path:     path,
		filename: filepath.Base(path),
		suffix:   filepath.Ext(path),
		parent:   filepath.Dir(path),
		size:     info.Size(),
	}
	ctx.stem = strings.TrimSuffix(ctx.filename, ctx.suffix)
	ctx.format = string(model.ParseFormat(ctx.suffix))

	if rec, ok := s.inventory[path]; ok {
		if rec.DatasetSlug != nil {
			ctx.datasetSlug = *rec.DatasetSlug
		}
		if rec.URL != nil {
			ctx.url = *rec.URL
		}
		ctx.sha256 = rec.SHA256
		ctx.mtime = rec.MTime

		ctx.slug = ctx.datasetSlug
		if ctx.slug == "" {
			for _, part := range strings.Split(path, string(filepath.Separator)) {
				lp := strings.ToLower(part)
				if strings.Contains(lp, "ocds") || strings.Contains(lp, "appalti") {
					ctx.slug = part
					break
				}
			}
		}
	}
	return ctx
}

// destinationFor applies rule to ctx/path, returning the resolved
// destination path ("" and false if the rule doesn't match or has no
// destination). A destination without
// an extension is treated as a directory; one with an extension is the
// exact file path.
func (s *Sorter) destinationFor(rule config.SortingRule, ctx fileContext, filename string) (string, bool) {
	if !evaluate(rule.If, ctx) {
		return "", false
	}
	dest := rule.MoveTo
	if dest == "" && rule.Default != nil {
		dest = *rule.Default
	}
	if dest == "" {
		return "", false
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(s.root, dest)
	}
	if filepath.Ext(dest) == "" {
		return filepath.Join(dest, filename), true
	}
	return dest, true
}

// Result is the outcome of sorting one file.
type Result struct {
	Path    string
	Dest    string
	Moved   bool
	Already bool
	Err     error
}

// SortFile evaluates the ruleset against path in order and moves it to the
// first matching destination.
func (s *Sorter) SortFile(path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return Result{Path: path, Err: err}
	}
	ctx := s.buildContext(path, info)

	for _, rule := range s.rules {
		dest, ok := s.destinationFor(rule, ctx, ctx.filename)
		if !ok {
			continue
		}
		absPath, _ := filepath.Abs(path)
		absDest, _ := filepath.Abs(dest)
		if absPath == absDest {
			return Result{Path: path, Dest: dest, Already: true}
		}
		if err := anacutil.EnsureDir(filepath.Dir(dest)); err != nil {
			return Result{Path: path, Err: err}
		}
		if err := os.Rename(path, dest); err != nil {
			return Result{Path: path, Err: err}
		}
		if rec, ok := s.inventory[path]; ok {
			rec.Path = dest
			delete(s.inventory, path)
			s.inventory[dest] = rec
		}
		return Result{Path: path, Dest: dest, Moved: true}
	}
	return Result{Path: path, Err: fmt.Errorf("no matching rule")}
}

// Stats summarizes a SortAll run.
type Stats struct {
	Processed, Moved, AlreadySorted, Failed, Unsorted int
}

// SortAll walks root for files matching the Sorter's extension set and
// applies SortFile to each, saving the updated inventory once at the end.
func (s *Sorter) SortAll() (Stats, error) {
	var stats Stats
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if s.extensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, f := range files {
		stats.Processed++
		res := s.SortFile(f)
		switch {
		case res.Err != nil && res.Err.Error() == "no matching rule":
			stats.Unsorted++
		case res.Err != nil:
			stats.Failed++
		case res.Already:
			stats.AlreadySorted++
		case res.Moved:
			stats.Moved++
		}
	}

	recs := make([]model.LocalFile, 0, len(s.inventory))
	for _, r := range s.inventory {
		recs = append(recs, r)
	}
	if err := s.invTable.ReplaceAll(recs); err != nil {
		return stats, err
	}
	return stats, nil
}

// GetUnsortedFiles returns files under root matching the extension set that
// no rule matches, without moving anything. Supplemented from
// original_source's get_unsorted_files.
func (s *Sorter) GetUnsortedFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !s.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		ctx := s.buildContext(path, info)
		for _, rule := range s.rules {
			if _, ok := s.destinationFor(rule, ctx, ctx.filename); ok {
				return nil
			}
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

// PreviewSort returns where path would be moved without moving it.
// Supplemented from original_source's preview_sort.
func (s *Sorter) PreviewSort(path string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	ctx := s.buildContext(path, info)
	for _, rule := range s.rules {
		if dest, ok := s.destinationFor(rule, ctx, ctx.filename); ok {
			return dest, true, nil
		}
	}
	return "", false, nil
}
