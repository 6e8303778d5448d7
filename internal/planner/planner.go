// Package planner implements the Planner component: diffing the catalog
// against the local inventory to produce a reproducible, timestamped work
// list. Ported from original_source/anacsync/planner.py.
package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/APTlantis/anacsync/internal/anacutil"
	"github.com/APTlantis/anacsync/internal/model"
)

// GenerateDestPath computes root/sanitize(datasetSlug)/sanitize(filename),
// the deterministic destination required by spec.md's PlanItem invariant.
func GenerateDestPath(rootDir, datasetSlug, filename string) string {
	slug := datasetSlug
	if slug == "" {
		slug = "unknown"
	}
	return filepath.Join(rootDir, anacutil.SafeFilename(slug), anacutil.SafeFilename(filename))
}

// findMatch implements the three-tier match cascade from spec.md §4.5: (a)
// sidecar/inventory URL equality, (b) dataset_slug plus filename substring,
// (c) resource URL filename substring.
func findMatch(res model.Resource, locals []model.LocalFile) (model.LocalFile, bool) {
	filename := anacutil.ExtractFilenameFromURL(res.URL)

	for _, l := range locals {
		if l.URL != nil && *l.URL == res.URL {
			return l, true
		}
	}
	for _, l := range locals {
		if l.DatasetSlug == nil || *l.DatasetSlug != res.DatasetSlug {
			continue
		}
		base := filepath.Base(l.Path)
		if strings.Contains(base, filename) || strings.Contains(filename, base) {
			return l, true
		}
	}
	for _, l := range locals {
		base := filepath.Base(l.Path)
		if strings.Contains(base, filename) || strings.Contains(filename, base) {
			return l, true
		}
	}
	return model.LocalFile{}, false
}

// decide returns the Reason for a resource given its matched local file (if
// any), following the precedence in spec.md §4.5 step 2. etag_changed is
// never returned here — see DESIGN.md Open Question 1.
func decide(res model.Resource, match model.LocalFile, matched bool) model.Reason {
	if !matched {
		return model.ReasonMissing
	}
	if match.Size == 0 && res.ContentLength != nil && *res.ContentLength > 0 {
		return model.ReasonCorrupted
	}
	if match.Size != 0 && res.ContentLength != nil && match.Size != *res.ContentLength {
		return model.ReasonSizeChanged
	}
	return model.ReasonUpToDate
}

// Options configures MakePlan.
type Options struct {
	RootDir    string
	OnlyMissing bool
	FilterSlug string // substring filter on dataset_slug; empty = no filter
}

// MakePlan diffs resources against locals and returns the ordered work list,
// dropping up_to_date items always, and non-missing items when OnlyMissing.
func MakePlan(resources []model.Resource, locals []model.LocalFile, opts Options) []model.PlanItem {
	// Sort resources by (dataset_slug, url); the plan follows this order.
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].DatasetSlug != resources[j].DatasetSlug {
			return resources[i].DatasetSlug < resources[j].DatasetSlug
		}
		return resources[i].URL < resources[j].URL
	})

	var out []model.PlanItem
	for _, res := range resources {
		if opts.FilterSlug != "" && !strings.Contains(res.DatasetSlug, opts.FilterSlug) {
			continue
		}
		match, matched := findMatch(res, locals)
		reason := decide(res, match, matched)
		if reason == model.ReasonUpToDate {
			continue
		}
		if opts.OnlyMissing && reason != model.ReasonMissing {
			continue
		}
		filename := anacutil.ExtractFilenameFromURL(res.URL)
		if res.Name != "" {
			filename = res.Name
		}
		item := model.PlanItem{
			DatasetSlug: res.DatasetSlug,
			ResourceURL: res.URL,
			DestPath:    GenerateDestPath(opts.RootDir, res.DatasetSlug, filename),
			Reason:      reason,
			Size:        res.ContentLength,
			ETag:        res.ETag,
		}
		if res.Name != "" {
			name := res.Name
			item.ResourceName = &name
		}
		out = append(out, item)
	}
	return out
}

// SavePlan writes items as a new timestamped plan file under
// stateDir/plans/plan-<timestamp>.jsonl and returns its path.
func SavePlan(stateDir string, items []model.PlanItem, timestamp string) (string, error) {
	dir := filepath.Join(stateDir, "plans")
	if err := anacutil.EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("plan-%s.jsonl", timestamp))
	var sb strings.Builder
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return "", err
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path+".tmp", []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	f, err := os.Open(path + ".tmp")
	if err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return "", err
	}
	return path, nil
}

// LoadLatestPlan finds and reads the mtime-latest plan-*.jsonl file.
func LoadLatestPlan(stateDir string) ([]model.PlanItem, string, error) {
	dir := filepath.Join(stateDir, "plans")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	var latestPath string
	var latestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "plan-") || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().UnixNano() > latestMod {
			latestMod = info.ModTime().UnixNano()
			latestPath = filepath.Join(dir, e.Name())
		}
	}
	if latestPath == "" {
		return nil, "", nil
	}
	items, err := readPlanFile(latestPath)
	return items, latestPath, err
}

func readPlanFile(path string) ([]model.PlanItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []model.PlanItem
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var it model.PlanItem
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// FilterByDataset returns items whose DatasetSlug equals slug. Supplemented
// from original_source's filter_plan_by_dataset.
func FilterByDataset(items []model.PlanItem, slug string) []model.PlanItem {
	var out []model.PlanItem
	for _, it := range items {
		if it.DatasetSlug == slug {
			out = append(out, it)
		}
	}
	return out
}

// FilterByReason returns items with the given Reason. Supplemented from
// original_source's filter_plan_by_reason.
func FilterByReason(items []model.PlanItem, reason model.Reason) []model.PlanItem {
	var out []model.PlanItem
	for _, it := range items {
		if it.Reason == reason {
			out = append(out, it)
		}
	}
	return out
}

// Summary is the plan-wide breakdown original_source's get_plan_summary
// produces.
type Summary struct {
	Total     int
	ByReason  map[model.Reason]int
	TotalSize int64
}

// GetSummary computes a Summary over items.
func GetSummary(items []model.PlanItem) Summary {
	s := Summary{ByReason: map[model.Reason]int{}}
	for _, it := range items {
		s.Total++
		s.ByReason[it.Reason]++
		if it.Size != nil {
			s.TotalSize += *it.Size
		}
	}
	return s
}
