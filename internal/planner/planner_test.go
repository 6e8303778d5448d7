package planner

import (
	"path/filepath"
	"testing"

	"github.com/APTlantis/anacsync/internal/model"
)

func i64(v int64) *int64 { return &v }
func str(v string) *string { return &v }

func TestGenerateDestPathIsDeterministicAndSanitized(t *testing.T) {
	got := GenerateDestPath("/data", "bandi di gara", `weird<name>.json`)
	want := filepath.Join("/data", "bandi di gara", "weird_name_.json")
	if got != want {
		t.Fatalf("GenerateDestPath = %q, want %q", got, want)
	}
}

func TestGenerateDestPathEmptySlugFallsBackToUnknown(t *testing.T) {
	got := GenerateDestPath("/data", "", "export.json")
	want := filepath.Join("/data", "unknown", "export.json")
	if got != want {
		t.Fatalf("GenerateDestPath = %q, want %q", got, want)
	}
}

func TestMakePlanMissingFile(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "bandi", URL: "https://x/export.json", Name: "export.json", ContentLength: i64(100)},
	}
	items := MakePlan(resources, nil, Options{RootDir: "/data"})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Reason != model.ReasonMissing {
		t.Fatalf("reason = %q, want missing", items[0].Reason)
	}
}

func TestMakePlanUpToDateIsDropped(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "bandi", URL: "https://x/export.json", Name: "export.json", ContentLength: i64(100)},
	}
	locals := []model.LocalFile{
		{Path: "/data/bandi/export.json", Size: 100, URL: str("https://x/export.json")},
	}
	items := MakePlan(resources, locals, Options{RootDir: "/data"})
	if len(items) != 0 {
		t.Fatalf("expected up_to_date item to be dropped, got %+v", items)
	}
}

func TestMakePlanSizeChanged(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "bandi", URL: "https://x/export.json", Name: "export.json", ContentLength: i64(200)},
	}
	locals := []model.LocalFile{
		{Path: "/data/bandi/export.json", Size: 100, URL: str("https://x/export.json")},
	}
	items := MakePlan(resources, locals, Options{RootDir: "/data"})
	if len(items) != 1 || items[0].Reason != model.ReasonSizeChanged {
		t.Fatalf("expected size_changed, got %+v", items)
	}
}

func TestMakePlanCorrupted(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "bandi", URL: "https://x/export.json", Name: "export.json", ContentLength: i64(200)},
	}
	locals := []model.LocalFile{
		{Path: "/data/bandi/export.json", Size: 0, URL: str("https://x/export.json")},
	}
	items := MakePlan(resources, locals, Options{RootDir: "/data"})
	if len(items) != 1 || items[0].Reason != model.ReasonCorrupted {
		t.Fatalf("expected corrupted, got %+v", items)
	}
}

func TestMakePlanOnlyMissing(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "a", URL: "https://x/missing.json", Name: "missing.json", ContentLength: i64(10)},
		{DatasetSlug: "a", URL: "https://x/changed.json", Name: "changed.json", ContentLength: i64(200)},
	}
	locals := []model.LocalFile{
		{Path: "/data/a/changed.json", Size: 100, URL: str("https://x/changed.json")},
	}
	items := MakePlan(resources, locals, Options{RootDir: "/data", OnlyMissing: true})
	if len(items) != 1 || items[0].Reason != model.ReasonMissing {
		t.Fatalf("OnlyMissing should keep only the missing item, got %+v", items)
	}
}

func TestMakePlanFilterSlug(t *testing.T) {
	resources := []model.Resource{
		{DatasetSlug: "bandi-2024", URL: "https://x/a.json", Name: "a.json"},
		{DatasetSlug: "contratti-2024", URL: "https://x/b.json", Name: "b.json"},
	}
	items := MakePlan(resources, nil, Options{RootDir: "/data", FilterSlug: "bandi"})
	if len(items) != 1 || items[0].DatasetSlug != "bandi-2024" {
		t.Fatalf("FilterSlug did not restrict to bandi-2024, got %+v", items)
	}
}

func TestSavePlanAndLoadLatestPlan(t *testing.T) {
	stateDir := t.TempDir()
	items := []model.PlanItem{
		{DatasetSlug: "a", ResourceURL: "https://x/a.json", DestPath: "/data/a/a.json", Reason: model.ReasonMissing},
	}
	path, err := SavePlan(stateDir, items, "20260101-000000")
	if err != nil {
		t.Fatal(err)
	}
	loaded, loadedPath, err := LoadLatestPlan(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if loadedPath != path {
		t.Fatalf("loaded path = %q, want %q", loadedPath, path)
	}
	if len(loaded) != 1 || loaded[0].ResourceURL != "https://x/a.json" {
		t.Fatalf("unexpected loaded plan: %+v", loaded)
	}
}

func TestLoadLatestPlanNoPlansReturnsNil(t *testing.T) {
	items, path, err := LoadLatestPlan(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if items != nil || path != "" {
		t.Fatalf("expected no plan found, got items=%+v path=%q", items, path)
	}
}

func TestFilterByDatasetAndReason(t *testing.T) {
	items := []model.PlanItem{
		{DatasetSlug: "a", Reason: model.ReasonMissing},
		{DatasetSlug: "b", Reason: model.ReasonSizeChanged},
		{DatasetSlug: "a", Reason: model.ReasonSizeChanged},
	}
	if got := FilterByDataset(items, "a"); len(got) != 2 {
		t.Fatalf("FilterByDataset(a) = %+v, want 2 items", got)
	}
	if got := FilterByReason(items, model.ReasonSizeChanged); len(got) != 2 {
		t.Fatalf("FilterByReason(size_changed) = %+v, want 2 items", got)
	}
}

func TestGetSummary(t *testing.T) {
	items := []model.PlanItem{
		{Reason: model.ReasonMissing, Size: i64(10)},
		{Reason: model.ReasonMissing, Size: i64(20)},
		{Reason: model.ReasonSizeChanged, Size: i64(5)},
	}
	s := GetSummary(items)
	if s.Total != 3 || s.TotalSize != 35 || s.ByReason[model.ReasonMissing] != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
