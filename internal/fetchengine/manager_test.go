package fetchengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/state"
)

func newTestManager(t *testing.T, cfg config.Downloader) (*Manager, *state.Table[model.DownloadHistory]) {
	t.Helper()
	history, err := state.NewTable[model.DownloadHistory](filepath.Join(t.TempDir(), "history.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	return New(fastHTTPTransport(), cfg, history), history
}

func TestRunItemSucceedsOnFirstStrategy(t *testing.T) {
	body := []byte("dataset contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "16")
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := config.Downloader{
		Strategies:                        []string{"s1_dynamic"},
		RetriesPerStrategy:                 1,
		SwitchAfterSecondsWithoutProgress:  30,
		DynamicChunksMB:                    []int64{1, 1, 1},
	}
	m, history := newTestManager(t, cfg)

	dest := filepath.Join(t.TempDir(), "bandi.json")
	item := model.PlanItem{DatasetSlug: "bandi-di-gara", ResourceURL: srv.URL, DestPath: dest}

	res := m.RunItem(context.Background(), item)
	if !res.OK || res.Strategy != "s1_dynamic" {
		t.Fatalf("expected s1_dynamic success, got %+v", res)
	}

	recs, err := history.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].OK || recs[0].Strategy != "s1_dynamic" {
		t.Fatalf("expected one successful history record, got %+v", recs)
	}
}

func TestRunItemCascadesPastAFailingStrategy(t *testing.T) {
	// Every request 404s, so every strategy in the cascade fails outright and
	// RunItem must try them all before giving up, logging one history record
	// for each attempted strategy.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.Downloader{
		Strategies:                        []string{"s1_dynamic", "s4_shortconn"},
		RetriesPerStrategy:                 1,
		SwitchAfterSecondsWithoutProgress:  30,
		DynamicChunksMB:                    []int64{1, 1, 1},
		SnailChunksKB:                      64,
	}
	m, history := newTestManager(t, cfg)

	dest := filepath.Join(t.TempDir(), "missing.json")
	item := model.PlanItem{DatasetSlug: "bandi-di-gara", ResourceURL: srv.URL, DestPath: dest}

	res := m.RunItem(context.Background(), item)
	if res.OK {
		t.Fatalf("expected failure since every probe 404s, got %+v", res)
	}
	if res.Strategy != "s4_shortconn" {
		t.Fatalf("expected the cascade to end on the last configured strategy, got %q", res.Strategy)
	}

	recs, err := history.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected one history record per attempted strategy, got %d: %+v", len(recs), recs)
	}
	if recs[0].Strategy != "s1_dynamic" || recs[1].Strategy != "s4_shortconn" {
		t.Fatalf("unexpected strategy order in history: %+v", recs)
	}
}

func TestRunItemSkipsCurlWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.Downloader{
		Strategies:                        []string{"s3_curl", "s1_dynamic"},
		RetriesPerStrategy:                 1,
		SwitchAfterSecondsWithoutProgress:  30,
		DynamicChunksMB:                    []int64{1, 1, 1},
		EnableCurl:                         false,
	}
	m, history := newTestManager(t, cfg)

	dest := filepath.Join(t.TempDir(), "x.json")
	item := model.PlanItem{DatasetSlug: "s", ResourceURL: srv.URL, DestPath: dest}

	res := m.RunItem(context.Background(), item)
	if res.Strategy != "s1_dynamic" {
		t.Fatalf("expected s3_curl to be skipped entirely, got strategy %q", res.Strategy)
	}

	recs, err := history.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected curl to leave no history record since it was skipped, got %+v", recs)
	}
}

func TestRunPlanAggregatesStats(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4")
			return
		}
		_, _ = w.Write([]byte("data"))
	}))
	defer ok.Close()
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer fail.Close()

	cfg := config.Downloader{
		Strategies:                        []string{"s1_dynamic"},
		RetriesPerStrategy:                 1,
		SwitchAfterSecondsWithoutProgress:  30,
		DynamicChunksMB:                    []int64{1, 1, 1},
	}
	m, _ := newTestManager(t, cfg)

	dir := t.TempDir()
	items := []model.PlanItem{
		{DatasetSlug: "a", ResourceURL: ok.URL, DestPath: filepath.Join(dir, "a.json")},
		{DatasetSlug: "b", ResourceURL: fail.URL, DestPath: filepath.Join(dir, "b.json")},
	}

	stats, err := m.RunPlan(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.FailedItems) != 1 || stats.FailedItems[0].DatasetSlug != "b" {
		t.Fatalf("expected the failing item to be recorded, got %+v", stats.FailedItems)
	}
	if stats.ByStrategy["s1_dynamic"] != 1 {
		t.Fatalf("expected one successful s1_dynamic attempt, got %+v", stats.ByStrategy)
	}
}

func TestRetryFailedDownloadsRerunsOnlyFailures(t *testing.T) {
	cfg := config.Downloader{Strategies: []string{"s1_dynamic"}, RetriesPerStrategy: 1, DynamicChunksMB: []int64{1, 1, 1}}
	m, _ := newTestManager(t, cfg)

	prior := PlanStats{
		FailedItems: []model.PlanItem{
			{DatasetSlug: "z", ResourceURL: "http://127.0.0.1:0/nope", DestPath: filepath.Join(t.TempDir(), "z.json")},
		},
	}
	stats, err := m.RetryFailedDownloads(context.Background(), prior)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected RetryFailedDownloads to run exactly the prior failures, got total=%d", stats.Total)
	}
}
