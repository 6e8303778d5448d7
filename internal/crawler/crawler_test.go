package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
	"github.com/APTlantis/anacsync/internal/model"
)

type memTables struct {
	datasets  map[string]model.Dataset
	resources map[string]model.Resource
}

func newMemTables() *memTables {
	return &memTables{datasets: map[string]model.Dataset{}, resources: map[string]model.Resource{}}
}

func (m *memTables) UpsertDataset(d model.Dataset) error {
	m.datasets[d.Key()] = d
	return nil
}
func (m *memTables) UpsertResource(r model.Resource) error {
	m.resources[r.Key()] = r
	return nil
}
func (m *memTables) Dataset(slug string) (model.Dataset, bool) {
	d, ok := m.datasets[slug]
	return d, ok
}
func (m *memTables) Resource(slug, url string) (model.Resource, bool) {
	r, ok := m.resources[slug+"\x00"+url]
	return r, ok
}

func fastTransport() *httpx.Transport {
	opts := httpx.DefaultOptions()
	opts.RateLimitRPS = 1000
	return httpx.New(opts)
}

func TestParseDatasetPagePrefersDatasetItemSelector(t *testing.T) {
	html := []byte(`
		<div class="dataset-item"><a href="/dataset/bandi-di-gara">Bandi di gara</a></div>
		<a href="/dataset/other-stuff">JSON</a>
	`)
	c := New("https://dati.anticorruzione.it", config.Crawler{}, fastTransport())
	links, err := c.parseDatasetPage(html, "https://dati.anticorruzione.it/dataset?page=1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].slug != "bandi-di-gara" {
		t.Fatalf("expected one dataset-item link, got %+v", links)
	}
}

func TestParseDatasetPageFallsBackToAllAnchors(t *testing.T) {
	html := []byte(`<a href="/dataset/bandi-di-gara">Bandi di gara</a>`)
	c := New("https://dati.anticorruzione.it", config.Crawler{}, fastTransport())
	links, err := c.parseDatasetPage(html, "https://dati.anticorruzione.it/dataset?page=1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].slug != "bandi-di-gara" {
		t.Fatalf("expected fallback anchor scan to find the dataset, got %+v", links)
	}
}

func TestParseResourcePageSkipsPlaceholderText(t *testing.T) {
	html := []byte(`
		<a href="/download/resource/a/export.json">Scarica</a>
		<a href="/resource/b">Dati strutturati</a>
	`)
	c := New("https://dati.anticorruzione.it", config.Crawler{}, fastTransport())
	links, err := c.parseResourcePage(html, "https://dati.anticorruzione.it/dataset/x")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 resource links, got %+v", links)
	}
	if links[0].name != "export.json" {
		t.Fatalf("placeholder text should fall back to the URL filename, got %q", links[0].name)
	}
	if links[1].name != "Dati strutturati" {
		t.Fatalf("non-placeholder text should be kept, got %q", links[1].name)
	}
}

func TestInferFormat(t *testing.T) {
	cases := []struct {
		url  string
		want model.Format
	}{
		{"https://x/a.json", model.FormatJSON},
		{"https://x/a.json?rev=2", model.FormatJSON},
		{"https://x/a.csv", model.FormatCSV},
		{"https://x/a.unknown", model.FormatUnknown},
	}
	for _, c := range cases {
		if got := inferFormat(c.url); got != c.want {
			t.Errorf("inferFormat(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestCrawlAllStopsAfterConsecutiveEmptyPages(t *testing.T) {
	var pageRequests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageRequests++
		if r.URL.Path == "/dataset" {
			// Never return a dataset link: every page is "empty".
			_, _ = w.Write([]byte(`<html><body>no datasets here</body></html>`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, config.Crawler{PageStart: 1, EmptyPageStopAfter: 2}, fastTransport())
	stats, err := c.CrawlAll(context.Background(), newMemTables())
	if err != nil {
		t.Fatal(err)
	}
	if stats.PagesFetched != 2 {
		t.Fatalf("expected exactly 2 page fetches before stopping, got %d", stats.PagesFetched)
	}
	if stats.DatasetsSeen != 0 {
		t.Fatalf("expected no datasets found, got %d", stats.DatasetsSeen)
	}
}

func TestCrawlAllDiscoversDatasetAndProbesResource(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/dataset", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprintf(w, `<a href="%s/dataset/bandi-di-gara">Bandi di gara</a>`, srv.URL)
			return
		}
		_, _ = w.Write([]byte(`no more datasets`))
	})
	mux.HandleFunc("/dataset/bandi-di-gara", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<a href="%s/download/resource/1/export.json">Scarica</a>`, srv.URL)
	})
	mux.HandleFunc("/download/resource/1/export.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "123")
			w.Header().Set("ETag", `"rev1"`)
			return
		}
		_, _ = w.Write([]byte("123 bytes of json ...."))
	})

	c := New(srv.URL, config.Crawler{PageStart: 1, EmptyPageStopAfter: 1}, fastTransport())
	tables := newMemTables()
	stats, err := c.CrawlAll(context.Background(), tables)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DatasetsSeen != 1 || stats.ResourcesSeen != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	d, ok := tables.Dataset("bandi-di-gara")
	if !ok || d.Title != "Bandi di gara" {
		t.Fatalf("expected dataset bandi-di-gara to be upserted, got %+v ok=%v", d, ok)
	}
	res, ok := tables.Resource("bandi-di-gara", srv.URL+"/download/resource/1/export.json")
	if !ok {
		t.Fatal("expected the resource to be upserted")
	}
	if res.ContentLength == nil || *res.ContentLength != 123 {
		t.Fatalf("expected probed content length 123, got %+v", res.ContentLength)
	}
}
