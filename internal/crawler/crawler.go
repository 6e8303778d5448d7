// Package crawler implements the Catalog Crawler: paginated discovery of
// datasets and, per dataset, enumeration and probing of downloadable
// resources. Ported from original_source/anacsync/crawler.py, with HTML
// parsing done through goquery (grounded on
// other_examples/.../theaidguild-kirk-ai/tools/crawler/requests_crawler.go)
// instead of Python's selectolax.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
	"github.com/APTlantis/anacsync/internal/metrics"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/anacutil"
)

var datasetLinkRe = regexp.MustCompile(`/dataset/([^/?#]+)`)

// bareFormatNames are link texts that name a format rather than a dataset,
// and so must not be treated as a dataset's title (spec.md §4.3 step 1).
var bareFormatNames = map[string]bool{"JSON": true, "CSV": true, "XML": true, "XLSX": true, "ZIP": true}

// italianPlaceholders are resource link texts the original catalog uses as
// generic call-to-action copy rather than an actual resource name
// (original_source/anacsync/crawler.py).
var italianPlaceholders = map[string]bool{
	"altre informazioni": true,
	"vai alla risorsa":   true,
	"scarica":            true,
}

var downloadExts = regexp.MustCompile(`(?i)\.(json|csv|xlsx|xml|zip|ndjson)(\?|$)`)

// Stats summarizes one crawl invocation.
type Stats struct {
	PagesFetched    int
	DatasetsSeen    int
	ResourcesSeen   int
	DatasetsUpdated int
	Errors          int
}

// Crawler discovers datasets and resources from a catalog base URL.
type Crawler struct {
	cfg       config.Crawler
	baseURL   string
	transport *httpx.Transport
}

// New builds a Crawler.
func New(baseURL string, cfg config.Crawler, transport *httpx.Transport) *Crawler {
	return &Crawler{cfg: cfg, baseURL: strings.TrimRight(baseURL, "/"), transport: transport}
}

type datasetLink struct {
	slug  string
	url   string
	title string
}

// parseDatasetPage extracts dataset links from a listing page's HTML,
// preferring the ".dataset-item" selector and falling back to scanning every
// anchor tag, per spec.md §4.3 / original_source's two-tier strategy.
func (c *Crawler) parseDatasetPage(html []byte, pageURL string) ([]datasetLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("crawler: parse dataset page: %w", err)
	}

	seen := map[string]bool{}
	var out []datasetLink

	collect := func(sel *goquery.Selection) {
		sel.Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			abs := resolveURL(c.baseURL, href)
			m := datasetLinkRe.FindStringSubmatch(abs)
			if m == nil {
				return
			}
			slug := m[1]
			text := strings.TrimSpace(s.Text())
			if bareFormatNames[strings.ToUpper(text)] {
				return
			}
			if seen[slug] {
				return
			}
			seen[slug] = true
			out = append(out, datasetLink{slug: slug, url: abs, title: text})
		})
	}

	items := doc.Find(".dataset-item a")
	if items.Length() > 0 {
		collect(items)
	} else {
		collect(doc.Find("a"))
	}
	return out, nil
}

type resourceLink struct {
	url  string
	name string
}

// parseResourcePage extracts resource links from a dataset page, accepting
// "/download/" links ending in a recognized extension or "/resource/" links,
// per spec.md §4.3 step 2.
func (c *Crawler) parseResourcePage(html []byte, pageURL string) ([]resourceLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("crawler: parse resource page: %w", err)
	}

	seen := map[string]bool{}
	var out []resourceLink
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := resolveURL(c.baseURL, href)
		isDownload := strings.Contains(abs, "/download/") && downloadExts.MatchString(abs)
		isResource := strings.Contains(abs, "/resource/")
		if !isDownload && !isResource {
			return
		}
		if seen[abs] {
			return
		}
		seen[abs] = true

		name := strings.TrimSpace(s.Text())
		lname := strings.ToLower(name)
		if name == "" || italianPlaceholders[lname] {
			name = anacutil.ExtractFilenameFromURL(abs)
		}
		out = append(out, resourceLink{url: abs, name: name})
	})
	return out, nil
}

func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	r, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(r).String()
}

// inferFormat returns the resource Format from its URL extension, UNKNOWN if
// none of the recognized extensions are present.
func inferFormat(u string) model.Format {
	u = strings.SplitN(u, "?", 2)[0]
	if i := strings.LastIndexByte(u, '.'); i >= 0 {
		return model.ParseFormat(u[i+1:])
	}
	return model.FormatUnknown
}

// Tables bundles the catalog tables the crawler reads and writes.
type Tables interface {
	UpsertDataset(model.Dataset) error
	UpsertResource(model.Resource) error
	Dataset(slug string) (model.Dataset, bool)
	Resource(slug, url string) (model.Resource, bool)
}

// CrawlAll runs the full pagination + per-dataset enumeration + probing
// algorithm described in spec.md §4.3, upserting each dataset and resource
// into tables as it goes. catalog.Catalog keeps those upserts in memory
// until its Flush.
func (c *Crawler) CrawlAll(ctx context.Context, tables Tables) (Stats, error) {
	var stats Stats
	emptyPages := 0
	page := c.cfg.PageStart

	for emptyPages < c.cfg.EmptyPageStopAfter {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pageURL := fmt.Sprintf("%s/dataset?page=%d", c.baseURL, page)
		body, _, status, err := c.transport.Get(ctx, pageURL, nil)
		metrics.CrawlPages.Inc()
		stats.PagesFetched++
		if err != nil || status >= 400 {
			slog.Warn("crawler: page fetch failed, skipping", "page", page, "err", err, "status", status)
			stats.Errors++
			emptyPages++
			page++
			if err := anacutil.SleepWithJitter(ctx, c.cfg.DelayMsMin, c.cfg.DelayMsMax-c.cfg.DelayMsMin); err != nil {
				return stats, err
			}
			continue
		}

		links, err := c.parseDatasetPage(body, pageURL)
		if err != nil {
			slog.Warn("crawler: page parse failed, skipping", "page", page, "err", err)
			stats.Errors++
			emptyPages++
			page++
			continue
		}

		newOnPage := 0
		for _, l := range links {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			_, existed := tables.Dataset(l.slug)
			now := anacutil.Timestamp()
			ds := model.Dataset{Slug: l.slug, Title: l.title, URL: l.url, LastSeenAt: now}
			if err := tables.UpsertDataset(ds); err != nil {
				return stats, err
			}
			stats.DatasetsSeen++
			if !existed {
				newOnPage++
			} else {
				stats.DatasetsUpdated++
			}

			if err := c.crawlDatasetResources(ctx, ds, tables, &stats); err != nil {
				slog.Warn("crawler: dataset resource crawl failed, skipping", "slug", l.slug, "err", err)
				stats.Errors++
			}

			if err := anacutil.SleepWithJitter(ctx, c.cfg.DelayMsMin, c.cfg.DelayMsMax-c.cfg.DelayMsMin); err != nil {
				return stats, err
			}
		}

		if newOnPage == 0 {
			emptyPages++
		} else {
			emptyPages = 0
		}
		page++

		if err := anacutil.SleepWithJitter(ctx, c.cfg.DelayMsMin, c.cfg.DelayMsMax-c.cfg.DelayMsMin); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// crawlDatasetResources fetches one dataset's page, enumerates its
// resources, and probes each new one for content metadata, per spec.md
// §4.3 steps 2-4.
func (c *Crawler) crawlDatasetResources(ctx context.Context, ds model.Dataset, tables Tables, stats *Stats) error {
	body, _, status, err := c.transport.Get(ctx, ds.URL, nil)
	if err != nil || status >= 400 {
		return fmt.Errorf("fetch dataset page: %w", err)
	}
	links, err := c.parseResourcePage(body, ds.URL)
	if err != nil {
		return err
	}

	now := anacutil.Timestamp()
	for _, l := range links {
		format := inferFormat(l.url)
		if format == model.FormatUnknown {
			continue
		}
		stats.ResourcesSeen++

		existing, existed := tables.Resource(ds.Slug, l.url)
		firstSeen := now
		if existed {
			firstSeen = existing.FirstSeenAt
		}
		res := model.Resource{
			DatasetSlug: ds.Slug,
			URL:         l.url,
			Name:        l.name,
			Format:      format,
			FirstSeenAt: firstSeen,
			LastSeenAt:  now,
		}
		if !existed {
			if pr, perr := c.transport.Probe(ctx, l.url); perr == nil {
				res.ContentLength = pr.ContentLength
				res.ETag = pr.ETag
				res.LastModified = pr.LastModified
				ar := pr.AcceptRanges
				res.AcceptRanges = &ar
			}
		} else {
			res.ContentLength = existing.ContentLength
			res.ETag = existing.ETag
			res.LastModified = existing.LastModified
			res.AcceptRanges = existing.AcceptRanges
		}
		if err := tables.UpsertResource(res); err != nil {
			return err
		}
	}
	return nil
}
