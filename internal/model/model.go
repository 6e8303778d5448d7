// Package model defines the on-disk record shapes shared by every phase of
// anacsync: datasets and resources written by the crawler, local files
// written by the inventory, plan items written by the planner, and download
// history written by the fetch engine. All of them are flat JSON objects so
// that a JSON-lines table is just one record per line.
package model

import "strings"

// Format is the recognized payload format of a Resource, inferred from its
// URL extension.
type Format string

const (
	FormatJSON    Format = "JSON"
	FormatCSV     Format = "CSV"
	FormatXLSX    Format = "XLSX"
	FormatXML     Format = "XML"
	FormatZIP     Format = "ZIP"
	FormatNDJSON  Format = "NDJSON"
	FormatUnknown Format = "UNKNOWN"
)

// ParseFormat infers a Format from a file extension (with or without the
// leading dot, case-insensitive).
func ParseFormat(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	case "xlsx":
		return FormatXLSX
	case "xml":
		return FormatXML
	case "zip":
		return FormatZIP
	case "ndjson":
		return FormatNDJSON
	default:
		return FormatUnknown
	}
}

// Reason is why a PlanItem needs to be fetched. etag_changed is a valid wire
// value but the Planner never produces it — see DESIGN.md Open Question 1.
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonSizeChanged Reason = "size_changed"
	ReasonCorrupted   Reason = "corrupted"
	ReasonEtagChanged Reason = "etag_changed"
	ReasonUpToDate    Reason = "up_to_date"
)

// Dataset identifies a logical collection in the catalog.
type Dataset struct {
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	LastSeenAt string `json:"last_seen_at"`
}

// Key returns the table key for a Dataset (its slug).
func (d Dataset) Key() string { return d.Slug }

// Resource is one downloadable artifact belonging to a Dataset.
type Resource struct {
	DatasetSlug   string  `json:"dataset_slug"`
	URL           string  `json:"url"`
	Name          string  `json:"name"`
	Format        Format  `json:"format"`
	ContentLength *int64  `json:"content_length,omitempty"`
	ETag          *string `json:"etag,omitempty"`
	LastModified  *string `json:"last_modified,omitempty"`
	AcceptRanges  *bool   `json:"accept_ranges,omitempty"`
	FirstSeenAt   string  `json:"first_seen_at"`
	LastSeenAt    string  `json:"last_seen_at"`
}

// Key returns the table key for a Resource: (dataset_slug, url).
func (r Resource) Key() string { return r.DatasetSlug + "\x00" + r.URL }

// LocalFile is an inventory record for one path on disk.
type LocalFile struct {
	Path        string  `json:"path"`
	SHA256      string  `json:"sha256"`
	Size        int64   `json:"size"`
	MTime       string  `json:"mtime"`
	DatasetSlug *string `json:"dataset_slug,omitempty"`
	URL         *string `json:"url,omitempty"`
}

// Key returns the table key for a LocalFile (its path).
func (l LocalFile) Key() string { return l.Path }

// PlanItem is one pending transfer produced by the Planner.
type PlanItem struct {
	DatasetSlug  string  `json:"dataset_slug"`
	ResourceURL  string  `json:"resource_url"`
	DestPath     string  `json:"dest_path"`
	Reason       Reason  `json:"reason"`
	Size         *int64  `json:"size,omitempty"`
	ETag         *string `json:"etag,omitempty"`
	ResourceName *string `json:"resource_name,omitempty"`
}

// Key returns the table key for a PlanItem: (dataset_slug, resource_url).
func (p PlanItem) Key() string { return p.DatasetSlug + "\x00" + p.ResourceURL }

// Segments records sparse-strategy progress for a Sidecar.
type Segments struct {
	Size   int64  `json:"size"`
	Bitmap string `json:"bitmap"`
}

// Sidecar is the per-file metadata record written atomically next to each
// completed (or in-progress, for the sparse strategy) download.
type Sidecar struct {
	SHA256        string    `json:"sha256"`
	DownloadedAt  string    `json:"downloaded_at"`
	Strategy      string    `json:"strategy"`
	ETag          *string   `json:"etag,omitempty"`
	ContentLength *int64    `json:"content_length,omitempty"`
	URL           string    `json:"url"`
	DatasetSlug   string    `json:"dataset_slug"`
	ResourceName  *string   `json:"resource_name,omitempty"`
	Segments      *Segments `json:"segments,omitempty"`
}

// DownloadHistory is one append-only record of a single strategy attempt.
type DownloadHistory struct {
	ResourceURL string  `json:"resource_url"`
	Strategy    string  `json:"strategy"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	Bytes       int64   `json:"bytes"`
	OK          bool    `json:"ok"`
	Error       *string `json:"error,omitempty"`
	DestPath    string  `json:"dest_path"`
	DurationMS  int64   `json:"duration_ms"`
}

// Key is a no-op identity key for history records: history is append-only and
// never looked up by key, but the generic state.Table requires one.
func (h DownloadHistory) Key() string { return h.ResourceURL + "\x00" + h.Strategy + "\x00" + h.Start }
