// Package catalog wires the Dataset and Resource state.Tables into the
// Tables interface the Crawler writes through, and gives the Planner and
// report command read access to the same tables.
package catalog

import (
	"path/filepath"

	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/state"
)

// Catalog holds the in-memory view of the datasets/resources tables plus
// their backing files, loaded once and flushed with Flush.
type Catalog struct {
	datasetsTable  *state.Table[model.Dataset]
	resourcesTable *state.Table[model.Resource]

	datasets  map[string]model.Dataset
	resources map[string]model.Resource
}

// Open loads (or creates) the catalog tables under stateDir/catalog.
func Open(stateDir string) (*Catalog, error) {
	dir := filepath.Join(stateDir, "catalog")
	dt, err := state.NewTable[model.Dataset](filepath.Join(dir, "datasets.jsonl"))
	if err != nil {
		return nil, err
	}
	rt, err := state.NewTable[model.Resource](filepath.Join(dir, "resources.jsonl"))
	if err != nil {
		return nil, err
	}
	datasets, err := dt.ReadAllMap()
	if err != nil {
		return nil, err
	}
	resources, err := rt.ReadAllMap()
	if err != nil {
		return nil, err
	}
	return &Catalog{
		datasetsTable:  dt,
		resourcesTable: rt,
		datasets:       datasets,
		resources:      resources,
	}, nil
}

// UpsertDataset updates the in-memory dataset. Nothing is written to disk
// until Flush.
func (c *Catalog) UpsertDataset(d model.Dataset) error {
	c.datasets[d.Key()] = d
	return nil
}

// UpsertResource updates the in-memory resource.
func (c *Catalog) UpsertResource(r model.Resource) error {
	c.resources[r.Key()] = r
	return nil
}

// Dataset looks up a dataset by slug.
func (c *Catalog) Dataset(slug string) (model.Dataset, bool) {
	d, ok := c.datasets[slug]
	return d, ok
}

// Resource looks up a resource by (dataset_slug, url).
func (c *Catalog) Resource(slug, url string) (model.Resource, bool) {
	r, ok := c.resources[slug+"\x00"+url]
	return r, ok
}

// AllDatasets returns every known dataset.
func (c *Catalog) AllDatasets() []model.Dataset {
	out := make([]model.Dataset, 0, len(c.datasets))
	for _, d := range c.datasets {
		out = append(out, d)
	}
	return out
}

// AllResources returns every known resource.
func (c *Catalog) AllResources() []model.Resource {
	out := make([]model.Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// Flush atomically rewrites both backing tables from the in-memory maps.
func (c *Catalog) Flush() error {
	ds := make([]model.Dataset, 0, len(c.datasets))
	for _, d := range c.datasets {
		ds = append(ds, d)
	}
	if err := c.datasetsTable.ReplaceAll(ds); err != nil {
		return err
	}
	rs := make([]model.Resource, 0, len(c.resources))
	for _, r := range c.resources {
		rs = append(rs, r)
	}
	return c.resourcesTable.ReplaceAll(rs)
}
