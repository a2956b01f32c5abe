// Package catalog is the read-only dataset metadata the engine consults for
// tile matrix bounds, quota limits and per-dataset policy overrides.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
)

var ErrUnknownDataset = errors.New("unknown dataset")

type Dataset struct {
	ID        string      `koanf:"id" validate:"required"`
	MatrixSet string      `koanf:"matrix_set" validate:"required"`
	MinZoom   int         `koanf:"min_zoom" validate:"gte=0,lte=30"`
	MaxZoom   int         `koanf:"max_zoom" validate:"gte=0,lte=30,gtefield=MinZoom"`
	Extent    *model.BBox `koanf:"extent"`
	Styles    []string    `koanf:"styles"`
	Formats   []string    `koanf:"formats" validate:"required,min=1,dive,required"`
	// QuotaBytes of zero leaves the dataset unbounded.
	QuotaBytes       int64    `koanf:"quota_bytes" validate:"gte=0"`
	Headroom         *float64 `koanf:"headroom" validate:"omitempty,gte=0,lt=1"`
	FailureThreshold *float64 `koanf:"failure_threshold" validate:"omitempty,gte=0,lte=1"`
	// Upstream overrides the renderer URL template for this dataset.
	Upstream string `koanf:"upstream"`

	matrix tms.MatrixSet
}

func (d Dataset) Bounds() keys.Bounds {
	return keys.Bounds{MatrixSet: d.matrix, MinZoom: d.MinZoom, MaxZoom: d.MaxZoom, Extent: d.Extent}
}

func (d Dataset) TileMatrixSet() tms.MatrixSet { return d.matrix }

// StyleList is the styles to act on for dataset-wide operations; a dataset
// without styles has the single default style "".
func (d Dataset) StyleList() []string {
	if len(d.Styles) == 0 {
		return []string{""}
	}
	return d.Styles
}

func (d Dataset) DefaultFormat() string { return d.Formats[0] }

func (d Dataset) HasFormat(f string) bool {
	for _, x := range d.Formats {
		if strings.EqualFold(x, f) {
			return true
		}
	}
	return false
}

func (d Dataset) HasStyle(s string) bool {
	for _, x := range d.StyleList() {
		if x == s {
			return true
		}
	}
	return false
}

type Catalog struct {
	byID map[string]Dataset
}

var validate = validator.New()

// New validates the datasets and indexes them by id.
func New(datasets ...Dataset) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Dataset, len(datasets))}
	for _, d := range datasets {
		d.ID = strings.TrimSpace(d.ID)
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", d.ID, err)
		}
		m, err := tms.Lookup(d.MatrixSet)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", d.ID, err)
		}
		if d.Extent != nil {
			if err := d.Extent.Validate(); err != nil {
				return nil, fmt.Errorf("dataset %q extent: %w", d.ID, err)
			}
		}
		for i, f := range d.Formats {
			d.Formats[i] = strings.ToLower(strings.TrimSpace(f))
		}
		d.matrix = m
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("dataset %q declared twice", d.ID)
		}
		c.byID[d.ID] = d
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Dataset, error) {
	d, ok := c.byID[id]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownDataset, id)
	}
	return d, nil
}

// Bounds is the tile matrix bounds of dataset id.
func (c *Catalog) Bounds(id string) (keys.Bounds, error) {
	d, err := c.Lookup(id)
	if err != nil {
		return keys.Bounds{}, err
	}
	return d.Bounds(), nil
}

// QuotaLimit returns the dataset's byte limit, zero when unknown or unbounded.
func (c *Catalog) QuotaLimit(id string) int64 {
	return c.byID[id].QuotaBytes
}

// Headroom returns the dataset override or def.
func (c *Catalog) Headroom(id string, def float64) float64 {
	if d, ok := c.byID[id]; ok && d.Headroom != nil {
		return *d.Headroom
	}
	return def
}

// FailureThreshold returns the dataset override, or nil.
func (c *Catalog) FailureThreshold(id string) *float64 {
	return c.byID[id].FailureThreshold
}

// List returns datasets sorted by id.
func (c *Catalog) List() []Dataset {
	out := make([]Dataset, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) IDs() []string {
	ds := c.List()
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
