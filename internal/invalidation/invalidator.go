package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

// ErrIncomplete means some tiles could not be deleted; the event should be
// applied again.
var ErrIncomplete = errors.New("invalidation incomplete")

type Cache interface {
	PurgeDataset(ctx context.Context, datasetID string) (tilecache.PurgeResult, error)
	DeleteMatching(ctx context.Context, datasetID string, match func(keys.TileKey) bool) (tilecache.PurgeResult, error)
}

type Datasets interface {
	Lookup(id string) (catalog.Dataset, error)
}

type Invalidator struct {
	cache    Cache
	datasets Datasets
	mapper   mapper.Interface
	log      *slog.Logger
}

func New(c Cache, datasets Datasets, m mapper.Interface, log *slog.Logger) *Invalidator {
	if log == nil {
		log = slog.Default()
	}
	return &Invalidator{cache: c, datasets: datasets, mapper: m, log: log.With("component", "invalidation")}
}

// Apply deletes every cached tile of the event's dataset that intersects the
// changed area, across all styles, formats and variants.
func (i *Invalidator) Apply(ctx context.Context, ev Event) (tilecache.PurgeResult, error) {
	if err := ev.Validate(); err != nil {
		return tilecache.PurgeResult{}, err
	}
	id := ev.DatasetID()
	ds, err := i.datasets.Lookup(id)
	if err != nil {
		return tilecache.PurgeResult{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var res tilecache.PurgeResult
	if ev.Op == OpPurge {
		res, err = i.cache.PurgeDataset(ctx, id)
	} else {
		var ranges map[int]tms.TileRange
		ranges, err = i.ranges(ds, ev)
		if err != nil {
			return tilecache.PurgeResult{}, err
		}
		if len(ranges) == 0 {
			i.log.Debug("invalidation outside dataset", "dataset", id, "op", ev.Op)
			return tilecache.PurgeResult{}, nil
		}
		res, err = i.cache.DeleteMatching(ctx, id, func(k keys.TileKey) bool {
			r, ok := ranges[k.Zoom]
			return ok && r.Contains(k.Col, k.Row)
		})
	}
	if err != nil {
		return res, err
	}
	i.log.Info("tiles invalidated", "dataset", id, "op", ev.Op, "version", ev.Version,
		"deleted", res.Succeeded, "failed", res.Failed)
	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d tiles of %q not deleted", ErrIncomplete, res.Failed, id)
	}
	return res, nil
}

func (i *Invalidator) area(ev Event) (model.BBox, error) {
	switch {
	case ev.BBox != nil:
		return *ev.BBox, nil
	case len(ev.Geometry) > 0:
		bb, err := i.mapper.BoundsForPolygon(model.Polygon{GeoJSON: string(ev.Geometry)})
		if err != nil {
			return model.BBox{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return bb, nil
	default:
		bb, err := i.mapper.BoundsForCells(ev.H3Cells)
		if err != nil {
			return model.BBox{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return bb, nil
	}
}

// ranges is the affected tile range per zoom, empty when the area misses the
// dataset.
func (i *Invalidator) ranges(ds catalog.Dataset, ev Event) (map[int]tms.TileRange, error) {
	area, err := i.area(ev)
	if err != nil {
		return nil, err
	}
	if ds.Extent != nil {
		var ok bool
		if area, ok = area.Intersect(*ds.Extent); !ok {
			return nil, nil
		}
	}
	ms := ds.TileMatrixSet()
	if _, ok := area.Intersect(ms.Extent()); !ok {
		return nil, nil
	}
	out := make(map[int]tms.TileRange)
	for z := ds.MinZoom; z <= ds.MaxZoom; z++ {
		if len(ev.Zooms) > 0 && !slices.Contains(ev.Zooms, z) {
			continue
		}
		r, err := ms.Range(area, z)
		if err != nil {
			return nil, fmt.Errorf("%w: zoom %d: %v", ErrInvalidEvent, z, err)
		}
		out[z] = r
	}
	return out, nil
}
