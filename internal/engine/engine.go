// Package engine is the entry point collaborators use: tile reads and
// renders, preseed jobs, purges, statistics and quota.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

var ErrNoRenderer = errors.New("no renderer configured")

type Cache interface {
	GetTile(ctx context.Context, key keys.TileKey) (tilecache.Tile, error)
	GetOrRender(ctx context.Context, key keys.TileKey, r tilecache.Renderer) (tilecache.Result, error)
	PurgeDataset(ctx context.Context, datasetID string) (tilecache.PurgeResult, error)
}

type Jobs interface {
	CreateJob(ctx context.Context, spec preseed.Spec) (preseed.Job, error)
	CancelJob(ctx context.Context, id string) (preseed.Job, error)
	GetStatus(ctx context.Context, id string) (preseed.Job, error)
	ListJobs(ctx context.Context, statuses ...preseed.Status) ([]preseed.Job, error)
}

type Quota interface {
	Record(datasetID string) quota.Record
}

type Datasets interface {
	Lookup(id string) (catalog.Dataset, error)
	List() []catalog.Dataset
}

// TileRequest names a tile the way protocol handlers receive it. Empty
// Style and Format select the dataset defaults.
type TileRequest struct {
	Dataset string
	Style   string
	Format  string
	Variant string
	Z, X, Y int
}

type Engine struct {
	datasets Datasets
	cache    Cache
	jobs     Jobs
	quota    Quota
	renderer tilecache.Renderer
	rec      *observability.Recorder
}

// New wires the engine. renderer may be nil when only cached tiles are
// served.
func New(datasets Datasets, cache Cache, jobs Jobs, q Quota, renderer tilecache.Renderer, rec *observability.Recorder) *Engine {
	return &Engine{
		datasets: datasets,
		cache:    cache,
		jobs:     jobs,
		quota:    q,
		renderer: renderer,
		rec:      rec,
	}
}

// Key resolves req against the catalog into a validated TileKey.
func (e *Engine) Key(req TileRequest) (keys.TileKey, error) {
	ds, err := e.datasets.Lookup(req.Dataset)
	if err != nil {
		return keys.TileKey{}, err
	}
	style := req.Style
	if style == "" {
		style = ds.StyleList()[0]
	}
	if !ds.HasStyle(style) {
		return keys.TileKey{}, fmt.Errorf("%w: style %q not offered by %q", keys.ErrInvalidKey, style, ds.ID)
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = ds.DefaultFormat()
	}
	if !ds.HasFormat(format) {
		return keys.TileKey{}, fmt.Errorf("%w: format %q not offered by %q", keys.ErrInvalidKey, format, ds.ID)
	}
	return keys.Build(ds.Bounds(), ds.ID, style, format, req.Z, req.X, req.Y, req.Variant)
}

// GetTile returns the cached tile or tilecache.ErrMiss. It never renders.
func (e *Engine) GetTile(ctx context.Context, key keys.TileKey) (tilecache.Tile, error) {
	return e.cache.GetTile(ctx, key)
}

// GetOrRender serves key from the cache, rendering it with the configured
// renderer on a miss.
func (e *Engine) GetOrRender(ctx context.Context, key keys.TileKey) (tilecache.Result, error) {
	if e.renderer == nil {
		return tilecache.Result{}, ErrNoRenderer
	}
	return e.cache.GetOrRender(ctx, key, e.renderer)
}

// GetOrRenderWith is GetOrRender with a caller supplied renderer.
func (e *Engine) GetOrRenderWith(ctx context.Context, key keys.TileKey, r tilecache.Renderer) (tilecache.Result, error) {
	return e.cache.GetOrRender(ctx, key, r)
}

// CreatePreseedJob needs a renderer: preseeding only ever renders.
func (e *Engine) CreatePreseedJob(ctx context.Context, spec preseed.Spec) (string, error) {
	if e.renderer == nil {
		return "", ErrNoRenderer
	}
	j, err := e.jobs.CreateJob(ctx, spec)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (e *Engine) GetPreseedStatus(ctx context.Context, id string) (preseed.Job, error) {
	return e.jobs.GetStatus(ctx, id)
}

// CancelPreseedJob returns preseed.ErrJobAlreadyTerminal, with the job, when
// it had already finished; nothing is changed in that case.
func (e *Engine) CancelPreseedJob(ctx context.Context, id string) (preseed.Job, error) {
	return e.jobs.CancelJob(ctx, id)
}

func (e *Engine) ListPreseedJobs(ctx context.Context, statuses ...preseed.Status) ([]preseed.Job, error) {
	return e.jobs.ListJobs(ctx, statuses...)
}

// PurgeDataset deletes whatever is stored under the dataset's prefix. The
// dataset need not be in the catalog, so tiles of a retired dataset can
// still be removed; an id with nothing stored yields a zero result.
func (e *Engine) PurgeDataset(ctx context.Context, datasetID string) (tilecache.PurgeResult, error) {
	if strings.TrimSpace(datasetID) == "" {
		return tilecache.PurgeResult{}, fmt.Errorf("%w: empty dataset id", keys.ErrInvalidKey)
	}
	return e.cache.PurgeDataset(ctx, datasetID)
}

func (e *Engine) GetCacheStatistics() observability.Statistics {
	return e.rec.Stats()
}

func (e *Engine) GetQuotaInfo(datasetID string) (quota.Record, error) {
	if _, err := e.datasets.Lookup(datasetID); err != nil {
		return quota.Record{}, err
	}
	return e.quota.Record(datasetID), nil
}

// Datasets lists the catalog.
func (e *Engine) Datasets() []catalog.Dataset {
	return e.datasets.List()
}
