// Package tilecache serves tiles from the storage backend and renders
// misses, with at most one concurrent render per tile in this process.
//
// Two instances sharing a backend may still render the same tile at the
// same time; the later Put wins and both results are valid.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/hotness"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
)

var (
	// ErrRenderFailed wraps every renderer error and render timeout.
	ErrRenderFailed  = errors.New("render failed")
	ErrRenderTimeout = errors.New("render timed out")
	// ErrMiss is returned by GetTile when the tile is not cached.
	ErrMiss = errors.New("tile not cached")
)

const numShards = 64

// Tile is rendered or stored tile content. Data is shared between every
// caller of one coalesced render and must not be modified.
type Tile struct {
	Data        []byte
	ContentType string
}

// Renderer produces tile bytes. It must be safe for concurrent use with
// different keys.
type Renderer interface {
	Render(ctx context.Context, key keys.TileKey) (Tile, error)
}

type RenderFunc func(ctx context.Context, key keys.TileKey) (Tile, error)

func (f RenderFunc) Render(ctx context.Context, key keys.TileKey) (Tile, error) { return f(ctx, key) }

type Result struct {
	Tile
	// Hit is set when the tile came from storage.
	Hit bool
	// Shared is set when the caller waited on a render started by another.
	Shared bool
}

type Options struct {
	// Overwrite skips the cache lookup and always renders and stores.
	Overwrite bool
}

// Quota is the part of the quota manager the cache feeds.
type Quota interface {
	RecordWrite(datasetID string, sizeBytes int64)
	RecordDelete(datasetID string, sizeBytes int64)
	MaybeEnforce(datasetID string)
	Reconcile(ctx context.Context, datasetID string) (quota.Record, error)
}

type Config struct {
	RenderTimeout time.Duration
	// StorageTimeout bounds each backend call attempt.
	StorageTimeout   time.Duration
	Retry            storage.RetryPolicy
	PurgeConcurrency int
}

func DefaultConfig() Config {
	return Config{
		RenderTimeout:    30 * time.Second,
		StorageTimeout:   5 * time.Second,
		Retry:            storage.DefaultRetryPolicy(),
		PurgeConcurrency: 16,
	}
}

type Manager struct {
	backend storage.Backend
	quota   Quota
	rec     *observability.Recorder
	access  *hotness.Tracker
	log     *slog.Logger
	cfg     Config

	flights [numShards]singleflight.Group
}

// New builds a manager. quota, rec and access may be nil.
func New(b storage.Backend, q Quota, rec *observability.Recorder, access *hotness.Tracker, cfg Config, log *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = def.RenderTimeout
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = def.StorageTimeout
	}
	if cfg.PurgeConcurrency <= 0 {
		cfg.PurgeConcurrency = def.PurgeConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{backend: b, quota: q, rec: rec, access: access, log: log.With("component", "tilecache"), cfg: cfg}
}

func (m *Manager) Backend() storage.Backend { return m.backend }

func (m *Manager) get(ctx context.Context, path string) (storage.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StorageTimeout)
	defer cancel()
	return m.backend.Get(ctx, path)
}

// GetTile is the read-only path: it never renders.
func (m *Manager) GetTile(ctx context.Context, key keys.TileKey) (Tile, error) {
	path := keys.ToStoragePath(key)
	e, err := m.get(ctx, path)
	switch {
	case err == nil:
		m.rec.ObserveRequest(key.DatasetID, observability.ResultHit)
		m.access.Touch(path)
		return Tile{Data: e.Data, ContentType: e.ContentType}, nil
	case errors.Is(err, storage.ErrNotFound):
		m.rec.ObserveRequest(key.DatasetID, observability.ResultMiss)
		return Tile{}, ErrMiss
	default:
		m.rec.ObserveRequest(key.DatasetID, observability.ResultError)
		return Tile{}, fmt.Errorf("get %s: %w", path, err)
	}
}

func (m *Manager) GetOrRender(ctx context.Context, key keys.TileKey, r Renderer) (Result, error) {
	return m.GetOrRenderWith(ctx, key, r, Options{})
}

// GetOrRenderWith serves key from storage or renders it. Concurrent misses
// for one key share a single render and observe the same outcome. A
// transient storage failure on lookup is treated as a miss; a fatal one is
// returned.
func (m *Manager) GetOrRenderWith(ctx context.Context, key keys.TileKey, r Renderer, opts Options) (Result, error) {
	path := keys.ToStoragePath(key)

	// prev is the stored size an overwrite replaces, so quota usage grows
	// by the difference only
	var prev int64
	if opts.Overwrite {
		if e, err := m.get(ctx, path); err == nil {
			prev = int64(len(e.Data))
		}
	} else {
		e, err := m.get(ctx, path)
		switch {
		case err == nil:
			m.rec.ObserveRequest(key.DatasetID, observability.ResultHit)
			m.access.Touch(path)
			return Result{Tile: Tile{Data: e.Data, ContentType: e.ContentType}, Hit: true}, nil
		case errors.Is(err, storage.ErrNotFound):
		case errors.Is(err, storage.ErrFatal):
			m.rec.ObserveRequest(key.DatasetID, observability.ResultError)
			return Result{}, fmt.Errorf("get %s: %w", path, err)
		default:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			m.log.WarnContext(ctx, "storage lookup failed, rendering", "path", path, "error", err)
		}
	}

	// the render runs detached so one impatient caller cannot fail the
	// others waiting on the same flight
	detached := context.WithoutCancel(ctx)
	led := false
	g := &m.flights[keys.Hash(key)%numShards]
	ch := g.DoChan(path, func() (any, error) {
		led = true
		return m.renderAndStore(detached, key, path, r, prev)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		shared := !led
		if res.Err != nil {
			m.rec.ObserveRequest(key.DatasetID, observability.ResultError)
			return Result{Shared: shared}, res.Err
		}
		if shared {
			m.rec.ObserveRequest(key.DatasetID, observability.ResultCoalesced)
		} else {
			m.rec.ObserveRequest(key.DatasetID, observability.ResultMiss)
		}
		return Result{Tile: res.Val.(Tile), Shared: shared}, nil
	}
}

type renderOutcome struct {
	tile Tile
	err  error
}

// render calls r with the render timeout. A renderer that ignores its
// context is abandoned at the deadline.
func (m *Manager) render(ctx context.Context, key keys.TileKey, r Renderer) (Tile, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RenderTimeout)
	defer cancel()

	done := make(chan renderOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- renderOutcome{err: fmt.Errorf("renderer panic: %v", p)}
			}
		}()
		t, err := r.Render(ctx, key)
		done <- renderOutcome{tile: t, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return Tile{}, ErrRenderTimeout
		}
		return out.tile, out.err
	case <-ctx.Done():
		return Tile{}, ErrRenderTimeout
	}
}

func (m *Manager) renderAndStore(ctx context.Context, key keys.TileKey, path string, r Renderer, prev int64) (Tile, error) {
	start := time.Now()
	t, err := m.render(ctx, key, r)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrRenderTimeout) {
			outcome = "timeout"
		}
		m.rec.ObserveRender(key.DatasetID, outcome, elapsed)
		return Tile{}, fmt.Errorf("%w: %s: %w", ErrRenderFailed, path, err)
	}
	m.rec.ObserveRender(key.DatasetID, "ok", elapsed)

	err = storage.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.StorageTimeout)
		defer cancel()
		return m.backend.Put(ctx, path, t.Data, t.ContentType)
	})
	if err != nil {
		// the caller still gets the tile; it is just not cached
		m.log.WarnContext(ctx, "tile put failed", "path", path, "error", err)
		return t, nil
	}
	if m.quota != nil {
		switch delta := int64(len(t.Data)) - prev; {
		case delta > 0:
			m.quota.RecordWrite(key.DatasetID, delta)
			m.quota.MaybeEnforce(key.DatasetID)
		case delta < 0:
			m.quota.RecordDelete(key.DatasetID, -delta)
		}
	}
	return t, nil
}
