// Package upstream renders tiles by fetching them from an external rendering
// service over HTTP.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

// ErrEmptyTile is returned for a successful response with no body.
var ErrEmptyTile = errors.New("upstream returned an empty tile")

const defaultMaxBytes = 16 << 20

// Datasets resolves per-dataset template overrides and matrix sets.
type Datasets interface {
	Lookup(id string) (catalog.Dataset, error)
}

type Config struct {
	// Template is the tile URL with placeholders {dataset}, {style},
	// {format}, {variant}, {z}, {x}, {y} and {bbox} (minx,miny,maxx,maxy in
	// lon/lat).
	Template string
	MaxBytes int64
}

// Renderer implements tilecache.Renderer against an HTTP tile service.
type Renderer struct {
	cfg      Config
	client   *http.Client
	datasets Datasets
	rec      *observability.Recorder
	log      *slog.Logger
	now      func() time.Time
}

var _ tilecache.Renderer = (*Renderer)(nil)

func New(cfg Config, client *http.Client, datasets Datasets, rec *observability.Recorder, log *slog.Logger) (*Renderer, error) {
	if err := checkTemplate(cfg.Template); err != nil {
		return nil, err
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{cfg: cfg, client: client, datasets: datasets, rec: rec, log: log.With("component", "upstream"), now: time.Now}, nil
}

func checkTemplate(tpl string) error {
	u, err := url.Parse(strings.NewReplacer("{", "", "}", "").Replace(tpl))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream template %q is not an absolute URL", tpl)
	}
	return nil
}

// URL expands the template for key.
func (r *Renderer) URL(key keys.TileKey) (string, error) {
	tpl := r.cfg.Template
	var ds catalog.Dataset
	if r.datasets != nil {
		var err error
		if ds, err = r.datasets.Lookup(key.DatasetID); err != nil {
			return "", err
		}
		if ds.Upstream != "" {
			tpl = ds.Upstream
		}
	}
	if tpl == "" {
		return "", fmt.Errorf("no upstream template for dataset %q", key.DatasetID)
	}
	pairs := []string{
		"{dataset}", url.PathEscape(key.DatasetID),
		"{style}", url.PathEscape(key.StyleID),
		"{format}", url.PathEscape(key.Format),
		"{variant}", url.PathEscape(key.Variant),
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.Col),
		"{y}", strconv.Itoa(key.Row),
	}
	if strings.Contains(tpl, "{bbox}") {
		ms := ds.TileMatrixSet()
		if ms.IsZero() {
			return "", fmt.Errorf("dataset %q has no matrix set for {bbox}", key.DatasetID)
		}
		bb := ms.TileBounds(key.Zoom, key.Col, key.Row)
		pairs = append(pairs, "{bbox}", fmt.Sprintf("%.8f,%.8f,%.8f,%.8f", bb.X1, bb.Y1, bb.X2, bb.Y2))
	}
	return strings.NewReplacer(pairs...).Replace(tpl), nil
}

func (r *Renderer) Render(ctx context.Context, key keys.TileKey) (tilecache.Tile, error) {
	u, err := r.URL(key)
	if err != nil {
		return tilecache.Tile{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return tilecache.Tile{}, fmt.Errorf("build request: %w", err)
	}
	if ct := mime.TypeByExtension("." + key.Format); ct != "" {
		req.Header.Set("Accept", ct)
	}

	start := r.now()
	resp, err := r.client.Do(req)
	if err != nil {
		return tilecache.Tile{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	r.rec.ObserveUpstreamLatency(key.DatasetID, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return tilecache.Tile{}, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return tilecache.Tile{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > r.cfg.MaxBytes {
		return tilecache.Tile{}, fmt.Errorf("upstream tile exceeds %d bytes", r.cfg.MaxBytes)
	}
	if len(b) == 0 {
		return tilecache.Tile{}, ErrEmptyTile
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(b)
	}
	r.log.Debug("tile rendered", "tile", key.String(), "bytes", len(b), "duration", time.Since(start).String())
	return tilecache.Tile{Data: b, ContentType: ct}, nil
}
