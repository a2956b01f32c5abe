// Package router maps the tile read path and the admin API onto the engine.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/engine"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

const maxBodyBytes = 1 << 20

// Engine is the part of *engine.Engine the handlers call.
type Engine interface {
	Key(req engine.TileRequest) (keys.TileKey, error)
	GetTile(ctx context.Context, key keys.TileKey) (tilecache.Tile, error)
	GetOrRender(ctx context.Context, key keys.TileKey) (tilecache.Result, error)
	CreatePreseedJob(ctx context.Context, spec preseed.Spec) (string, error)
	GetPreseedStatus(ctx context.Context, id string) (preseed.Job, error)
	CancelPreseedJob(ctx context.Context, id string) (preseed.Job, error)
	ListPreseedJobs(ctx context.Context, statuses ...preseed.Status) ([]preseed.Job, error)
	PurgeDataset(ctx context.Context, datasetID string) (tilecache.PurgeResult, error)
	GetCacheStatistics() observability.Statistics
	GetQuotaInfo(datasetID string) (quota.Record, error)
	Datasets() []catalog.Dataset
}

// Invalidator applies a single invalidation event synchronously.
type Invalidator interface {
	Apply(ctx context.Context, ev invalidation.Event) (tilecache.PurgeResult, error)
}

type handlers struct {
	eng Engine
	inv Invalidator
	log *slog.Logger
}

// Mount registers the tile and admin routes on r. inv may be nil, which
// leaves POST /admin/invalidate unregistered.
func Mount(r chi.Router, eng Engine, inv Invalidator, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{eng: eng, inv: inv, log: log}

	r.Get("/tiles/{dataset}/{z}/{x}/{y}.{format}", h.getTile)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/datasets", h.listDatasets)
		r.Post("/preseed", h.createJob)
		r.Get("/preseed", h.listJobs)
		r.Get("/preseed/{id}", h.getJob)
		r.Delete("/preseed/{id}", h.cancelJob)
		r.Delete("/cache/{dataset}", h.purge)
		r.Get("/quota/{dataset}", h.quota)
		r.Get("/stats", h.stats)
		if inv != nil {
			r.Post("/invalidate", h.invalidate)
		}
	})
}

func (h *handlers) getTile(w http.ResponseWriter, r *http.Request) {
	req, err := parseTileRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := h.eng.Key(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		tile  tilecache.Tile
		state string
	)
	if r.URL.Query().Get("cached") == "only" {
		tile, err = h.eng.GetTile(r.Context(), key)
		state = "HIT"
	} else {
		var res tilecache.Result
		res, err = h.eng.GetOrRender(r.Context(), key)
		tile = res.Tile
		switch {
		case res.Hit:
			state = "HIT"
		case res.Shared:
			state = "SHARED"
		default:
			state = "MISS"
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ct := tile.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(tile.Data)))
	w.Header().Set("X-Cache", state)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tile.Data)
}

func parseTileRequest(r *http.Request) (engine.TileRequest, error) {
	req := engine.TileRequest{
		Dataset: chi.URLParam(r, "dataset"),
		Format:  chi.URLParam(r, "format"),
		Style:   strings.TrimSpace(r.URL.Query().Get("style")),
		Variant: strings.TrimSpace(r.URL.Query().Get("variant")),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &req.Z}, {"x", &req.X}, {"y", &req.Y}} {
		n, err := strconv.Atoi(chi.URLParam(r, p.name))
		if err != nil || n < 0 {
			return engine.TileRequest{}, fmt.Errorf("invalid %s %q", p.name, chi.URLParam(r, p.name))
		}
		*p.dst = n
	}
	return req, nil
}

type datasetView struct {
	ID         string      `json:"id"`
	MatrixSet  string      `json:"matrix_set"`
	MinZoom    int         `json:"min_zoom"`
	MaxZoom    int         `json:"max_zoom"`
	Styles     []string    `json:"styles"`
	Formats    []string    `json:"formats"`
	QuotaBytes int64       `json:"quota_bytes"`
	Extent     *model.BBox `json:"extent,omitempty"`
}

func (h *handlers) listDatasets(w http.ResponseWriter, _ *http.Request) {
	ds := h.eng.Datasets()
	out := make([]datasetView, 0, len(ds))
	for _, d := range ds {
		out = append(out, datasetView{
			ID: d.ID, MatrixSet: d.MatrixSet, MinZoom: d.MinZoom, MaxZoom: d.MaxZoom,
			Styles: d.StyleList(), Formats: d.Formats, QuotaBytes: d.QuotaBytes, Extent: d.Extent,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var spec preseed.Spec
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.eng.CreatePreseedJob(r.Context(), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/preseed/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []preseed.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for s := range strings.SplitSeq(raw, ",") {
			st := preseed.Status(strings.ToLower(strings.TrimSpace(s)))
			switch st {
			case preseed.StatusPending, preseed.StatusRunning, preseed.StatusCompleted,
				preseed.StatusFailed, preseed.StatusCancelled:
				statuses = append(statuses, st)
			default:
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", s))
				return
			}
		}
	}
	jobs, err := h.eng.ListPreseedJobs(r.Context(), statuses...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []preseed.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.eng.GetPreseedStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.eng.CancelPreseedJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, preseed.ErrJobAlreadyTerminal) {
		writeJSON(w, http.StatusConflict, struct {
			Error string      `json:"error"`
			Job   preseed.Job `json:"job"`
		}{err.Error(), j})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.PurgeDataset(r.Context(), chi.URLParam(r, "dataset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) quota(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.GetQuotaInfo(chi.URLParam(r, "dataset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.GetCacheStatistics())
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	var ev invalidation.Event
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.inv.Apply(r.Context(), ev)
	if err != nil && !errors.Is(err, invalidation.ErrIncomplete) {
		h.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, res)
}

// fail maps engine errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tilecache.ErrMiss),
		errors.Is(err, catalog.ErrUnknownDataset),
		errors.Is(err, preseed.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, keys.ErrInvalidKey),
		errors.Is(err, preseed.ErrInvalidJobSpec),
		errors.Is(err, invalidation.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, preseed.ErrJobAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, tilecache.ErrRenderTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tilecache.ErrRenderFailed):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrNoRenderer),
		errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
