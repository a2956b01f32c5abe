package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/memstore"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/engine"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	h3mapper "github.com/mohammed-shakir/geotile-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubRenderer struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *stubRenderer) Render(_ context.Context, k keys.TileKey) (tilecache.Tile, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return tilecache.Tile{}, errors.New("upstream 500")
	}
	return tilecache.Tile{Data: []byte("img:" + k.String()), ContentType: "image/png"}, nil
}

type testServer struct {
	h        http.Handler
	renderer *stubRenderer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cat, err := catalog.New(catalog.Dataset{
		ID: "parcels", MatrixSet: "WebMercatorQuad", MinZoom: 0, MaxZoom: 14,
		Styles: []string{"day", "night"}, Formats: []string{"png", "webp"}, QuotaBytes: 1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	back := memstore.New()
	rec := observability.NewRecorder(nil)
	q := quota.New(back, cat, quota.DefaultConfig(), rec, nil, quietLog())
	t.Cleanup(q.Close)
	cache := tilecache.New(back, q, rec, nil, tilecache.DefaultConfig(), quietLog())
	r := &stubRenderer{}
	sched := preseed.New(preseed.NewMemoryStore(), cat, cache, r, nil, rec, preseed.Config{Workers: 2}, quietLog())
	eng := engine.New(cat, cache, sched, q, r, rec)
	inv := invalidation.New(cache, cat, h3mapper.New(), quietLog())

	mux := chi.NewRouter()
	Mount(mux, eng, inv, quietLog())
	return &testServer{h: mux, renderer: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestGetTile_MissThenHit(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/tiles/parcels/3/4/2.png?style=night", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != "MISS" || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("headers=%v", rr.Header())
	}
	first := rr.Body.Bytes()

	rr = s.do(t, http.MethodGet, "/tiles/parcels/3/4/2.png?style=night", "")
	if rr.Header().Get("X-Cache") != "HIT" || !bytes.Equal(rr.Body.Bytes(), first) {
		t.Fatalf("second read: %v %q", rr.Header(), rr.Body.String())
	}
	if got := s.renderer.calls.Load(); got != 1 {
		t.Fatalf("renders=%d want 1", got)
	}
}

func TestGetTile_CachedOnly(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(t, http.MethodGet, "/tiles/parcels/1/0/0.webp?cached=only", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
	if s.renderer.calls.Load() != 0 {
		t.Fatal("cached=only rendered")
	}
}

func TestGetTile_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		path string
		want int
	}{
		{"/tiles/nope/1/0/0.png", http.StatusNotFound},
		{"/tiles/parcels/1/5/0.png", http.StatusBadRequest},
		{"/tiles/parcels/20/0/0.png", http.StatusBadRequest},
		{"/tiles/parcels/1/0/0.gif", http.StatusBadRequest},
		{"/tiles/parcels/a/0/0.png", http.StatusBadRequest},
		{"/tiles/parcels/1/0/0.png?style=dusk", http.StatusBadRequest},
	}
	for _, c := range cases {
		if rr := s.do(t, http.MethodGet, c.path, ""); rr.Code != c.want {
			t.Errorf("%s: status=%d want %d (%s)", c.path, rr.Code, c.want, rr.Body.String())
		}
	}

	s.renderer.fail.Store(true)
	if rr := s.do(t, http.MethodGet, "/tiles/parcels/2/1/1.png", ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("render failure status=%d want 502", rr.Code)
	}
}

func TestPreseedEndpoints(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/admin/preseed", `{"dataset_ids":["parcels"],"zoom_min":0,"zoom_max":2}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]string](t, rr)["id"]
	if id == "" || rr.Header().Get("Location") != "/admin/preseed/"+id {
		t.Fatalf("id=%q location=%q", id, rr.Header().Get("Location"))
	}

	rr = s.do(t, http.MethodGet, "/admin/preseed/"+id, "")
	j := decode[preseed.Job](t, rr)
	if rr.Code != http.StatusOK || j.Status != preseed.StatusPending || j.TilesTotal != 21 {
		t.Fatalf("get: %d %+v", rr.Code, j)
	}

	rr = s.do(t, http.MethodGet, "/admin/preseed?status=pending", "")
	if jobs := decode[[]preseed.Job](t, rr); len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("list pending: %s", rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/admin/preseed?status=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rr.Code)
	}

	// no scheduler loop runs, so the job is still pending and cancels at once
	rr = s.do(t, http.MethodDelete, "/admin/preseed/"+id, "")
	if j := decode[preseed.Job](t, rr); rr.Code != http.StatusOK || j.Status != preseed.StatusCancelled {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodDelete, "/admin/preseed/"+id, ""); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/admin/preseed/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d", rr.Code)
	}

	for _, body := range []string{
		`{"dataset_ids":["parcels"],"zoom_min":3,"zoom_max":1}`,
		`{"dataset_ids":[],"zoom_min":0,"zoom_max":1}`,
		`{"dataset_ids":["parcels"],"zoom_min":0,"zoom_max":1,"colour":"red"}`,
		`not json`,
	} {
		if rr := s.do(t, http.MethodPost, "/admin/preseed", body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d want 400", body, rr.Code)
		}
	}
}

func TestPurgeQuotaStats(t *testing.T) {
	s := newTestServer(t)
	for x := range 3 {
		if rr := s.do(t, http.MethodGet, fmt.Sprintf("/tiles/parcels/2/%d/0.png", x), ""); rr.Code != http.StatusOK {
			t.Fatalf("seed tile: %d", rr.Code)
		}
	}

	rr := s.do(t, http.MethodGet, "/admin/quota/parcels", "")
	rec := decode[quota.Record](t, rr)
	if rr.Code != http.StatusOK || rec.UsedBytes == 0 || rec.LimitBytes != 1<<20 {
		t.Fatalf("quota: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/admin/stats", "")
	st := decode[observability.Statistics](t, rr)
	if st.Misses != 3 || st.RenderCount != 3 || len(st.RenderLatency) == 0 {
		t.Fatalf("stats: %s", rr.Body.String())
	}

	rr = s.do(t, http.MethodDelete, "/admin/cache/parcels", "")
	if res := decode[tilecache.PurgeResult](t, rr); rr.Code != http.StatusOK || res.Succeeded != 3 {
		t.Fatalf("purge: %d %s", rr.Code, rr.Body.String())
	}
	rr = s.do(t, http.MethodDelete, "/admin/cache/missing-dataset", "")
	if res := decode[tilecache.PurgeResult](t, rr); rr.Code != http.StatusOK || res != (tilecache.PurgeResult{}) {
		t.Fatalf("purge missing dataset: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/admin/quota/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("quota unknown: %d", rr.Code)
	}
}

func TestInvalidateEndpoint(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(t, http.MethodGet, "/tiles/parcels/0/0/0.png", ""); rr.Code != http.StatusOK {
		t.Fatalf("seed: %d", rr.Code)
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"op":"update","dataset":"parcels","ts":%q,"bbox":{"x1":18,"y1":59,"x2":18.1,"y2":59.1}}`, ts)
	rr := s.do(t, http.MethodPost, "/admin/invalidate", body)
	if res := decode[tilecache.PurgeResult](t, rr); rr.Code != http.StatusOK || res.Succeeded != 1 {
		t.Fatalf("invalidate: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/tiles/parcels/0/0/0.png?cached=only", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("tile survived invalidation: %d", rr.Code)
	}

	bad := fmt.Sprintf(`{"op":"update","dataset":"parcels","ts":%q}`, ts)
	if rr := s.do(t, http.MethodPost, "/admin/invalidate", bad); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid event: %d", rr.Code)
	}
}

func TestListDatasets(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/admin/datasets", "")
	ds := decode[[]datasetView](t, rr)
	if len(ds) != 1 || ds[0].ID != "parcels" || len(ds[0].Styles) != 2 {
		t.Fatalf("datasets: %s", rr.Body.String())
	}
}
