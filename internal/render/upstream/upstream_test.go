package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testCatalog(t *testing.T, upstreamOverride string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		catalog.Dataset{ID: "parcels", MatrixSet: "WebMercatorQuad", MaxZoom: 18, Formats: []string{"png"}},
		catalog.Dataset{ID: "water", MatrixSet: "WorldCRS84Quad", MaxZoom: 10, Formats: []string{"png"}, Upstream: upstreamOverride},
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRender_FetchesTemplatedURL(t *testing.T) {
	var gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG tile"))
	}))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	rec := observability.NewRecorder(reg)
	r, err := New(Config{Template: srv.URL + "/{dataset}/{style}/{z}/{x}/{y}.{format}"}, httpclient.NewOutbound(time.Second), testCatalog(t, ""), rec, quietLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k := keys.TileKey{DatasetID: "parcels", StyleID: "day", Format: "png", Zoom: 10, Col: 512, Row: 340}
	tile, err := r.Render(context.Background(), k)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if gotPath != "/parcels/day/10/512/340.png" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAccept != "image/png" {
		t.Fatalf("accept = %q", gotAccept)
	}
	if tile.ContentType != "image/png" || string(tile.Data) != "\x89PNG tile" {
		t.Fatalf("tile = %+v", tile)
	}
	n, err := testutil.GatherAndCount(reg, "upstream_latency_seconds")
	if err != nil || n != 1 {
		t.Fatalf("upstream latency series = %d, %v", n, err)
	}
}

func TestRender_DatasetOverrideWithBBox(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("BBOX")
		_, _ = w.Write([]byte("GIF89a"))
	}))
	t.Cleanup(srv.Close)

	r, err := New(Config{Template: "http://unused.invalid/{z}/{x}/{y}"}, srv.Client(), testCatalog(t, srv.URL+"/wms?LAYERS={dataset}&BBOX={bbox}"), nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	tile, err := r.Render(context.Background(), keys.TileKey{DatasetID: "water", Format: "gif", Zoom: 0, Col: 1, Row: 0})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if gotQuery != "0.00000000,-90.00000000,180.00000000,90.00000000" {
		t.Fatalf("bbox = %q", gotQuery)
	}
	if tile.ContentType != "image/gif" {
		t.Fatalf("sniffed content type = %q", tile.ContentType)
	}
}

func TestRender_Errors(t *testing.T) {
	status := http.StatusInternalServerError
	body := "renderer crashed"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	r, err := New(Config{Template: srv.URL + "/{z}/{x}/{y}", MaxBytes: 8}, srv.Client(), nil, nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	k := keys.TileKey{DatasetID: "parcels", Format: "png", Zoom: 1}

	if _, err := r.Render(context.Background(), k); err == nil || !strings.Contains(err.Error(), "status 500: renderer crashed") {
		t.Fatalf("5xx err = %v", err)
	}
	status, body = http.StatusOK, ""
	if _, err := r.Render(context.Background(), k); !errors.Is(err, ErrEmptyTile) {
		t.Fatalf("empty err = %v", err)
	}
	body = "much more than eight bytes"
	if _, err := r.Render(context.Background(), k); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("oversize err = %v", err)
	}
	if _, err := New(Config{Template: "/relative/{z}"}, nil, nil, nil, nil); err == nil {
		t.Fatalf("relative template accepted")
	}
}

func TestRender_UnknownDataset(t *testing.T) {
	r, err := New(Config{Template: "http://example.invalid/{dataset}"}, nil, testCatalog(t, ""), nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render(context.Background(), keys.TileKey{DatasetID: "nope", Format: "png"}); !errors.Is(err, catalog.ErrUnknownDataset) {
		t.Fatalf("err = %v", err)
	}
}
