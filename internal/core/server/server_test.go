package server

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

	"github.com/mohammed-shakir/geotile-cache/internal/core/health"
	"github.com/mohammed-shakir/geotile-cache/internal/metrics"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandler_ProbesAndMetrics(t *testing.T) {
	p := metrics.Init(metrics.Config{Enabled: true})
	failing := false
	h := NewHandler(Deps{
		Metrics: p,
		Checks: map[string]health.Check{"storage": func(context.Context) error {
			if failing {
				return errors.New("down")
			}
			return nil
		}},
		Logger: quietLog(),
	})

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rr.Code)
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz=%d body=%s", rr.Code, rr.Body.String())
	}
	failing = true
	if rr := get("/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz failing=%d", rr.Code)
	}
	if rr := get("/healthz"); rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}

	rr := get("/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `http_requests_total{method="GET",route="/healthz",status="200"}`) {
		t.Fatalf("http metrics missing:\n%s", rr.Body.String())
	}
}

func TestServer_ShutsDownOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", http.NotFoundHandler(), quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
