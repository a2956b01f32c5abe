package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_RecorderMetrics_OnProviderRegistry(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	rec := p.Recorder()

	rec.ObserveRequest("parcels", observability.ResultMiss)
	rec.ObserveRequest("parcels", observability.ResultHit)
	rec.ObserveRender("parcels", "ok", 12*time.Millisecond)
	rec.ObserveRender("parcels", "timeout", 5*time.Second)
	rec.ObserveStorageOp("s3", "put", storage.ErrUnavailable, 3*time.Millisecond)
	rec.SetQuotaUsed("parcels", 4096)
	rec.IncPreseedJob("completed")
	rec.IncInvalidation("applied")
	rec.ObserveHTTP(http.MethodGet, "/tiles/{dataset}/{z}/{x}/{y}.{format}", http.StatusOK, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, p.Path(), nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`tilecache_render_duration_seconds_bucket`,
		`tilecache_storage_operation_duration_seconds_count`,
		`tilecache_quota_used_bytes{dataset="parcels"} 4096`,
		`preseed_jobs_total{status="completed"} 1`,
		`tilecache_invalidation_events_total{result="applied"} 1`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "tilecache_requests_total", `dataset="parcels"`, `result="hit"`)
	assertHasMetricLine(t, body, "tilecache_render_failures_total", `reason="timeout"`)
	assertHasMetricLine(t, body, "tilecache_storage_errors_total", `op="put"`, `class="unavailable"`)
	assertHasMetricLine(t, body, "http_requests_total", `status="200"`)
	assertHasMetricLine(t, body, "tilecache_build_info", `version="test"`)
}
