package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	return string(b)
}

func TestRecorder_LabelsAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveRequest("parcels", ResultHit)
	r.ObserveRequest("parcels", ResultMiss)
	r.ObserveRequest("parcels", ResultMiss)
	r.ObserveRequest("parcels", ResultCoalesced)
	r.ObserveRender("parcels", "ok", 20*time.Millisecond)
	r.ObserveRender("parcels", "timeout", 3*time.Second)
	r.ObserveStorageOp("memory", "get", storage.ErrNotFound, time.Millisecond)
	r.ObserveStorageOp("memory", "put", storage.Unavailable("put", errors.New("x")), time.Millisecond)
	r.AddPurged(3, 1)
	r.ObserveEviction("parcels", true, 512)
	r.SetQuotaUsed("parcels", 2048)
	r.IncPreseedJob("completed")

	out := scrape(t, reg)
	for _, want := range []string{
		`tilecache_requests_total{dataset="parcels",result="miss"} 2`,
		`tilecache_render_failures_total{dataset="parcels",reason="timeout"} 1`,
		`tilecache_storage_errors_total{class="unavailable",op="put"} 1`,
		`tilecache_purge_objects_total{result="deleted"} 3`,
		`tilecache_evicted_bytes_total{dataset="parcels"} 512`,
		`tilecache_quota_used_bytes{dataset="parcels"} 2048`,
		`preseed_jobs_total{status="completed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics; got:\n%s", want, out)
		}
	}
	if strings.Contains(out, `class="not_found"`) {
		t.Fatalf("misses must not count as storage errors:\n%s", out)
	}
}

func TestStats_MergesRenderHistogram(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveRequest("a", ResultHit)
	r.ObserveRequest("b", ResultMiss)
	r.ObserveRender("a", "ok", 4*time.Millisecond)
	r.ObserveRender("b", "ok", 30*time.Millisecond)
	r.ObserveRender("b", "error", time.Minute)

	st := r.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.RenderFailures != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.RenderCount != 3 {
		t.Fatalf("render count=%d want 3", st.RenderCount)
	}
	if len(st.RenderLatency) != len(renderBuckets)+1 {
		t.Fatalf("buckets=%d", len(st.RenderLatency))
	}
	first := st.RenderLatency[0]
	if first.UpperBound != 0.005 || first.Count != 1 {
		t.Fatalf("first bucket=%+v want le=0.005 count=1", first)
	}
	last := st.RenderLatency[len(st.RenderLatency)-1]
	if last.LE != "+Inf" || last.Count != 3 {
		t.Fatalf("last bucket=%+v", last)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveRequest("x", ResultHit)
	r.ObserveRender("x", "ok", time.Millisecond)
	if st := r.Stats(); st.Hits != 0 {
		t.Fatalf("nil recorder must not count")
	}
}
