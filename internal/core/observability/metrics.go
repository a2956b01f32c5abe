// Package observability records cache, render, storage, quota and preseed
// metrics and keeps the running counters behind GetCacheStatistics.
package observability

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

// Request results.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultCoalesced = "coalesced"
	ResultError     = "error"
)

// Recorder owns every metric of the engine. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	requests        *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	renderFailures  *prometheus.CounterVec
	storageOps      *prometheus.HistogramVec
	storageErrors   *prometheus.CounterVec
	purgeObjects    *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	evictedBytes    *prometheus.CounterVec
	quotaUsed       *prometheus.GaugeVec
	preseedTiles    *prometheus.CounterVec
	preseedJobs     *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec

	hits, misses, coalesced, renderFailed atomic.Int64
}

var renderBuckets = prometheus.ExponentialBuckets(0.005, 2, 12) // 5ms to ~20s

// NewRecorder creates the metrics and registers them on reg. A nil reg
// keeps the metrics unregistered, which tests use for counter-only checks.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_requests_total",
			Help: "Tile requests by result.",
		}, []string{"dataset", "result"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tilecache_render_duration_seconds",
			Help:    "Render latency in seconds.",
			Buckets: renderBuckets,
		}, []string{"dataset", "outcome"}),
		renderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_render_failures_total",
			Help: "Failed renders by reason.",
		}, []string{"dataset", "reason"}),
		storageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tilecache_storage_operation_duration_seconds",
			Help:    "Storage backend operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"backend", "op"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_storage_errors_total",
			Help: "Storage backend errors by operation and class.",
		}, []string{"op", "class"}),
		purgeObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_purge_objects_total",
			Help: "Objects handled by dataset purges.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_evictions_total",
			Help: "Quota evictions by result.",
		}, []string{"dataset", "result"}),
		evictedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_evicted_bytes_total",
			Help: "Bytes freed by quota eviction.",
		}, []string{"dataset"}),
		quotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tilecache_quota_used_bytes",
			Help: "Estimated bytes used per dataset.",
		}, []string{"dataset"}),
		preseedTiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preseed_tiles_total",
			Help: "Preseed tile tasks by outcome.",
		}, []string{"outcome"}),
		preseedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preseed_jobs_total",
			Help: "Preseed jobs reaching a status.",
		}, []string{"status"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_invalidation_events_total",
			Help: "Invalidation events by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream render calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"upstream"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.requests, r.renderDuration, r.renderFailures, r.storageOps,
			r.storageErrors, r.purgeObjects, r.evictions, r.evictedBytes,
			r.quotaUsed, r.preseedTiles, r.preseedJobs, r.invalidations,
			r.httpRequests, r.httpDuration, r.upstreamLatency,
		)
	}
	return r
}

func (r *Recorder) ObserveRequest(dataset, result string) {
	if r == nil {
		return
	}
	switch result {
	case ResultHit:
		r.hits.Add(1)
	case ResultMiss:
		r.misses.Add(1)
	case ResultCoalesced:
		r.coalesced.Add(1)
	}
	r.requests.WithLabelValues(dataset, result).Inc()
}

// ObserveRender records one render; outcome is "ok", "error" or "timeout".
func (r *Recorder) ObserveRender(dataset, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.renderDuration.WithLabelValues(dataset, outcome).Observe(d.Seconds())
	if outcome != "ok" {
		r.renderFailed.Add(1)
		r.renderFailures.WithLabelValues(dataset, outcome).Inc()
	}
}

// ObserveStorageOp satisfies storage.OpObserver.
func (r *Recorder) ObserveStorageOp(backend, op string, err error, d time.Duration) {
	if r == nil {
		return
	}
	r.storageOps.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.storageErrors.WithLabelValues(op, storage.Class(err)).Inc()
	}
}

func (r *Recorder) AddPurged(succeeded, failed int) {
	if r == nil {
		return
	}
	r.purgeObjects.WithLabelValues("deleted").Add(float64(succeeded))
	r.purgeObjects.WithLabelValues("failed").Add(float64(failed))
}

func (r *Recorder) ObserveEviction(dataset string, ok bool, bytes int64) {
	if r == nil {
		return
	}
	if !ok {
		r.evictions.WithLabelValues(dataset, "failed").Inc()
		return
	}
	r.evictions.WithLabelValues(dataset, "evicted").Inc()
	r.evictedBytes.WithLabelValues(dataset).Add(float64(bytes))
}

func (r *Recorder) SetQuotaUsed(dataset string, bytes int64) {
	if r == nil {
		return
	}
	r.quotaUsed.WithLabelValues(dataset).Set(float64(bytes))
}

func (r *Recorder) IncPreseedTile(outcome string) {
	if r == nil {
		return
	}
	r.preseedTiles.WithLabelValues(outcome).Inc()
}

func (r *Recorder) IncPreseedJob(status string) {
	if r == nil {
		return
	}
	r.preseedJobs.WithLabelValues(status).Inc()
}

func (r *Recorder) IncInvalidation(result string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	st := strconv.Itoa(status)
	r.httpRequests.WithLabelValues(method, route, st).Inc()
	r.httpDuration.WithLabelValues(method, route, st).Observe(d.Seconds())
}

func (r *Recorder) ObserveUpstreamLatency(upstream string, d time.Duration) {
	if r == nil {
		return
	}
	r.upstreamLatency.WithLabelValues(upstream).Observe(d.Seconds())
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"-"`
	// LE is UpperBound in Prometheus text form, "+Inf" for the last bucket.
	LE    string `json:"le"`
	Count uint64 `json:"count"`
}

type Statistics struct {
	Hits             int64    `json:"hits"`
	Misses           int64    `json:"misses"`
	Coalesced        int64    `json:"coalesced"`
	RenderFailures   int64    `json:"render_failures"`
	RenderCount      uint64   `json:"render_count"`
	RenderSumSeconds float64  `json:"render_sum_seconds"`
	RenderLatency    []Bucket `json:"render_latency"`
}

// Stats snapshots the counters and merges the render latency histogram
// across datasets and outcomes.
func (r *Recorder) Stats() Statistics {
	if r == nil {
		return Statistics{}
	}
	st := Statistics{
		Hits:           r.hits.Load(),
		Misses:         r.misses.Load(),
		Coalesced:      r.coalesced.Load(),
		RenderFailures: r.renderFailed.Load(),
	}

	ch := make(chan prometheus.Metric, 16)
	go func() {
		r.renderDuration.Collect(ch)
		close(ch)
	}()
	merged := make(map[float64]uint64, len(renderBuckets)+1)
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		h := pb.GetHistogram()
		if h == nil {
			continue
		}
		st.RenderCount += h.GetSampleCount()
		st.RenderSumSeconds += h.GetSampleSum()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
		merged[math.Inf(1)] += h.GetSampleCount()
	}
	if len(merged) == 0 {
		for _, ub := range renderBuckets {
			merged[ub] = 0
		}
		merged[math.Inf(1)] = 0
	}
	for ub, c := range merged {
		st.RenderLatency = append(st.RenderLatency, Bucket{
			UpperBound: ub,
			LE:         strconv.FormatFloat(ub, 'g', -1, 64),
			Count:      c,
		})
	}
	sort.Slice(st.RenderLatency, func(i, j int) bool {
		return st.RenderLatency[i].UpperBound < st.RenderLatency[j].UpperBound
	})
	return st
}
