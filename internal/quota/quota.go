// Package quota tracks bytes used per dataset against the configured limit
// and evicts the least recently used tiles when a dataset runs over.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/hotness"
)

// ErrQuotaExceeded is returned by EnforceQuota only when eviction could not
// bring usage back under the limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

const numShards = 64

// Limits supplies per-dataset policy; *catalog.Catalog satisfies it.
type Limits interface {
	QuotaLimit(datasetID string) int64
	Headroom(datasetID string, def float64) float64
	IDs() []string
}

type Config struct {
	// Headroom is the fraction of the limit freed below it on eviction.
	Headroom          float64
	ReconcileInterval time.Duration
	// Concurrency bounds datasets reconciled in parallel.
	Concurrency    int
	EnforceTimeout time.Duration
	Retry          storage.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Headroom:          0.1,
		ReconcileInterval: 5 * time.Minute,
		Concurrency:       4,
		EnforceTimeout:    5 * time.Minute,
		Retry:             storage.RetryPolicy{MinBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, MaxRetries: 3},
	}
}

// Record is the quota state of one dataset.
type Record struct {
	DatasetID      string    `json:"dataset_id"`
	LimitBytes     int64     `json:"limit_bytes"`
	UsedBytes      int64     `json:"used_bytes_estimate"`
	LastReconciled time.Time `json:"last_reconciled"`
}

type EvictionResult struct {
	Evicted      int   `json:"evicted"`
	EvictedBytes int64 `json:"evicted_bytes"`
	Failed       int   `json:"failed"`
	UsedBytes    int64 `json:"used_bytes"`
}

type usage struct {
	used atomic.Int64
	// serializes reconcile and enforcement of one dataset
	mu           sync.Mutex
	enforcing    atomic.Bool
	reconciledAt atomic.Int64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*usage
}

type Manager struct {
	backend storage.Backend
	limits  Limits
	cfg     Config
	rec     *observability.Recorder
	access  *hotness.Tracker
	log     *slog.Logger

	shards [numShards]shard

	ctx    context.Context
	cancel context.CancelFunc
	// closeMu orders wg.Add in MaybeEnforce before the wait in Close
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// New builds a manager. access may be nil, in which case eviction orders by
// modification time alone.
func New(b storage.Backend, limits Limits, cfg Config, rec *observability.Recorder, access *hotness.Tracker, log *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Headroom < 0 || cfg.Headroom >= 1 {
		cfg.Headroom = def.Headroom
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.EnforceTimeout <= 0 {
		cfg.EnforceTimeout = def.EnforceTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{backend: b, limits: limits, cfg: cfg, rec: rec, access: access, log: log.With("component", "quota")}
	for i := range m.shards {
		m.shards[i].m = make(map[string]*usage)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) pick(datasetID string) *shard {
	h := xxhash.Sum64String(datasetID)
	return &m.shards[h&(numShards-1)]
}

func (m *Manager) lookup(datasetID string) *usage {
	s := m.pick(datasetID)
	s.mu.RLock()
	u := s.m[datasetID]
	s.mu.RUnlock()
	return u
}

// entry returns the dataset's usage, creating it on first use.
func (m *Manager) entry(datasetID string) *usage {
	if u := m.lookup(datasetID); u != nil {
		return u
	}
	s := m.pick(datasetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[datasetID]
	if u == nil {
		u = &usage{}
		s.m[datasetID] = u
	}
	return u
}

func (m *Manager) RecordWrite(datasetID string, sizeBytes int64) {
	u := m.entry(datasetID)
	m.rec.SetQuotaUsed(datasetID, u.used.Add(sizeBytes))
}

func (m *Manager) RecordDelete(datasetID string, sizeBytes int64) {
	u := m.entry(datasetID)
	m.rec.SetQuotaUsed(datasetID, u.used.Add(-sizeBytes))
}

// Record reports the current estimate. Datasets never written report zero.
func (m *Manager) Record(datasetID string) Record {
	r := Record{DatasetID: datasetID, LimitBytes: m.limits.QuotaLimit(datasetID)}
	if u := m.lookup(datasetID); u != nil {
		r.UsedBytes = max(u.used.Load(), 0)
		if ns := u.reconciledAt.Load(); ns > 0 {
			r.LastReconciled = time.Unix(0, ns).UTC()
		}
	}
	return r
}

// Datasets lists every dataset with tracked usage.
func (m *Manager) Datasets() []string {
	var out []string
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for id := range s.m {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Reconcile replaces the estimate with the enumerated total. Writes that
// land while the enumeration runs are carried over on top of it.
func (m *Manager) Reconcile(ctx context.Context, datasetID string) (Record, error) {
	u := m.entry(datasetID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := m.reconcileLocked(ctx, datasetID, u); err != nil {
		return m.Record(datasetID), err
	}
	return m.Record(datasetID), nil
}

func (m *Manager) reconcileLocked(ctx context.Context, datasetID string, u *usage) ([]storage.Object, error) {
	before := u.used.Load()
	objs, err := storage.Collect(ctx, m.backend, keys.DatasetPrefix(datasetID))
	if err != nil {
		return nil, fmt.Errorf("reconcile %q: %w", datasetID, err)
	}
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	now := u.used.Add(total - before)
	u.reconciledAt.Store(time.Now().UnixNano())
	m.rec.SetQuotaUsed(datasetID, now)
	if drift := before - total; drift != 0 {
		m.log.Debug("quota estimate reconciled", "dataset", datasetID, "enumerated", total, "drift", drift)
	}
	return objs, nil
}

// EnforceQuota evicts least recently used tiles while usage exceeds the
// limit, down to limit*(1-headroom). A failed delete is logged and skipped.
func (m *Manager) EnforceQuota(ctx context.Context, datasetID string) (EvictionResult, error) {
	limit := m.limits.QuotaLimit(datasetID)
	u := m.entry(datasetID)
	if limit <= 0 || u.used.Load() <= limit {
		return EvictionResult{UsedBytes: u.used.Load()}, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	// enumeration doubles as a reconcile so eviction works from true usage
	objs, err := m.reconcileLocked(ctx, datasetID, u)
	if err != nil {
		return EvictionResult{UsedBytes: u.used.Load()}, err
	}
	var actual int64
	for _, o := range objs {
		actual += o.Size
	}
	res := EvictionResult{UsedBytes: actual}
	if actual <= limit {
		return res, nil
	}

	headroom := m.limits.Headroom(datasetID, m.cfg.Headroom)
	target := int64(float64(limit) * (1 - headroom))

	lastUsed := make(map[string]time.Time, len(objs))
	for _, o := range objs {
		lastUsed[o.Path] = m.access.LastUsed(o.Path, o.LastModified)
	}
	sort.SliceStable(objs, func(i, j int) bool {
		a, b := lastUsed[objs[i].Path], lastUsed[objs[j].Path]
		if a.Equal(b) {
			return objs[i].Path < objs[j].Path
		}
		return a.Before(b)
	})

	for _, o := range objs {
		if actual <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			res.UsedBytes = actual
			return res, err
		}
		err := storage.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
			return m.backend.Delete(ctx, o.Path)
		})
		if err != nil {
			res.Failed++
			m.rec.ObserveEviction(datasetID, false, 0)
			m.log.Warn("eviction failed, skipping tile", "dataset", datasetID, "path", o.Path, "error", err)
			continue
		}
		actual -= o.Size
		res.Evicted++
		res.EvictedBytes += o.Size
		u.used.Add(-o.Size)
		m.access.Forget(o.Path)
		m.rec.ObserveEviction(datasetID, true, o.Size)
	}
	res.UsedBytes = actual
	m.rec.SetQuotaUsed(datasetID, u.used.Load())
	m.log.Info("quota enforced", "dataset", datasetID, "evicted", res.Evicted,
		"evicted_bytes", res.EvictedBytes, "failed", res.Failed, "used", actual, "limit", limit)

	if actual > limit {
		return res, fmt.Errorf("%w: dataset %q uses %d of %d bytes after eviction", ErrQuotaExceeded, datasetID, actual, limit)
	}
	return res, nil
}

// MaybeEnforce starts an asynchronous enforcement when the estimate is over
// the limit. At most one runs per dataset at a time.
func (m *Manager) MaybeEnforce(datasetID string) {
	limit := m.limits.QuotaLimit(datasetID)
	if limit <= 0 {
		return
	}
	u := m.entry(datasetID)
	if u.used.Load() <= limit {
		return
	}
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed || !u.enforcing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer u.enforcing.Store(false)
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.EnforceTimeout)
		defer cancel()
		if _, err := m.EnforceQuota(ctx, datasetID); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("quota enforcement incomplete", "dataset", datasetID, "error", err)
		}
	}()
}

// ReconcileAll reconciles then enforces every known dataset, a bounded
// number at a time.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	seen := map[string]bool{}
	var ids []string
	for _, id := range append(m.limits.IDs(), m.Datasets()...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Reconcile(gctx, id); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.log.Warn("quota reconcile failed", "dataset", id, "error", err)
				return nil
			}
			if _, err := m.EnforceQuota(gctx, id); err != nil && gctx.Err() == nil {
				m.log.Warn("quota enforcement incomplete", "dataset", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Serve runs ReconcileAll every ReconcileInterval until ctx ends.
func (m *Manager) Serve(ctx context.Context) error {
	t := time.NewTicker(m.cfg.ReconcileInterval)
	defer t.Stop()
	for {
		if err := m.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("quota reconcile pass failed", "error", err)
		}
		// accesses older than two passes no longer change eviction order
		m.access.Prune(time.Now().Add(-2 * m.cfg.ReconcileInterval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) String() string { return "quota-reconciler" }

// Close stops pending asynchronous enforcements and waits for them. Later
// MaybeEnforce calls do nothing.
func (m *Manager) Close() {
	m.closeMu.Lock()
	m.closed = true
	m.cancel()
	m.closeMu.Unlock()
	m.wg.Wait()
}

// Wait blocks until asynchronous enforcements started so far finish.
func (m *Manager) Wait() { m.wg.Wait() }
