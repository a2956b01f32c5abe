package preseed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/logger"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

// Datasets is the catalog view the scheduler needs; *catalog.Catalog
// satisfies it.
type Datasets interface {
	Lookup(id string) (catalog.Dataset, error)
	FailureThreshold(id string) *float64
}

// Cache is the part of the tile cache a preseed task drives.
type Cache interface {
	GetOrRenderWith(ctx context.Context, key keys.TileKey, r tilecache.Renderer, opts tilecache.Options) (tilecache.Result, error)
}

type Config struct {
	Workers int
	// QueueSize bounds jobs waiting in memory; overflow stays pending in the
	// store and is picked up by the sweep.
	QueueSize int
	// FailureThreshold is the failed/total ratio above which a job fails.
	// Zero selects the default.
	FailureThreshold float64
	// MaxTiles rejects jobs larger than this; zero disables the check.
	MaxTiles int64
	// Rate limits tile dispatch per second; zero disables it.
	Rate             float64
	ProgressInterval time.Duration
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        64,
		FailureThreshold: 0.5,
		ProgressInterval: time.Second,
		SweepInterval:    10 * time.Second,
	}
}

type run struct {
	cancel    atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64
}

type Scheduler struct {
	store    Store
	datasets Datasets
	cache    Cache
	renderer tilecache.Renderer
	events   EventPublisher
	rec      *observability.Recorder
	cfg      Config
	limiter  *rate.Limiter
	log      *slog.Logger
	now      func() time.Time

	queue chan string

	mu      sync.Mutex
	running map[string]*run
	queued  map[string]bool
}

var validate = validator.New()

// New builds a scheduler. events and rec may be nil.
func New(store Store, datasets Datasets, cache Cache, r tilecache.Renderer, events EventPublisher, rec *observability.Recorder, cfg Config, log *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	// zero means unset; a job that must fail on any tile sets its own
	// Spec.FailureThreshold to 0
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		datasets: datasets,
		cache:    cache,
		renderer: r,
		events:   events,
		rec:      rec,
		cfg:      cfg,
		log:      log.With("component", "preseed"),
		now:      time.Now,
		queue:    make(chan string, cfg.QueueSize),
		running:  make(map[string]*run),
		queued:   make(map[string]bool),
	}
	if cfg.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}
	return s
}

// target is one dataset's share of a job: the variant to render and the
// tile ranges per zoom.
type target struct {
	dataset catalog.Dataset
	style   string
	format  string
	ranges  []tms.TileRange
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJobSpec, fmt.Sprintf(format, args...))
}

// plan validates spec against the catalog and expands it into per-dataset
// tile ranges.
func (s *Scheduler) plan(spec Spec) ([]target, int64, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidJobSpec, err)
	}
	if spec.Area != nil {
		if err := spec.Area.Validate(); err != nil {
			return nil, 0, invalid("area: %v", err)
		}
	}
	var (
		out   []target
		total int64
		seen  = map[string]bool{}
	)
	for _, id := range spec.DatasetIDs {
		id = strings.TrimSpace(id)
		if seen[id] {
			return nil, 0, invalid("dataset %q listed twice", id)
		}
		seen[id] = true
		ds, err := s.datasets.Lookup(id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrInvalidJobSpec, err)
		}
		if spec.ZoomMin < ds.MinZoom || spec.ZoomMax > ds.MaxZoom {
			return nil, 0, invalid("zoom %d..%d outside dataset %q bounds %d..%d",
				spec.ZoomMin, spec.ZoomMax, id, ds.MinZoom, ds.MaxZoom)
		}
		t := target{dataset: ds, style: spec.Style, format: strings.ToLower(strings.TrimSpace(spec.Format))}
		if t.style == "" {
			t.style = ds.StyleList()[0]
		} else if !ds.HasStyle(t.style) {
			return nil, 0, invalid("dataset %q has no style %q", id, t.style)
		}
		if t.format == "" {
			t.format = ds.DefaultFormat()
		} else if !ds.HasFormat(t.format) {
			return nil, 0, invalid("dataset %q has no format %q", id, t.format)
		}

		area := ds.Extent
		if spec.Area != nil {
			a := *spec.Area
			if area != nil {
				var ok bool
				if a, ok = a.Intersect(*area); !ok {
					return nil, 0, invalid("area does not intersect dataset %q", id)
				}
			}
			area = &a
		}
		ms := ds.TileMatrixSet()
		for z := spec.ZoomMin; z <= spec.ZoomMax; z++ {
			r := ms.Full(z)
			if area != nil {
				if r, err = ms.Range(*area, z); err != nil {
					return nil, 0, invalid("dataset %q zoom %d: %v", id, z, err)
				}
			}
			t.ranges = append(t.ranges, r)
			total += r.Count()
		}
		out = append(out, t)
	}
	if total == 0 {
		return nil, 0, invalid("job covers no tiles")
	}
	if s.cfg.MaxTiles > 0 && total > s.cfg.MaxTiles {
		return nil, 0, invalid("job covers %d tiles, limit is %d", total, s.cfg.MaxTiles)
	}
	return out, total, nil
}

// CreateJob validates spec, persists it as pending and queues it. It does
// not wait for any tile.
func (s *Scheduler) CreateJob(ctx context.Context, spec Spec) (Job, error) {
	_, total, err := s.plan(spec)
	if err != nil {
		return Job{}, err
	}
	j := Job{
		ID:         uuid.NewString(),
		Spec:       spec,
		Status:     StatusPending,
		TilesTotal: total,
		CreatedAt:  s.now().UTC(),
	}
	j = j.Clone()
	if err := s.store.Create(ctx, j); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.rec.IncPreseedJob(string(StatusPending))
	s.publish(EventCreated, j)
	s.log.Info("preseed job created", "job_id", j.ID, "datasets", j.DatasetIDs,
		"zoom_min", j.ZoomMin, "zoom_max", j.ZoomMax, "tiles_total", j.TilesTotal)
	s.enqueue(j.ID)
	return j, nil
}

func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[id] {
		return
	}
	select {
	case s.queue <- id:
		s.queued[id] = true
	default:
		s.log.Debug("preseed queue full, job left for sweep", "job_id", id)
	}
}

// CancelJob stops a pending job immediately. A running job stops
// dispatching new tiles; it reaches cancelled once in-flight tiles return.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.running[id]; ok {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if j.Status.Terminal() {
			return j, fmt.Errorf("%w: job %s is %s", ErrJobAlreadyTerminal, id, j.Status)
		}
		r.cancel.Store(true)
		s.log.Info("preseed job cancel requested", "job_id", id)
		return s.overlay(j, r), nil
	}
	j, err := s.store.Transition(ctx, id, StatusCancelled, nil)
	if err != nil {
		return j, err
	}
	s.rec.IncPreseedJob(string(StatusCancelled))
	s.publish(EventCancelled, j)
	s.log.Info("preseed job cancelled before start", "job_id", id)
	return j, nil
}

// GetStatus returns the job with live counters when it is running.
func (s *Scheduler) GetStatus(ctx context.Context, id string) (Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	r := s.running[id]
	s.mu.Unlock()
	return s.overlay(j, r), nil
}

func (s *Scheduler) ListJobs(ctx context.Context, statuses ...Status) ([]Job, error) {
	jobs, err := s.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range jobs {
		jobs[i] = s.overlay(jobs[i], s.running[jobs[i].ID])
	}
	return jobs, nil
}

func (s *Scheduler) overlay(j Job, r *run) Job {
	if r == nil {
		return j
	}
	ApplyProgress(&j, r.completed.Load(), r.failed.Load())
	return j
}

// Serve fails jobs interrupted by a previous process, queues pending ones and
// then runs jobs one at a time until ctx ends. Without a renderer it leaves
// every stored job as it is and only waits for ctx.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.renderer == nil {
		s.log.Warn("no renderer configured, preseed jobs are not executed")
		<-ctx.Done()
		return ctx.Err()
	}
	s.recoverJobs(ctx)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.queue:
			s.runJob(ctx, id)
		case <-sweep.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) String() string { return "preseed-scheduler" }

func (s *Scheduler) recoverJobs(ctx context.Context) {
	stale, err := s.store.List(ctx, StatusRunning)
	if err != nil {
		s.log.Error("list interrupted preseed jobs", "error", err)
	}
	for _, old := range stale {
		j, err := s.store.Transition(ctx, old.ID, StatusFailed, func(j *Job) { j.Error = "interrupted" })
		if err != nil {
			s.log.Warn("fail interrupted preseed job", "job_id", old.ID, "error", err)
			continue
		}
		s.rec.IncPreseedJob(string(StatusFailed))
		s.publish(EventFailed, j)
		s.log.Warn("preseed job interrupted by restart", "job_id", j.ID)
	}
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	pending, err := s.store.List(ctx, StatusPending)
	if err != nil {
		s.log.Warn("list pending preseed jobs", "error", err)
		return
	}
	for _, j := range pending {
		s.enqueue(j.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, id string) {
	r := &run{}
	s.mu.Lock()
	delete(s.queued, id)
	s.running[id] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	job, err := s.store.Transition(ctx, id, StatusRunning, nil)
	if err != nil {
		if !errors.Is(err, ErrJobAlreadyTerminal) && !errors.Is(err, ErrInvalidTransition) {
			s.log.Warn("start preseed job", "job_id", id, "error", err)
		}
		return
	}
	ctx = logger.WithJobID(ctx, id)
	log := s.log.With("job_id", id)
	s.rec.IncPreseedJob(string(StatusRunning))
	s.publish(EventRunning, job)
	log.Info("preseed job started", "tiles_total", job.TilesTotal)

	targets, _, err := s.plan(job.Spec)
	if err != nil {
		// catalog changed since the job was accepted
		s.finish(ctx, log, job, r, fmt.Sprintf("plan: %v", err))
		return
	}
	stopped := s.execute(ctx, job, targets, r, log)
	reason := ""
	if stopped {
		reason = "scheduler stopped"
	}
	s.finish(ctx, log, job, r, reason)
}

// execute dispatches every tile of the job into the worker pool and returns
// once all dispatched tiles finished. It reports whether dispatch stopped
// because ctx ended.
func (s *Scheduler) execute(ctx context.Context, job Job, targets []target, r *run, log *slog.Logger) bool {
	// tiles already dispatched finish even when the scheduler is stopping
	taskCtx := context.WithoutCancel(ctx)
	tasks := make(chan keys.TileKey)
	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range tasks {
				s.runTile(taskCtx, job, k, r, log)
			}
		}()
	}

	flushDone := make(chan struct{})
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		t := time.NewTicker(s.cfg.ProgressInterval)
		defer t.Stop()
		for {
			select {
			case <-flushDone:
				return
			case <-t.C:
				if _, err := s.store.UpdateProgress(taskCtx, job.ID, r.completed.Load(), r.failed.Load()); err != nil {
					log.Warn("persist preseed progress", "error", err)
				}
			}
		}
	}()

	stopped := false
dispatch:
	for _, t := range targets {
		for _, tr := range t.ranges {
			tr.Each(func(col, row int) bool {
				if r.cancel.Load() {
					return false
				}
				if ctx.Err() != nil {
					stopped = true
					return false
				}
				if s.limiter != nil {
					if err := s.limiter.Wait(ctx); err != nil {
						stopped = ctx.Err() != nil
						return false
					}
				}
				k := keys.TileKey{
					DatasetID: t.dataset.ID,
					StyleID:   t.style,
					Format:    t.format,
					Zoom:      tr.Zoom,
					Col:       col,
					Row:       row,
					Variant:   job.Variant,
				}
				select {
				case tasks <- k:
					return true
				case <-ctx.Done():
					stopped = true
					return false
				}
			})
			if stopped || r.cancel.Load() {
				break dispatch
			}
		}
	}
	close(tasks)
	wg.Wait()
	close(flushDone)
	flushWG.Wait()
	return stopped
}

func (s *Scheduler) runTile(ctx context.Context, job Job, k keys.TileKey, r *run, log *slog.Logger) {
	if r.cancel.Load() {
		return
	}
	_, err := s.cache.GetOrRenderWith(ctx, k, s.renderer, tilecache.Options{Overwrite: job.Overwrite})
	if err != nil {
		r.failed.Add(1)
		s.rec.IncPreseedTile("failed")
		log.Debug("preseed tile failed", "tile", k.String(), "error", err)
		return
	}
	r.completed.Add(1)
	s.rec.IncPreseedTile("completed")
}

// threshold picks the job override, else the strictest dataset override,
// else the global default.
func (s *Scheduler) threshold(job Job) float64 {
	if job.FailureThreshold != nil {
		return *job.FailureThreshold
	}
	th := -1.0
	for _, id := range job.DatasetIDs {
		if v := s.datasets.FailureThreshold(id); v != nil && (th < 0 || *v < th) {
			th = *v
		}
	}
	if th < 0 {
		return s.cfg.FailureThreshold
	}
	return th
}

// finish moves the job to its terminal state. A non-empty reason forces
// failed unless a cancel was requested.
func (s *Scheduler) finish(ctx context.Context, log *slog.Logger, job Job, r *run, reason string) {
	completed, failed := r.completed.Load(), r.failed.Load()
	to := StatusCompleted
	switch {
	case r.cancel.Load():
		to = StatusCancelled
	case reason != "":
		to = StatusFailed
	case job.TilesTotal > 0 && float64(failed)/float64(job.TilesTotal) > s.threshold(job):
		to = StatusFailed
		reason = fmt.Sprintf("%d of %d tiles failed", failed, job.TilesTotal)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	final, err := s.store.Transition(wctx, job.ID, to, func(j *Job) {
		ApplyProgress(j, completed, failed)
		if to == StatusFailed {
			j.Error = reason
		}
	})
	if err != nil {
		log.Error("finish preseed job", "status", to, "error", err)
		return
	}
	s.rec.IncPreseedJob(string(to))
	s.publish(eventFor(to), final)
	attrs := []any{"status", to, "tiles_completed", final.TilesCompleted,
		"tiles_failed", final.TilesFailed, "tiles_total", final.TilesTotal}
	if to == StatusFailed {
		log.Error("preseed job failed", append(attrs, "reason", reason)...)
		return
	}
	log.Info("preseed job finished", attrs...)
}

func (s *Scheduler) publish(typ EventType, j Job) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{Type: typ, Job: j.Clone(), At: s.now().UTC()})
}
