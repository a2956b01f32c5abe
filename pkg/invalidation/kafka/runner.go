// Package kafka consumes invalidation events from a Kafka topic and applies
// them to the tile cache.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
)

// Invalidation outcomes reported to the recorder.
const (
	resultApplied = "applied"
	resultStale   = "skipped_version"
	resultInvalid = "invalid"
	resultError   = "error"
)

type Applier interface {
	Apply(ctx context.Context, ev invalidation.Event) (tilecache.PurgeResult, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	applier  Applier
	rec      *observability.Recorder
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Recorder *observability.Recorder
}

func New(cfg InvalidationConfig, a Applier, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:     opts.Logger.With("component", "invalidation-consumer"),
		cfg:     cfg,
		applier: a,
		rec:     opts.Recorder,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(cfg.DedupeSize),
		assign:  map[int32]struct{}{},
	}
}

func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) String() string { return "invalidation-consumer" }

func (r *Runner) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true
	if err := r.cfg.ApplyNet(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Serve joins the consumer group and applies events until ctx is done.
// A disabled runner blocks until ctx is done.
func (r *Runner) Serve(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		<-ctx.Done()
		return nil
	}
	if r.applier == nil {
		return errors.New("kafka runner: applier is required")
	}

	cfg, err := r.saramaConfig()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)

	h := r.handler()
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
			r.log.Error("kafka consume error", "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
	}

	if err := group.Close(); err != nil {
		r.log.Error("kafka consumer group close", "err", err)
	}
	wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
	return nil
}

func (r *Runner) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.ms.partitions.Set(float64(len(r.assign)))
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.ms.partitions.Set(0)
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one message. Malformed or unappliable events are
// logged and skipped; any other failure is returned so the message is
// redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.skip(msg, fmt.Errorf("decode: %w", err))
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.skip(msg, err)
		return nil
	}

	dataset := ev.DatasetID()
	if r.ver.stale(dataset, ev.Version) {
		r.rec.IncInvalidation(resultStale)
		r.log.Debug("stale invalidation skipped", "dataset", dataset, "version", ev.Version)
		return nil
	}

	res, err := r.applier.Apply(ctx, ev)
	r.ms.proc.WithLabelValues(ev.Op).Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, invalidation.ErrInvalidEvent):
		r.skip(msg, err)
		return nil
	case err != nil:
		r.rec.IncInvalidation(resultError)
		return fmt.Errorf("apply %s on %q: %w", ev.Op, dataset, err)
	}

	r.ver.commit(dataset, ev.Version)
	r.rec.IncInvalidation(resultApplied)
	r.log.Debug("invalidation applied",
		"dataset", dataset, "op", ev.Op, "version", ev.Version, "deleted", res.Succeeded)
	return nil
}

func (r *Runner) skip(msg *sarama.ConsumerMessage, err error) {
	r.rec.IncInvalidation(resultInvalid)
	r.log.Warn("invalid invalidation event skipped",
		"partition", msg.Partition, "offset", msg.Offset, "err", err)
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
