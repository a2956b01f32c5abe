package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/backends"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/blobstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/s3store"
	"github.com/mohammed-shakir/geotile-cache/internal/catalog"
	"github.com/mohammed-shakir/geotile-cache/internal/core/config"
	"github.com/mohammed-shakir/geotile-cache/internal/core/health"
	"github.com/mohammed-shakir/geotile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/geotile-cache/internal/core/server"
	"github.com/mohammed-shakir/geotile-cache/internal/engine"
	"github.com/mohammed-shakir/geotile-cache/internal/hotness"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/jobevents"
	"github.com/mohammed-shakir/geotile-cache/internal/logger"
	h3mapper "github.com/mohammed-shakir/geotile-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/geotile-cache/internal/metrics"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed/badgerstore"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
	"github.com/mohammed-shakir/geotile-cache/internal/render/upstream"
	"github.com/mohammed-shakir/geotile-cache/internal/tilecache"
	"github.com/mohammed-shakir/geotile-cache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	datasetsFlag := flag.String("datasets", "", "dataset catalog file (overrides DATASETS_FILE)")
	flag.Parse()

	cfg := config.FromEnv()
	if *datasetsFlag != "" {
		cfg.DatasetsFile = strings.TrimSpace(*datasetsFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Instance:  cfg.Instance,
		Component: "tilecache",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting tilecache",
		"addr", cfg.Addr,
		"version", Version,
		"storage", cfg.Storage.Driver,
		"jobstore", cfg.JobStore.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load(cfg.DatasetsFile)
	if err != nil {
		appLog.Error("load dataset catalog", "file", cfg.DatasetsFile, "err", err)
		return 1
	}

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Path:    os.Getenv("METRICS_PATH"),
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	rec := mp.Recorder()

	opened, err := backends.Open(ctx, backendConfig(cfg), rec, appLog)
	if err != nil {
		appLog.Error("open storage backend", "err", err)
		return 1
	}
	defer func() {
		if err := opened.Close(); err != nil {
			appLog.Warn("close storage backend", "err", err)
		}
	}()

	retry := storage.RetryPolicy{
		MinBackoff: cfg.Retry.MinBackoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		MaxRetries: cfg.Retry.MaxAttempts,
	}
	access := hotness.New()
	qm := quota.New(opened.Backend, cat, quota.Config{
		Headroom:          cfg.Quota.Headroom,
		ReconcileInterval: cfg.Quota.ReconcileInterval,
		Concurrency:       cfg.Quota.Concurrency,
		Retry:             retry,
	}, rec, access, appLog)
	defer qm.Close()

	cache := tilecache.New(opened.Backend, qm, rec, access, tilecache.Config{
		RenderTimeout:  cfg.Render.Timeout,
		StorageTimeout: cfg.Storage.OpTimeout,
		Retry:          retry,
	}, appLog)

	var renderer tilecache.Renderer
	if cfg.Render.UpstreamURL != "" {
		up, err := upstream.New(upstream.Config{Template: cfg.Render.UpstreamURL, MaxBytes: cfg.Render.MaxBytes},
			httpclient.NewOutbound(cfg.Render.Timeout), cat, rec, appLog)
		if err != nil {
			appLog.Error("configure upstream renderer", "err", err)
			return 1
		}
		renderer = up
	} else {
		appLog.Warn("RENDER_UPSTREAM_URL not set, serving cached tiles only")
	}

	store, closeStore, err := openJobStore(cfg.JobStore)
	if err != nil {
		appLog.Error("open job store", "err", err)
		return 1
	}
	defer closeStore()

	var events preseed.EventPublisher
	if cfg.KafkaBrokers != "" && cfg.JobEventsTopic != "" {
		pub, err := jobevents.NewPublisher(kafka.Split(cfg.KafkaBrokers), cfg.JobEventsTopic, cfg.JobEventsQueue, appLog)
		if err != nil {
			appLog.Error("job events publisher", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		events = pub
	}

	sched := preseed.New(store, cat, cache, renderer, events, rec, preseed.Config{
		Workers:          cfg.Preseed.Workers,
		QueueSize:        cfg.Preseed.Queue,
		FailureThreshold: cfg.Preseed.FailureThreshold,
		MaxTiles:         cfg.Preseed.MaxTiles,
		Rate:             cfg.Preseed.Rate,
		ProgressInterval: cfg.Preseed.ProgressInterval,
		SweepInterval:    cfg.Preseed.SweepInterval,
	}, appLog)

	inv := invalidation.New(cache, cat, h3mapper.New(), appLog)
	invCfg := kafka.FromEnv()
	runner := kafka.New(invCfg, inv, kafka.Options{Logger: appLog, Register: mp.Registerer(), Recorder: rec})

	eng := engine.New(cat, cache, sched, qm, renderer, rec)

	checks := map[string]health.Check{"storage": health.StorageCheck(opened.Backend)}
	var consumer health.ReadinessReporter
	if runner.Enabled() {
		checks["invalidation"] = health.ConsumerCheck(runner)
		consumer = runner
	}
	handler := server.NewHandler(server.Deps{
		Engine:      eng,
		Invalidator: inv,
		Metrics:     mp,
		Checks:      checks,
		Consumer:    consumer,
		Logger:      appLog,
	})

	hook := (&sutureslog.Handler{Logger: appLog}).MustHook()
	root := suture.New("tilecache", suture.Spec{EventHook: hook, Timeout: 15 * time.Second})
	background := suture.New("background", suture.Spec{Timeout: 15 * time.Second})
	root.Add(background)
	if renderer != nil {
		background.Add(sched)
	}
	background.Add(qm)
	background.Add(runner)
	root.Add(server.New(cfg.Addr, handler, appLog))

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("supervisor exited", "err", err)
		return 1
	}
	appLog.Info("tilecache stopped")
	return 0
}

func backendConfig(cfg config.Config) backends.Config {
	s := cfg.Storage
	breaker := storage.DefaultBreakerConfig()
	breaker.FailureThreshold = s.BreakerFailures
	breaker.OpenTimeout = s.BreakerOpen
	return backends.Config{
		Driver:  backends.Driver(s.Driver),
		FileDir: s.FileDir,
		S3: s3store.Config{
			Endpoint:        s.S3Endpoint,
			Bucket:          s.S3Bucket,
			AccessKeyID:     s.S3AccessKeyID,
			SecretAccessKey: s.S3SecretAccessKey,
			Secure:          s.S3Secure,
			Region:          s.S3Region,
			Prefix:          s.S3Prefix,
		},
		Azure: blobstore.Config{
			ContainerURL: s.AzureContainerURL,
			AccountName:  s.AzureAccountName,
			AccountKey:   s.AzureAccountKey,
		},
		Redis: backends.RedisConfig{
			Addr:      s.RedisAddr,
			Password:  s.RedisPassword,
			DB:        s.RedisDB,
			KeyPrefix: s.RedisKeyPrefix,
			TTL:       s.RedisTTL,
		},
		Breaker: breaker,
	}
}

func openJobStore(cfg config.JobStoreCfg) (preseed.Store, func(), error) {
	switch cfg.Driver {
	case "badger":
		s, err := badgerstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory", "":
		return preseed.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown JOBSTORE_DRIVER " + cfg.Driver)
	}
}
