// Package config reads the process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type StorageCfg struct {
	Driver    string
	FileDir   string
	OpTimeout time.Duration

	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Secure          bool
	S3Region          string
	S3Prefix          string

	AzureContainerURL string
	AzureAccountName  string
	AzureAccountKey   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisTTL       time.Duration

	BreakerFailures uint32
	BreakerOpen     time.Duration
}

type RetryCfg struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

type QuotaCfg struct {
	Headroom          float64
	ReconcileInterval time.Duration
	Concurrency       int
}

type PreseedCfg struct {
	Workers          int
	Queue            int
	FailureThreshold float64
	MaxTiles         int64
	Rate             float64
	ProgressInterval time.Duration
	SweepInterval    time.Duration
}

type JobStoreCfg struct {
	Driver string
	Path   string
}

type RenderCfg struct {
	UpstreamURL string
	Timeout     time.Duration
	MaxBytes    int64
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int
	Instance   string

	DatasetsFile   string
	MetricsEnabled bool

	Storage  StorageCfg
	Retry    RetryCfg
	Quota    QuotaCfg
	Preseed  PreseedCfg
	JobStore JobStoreCfg
	Render   RenderCfg

	KafkaBrokers   string
	JobEventsTopic string
	JobEventsQueue int
}

func FromEnv() Config {
	host, _ := os.Hostname()
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Instance:   getenv("INSTANCE", host),

		DatasetsFile:   getenv("DATASETS_FILE", "datasets.yaml"),
		MetricsEnabled: getbool("METRICS_ENABLED", true),

		Storage: StorageCfg{
			Driver:    strings.ToLower(getenv("STORAGE_DRIVER", "memory")),
			FileDir:   getenv("STORAGE_FILE_DIR", "./tiles"),
			OpTimeout: getduration("STORAGE_OP_TIMEOUT", 5*time.Second),

			S3Endpoint:        getenv("S3_ENDPOINT", ""),
			S3Bucket:          getenv("S3_BUCKET", ""),
			S3AccessKeyID:     getenv("S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getenv("S3_SECRET_ACCESS_KEY", ""),
			S3Secure:          getbool("S3_SECURE", true),
			S3Region:          getenv("S3_REGION", ""),
			S3Prefix:          getenv("S3_PREFIX", ""),

			AzureContainerURL: getenv("AZURE_CONTAINER_URL", ""),
			AzureAccountName:  getenv("AZURE_ACCOUNT_NAME", ""),
			AzureAccountKey:   getenv("AZURE_ACCOUNT_KEY", ""),

			RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  getenv("REDIS_PASSWORD", ""),
			RedisDB:        getint("REDIS_DB", 0),
			RedisKeyPrefix: getenv("REDIS_KEY_PREFIX", "tiles:"),
			RedisTTL:       getduration("REDIS_TTL", 0),

			BreakerFailures: uint32(max(getint("BREAKER_FAILURES", 5), 1)),
			BreakerOpen:     getduration("BREAKER_OPEN_TIMEOUT", 10*time.Second),
		},
		Retry: RetryCfg{
			MinBackoff:  getduration("RETRY_MIN_BACKOFF", 50*time.Millisecond),
			MaxBackoff:  getduration("RETRY_MAX_BACKOFF", 2*time.Second),
			MaxAttempts: getint("RETRY_MAX_ATTEMPTS", 5),
		},
		Quota: QuotaCfg{
			Headroom:          getfloat("QUOTA_HEADROOM", 0.1),
			ReconcileInterval: getduration("QUOTA_RECONCILE_INTERVAL", 5*time.Minute),
			Concurrency:       getint("QUOTA_RECONCILE_CONCURRENCY", 4),
		},
		Preseed: PreseedCfg{
			Workers:          getint("PRESEED_WORKERS", 4),
			Queue:            getint("PRESEED_QUEUE", 64),
			FailureThreshold: getfloat("PRESEED_FAILURE_THRESHOLD", 0.5),
			MaxTiles:         int64(getint("PRESEED_MAX_TILES", 0)),
			Rate:             getfloat("PRESEED_RATE", 0),
			ProgressInterval: getduration("PRESEED_PROGRESS_INTERVAL", time.Second),
			SweepInterval:    getduration("PRESEED_SWEEP_INTERVAL", 10*time.Second),
		},
		JobStore: JobStoreCfg{
			Driver: strings.ToLower(getenv("JOBSTORE_DRIVER", "memory")),
			Path:   getenv("JOBSTORE_PATH", "./jobs"),
		},
		Render: RenderCfg{
			UpstreamURL: getenv("RENDER_UPSTREAM_URL", ""),
			Timeout:     getduration("RENDER_TIMEOUT", 30*time.Second),
			MaxBytes:    int64(getint("RENDER_MAX_BYTES", 16<<20)),
		},

		KafkaBrokers:   getenv("KAFKA_BROKERS", ""),
		JobEventsTopic: getenv("JOB_EVENTS_TOPIC", ""),
		JobEventsQueue: getint("JOB_EVENTS_QUEUE", 256),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
