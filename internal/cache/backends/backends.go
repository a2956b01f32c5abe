// Package backends selects the storage backend once at startup.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/blobstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/filestore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/memstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/s3store"
)

type Driver string

const (
	DriverMemory Driver = "memory"
	DriverFile   Driver = "file"
	DriverS3     Driver = "s3"
	DriverAzure  Driver = "azure"
	DriverRedis  Driver = "redis"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

type Config struct {
	Driver  Driver
	FileDir string
	S3      s3store.Config
	Azure   blobstore.Config
	Redis   RedisConfig
	Breaker storage.BreakerConfig
}

// Opened is the selected backend plus its release hook.
type Opened struct {
	Backend storage.Backend
	Close   func() error
}

func noClose() error { return nil }

// Open builds the configured backend. Remote drivers are wrapped in a
// circuit breaker; every driver is instrumented when obs is non-nil.
func Open(ctx context.Context, cfg Config, obs storage.OpObserver, log *slog.Logger) (Opened, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		b      storage.Backend
		closer = noClose
		remote bool
	)
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case DriverMemory, "":
		b = memstore.New()
	case DriverFile:
		fs, err := filestore.New(cfg.FileDir)
		if err != nil {
			return Opened{}, fmt.Errorf("open file backend: %w", err)
		}
		b = fs
	case DriverS3:
		s3, err := s3store.New(cfg.S3)
		if err != nil {
			return Opened{}, fmt.Errorf("open s3 backend: %w", err)
		}
		b, remote = s3, true
	case DriverAzure:
		az, err := blobstore.New(cfg.Azure)
		if err != nil {
			return Opened{}, fmt.Errorf("open azure backend: %w", err)
		}
		b, remote = az, true
	case DriverRedis:
		opts := []redisstore.Option{
			redisstore.WithPassword(cfg.Redis.Password),
			redisstore.WithDB(cfg.Redis.DB),
			redisstore.WithTTL(cfg.Redis.TTL),
		}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		rc, err := redisstore.New(ctx, cfg.Redis.Addr, opts...)
		if err != nil {
			return Opened{}, fmt.Errorf("open redis backend: %w", err)
		}
		b, remote, closer = rc, true, rc.Close
	default:
		return Opened{}, fmt.Errorf("%w: unknown storage driver %q", storage.ErrFatal, cfg.Driver)
	}

	if remote {
		b = storage.WithBreaker(b, cfg.Breaker, log)
	}
	b = storage.Instrument(b, obs)
	log.Info("storage backend ready", "driver", b.Name(), "consistency", b.Consistency().String())
	return Opened{Backend: b, Close: closer}, nil
}
