package backends

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

type countingObserver struct{ n int }

func (c *countingObserver) ObserveStorageOp(string, string, error, time.Duration) { c.n++ }

func TestOpen_SelectsDriver(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cases := []struct {
		cfg  Config
		name string
	}{
		{Config{Driver: DriverMemory}, "memory"},
		{Config{}, "memory"},
		{Config{Driver: "FILE", FileDir: t.TempDir()}, "file"},
		{Config{Driver: DriverRedis, Redis: RedisConfig{Addr: mr.Addr()}}, "redis"},
	}
	for _, c := range cases {
		obs := &countingObserver{}
		o, err := Open(context.Background(), c.cfg, obs, nil)
		if err != nil {
			t.Fatalf("Open(%v): %v", c.cfg.Driver, err)
		}
		if o.Backend.Name() != c.name {
			t.Fatalf("driver %q opened %q", c.cfg.Driver, o.Backend.Name())
		}
		if _, err := o.Backend.Exists(context.Background(), "x/~/png/~/0/0/0"); err != nil {
			t.Fatalf("Exists: %v", err)
		}
		if obs.n != 1 {
			t.Fatalf("observer saw %d calls want 1", obs.n)
		}
		if err := o.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestOpen_Rejects(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "tape"}, nil, nil); !errors.Is(err, storage.ErrFatal) {
		t.Fatalf("unknown driver err=%v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}, nil, nil); !errors.Is(err, storage.ErrFatal) {
		t.Fatalf("unconfigured s3 err=%v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverAzure}, nil, nil); !errors.Is(err, storage.ErrFatal) {
		t.Fatalf("unconfigured azure err=%v", err)
	}
}
