package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

func TestTTLExpiry_GetMissesExpired(t *testing.T) {
	rc, mr := newMini(t, WithTTL(2*time.Second))
	ctx := context.Background()

	if err := rc.Put(ctx, "ttl-key", []byte("v"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := rc.Get(ctx, "ttl-key"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	mr.FastForward(3 * time.Second)

	if _, err := rc.Get(ctx, "ttl-key"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after expiry err=%v want ErrNotFound", err)
	}
}
