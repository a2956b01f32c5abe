// Package storagetest holds the behavioural checks every storage.Backend
// must pass, plus a fault-injecting wrapper for caller tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

// RunConformance exercises the Backend contract against a fresh backend.
func RunConformance(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Get(context.Background(), "ds/~/png/~/0/0/0"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get missing err=%v want ErrNotFound", err)
		}
		ok, err := b.Exists(context.Background(), "ds/~/png/~/0/0/0")
		if err != nil || ok {
			t.Fatalf("Exists missing = %v, %v", ok, err)
		}
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		p := "ds/~/png/~/1/0/1"
		if err := b.Put(ctx, p, []byte("first"), "image/png"); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := b.Put(ctx, p, []byte("second-longer"), "image/webp"); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
		e, err := b.Get(ctx, p)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(e.Data, []byte("second-longer")) {
			t.Fatalf("Get data=%q want second write", e.Data)
		}
		if e.ContentType != "image/webp" {
			t.Fatalf("content type=%q", e.ContentType)
		}
		if e.Checksum != storage.Checksum([]byte("second-longer")) {
			t.Fatalf("checksum=%q", e.Checksum)
		}
		if e.Size != int64(len("second-longer")) {
			t.Fatalf("size=%d", e.Size)
		}
		ok, err := b.Exists(ctx, p)
		if err != nil || !ok {
			t.Fatalf("Exists = %v, %v", ok, err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		p := "ds/~/png/~/2/1/1"
		if err := b.Put(ctx, p, []byte("x"), "image/png"); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := b.Delete(ctx, p); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := b.Delete(ctx, p); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if _, err := b.Get(ctx, p); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get after delete err=%v", err)
		}
	})

	t.Run("ListPagesAndScopes", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		want := map[string]int64{}
		for i := range 7 {
			p := fmt.Sprintf("alpha/~/png/~/3/%d/0", i)
			data := bytes.Repeat([]byte("a"), i+1)
			if err := b.Put(ctx, p, data, "image/png"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			want[p] = int64(len(data))
		}
		if err := b.Put(ctx, "alphabet/~/png/~/0/0/0", []byte("z"), "image/png"); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got := map[string]int64{}
		token := ""
		pages := 0
		for {
			page, err := b.List(ctx, "alpha/", token, 3)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			pages++
			for _, o := range page.Objects {
				got[o.Path] = o.Size
				if o.LastModified.IsZero() {
					t.Fatalf("object %s has zero LastModified", o.Path)
				}
			}
			if page.Next == "" {
				break
			}
			token = page.Next
			if pages > 20 {
				t.Fatalf("enumeration does not terminate")
			}
		}
		if len(got) != len(want) {
			t.Fatalf("listed %d objects want %d: %v", len(got), len(want), got)
		}
		for p, sz := range want {
			if got[p] != sz {
				t.Fatalf("size of %s = %d want %d", p, got[p], sz)
			}
		}
	})

	t.Run("ScanEmptyPrefix", func(t *testing.T) {
		b := newBackend(t)
		objs, err := storage.Collect(context.Background(), b, "missing-dataset/")
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(objs) != 0 {
			t.Fatalf("expected no objects, got %d", len(objs))
		}
	})
}

// Faulty wraps a backend and injects transient failures.
type Faulty struct {
	storage.Backend

	// number of upcoming calls of each kind that fail with ErrUnavailable
	GetFailures    atomic.Int32
	PutFailures    atomic.Int32
	DeleteFailures atomic.Int32
	// Latency is added to Get
	Latency time.Duration

	mu         sync.Mutex
	failDelete map[string]bool

	Gets    atomic.Int64
	Puts    atomic.Int64
	Deletes atomic.Int64
}

func NewFaulty(b storage.Backend) *Faulty {
	return &Faulty{Backend: b, failDelete: map[string]bool{}}
}

// FailDeletesOf makes every delete of paths fail with ErrUnavailable.
func (f *Faulty) FailDeletesOf(paths ...string) {
	f.mu.Lock()
	for _, p := range paths {
		f.failDelete[p] = true
	}
	f.mu.Unlock()
}

func take(n *atomic.Int32) bool {
	for {
		cur := n.Load()
		if cur <= 0 {
			return false
		}
		if n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

var errInjected = errors.New("injected fault")

func (f *Faulty) Get(ctx context.Context, path string) (storage.Entry, error) {
	f.Gets.Add(1)
	if f.Latency > 0 {
		time.Sleep(f.Latency)
	}
	if take(&f.GetFailures) {
		return storage.Entry{}, storage.Unavailable("get", errInjected)
	}
	return f.Backend.Get(ctx, path)
}

func (f *Faulty) Put(ctx context.Context, path string, data []byte, contentType string) error {
	f.Puts.Add(1)
	if take(&f.PutFailures) {
		return storage.Unavailable("put", errInjected)
	}
	return f.Backend.Put(ctx, path, data, contentType)
}

func (f *Faulty) Delete(ctx context.Context, path string) error {
	f.Deletes.Add(1)
	f.mu.Lock()
	always := f.failDelete[path]
	f.mu.Unlock()
	if always || take(&f.DeleteFailures) {
		return storage.Unavailable("delete", errInjected)
	}
	return f.Backend.Delete(ctx, path)
}
