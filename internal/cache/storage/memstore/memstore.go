// Package memstore is an in-process Backend used by tests and local runs.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

type entry struct {
	data        []byte
	contentType string
	storedAt    time.Time
	checksum    string
}

// Store keeps entries in a map; enumeration sorts keys so the start-after
// token is stable across calls.
type Store struct {
	mu  sync.RWMutex
	m   map[string]entry
	now func() time.Time
}

var _ storage.Backend = (*Store)(nil)

func New() *Store {
	return &Store{m: make(map[string]entry), now: time.Now}
}

// SetClock overrides the timestamp source, for tests that depend on
// modification order.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Get(ctx context.Context, path string) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, storage.Unavailable("memory get", err)
	}
	s.mu.RLock()
	e, ok := s.m[path]
	s.mu.RUnlock()
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return storage.Entry{
		Data:        slices.Clone(e.data),
		ContentType: e.contentType,
		Size:        int64(len(e.data)),
		StoredAt:    e.storedAt,
		Checksum:    e.checksum,
	}, nil
}

func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory put", err)
	}
	e := entry{
		data:        slices.Clone(data),
		contentType: contentType,
		checksum:    storage.Checksum(data),
	}
	s.mu.Lock()
	e.storedAt = s.now()
	s.m[path] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory delete", err)
	}
	s.mu.Lock()
	delete(s.m, path)
	s.mu.Unlock()
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Unavailable("memory exists", err)
	}
	s.mu.RLock()
	_, ok := s.m[path]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Store) List(ctx context.Context, prefix, token string, limit int) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, storage.Unavailable("memory list", err)
	}
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	s.mu.RLock()
	paths := make([]string, 0, len(s.m))
	for p := range s.m {
		if strings.HasPrefix(p, prefix) && p > token {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	var page storage.Page
	for _, p := range paths {
		if len(page.Objects) == limit {
			page.Next = page.Objects[len(page.Objects)-1].Path
			break
		}
		e := s.m[p]
		page.Objects = append(page.Objects, storage.Object{
			Path:         p,
			Size:         int64(len(e.data)),
			LastModified: e.storedAt,
		})
	}
	s.mu.RUnlock()
	return page, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Store) Consistency() storage.Consistency { return storage.Strong }
func (s *Store) Name() string                     { return "memory" }
