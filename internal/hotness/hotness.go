// Package hotness remembers when cached tiles were last served so eviction
// can prefer tiles nobody has read recently. It is an in-process ordering
// hint only; the storage backend stays authoritative for existence.
package hotness

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

type Tracker struct {
	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]time.Time
}

func New() *Tracker {
	t := &Tracker{now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]time.Time)
	}
	return t
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Touch records an access of path.
func (t *Tracker) Touch(path string) {
	if t == nil || path == "" {
		return
	}
	s := t.pick(path)
	n := t.now()
	s.mu.Lock()
	s.m[path] = n
	s.mu.Unlock()
}

func (t *Tracker) LastAccess(path string) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	s := t.pick(path)
	s.mu.RLock()
	ts, ok := s.m[path]
	s.mu.RUnlock()
	return ts, ok
}

// LastUsed is the later of the stored modification time and the last
// recorded access.
func (t *Tracker) LastUsed(path string, modified time.Time) time.Time {
	if ts, ok := t.LastAccess(path); ok && ts.After(modified) {
		return ts
	}
	return modified
}

func (t *Tracker) Forget(paths ...string) {
	if t == nil {
		return
	}
	for _, p := range paths {
		s := t.pick(p)
		s.mu.Lock()
		delete(s.m, p)
		s.mu.Unlock()
	}
}

// Prune drops accesses older than before and returns how many were removed.
func (t *Tracker) Prune(before time.Time) int {
	if t == nil {
		return 0
	}
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for p, ts := range s.m {
			if ts.Before(before) {
				delete(s.m, p)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) pick(path string) *shard {
	h := xxhash.Sum64String(path)
	idx := h & (uint64(len(t.shards)) - 1)
	return &t.shards[idx]
}

func (t *Tracker) Size() int {
	if t == nil {
		return 0
	}
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}
