package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the highest applied version per dataset.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// stale reports whether v was already superseded. Version 0 never is.
func (d *versionDedupe) stale(dataset string, v uint64) bool {
	if v == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(dataset)
	return ok && v <= last
}

// commit records v once its event was applied.
func (d *versionDedupe) commit(dataset string, v uint64) {
	if v == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(dataset); ok && last >= v {
		return
	}
	d.lru.Add(dataset, v)
}
