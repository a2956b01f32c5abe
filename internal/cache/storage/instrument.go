package storage

import (
	"context"
	"time"
)

// OpObserver receives the latency and outcome of every backend call.
type OpObserver interface {
	ObserveStorageOp(backend, op string, err error, d time.Duration)
}

type instrumented struct {
	next Backend
	obs  OpObserver
}

// Instrument reports each call on b to obs. Misses are passed through as
// errors; the observer decides how to count them.
func Instrument(b Backend, obs OpObserver) Backend {
	if obs == nil {
		return b
	}
	return &instrumented{next: b, obs: obs}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveStorageOp(i.next.Name(), op, err, time.Since(start))
}

func (i *instrumented) Get(ctx context.Context, path string) (Entry, error) {
	start := time.Now()
	e, err := i.next.Get(ctx, path)
	i.observe("get", start, err)
	return e, err
}

func (i *instrumented) Put(ctx context.Context, path string, data []byte, contentType string) error {
	start := time.Now()
	err := i.next.Put(ctx, path, data, contentType)
	i.observe("put", start, err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := i.next.Delete(ctx, path)
	i.observe("delete", start, err)
	return err
}

func (i *instrumented) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, path)
	i.observe("exists", start, err)
	return ok, err
}

func (i *instrumented) List(ctx context.Context, prefix, token string, limit int) (Page, error) {
	start := time.Now()
	p, err := i.next.List(ctx, prefix, token, limit)
	i.observe("list", start, err)
	return p, err
}

func (i *instrumented) Consistency() Consistency { return i.next.Consistency() }
func (i *instrumented) Name() string             { return i.next.Name() }
