package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker placed in front of remote backends.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
		HalfOpenRequests: 1,
	}
}

type breakerBackend struct {
	next Backend
	cb   *gobreaker.CircuitBreaker[any]
}

// WithBreaker trips after consecutive transient failures and then fails fast
// with ErrUnavailable until the open timeout passes. Misses and fatal
// errors do not count as failures.
func WithBreaker(next Backend, cfg BreakerConfig, log *slog.Logger) Backend {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	st := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state change",
				"backend", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerBackend{next: next, cb: gobreaker.NewCircuitBreaker[any](st)}
}

func (b *breakerBackend) exec(op string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Unavailable(op, err)
	}
	return v, err
}

func (b *breakerBackend) Get(ctx context.Context, path string) (Entry, error) {
	v, err := b.exec("get", func() (any, error) { return b.next.Get(ctx, path) })
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (b *breakerBackend) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := b.exec("put", func() (any, error) { return nil, b.next.Put(ctx, path, data, contentType) })
	return err
}

func (b *breakerBackend) Delete(ctx context.Context, path string) error {
	_, err := b.exec("delete", func() (any, error) { return nil, b.next.Delete(ctx, path) })
	return err
}

func (b *breakerBackend) Exists(ctx context.Context, path string) (bool, error) {
	v, err := b.exec("exists", func() (any, error) { return b.next.Exists(ctx, path) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *breakerBackend) List(ctx context.Context, prefix, token string, limit int) (Page, error) {
	v, err := b.exec("list", func() (any, error) { return b.next.List(ctx, prefix, token, limit) })
	if err != nil {
		return Page{}, err
	}
	return v.(Page), nil
}

func (b *breakerBackend) Consistency() Consistency { return b.next.Consistency() }
func (b *breakerBackend) Name() string             { return b.next.Name() }
