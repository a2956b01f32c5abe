// Package storage defines the byte-level contract every tile backend
// implements, the error classes callers branch on, and caller-side helpers
// for enumeration, retry and circuit breaking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is a cache miss, not a failure.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable is transient; callers may retry with backoff.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrFatal is a permanent misconfiguration and must not be retried.
	ErrFatal = errors.New("storage: fatal")
)

// Consistency describes read-after-write visibility of a backend.
type Consistency int

const (
	// Strong backends make a successful Put visible to the next Get.
	Strong Consistency = iota
	// Eventual backends may serve stale or missing data after Put; callers
	// must not assume immediate visibility.
	Eventual
)

func (c Consistency) String() string {
	if c == Eventual {
		return "eventual"
	}
	return "strong"
}

// Entry is a stored tile with its metadata.
type Entry struct {
	Data        []byte
	ContentType string
	Size        int64
	StoredAt    time.Time
	Checksum    string
}

// Object is one enumerated entry.
type Object struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Page is one chunk of an enumeration. Next is empty when the enumeration is
// finished; otherwise it is an opaque token that resumes after this page.
type Page struct {
	Objects []Object
	Next    string
}

// Backend stores tile bytes under paths produced by keys.ToStoragePath.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, path string) (Entry, error)
	// Put overwrites any existing entry.
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Delete is idempotent: deleting a missing path returns nil.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns up to limit objects under prefix, resuming after token.
	List(ctx context.Context, prefix, token string, limit int) (Page, error)
	Consistency() Consistency
	Name() string
}

// DefaultPageSize is used by Scan and by backends when limit <= 0.
const DefaultPageSize = 1000

// Checksum is the hex xxhash64 of data.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Unavailable wraps err as a transient failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Fatal wraps err as a permanent failure.
func Fatal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
}

// Class names an error for metrics labels.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unavailable"
	}
}

// IsRetryable reports whether err is a transient backend failure. Errors
// that carry neither class are treated as transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrFatal) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
