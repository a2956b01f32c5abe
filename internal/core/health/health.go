// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Check reports a dependency as ready by returning nil.
type Check func(ctx context.Context) error

// ReadinessReporter is implemented by consumers that are ready once they own
// partitions.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// StorageCheck tests the backend with an existence lookup.
func StorageCheck(b storage.Backend) Check {
	return func(ctx context.Context) error {
		if _, err := b.Exists(ctx, "_health/check"); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
		return nil
	}
}

// ConsumerCheck fails until rr has a partition assignment.
func ConsumerCheck(rr ReadinessReporter) Check {
	return func(context.Context) error {
		if ready, _ := rr.Readiness(); !ready {
			return fmt.Errorf("no partitions assigned")
		}
		return nil
	}
}
