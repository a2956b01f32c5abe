package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type readinessResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks,omitempty"`
	Partitions []int32           `json:"partitions,omitempty"`
}

// Readiness runs every check concurrently within timeout and answers 503
// when any of them fails. rr may be nil.
func Readiness(checks map[string]Check, rr ReadinessReporter, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := readinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, c := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := "ok"
				if err := c(ctx); err != nil {
					res = err.Error()
				}
				mu.Lock()
				out.Checks[name] = res
				if res != "ok" {
					out.Status = "not_ready"
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if rr != nil {
			if ready, parts := rr.Readiness(); ready {
				sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
				out.Partitions = parts
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
