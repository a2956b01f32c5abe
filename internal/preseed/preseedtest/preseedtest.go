// Package preseedtest holds the shared contract suite for job stores.
package preseedtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
)

// RunStoreContract exercises the lifecycle and progress rules every job
// store must honour.
func RunStoreContract(t *testing.T, s preseed.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		j := preseed.Job{ID: id, Spec: preseed.Spec{DatasetIDs: []string{"parcels"}, ZoomMax: 2}, Status: preseed.StatusPending,
			TilesTotal: 10, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := s.Create(ctx, preseed.Job{ID: "a"}); err == nil {
		t.Fatalf("duplicate Create must fail")
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, preseed.ErrJobNotFound) {
		t.Fatalf("Get missing = %v, want ErrJobNotFound", err)
	}
	if _, err := s.Transition(ctx, "nope", preseed.StatusRunning, nil); !errors.Is(err, preseed.ErrJobNotFound) {
		t.Fatalf("Transition missing = %v, want ErrJobNotFound", err)
	}

	j, err := s.Transition(ctx, "a", preseed.StatusRunning, nil)
	if err != nil {
		t.Fatalf("Transition running: %v", err)
	}
	if j.Status != preseed.StatusRunning || j.StartedAt == nil {
		t.Fatalf("running job = %+v", j)
	}
	if _, err := s.Transition(ctx, "a", preseed.StatusPending, nil); !errors.Is(err, preseed.ErrInvalidTransition) {
		t.Fatalf("running -> pending = %v, want ErrInvalidTransition", err)
	}

	if j, _ = s.UpdateProgress(ctx, "a", 4, 1); j.TilesCompleted != 4 || j.TilesFailed != 1 {
		t.Fatalf("progress = %d/%d", j.TilesCompleted, j.TilesFailed)
	}
	if j, _ = s.UpdateProgress(ctx, "a", 2, 0); j.TilesCompleted != 4 || j.TilesFailed != 1 {
		t.Fatalf("progress went backwards: %d/%d", j.TilesCompleted, j.TilesFailed)
	}
	if j, _ = s.UpdateProgress(ctx, "a", 9, 9); j.TilesCompleted+j.TilesFailed != 10 {
		t.Fatalf("progress not clamped to total: %d/%d", j.TilesCompleted, j.TilesFailed)
	}

	j, err = s.Transition(ctx, "a", preseed.StatusCompleted, func(j *preseed.Job) { j.Error = "" })
	if err != nil || j.CompletedAt == nil {
		t.Fatalf("complete: %+v %v", j, err)
	}
	if _, err := s.Transition(ctx, "a", preseed.StatusFailed, nil); !errors.Is(err, preseed.ErrJobAlreadyTerminal) {
		t.Fatalf("terminal transition = %v, want ErrJobAlreadyTerminal", err)
	}
	before := j
	if j, _ = s.UpdateProgress(ctx, "a", 10, 0); j.TilesCompleted != before.TilesCompleted {
		t.Fatalf("terminal job progress changed")
	}

	if _, err := s.Transition(ctx, "c", preseed.StatusCancelled, nil); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}

	all, _ := s.List(ctx)
	if len(all) != 3 || all[0].ID != "b" || all[1].ID != "a" || all[2].ID != "c" {
		t.Fatalf("List order = %v", ids(all))
	}
	pending, _ := s.List(ctx, preseed.StatusPending)
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("pending = %v", ids(pending))
	}
}

func ids(jobs []preseed.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

