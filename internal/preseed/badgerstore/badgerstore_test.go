package badgerstore

import (
	"context"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
	"github.com/mohammed-shakir/geotile-cache/internal/preseed/preseedtest"
)

func TestStore_Contract(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	preseedtest.RunStoreContract(t, s)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j := preseed.Job{ID: "j1", Spec: preseed.Spec{DatasetIDs: []string{"parcels"}, ZoomMin: 10, ZoomMax: 12}, Status: preseed.StatusPending, TilesTotal: 84}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, "j1", preseed.StatusRunning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.UpdateProgress(ctx, "j1", 30, 2); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != preseed.StatusRunning || got.TilesCompleted != 30 || got.TilesFailed != 2 || got.ZoomMax != 12 {
		t.Fatalf("reopened job = %+v", got)
	}
	running, _ := s.List(ctx, preseed.StatusRunning)
	if len(running) != 1 {
		t.Fatalf("running = %d", len(running))
	}
}
