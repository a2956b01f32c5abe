package tilecache

import (
	"context"
	"fmt"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/memstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/storagetest"
	"github.com/mohammed-shakir/geotile-cache/internal/quota"
)

func fill(t *testing.T, b storage.Backend, dataset string, n int) {
	t.Helper()
	for i := range n {
		p := fmt.Sprintf("%s/~/png/~/8/%d/%d", dataset, i, i)
		if err := b.Put(context.Background(), p, []byte("0123456789"), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPurgeDataset_RemovesOnlyThatDataset(t *testing.T) {
	mem := memstore.New()
	fill(t, mem, "parcels", 1200)
	fill(t, mem, "parcels-v2", 5)
	q := quota.New(mem, fixedLimits{}, quota.DefaultConfig(), nil, nil, quietLog())
	defer q.Close()
	q.RecordWrite("parcels", 12000)
	m := New(mem, q, nil, nil, testConfig(), quietLog())

	res, err := m.PurgeDataset(context.Background(), "parcels")
	if err != nil {
		t.Fatalf("PurgeDataset: %v", err)
	}
	if res.Succeeded != 1200 || res.Failed != 0 {
		t.Fatalf("res=%+v", res)
	}
	left, err := storage.Collect(context.Background(), mem, keys.DatasetPrefix("parcels"))
	if err != nil || len(left) != 0 {
		t.Fatalf("left=%d err=%v", len(left), err)
	}
	if mem.Len() != 5 {
		t.Fatalf("other dataset touched: %d entries remain", mem.Len())
	}
	if q.Record("parcels").UsedBytes != 0 {
		t.Fatalf("quota not reconciled: %+v", q.Record("parcels"))
	}
}

func TestPurgeDataset_MissingDataset(t *testing.T) {
	m := New(memstore.New(), nil, nil, nil, testConfig(), quietLog())
	res, err := m.PurgeDataset(context.Background(), "missing-dataset")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res != (PurgeResult{}) {
		t.Fatalf("res=%+v want zero counts", res)
	}
}

func TestPurgeDataset_RetriesTransientDeletes(t *testing.T) {
	mem := memstore.New()
	fill(t, mem, "parcels", 20)
	f := storagetest.NewFaulty(mem)
	f.DeleteFailures.Store(3)
	m := New(f, nil, nil, nil, testConfig(), quietLog())

	res, err := m.PurgeDataset(context.Background(), "parcels")
	if err != nil || res.Succeeded != 20 || res.Failed != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if mem.Len() != 0 {
		t.Fatalf("%d tiles survived purge", mem.Len())
	}
}

func TestPurgeDataset_CountsPermanentFailures(t *testing.T) {
	mem := memstore.New()
	fill(t, mem, "parcels", 4)
	f := storagetest.NewFaulty(mem)
	f.FailDeletesOf("parcels/~/png/~/8/1/1")
	m := New(f, nil, nil, nil, testConfig(), quietLog())

	res, err := m.PurgeDataset(context.Background(), "parcels")
	if err != nil {
		t.Fatalf("partial failure must not fail the purge: %v", err)
	}
	if res.Succeeded != 3 || res.Failed != 1 {
		t.Fatalf("res=%+v", res)
	}

	// a second run is safe and finds only the survivor
	res, _ = m.PurgeDataset(context.Background(), "parcels")
	if res.Succeeded != 0 || res.Failed != 1 {
		t.Fatalf("rerun res=%+v", res)
	}
}

func TestDeleteMatching_Zoom(t *testing.T) {
	mem := memstore.New()
	m := New(mem, nil, nil, nil, testConfig(), quietLog())
	for z := range 4 {
		k := key(t, "parcels", z, 0, 0)
		if err := mem.Put(context.Background(), keys.ToStoragePath(k), []byte("x"), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := m.DeleteMatching(context.Background(), "parcels", func(k keys.TileKey) bool { return k.Zoom >= 2 })
	if err != nil || res.Succeeded != 2 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if mem.Len() != 2 {
		t.Fatalf("remaining=%d", mem.Len())
	}
}
