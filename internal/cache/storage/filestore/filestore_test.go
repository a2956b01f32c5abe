package filestore

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestListSkipsSidecarsAndTemps(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "ds/~/png/~/0/0/0", []byte("tile"), "image/png"); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(root, "ds", "~", "png", "~", "0", "0", ".tile-123.tmp")
	if err := os.WriteFile(stray, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	page, err := s.List(ctx, "ds/", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Path != "ds/~/png/~/0/0/0" {
		t.Fatalf("unexpected listing: %+v", page.Objects)
	}
}

func TestGetWithoutSidecar(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "ds/~/png/~/0/0/0", []byte("tile"), "image/png"); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "ds", "~", "png", "~", "0", "0", "0.meta")); err != nil {
		t.Fatal(err)
	}
	e, err := s.Get(ctx, "ds/~/png/~/0/0/0")
	if err != nil {
		t.Fatal(err)
	}
	if e.Checksum != storage.Checksum([]byte("tile")) || e.ContentType == "" || e.StoredAt.IsZero() {
		t.Fatalf("entry metadata not recovered: %+v", e)
	}
}

func TestRejectsEscapingPath(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "../outside", []byte("x"), "text/plain"); err == nil {
		t.Fatalf("expected error for path outside root")
	}
}

func TestList_PagesInPathOrder(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	// walk order and path order disagree: "a" walks before "a-c" and "a.b",
	// but "a/..." sorts after both
	paths := []string{"ds/a/1", "ds/a/b/2", "ds/a-c/1", "ds/a.b/1", "ds/a.b/3", "ds/b/1", "ds/b/x/y/9", "other/a/1"}
	for _, p := range paths {
		if err := s.Put(ctx, p, []byte(p), "image/png"); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	token := ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
		page, err := s.List(ctx, "ds/", token, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range page.Objects {
			got = append(got, o.Path)
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}

	want := slices.Clone(paths[:7])
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("listing = %v\nwant      %v", got, want)
	}
}

func TestList_MissingPrefixDirIsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	page, err := s.List(context.Background(), "nothing-here/", "", 10)
	if err != nil || len(page.Objects) != 0 || page.Next != "" {
		t.Fatalf("page=%+v err=%v", page, err)
	}
}
