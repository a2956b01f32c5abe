// Package filestore keeps tiles as files under a root directory.
// Structure: {root}/{storage path} with a {storage path}.meta JSON sidecar.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

const metaSuffix = ".meta"

type meta struct {
	ContentType string    `json:"content_type"`
	Checksum    string    `json:"checksum"`
	StoredAt    time.Time `json:"stored_at"`
}

type Store struct {
	root string
}

var _ storage.Backend = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, storage.Fatal("file open", errors.New("empty root directory"))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storage.Fatal("file open", fmt.Errorf("create cache directory: %w", err))
	}
	return &Store{root: root}, nil
}

func (s *Store) file(path string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", storage.Fatal("file path", fmt.Errorf("path %q escapes root", path))
	}
	return filepath.Join(s.root, filepath.FromSlash(path)), nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return storage.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return storage.Fatal(op, err)
	default:
		return storage.Unavailable(op, err)
	}
}

func (s *Store) Get(ctx context.Context, path string) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, storage.Unavailable("file get", err)
	}
	fp, err := s.file(path)
	if err != nil {
		return storage.Entry{}, err
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return storage.Entry{}, classify("file get", err)
	}
	e := storage.Entry{Data: data, Size: int64(len(data))}

	var m meta
	raw, err := os.ReadFile(fp + metaSuffix)
	if err == nil && json.Unmarshal(raw, &m) == nil {
		e.ContentType = m.ContentType
		e.Checksum = m.Checksum
		e.StoredAt = m.StoredAt
	}
	// sidecar lost or stale against a newer data file
	if e.Checksum != storage.Checksum(data) {
		e.Checksum = storage.Checksum(data)
		if fi, err := os.Stat(fp); err == nil {
			e.StoredAt = fi.ModTime()
		}
	}
	if e.ContentType == "" {
		e.ContentType = "application/octet-stream"
	}
	return e, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it into place so readers never observe a partial file.
func writeAtomic(dst string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(dst), ".tile-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("file put", err)
	}
	fp, err := s.file(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return classify("file put", err)
	}
	if err := writeAtomic(fp, data); err != nil {
		return classify("file put", err)
	}
	raw, err := json.Marshal(meta{
		ContentType: contentType,
		Checksum:    storage.Checksum(data),
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return storage.Fatal("file put", err)
	}
	if err := writeAtomic(fp+metaSuffix, raw); err != nil {
		return classify("file put meta", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("file delete", err)
	}
	fp, err := s.file(path)
	if err != nil {
		return err
	}
	for _, p := range []string{fp, fp + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classify("file delete", err)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Unavailable("file exists", err)
	}
	fp, err := s.file(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fp)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, classify("file exists", err)
	}
}

// List walks the subtree that can hold prefix and keeps the limit+1
// smallest paths after token. Directories are pruned when they cannot hold
// a match: outside prefix, entirely at or before token, or entirely after
// the largest path kept once the page is full.
func (s *Store) List(ctx context.Context, prefix, token string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	start := s.root
	if i := strings.LastIndexByte(prefix, '/'); i > 0 {
		dir, err := s.file(prefix[:i])
		if err != nil {
			return storage.Page{}, err
		}
		start = dir
	}

	objs := make([]storage.Object, 0, limit+1)
	full := func() bool { return len(objs) > limit }
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			dir := rel + "/"
			switch {
			case !strings.HasPrefix(dir, prefix) && !strings.HasPrefix(prefix, dir):
				return filepath.SkipDir
			case token != "" && dir < token && !strings.HasPrefix(token, dir):
				return filepath.SkipDir
			case full() && dir > objs[limit].Path:
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, ".tmp") {
			return nil
		}
		if !strings.HasPrefix(rel, prefix) || rel <= token || (full() && rel >= objs[limit].Path) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		o := storage.Object{Path: rel, Size: fi.Size(), LastModified: fi.ModTime()}
		i := sort.Search(len(objs), func(i int) bool { return objs[i].Path > rel })
		objs = append(objs, storage.Object{})
		copy(objs[i+1:], objs[i:])
		objs[i] = o
		if len(objs) > limit+1 {
			objs = objs[:limit+1]
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return storage.Page{}, storage.Unavailable("file list", err)
		}
		return storage.Page{}, classify("file list", err)
	}
	var page storage.Page
	if len(objs) > limit {
		objs = objs[:limit]
		page.Next = objs[limit-1].Path
	}
	page.Objects = objs
	return page, nil
}

func (s *Store) Consistency() storage.Consistency { return storage.Strong }
func (s *Store) Name() string                     { return "file" }
