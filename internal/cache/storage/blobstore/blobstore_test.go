package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/storagetest"
)

func fakeContainer(t *testing.T, status int, code string) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ms-error-code", code)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	s, err := New(Config{
		ContainerURL: srv.URL + "/devaccount/tiles",
		AccountName:  "devaccount",
		AccountKey:   "c2VjcmV0LWtleQ==",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetMissingBlob(t *testing.T) {
	s := fakeContainer(t, http.StatusNotFound, "BlobNotFound")
	ctx := context.Background()
	if _, err := s.Get(ctx, "ds/~/png/~/0/0/0"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "ds/~/png/~/0/0/0"); err != nil {
		t.Fatalf("delete of missing blob must succeed: %v", err)
	}
	ok, err := s.Exists(ctx, "ds/~/png/~/0/0/0")
	if err != nil || ok {
		t.Fatalf("Exists=%v,%v", ok, err)
	}
}

func TestMissingContainerIsFatal(t *testing.T) {
	s := fakeContainer(t, http.StatusNotFound, "ContainerNotFound")
	err := s.Put(context.Background(), "ds/~/png/~/0/0/0", []byte("x"), "image/png")
	if !errors.Is(err, storage.ErrFatal) {
		t.Fatalf("err=%v want ErrFatal", err)
	}
}

func TestServerBusyIsUnavailable(t *testing.T) {
	s := fakeContainer(t, http.StatusServiceUnavailable, "ServerBusy")
	_, err := s.List(context.Background(), "ds/", "", 10)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{ContainerURL: "https://x.blob.core.windows.net/tiles"}); !errors.Is(err, storage.ErrFatal) {
		t.Fatalf("err=%v want ErrFatal", err)
	}
}

type memBlob struct {
	data        []byte
	contentType string
	meta        http.Header
	modTime     time.Time
}

// containerServer is an in-memory blob container speaking Put Blob, Get
// Blob, Get Blob Properties, Delete Blob and List Blobs.
type containerServer struct {
	root string

	mu    sync.Mutex
	blobs map[string]memBlob
}

func (c *containerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == c.root {
		q := r.URL.Query()
		if r.Method == http.MethodGet && q.Get("restype") == "container" && q.Get("comp") == "list" {
			c.list(w, r)
			return
		}
		w.Header().Set("x-ms-error-code", "UnsupportedQueryParameter")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, c.root+"/")

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		meta := http.Header{}
		for k, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-ms-meta-") {
				meta[k] = v
			}
		}
		b := memBlob{
			data:        data,
			contentType: r.Header.Get("x-ms-blob-content-type"),
			meta:        meta,
			modTime:     time.Now().UTC(),
		}
		c.mu.Lock()
		c.blobs[name] = b
		c.mu.Unlock()
		w.Header().Set("ETag", blobETag(data))
		w.Header().Set("Last-Modified", b.modTime.Format(http.TimeFormat))
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet, http.MethodHead:
		c.mu.Lock()
		b, ok := c.blobs[name]
		c.mu.Unlock()
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h := w.Header()
		for k, v := range b.meta {
			h[k] = v
		}
		h.Set("Content-Type", b.contentType)
		h.Set("Content-Length", strconv.Itoa(len(b.data)))
		h.Set("Last-Modified", b.modTime.Format(http.TimeFormat))
		h.Set("ETag", blobETag(b.data))
		h.Set("x-ms-blob-type", "BlockBlob")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(b.data)
		}
	case http.MethodDelete:
		c.mu.Lock()
		_, ok := c.blobs[name]
		delete(c.blobs, name)
		c.mu.Unlock()
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type blobProperties struct {
	LastModified  string `xml:"Last-Modified"`
	ContentLength int64  `xml:"Content-Length"`
	ContentType   string `xml:"Content-Type"`
	BlobType      string
}

type blobEntry struct {
	Name       string
	Properties blobProperties
}

type blobSegment struct {
	Blob []blobEntry
}

type enumerationResults struct {
	XMLName         xml.Name `xml:"EnumerationResults"`
	ServiceEndpoint string   `xml:"ServiceEndpoint,attr"`
	ContainerName   string   `xml:"ContainerName,attr"`
	Prefix          string
	Marker          string
	MaxResults      int
	Blobs           blobSegment
	NextMarker      string
}

// list treats the marker as the last name already returned.
func (c *containerServer) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, marker := q.Get("prefix"), q.Get("marker")
	maxResults := 5000
	if v, err := strconv.Atoi(q.Get("maxresults")); err == nil && v > 0 {
		maxResults = v
	}

	c.mu.Lock()
	var names []string
	for n := range c.blobs {
		if strings.HasPrefix(n, prefix) && n > marker {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	res := enumerationResults{
		ServiceEndpoint: "http://" + r.Host + "/",
		ContainerName:   "tiles",
		Prefix:          prefix,
		Marker:          marker,
		MaxResults:      maxResults,
	}
	if len(names) > maxResults {
		names = names[:maxResults]
		res.NextMarker = names[len(names)-1]
	}
	for _, n := range names {
		b := c.blobs[n]
		res.Blobs.Blob = append(res.Blobs.Blob, blobEntry{
			Name: n,
			Properties: blobProperties{
				LastModified:  b.modTime.Format(http.TimeFormat),
				ContentLength: int64(len(b.data)),
				ContentType:   b.contentType,
				BlobType:      "BlockBlob",
			},
		})
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

func blobETag(data []byte) string {
	sum := md5.Sum(data)
	return `"0x` + strings.ToUpper(hex.EncodeToString(sum[:8])) + `"`
}

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		srv := httptest.NewServer(&containerServer{root: "/devaccount/tiles", blobs: map[string]memBlob{}})
		t.Cleanup(srv.Close)
		s, err := New(Config{
			ContainerURL: srv.URL + "/devaccount/tiles",
			AccountName:  "devaccount",
			AccountKey:   "c2VjcmV0LWtleQ==",
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestListWithoutBlobsSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="tiles"><NextMarker/></EnumerationResults>`)
	}))
	t.Cleanup(srv.Close)
	s, err := New(Config{
		ContainerURL: srv.URL + "/devaccount/tiles",
		AccountName:  "devaccount",
		AccountKey:   "c2VjcmV0LWtleQ==",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	page, err := s.List(context.Background(), "ds/", "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Objects) != 0 || page.Next != "" {
		t.Fatalf("page = %+v, want empty", page)
	}
}
