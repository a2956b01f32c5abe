// Package blobstore keeps tiles as block blobs in an Azure storage container.
package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

const (
	metaChecksum = "checksum"
	metaStoredAt = "storedat"
)

type Config struct {
	// ContainerURL is the full container URL, e.g.
	// https://account.blob.core.windows.net/tiles
	ContainerURL string
	AccountName  string
	AccountKey   string
}

func (c Config) Validate() error {
	if c.ContainerURL == "" {
		return errors.New("azure container URL is missing")
	}
	if c.AccountName == "" {
		return errors.New("azure account name is missing")
	}
	if c.AccountKey == "" {
		return errors.New("azure account key is missing")
	}
	return nil
}

type Store struct {
	cc *container.Client
}

var _ storage.Backend = (*Store)(nil)

// New builds a container client. The SDK pipeline performs a single
// attempt; retries belong to callers.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, storage.Fatal("blob open", err)
	}
	keyCred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, storage.Fatal("blob open", err)
	}
	cc, err := container.NewClientWithSharedKeyCredential(cfg.ContainerURL, keyCred, &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, storage.Fatal("blob open", err)
	}
	return &Store{cc: cc}, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return storage.ErrNotFound
	case bloberror.HasCode(err,
		bloberror.ContainerNotFound,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.InvalidAuthenticationInfo,
		bloberror.InsufficientAccountPermissions,
		bloberror.AccountIsDisabled):
		return storage.Fatal(op, err)
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch re.StatusCode {
		case http.StatusNotFound:
			return storage.ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return storage.Fatal(op, err)
		}
	}
	return storage.Unavailable(op, err)
}

func metaValue(m map[string]*string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

func (s *Store) Get(ctx context.Context, path string) (storage.Entry, error) {
	resp, err := s.cc.NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		return storage.Entry{}, classify("blob get", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Entry{}, storage.Unavailable("blob get", err)
	}
	e := storage.Entry{
		Data:     data,
		Size:     int64(len(data)),
		Checksum: metaValue(resp.Metadata, metaChecksum),
	}
	if resp.ContentType != nil {
		e.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		e.StoredAt = *resp.LastModified
	}
	if ts, err := time.Parse(time.RFC3339Nano, metaValue(resp.Metadata, metaStoredAt)); err == nil {
		e.StoredAt = ts
	}
	if e.Checksum == "" {
		e.Checksum = storage.Checksum(data)
	}
	return e, nil
}

func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	sum := storage.Checksum(data)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.cc.NewBlockBlobClient(path).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata: map[string]*string{
			metaChecksum: &sum,
			metaStoredAt: &ts,
		},
	})
	return classify("blob put", err)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.cc.NewBlobClient(path).Delete(ctx, nil)
	if err = classify("blob delete", err); errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.cc.NewBlobClient(path).GetProperties(ctx, nil)
	switch err = classify("blob exists", err); {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List fetches one service page; the token is the service continuation
// marker.
func (s *Store) List(ctx context.Context, prefix, token string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	maxResults := int32(limit)
	opts := &container.ListBlobsFlatOptions{Prefix: &prefix, MaxResults: &maxResults}
	if token != "" {
		opts.Marker = &token
	}
	pager := s.cc.NewListBlobsFlatPager(opts)
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return storage.Page{}, classify("blob list", err)
	}
	var page storage.Page
	if resp.Segment == nil {
		return page, nil
	}
	for _, item := range resp.Segment.BlobItems {
		if item.Name == nil {
			continue
		}
		o := storage.Object{Path: *item.Name}
		if item.Properties != nil {
			if item.Properties.ContentLength != nil {
				o.Size = *item.Properties.ContentLength
			}
			if item.Properties.LastModified != nil {
				o.LastModified = *item.Properties.LastModified
			}
		}
		page.Objects = append(page.Objects, o)
	}
	if resp.NextMarker != nil {
		page.Next = *resp.NextMarker
	}
	return page, nil
}

func (s *Store) Consistency() storage.Consistency { return storage.Strong }
func (s *Store) Name() string                     { return "azure" }
