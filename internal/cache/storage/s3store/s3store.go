// Package s3store keeps tiles in an S3-compatible bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

const (
	metaChecksum = "Checksum"
	metaStoredAt = "Stored-At"
)

type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
	Region          string
	// Prefix is prepended to every object name.
	Prefix string
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 bucket name is missing")
	}
	if c.Endpoint == "" {
		return errors.New("s3 endpoint is missing")
	}
	if c.AccessKeyID == "" {
		return errors.New("s3 access-key is missing")
	}
	if c.SecretAccessKey == "" {
		return errors.New("s3 secret-key is missing")
	}
	return nil
}

type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ storage.Backend = (*Store)(nil)

// New builds the client. The SDK's own retry loop is limited to a single
// attempt; retries belong to callers.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, storage.Fatal("s3 open", err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:     cfg.Secure,
		Region:     region,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, storage.Fatal("s3 open", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// classify maps S3 error responses onto the storage error classes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		resp = minio.ToErrorResponse(err)
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return storage.ErrNotFound
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"InvalidBucketName", "AuthorizationHeaderMalformed", "AccountProblem":
		return storage.Fatal(op, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return storage.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return storage.Fatal(op, err)
	}
	return storage.Unavailable(op, err)
}

func metaValue(info minio.ObjectInfo, key string) string {
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return info.Metadata.Get("X-Amz-Meta-" + key)
}

func (s *Store) Get(ctx context.Context, path string) (storage.Entry, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.prefix+path, minio.GetObjectOptions{})
	if err != nil {
		return storage.Entry{}, classify("s3 get", err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return storage.Entry{}, classify("s3 get", err)
	}
	info, err := obj.Stat()
	if err != nil {
		return storage.Entry{}, classify("s3 get", err)
	}
	e := storage.Entry{
		Data:        data,
		ContentType: info.ContentType,
		Size:        int64(len(data)),
		StoredAt:    info.LastModified,
		Checksum:    metaValue(info, metaChecksum),
	}
	if ts, err := time.Parse(time.RFC3339Nano, metaValue(info, metaStoredAt)); err == nil {
		e.StoredAt = ts
	}
	if e.Checksum == "" {
		e.Checksum = storage.Checksum(data)
	}
	return e, nil
}

func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.prefix+path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				metaChecksum: storage.Checksum(data),
				metaStoredAt: time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	return classify("s3 put", err)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.prefix+path, minio.RemoveObjectOptions{})
	if err = classify("s3 delete", err); errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.prefix+path, minio.StatObjectOptions{})
	switch err = classify("s3 exists", err); {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List uses the token as the StartAfter key. It reads one object past limit
// to learn whether another page exists, then stops the listing.
func (s *Store) List(ctx context.Context, prefix, token string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:    s.prefix + prefix,
		Recursive: true,
		MaxKeys:   limit,
	}
	if token != "" {
		opts.StartAfter = s.prefix + token
	}
	ch := s.client.ListObjects(lctx, s.bucket, opts)

	var page storage.Page
	for obj := range ch {
		if obj.Err != nil {
			cancel()
			for range ch {
			}
			return storage.Page{}, classify("s3 list", obj.Err)
		}
		if len(page.Objects) == limit {
			page.Next = page.Objects[limit-1].Path
			cancel()
			for range ch {
			}
			break
		}
		page.Objects = append(page.Objects, storage.Object{
			Path:         strings.TrimPrefix(obj.Key, s.prefix),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	if page.Next == "" && ctx.Err() != nil {
		return storage.Page{}, storage.Unavailable("s3 list", ctx.Err())
	}
	return page, nil
}

func (s *Store) Consistency() storage.Consistency { return storage.Strong }
func (s *Store) Name() string                     { return "s3" }
