// Package redisstore keeps tiles in Redis, one hash per tile.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

const (
	fieldData        = "data"
	fieldContentType = "ct"
	fieldStoredAt    = "ts"
	fieldChecksum    = "sum"

	defaultKeyPrefix = "tile:"
)

type Option func(*Client)

func WithPoolSize(n int) Option {
	return func(c *Client) { c.ro.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(c *Client) { c.ro.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.ro.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.ro.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.ro.WriteTimeout = d }
}

func WithPassword(p string) Option {
	return func(c *Client) { c.ro.Password = p }
}

func WithDB(db int) Option {
	return func(c *Client) { c.ro.DB = db }
}

// WithKeyPrefix namespaces every tile key.
func WithKeyPrefix(p string) Option {
	return func(c *Client) { c.prefix = p }
}

// WithTTL expires tiles after d; zero keeps them until deleted or evicted.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

type Client struct {
	rdb    *redis.Client
	ro     *redis.Options
	prefix string
	ttl    time.Duration
}

var _ storage.Backend = (*Client)(nil)

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, storage.Fatal("redis open", errors.New("redis address is required"))
	}

	c := &Client{
		ro: &redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
		prefix: defaultKeyPrefix,
	}
	for _, f := range opts {
		f(c)
	}

	c.rdb = redis.NewClient(c.ro)
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		_ = c.rdb.Close()
		return nil, classify("redis ping", err)
	}
	return c, nil
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return storage.ErrNotFound
	}
	msg := err.Error()
	for _, p := range []string{"NOAUTH", "WRONGPASS", "WRONGTYPE", "NOPERM", "ERR invalid password"} {
		if strings.HasPrefix(msg, p) {
			return storage.Fatal(op, err)
		}
	}
	return storage.Unavailable(op, err)
}

func (c *Client) key(path string) string { return c.prefix + path }

func (c *Client) Get(ctx context.Context, path string) (storage.Entry, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(path)).Result()
	if err != nil {
		return storage.Entry{}, classify(fmt.Sprintf("redis HGETALL %q", path), err)
	}
	data, ok := m[fieldData]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	e := storage.Entry{
		Data:        []byte(data),
		ContentType: m[fieldContentType],
		Size:        int64(len(data)),
		Checksum:    m[fieldChecksum],
	}
	if ns, err := strconv.ParseInt(m[fieldStoredAt], 10, 64); err == nil {
		e.StoredAt = time.Unix(0, ns)
	}
	if e.Checksum == "" {
		e.Checksum = storage.Checksum(e.Data)
	}
	return e, nil
}

// Put replaces the whole hash in one MULTI so a reader never sees fields
// from two different writes.
func (c *Client) Put(ctx context.Context, path string, data []byte, contentType string) error {
	k := c.key(path)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k,
			fieldData, data,
			fieldContentType, contentType,
			fieldStoredAt, strconv.FormatInt(time.Now().UnixNano(), 10),
			fieldChecksum, storage.Checksum(data),
		)
		if c.ttl > 0 {
			p.Expire(ctx, k, c.ttl)
		}
		return nil
	})
	if err != nil {
		return classify(fmt.Sprintf("redis HSET %q", path), err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.rdb.Del(ctx, c.key(path)).Err(); err != nil {
		return classify(fmt.Sprintf("redis DEL %q", path), err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(path)).Result()
	if err != nil {
		return false, classify(fmt.Sprintf("redis EXISTS %q", path), err)
	}
	return n > 0, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// List walks the keyspace with SCAN. The token is the SCAN cursor, so a
// resumed enumeration may repeat keys and pages may come back empty while
// the cursor is still live.
func (c *Client) List(ctx context.Context, prefix, token string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	var cursor uint64
	if token != "" {
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return storage.Page{}, storage.Fatal("redis SCAN", fmt.Errorf("bad cursor %q: %w", token, err))
		}
		cursor = v
	}
	match := globEscaper.Replace(c.key(prefix)) + "*"
	keys, next, err := c.rdb.Scan(ctx, cursor, match, int64(limit)).Result()
	if err != nil {
		return storage.Page{}, classify("redis SCAN", err)
	}

	var page storage.Page
	if next != 0 {
		page.Next = strconv.FormatUint(next, 10)
	}
	if len(keys) == 0 {
		return page, nil
	}

	pipe := c.rdb.Pipeline()
	sizes := make([]*redis.IntCmd, len(keys))
	stamps := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		sizes[i] = pipe.HStrLen(ctx, k, fieldData)
		stamps[i] = pipe.HGet(ctx, k, fieldStoredAt)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return storage.Page{}, classify("redis SCAN sizes", err)
	}
	for i, k := range keys {
		ts, err := stamps[i].Result()
		if err != nil {
			// deleted between SCAN and the pipeline
			continue
		}
		ns, _ := strconv.ParseInt(ts, 10, 64)
		page.Objects = append(page.Objects, storage.Object{
			Path:         strings.TrimPrefix(k, c.prefix),
			Size:         sizes[i].Val(),
			LastModified: time.Unix(0, ns),
		})
	}
	return page, nil
}

func (c *Client) Consistency() storage.Consistency { return storage.Strong }
func (c *Client) Name() string                     { return "redis" }

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
