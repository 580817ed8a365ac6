package lopata

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// cacheMaxBodySize is the largest response body a cache will store.
const cacheMaxBodySize = 512 << 20

// CacheStorage produces per-name caches over the shared database.
type CacheStorage struct {
	// Default is the cache named "default".
	Default *Cache

	st     *store.Store
	tr     *Tracing
	mu     sync.Mutex
	opened map[string]*Cache
}

// NewCacheStorage builds the cache registry.
func NewCacheStorage(st *store.Store, tr *Tracing) *CacheStorage {
	cs := &CacheStorage{st: st, tr: tr, opened: make(map[string]*Cache)}
	cs.Default = cs.Open("default")
	return cs
}

// Open returns the cache with the given name, creating it on first use.
func (cs *CacheStorage) Open(name string) *Cache {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.opened[name]; ok {
		return c
	}
	c := &Cache{st: cs.st, name: name, tr: cs.tr}
	cs.opened[name] = c
	return c
}

// CacheOptions relaxes the GET-only rule for Match and Delete.
type CacheOptions struct {
	IgnoreMethod bool
}

// Cache stores HTTP responses keyed by URL.
type Cache struct {
	st   *store.Store
	name string
	tr   *Tracing
}

// Put stores resp under the request URL. Responses the platform refuses
// to cache are either rejected (non-GET, 206, Vary: *) or silently
// skipped (Set-Cookie, Cache-Control: no-store), matching the platform
// contract. The response body is consumed.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	ctx, end := c.tr.op(ctx, "cache.put", "cache.name", c.name, "cache.url", req.URL.String())
	defer end(nil)
	if req.Method != http.MethodGet {
		return errValidation("cache: put requires a GET request, got %s", req.Method)
	}
	if resp.StatusCode == http.StatusPartialContent {
		return errValidation("cache: cannot cache a 206 Partial Content response")
	}
	if strings.TrimSpace(resp.Header.Get("Vary")) == "*" {
		return errValidation("cache: cannot cache a response with Vary: *")
	}
	if resp.Header.Get("Set-Cookie") != "" {
		return nil // silently skipped
	}

	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if cc.noStore {
		return nil // silently skipped
	}
	var expiresAt sql.NullInt64
	switch {
	case cc.sMaxAge >= 0:
		expiresAt = sql.NullInt64{Int64: time.Now().Add(time.Duration(cc.sMaxAge) * time.Second).UnixMilli(), Valid: true}
	case cc.maxAge >= 0:
		expiresAt = sql.NullInt64{Int64: time.Now().Add(time.Duration(cc.maxAge) * time.Second).UnixMilli(), Valid: true}
	default:
		if exp := resp.Header.Get("Expires"); exp != "" {
			if t, err := http.ParseTime(exp); err == nil {
				expiresAt = sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
			}
		}
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(resp.Body, cacheMaxBodySize+1))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("cache: reading response body: %w", err)
		}
		if len(body) > cacheMaxBodySize {
			return errValidation("cache: response body exceeds %d bytes", cacheMaxBodySize)
		}
	}

	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("cache: serializing headers: %w", err)
	}
	_, err = c.st.DB.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, url, status, headers, body, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_name, url) DO UPDATE SET
		   status = excluded.status, headers = excluded.headers,
		   body = excluded.body, expires_at = excluded.expires_at`,
		c.name, req.URL.String(), resp.StatusCode, string(headers), body, expiresAt)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// Match returns the cached response for the request URL with a
// cf-cache-status: HIT header appended, or nil on a miss. Expired
// entries are lazily deleted on read.
func (c *Cache) Match(ctx context.Context, req *http.Request, opts *CacheOptions) (*http.Response, error) {
	ctx, end := c.tr.op(ctx, "cache.match", "cache.name", c.name, "cache.url", req.URL.String())
	defer end(nil)
	if req.Method != http.MethodGet && (opts == nil || !opts.IgnoreMethod) {
		return nil, nil
	}
	var status int
	var headersJSON string
	var body []byte
	var expiresAt sql.NullInt64
	err := c.st.DB.QueryRowContext(ctx,
		`SELECT status, headers, body, expires_at FROM cache_entries WHERE cache_name = ? AND url = ?`,
		c.name, req.URL.String()).Scan(&status, &headersJSON, &body, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: match: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		_, _ = c.st.DB.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, req.URL.String())
		return nil, nil
	}

	header := http.Header{}
	_ = json.Unmarshal([]byte(headersJSON), &header)
	header.Set("cf-cache-status", "HIT")
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}, nil
}

// Delete removes the entry for the request URL, reporting whether a row
// was removed.
func (c *Cache) Delete(ctx context.Context, req *http.Request, opts *CacheOptions) (bool, error) {
	ctx, end := c.tr.op(ctx, "cache.delete", "cache.name", c.name, "cache.url", req.URL.String())
	defer end(nil)
	if req.Method != http.MethodGet && (opts == nil || !opts.IgnoreMethod) {
		return false, nil
	}
	res, err := c.st.DB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, req.URL.String())
	if err != nil {
		return false, fmt.Errorf("cache: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// cacheControl carries the directives Put cares about. Ages are -1 when
// absent.
type cacheControl struct {
	noStore bool
	maxAge  int64
	sMaxAge int64
}

func parseCacheControl(value string) cacheControl {
	cc := cacheControl{maxAge: -1, sMaxAge: -1}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		key, val, _ := strings.Cut(part, "=")
		switch strings.ToLower(key) {
		case "no-store":
			cc.noStore = true
		case "max-age":
			if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil && n >= 0 {
				cc.maxAge = n
			}
		case "s-maxage":
			if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil && n >= 0 {
				cc.sMaxAge = n
			}
		}
	}
	return cc
}
