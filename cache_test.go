package lopata

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCaches(t *testing.T) *CacheStorage {
	t.Helper()
	st := newTestStore(t)
	return NewCacheStorage(st, nil)
}

func cacheableResponse(status int, headers map[string]string, body string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestCachePutMatch(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/page", nil)

	resp := cacheableResponse(http.StatusCreated, map[string]string{
		"Cache-Control": "max-age=300",
		"X-Custom":      "kept",
	}, "cached body")
	if err := c.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := c.Match(ctx, req, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a hit")
	}
	if got.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", got.StatusCode)
	}
	if got.Header.Get("X-Custom") != "kept" {
		t.Fatalf("header lost: %v", got.Header)
	}
	if got.Header.Get("cf-cache-status") != "HIT" {
		t.Fatalf("cf-cache-status = %q", got.Header.Get("cf-cache-status"))
	}
	data, _ := io.ReadAll(got.Body)
	if string(data) != "cached body" {
		t.Fatalf("body = %q", data)
	}
}

func TestCacheMatchMiss(t *testing.T) {
	c := newTestCaches(t).Default
	req := httptest.NewRequest(http.MethodGet, "http://example.com/nope", nil)
	got, err := c.Match(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a miss, got %+v", got)
	}
}

func TestCachePutRejections(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	post := httptest.NewRequest(http.MethodPost, "http://example.com/", nil)
	if err := c.Put(ctx, post, cacheableResponse(200, nil, "x")); !IsValidation(err) {
		t.Fatalf("post put: got %v, want validation error", err)
	}
	if err := c.Put(ctx, req, cacheableResponse(http.StatusPartialContent, nil, "x")); !IsValidation(err) {
		t.Fatalf("206 put: got %v, want validation error", err)
	}
	if err := c.Put(ctx, req, cacheableResponse(200, map[string]string{"Vary": "*"}, "x")); !IsValidation(err) {
		t.Fatalf("vary * put: got %v, want validation error", err)
	}
}

func TestCachePutSilentSkips(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	// Set-Cookie and no-store are accepted but never stored.
	if err := c.Put(ctx, req, cacheableResponse(200, map[string]string{"Set-Cookie": "a=b"}, "x")); err != nil {
		t.Fatalf("set-cookie put: %v", err)
	}
	if err := c.Put(ctx, req, cacheableResponse(200, map[string]string{"Cache-Control": "no-store"}, "x")); err != nil {
		t.Fatalf("no-store put: %v", err)
	}
	if got, _ := c.Match(ctx, req, nil); got != nil {
		t.Fatalf("skipped response was stored")
	}
}

func TestCacheExpiryIsLazy(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if err := c.Put(ctx, req, cacheableResponse(200, map[string]string{"Cache-Control": "max-age=0"}, "x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// The row exists until a read notices it expired.
	var n int
	if err := c.st.DB.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows before match = %d", n)
	}
	if got, err := c.Match(ctx, req, nil); err != nil || got != nil {
		t.Fatalf("expired match = %+v, %v", got, err)
	}
	if err := c.st.DB.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired row not deleted on read")
	}
}

func TestCacheSMaxAgeWinsOverMaxAge(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	resp := cacheableResponse(200, map[string]string{"Cache-Control": "max-age=0, s-maxage=600"}, "x")
	if err := c.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Match(ctx, req, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got == nil {
		t.Fatalf("s-maxage should keep the entry fresh")
	}
}

func TestCacheDelete(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if err := c.Put(ctx, req, cacheableResponse(200, map[string]string{"Cache-Control": "max-age=60"}, "x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := c.Delete(ctx, req, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatalf("delete reported no row removed")
	}
	ok, err = c.Delete(ctx, req, nil)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Fatalf("second delete reported a row removed")
	}
}

func TestCacheIgnoreMethod(t *testing.T) {
	c := newTestCaches(t).Default
	ctx := context.Background()
	get := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if err := c.Put(ctx, get, cacheableResponse(200, map[string]string{"Cache-Control": "max-age=60"}, "x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	head := httptest.NewRequest(http.MethodHead, "http://example.com/", nil)
	if got, _ := c.Match(ctx, head, nil); got != nil {
		t.Fatalf("non-GET match should miss without IgnoreMethod")
	}
	got, err := c.Match(ctx, head, &CacheOptions{IgnoreMethod: true})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got == nil {
		t.Fatalf("IgnoreMethod match missed")
	}
}

func TestCacheNamedCachesAreIsolated(t *testing.T) {
	cs := newTestCaches(t)
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	a := cs.Open("a")
	if err := a.Put(ctx, req, cacheableResponse(200, map[string]string{"Cache-Control": "max-age=60"}, "x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, _ := cs.Default.Match(ctx, req, nil); got != nil {
		t.Fatalf("entry leaked across caches")
	}
	if got, _ := cs.Open("a").Match(ctx, req, nil); got == nil {
		t.Fatalf("entry missing from its own cache")
	}
}
