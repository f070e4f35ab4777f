package cache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkgsolve/pkgsolve/internal/cache"
)

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

func TestHTTPCacheRevalidates304(t *testing.T) {
	var hits int32

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("index page body"))
	}))

	h, err := cache.NewHTTPCache(t.TempDir(), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewHTTPCache() error: %v", err)
	}

	first, err := h.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	second, err := h.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("revalidated body mismatch: %q vs %q", first, second)
	}

	if hits != 2 {
		t.Errorf("expected 2 server hits (fetch + revalidate), got %d", hits)
	}
}

func TestHTTPCacheConcurrentFetchCoalesces(t *testing.T) {
	var hits int32

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("body"))
	}))

	h, err := cache.NewHTTPCache(t.TempDir(), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewHTTPCache() error: %v", err)
	}

	done := make(chan struct{}, 8)

	for range 8 {
		go func() {
			_, _ = h.Fetch(context.Background(), srv.URL+"/same")
			done <- struct{}{}
		}()
	}

	for range 8 {
		<-done
	}

	if hits > 2 {
		t.Errorf("expected singleflight to coalesce concurrent fetches, got %d server hits", hits)
	}
}
