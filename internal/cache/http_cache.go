package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// HTTPCache wraps an http.Client with RFC 7234 conditional-GET support:
// a stored ETag/Last-Modified is replayed as If-None-Match/
// If-Modified-Since on the next request, and a 304 response serves the
// cached body without re-downloading. This is the provider layer's
// metadata cache (index pages, JSON responses); artifact bytes go
// through ContentStore instead.
type HTTPCache struct {
	client *http.Client
	dir    string
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]httpCacheEntry
}

type httpCacheEntry struct {
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
	BodyFile     string `json:"body_file"`
}

// NewHTTPCache builds an HTTPCache persisting its index under dir.
func NewHTTPCache(dir string, client *http.Client, logger *slog.Logger) (*HTTPCache, error) {
	if client == nil {
		client = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating http cache directory %s: %w", dir, err)
	}

	h := &HTTPCache{client: client, dir: dir, logger: logger, entries: map[string]httpCacheEntry{}}

	if err := h.loadIndex(); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *HTTPCache) indexPath() string { return filepath.Join(h.dir, "index.json") }

func (h *HTTPCache) loadIndex() error {
	data, err := os.ReadFile(h.indexPath())
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading http cache index: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return json.Unmarshal(data, &h.entries)
}

func (h *HTTPCache) saveIndex() error {
	h.mu.Lock()
	data, err := json.Marshal(h.entries)
	h.mu.Unlock()

	if err != nil {
		return err
	}

	tmp := h.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, h.indexPath())
}

// Fetch performs a conditional GET on url, serving the cached body on a
// 304 and otherwise updating the cache with the fresh response.
// Concurrent Fetch calls for the same url are coalesced.
func (h *HTTPCache) Fetch(ctx context.Context, url string) ([]byte, error) {
	result, err, _ := h.group.Do(url, func() (interface{}, error) {
		return h.fetchOnce(ctx, url)
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}

func (h *HTTPCache) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	h.mu.Lock()
	entry, cached := h.entries[url]
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if cached {
		if entry.ETag != "" {
			req.Header.Set("If-None-Match", entry.ETag)
		}

		if entry.LastModified != "" {
			req.Header.Set("If-Modified-Since", entry.LastModified)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && cached {
		h.logger.Debug("http cache revalidated", slog.String("url", url))

		return os.ReadFile(entry.BodyFile)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	if err := h.store(url, resp, body); err != nil {
		h.logger.Debug("http cache store failed", slog.String("url", url), slog.String("error", err.Error()))
	}

	return body, nil
}

func (h *HTTPCache) store(url string, resp *http.Response, body []byte) error {
	bodyFile := filepath.Join(h.dir, bodyFilename(url))

	if err := os.WriteFile(bodyFile, body, 0o644); err != nil {
		return err
	}

	h.mu.Lock()
	h.entries[url] = httpCacheEntry{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		BodyFile:     bodyFile,
	}
	h.mu.Unlock()

	return h.saveIndex()
}

func bodyFilename(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:]) + ".body"
}
