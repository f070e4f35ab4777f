// Package cache implements spec §4.4's two-tier cache: a content-addressed
// artifact store (this file, generalized from the teacher's wheel-only
// cache.Manager) keyed by sha256 rather than filename, and an HTTP
// response cache with conditional-GET support (http_cache.go). Both use
// golang.org/x/sync/singleflight to coalesce concurrent requests for the
// same key, since the executor's worker pool can have many goroutines
// ask for the same dependency's metadata or artifact at once.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/singleflight"
)

// ContentStore is a content-addressed artifact cache: entries are keyed
// by their sha256 digest, so two differently-named files with identical
// bytes (common across wheel rebuilds) share one cache entry.
type ContentStore interface {
	// Get returns the cached path for the artifact with digest sha256Hex,
	// or ok=false if not cached.
	Get(sha256Hex string) (path string, ok bool)
	// Put stores srcPath's contents under their own sha256 digest and
	// returns the cache path. It is safe to call Put concurrently for the
	// same srcPath; singleflight coalesces the copy.
	Put(srcPath string) (path string, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDir sets the cache directory, overriding the platform default.
func WithDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.dir = dir
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager manages a local content-addressed cache directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	group  singleflight.Group
}

var _ ContentStore = (*Manager)(nil)

// New creates a new cache manager. If no dir is specified via WithDir or
// PKGSOLVE_CACHE_DIR, a platform-appropriate default is used.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{logger: slog.Default()}

	for _, opt := range opts {
		opt(m)
	}

	if m.dir == "" {
		m.dir = defaultCacheDir()
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", m.dir, err)
	}

	return m, nil
}

func (m *Manager) entryPath(sha256Hex string) string {
	if len(sha256Hex) < 2 {
		return filepath.Join(m.dir, sha256Hex)
	}

	return filepath.Join(m.dir, sha256Hex[:2], sha256Hex)
}

// Get checks whether an artifact with the given sha256 digest is cached.
func (m *Manager) Get(sha256Hex string) (string, bool) {
	path := m.entryPath(sha256Hex)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}

	m.logger.Debug("cache hit", slog.String("sha256", sha256Hex))

	return path, true
}

// Put copies srcPath into the cache under its own sha256 digest using
// atomic rename, coalescing concurrent Put calls for the same source
// file via singleflight.
func (m *Manager) Put(srcPath string) (string, error) {
	digest, err := hashFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", srcPath, err)
	}

	if path, ok := m.Get(digest); ok {
		return path, nil
	}

	result, err, _ := m.group.Do(digest, func() (interface{}, error) {
		return m.put(srcPath, digest)
	})
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

func (m *Manager) put(srcPath, digest string) (string, error) {
	dstPath := m.entryPath(digest)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", fmt.Errorf("creating cache shard: %w", err)
	}

	tmpPath := dstPath + ".tmp"

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening source %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file %s: %w", tmpPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("copying to cache: %w", err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("renaming cache file: %w", err)
	}

	m.logger.Debug("cached", slog.String("sha256", digest))

	return dstPath, nil
}

// hashFile computes the SHA256 hex digest of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// defaultCacheDir returns the platform-appropriate cache directory.
// Priority: PKGSOLVE_CACHE_DIR > platform default.
func defaultCacheDir() string {
	if dir := os.Getenv("PKGSOLVE_CACHE_DIR"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pkgsolve")
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", "pkgsolve")
	}

	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "pkgsolve")
	}

	return filepath.Join(home, ".cache", "pkgsolve")
}
