package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkgsolve/pkgsolve/internal/cache"
	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// BuildBackend is the out-of-scope collaborator that turns an sdist into
// a wheel: a subprocess invocation of the project's declared
// build-system (setuptools, hatchling, ...), reached through this
// interface rather than hardcoded, since which backend and how it's
// invoked is a manifest-level concern outside resolution and execution.
type BuildBackend interface {
	// Build runs the backend against sdistPath inside an isolated
	// directory containing only requires (the declared
	// build-system.requires), and returns the path to the produced
	// wheel.
	Build(ctx context.Context, sdistPath string, requires []string, isolationDir string) (wheelPath string, err error)
}

// BuildIsolation materializes a hermetic build environment for one
// sdist, invokes the configured BuildBackend, and caches the resulting
// wheel in store keyed by (source sha256, target wheel tag) so the same
// sdist is never rebuilt twice for the same interpreter/platform.
type BuildIsolation struct {
	backend   BuildBackend
	store     cache.ContentStore
	workDir   string
	indexPath string
}

func newBuildIsolation(backend BuildBackend, store cache.ContentStore, workDir string) *BuildIsolation {
	return &BuildIsolation{
		backend:   backend,
		store:     store,
		workDir:   workDir,
		indexPath: filepath.Join(workDir, "build-cache-index.json"),
	}
}

func (s *Service) buildIsolation() *BuildIsolation {
	return newBuildIsolation(s.build, s.store, s.workDir)
}

// Build returns the wheel path for sdist, building it only if no cached
// wheel exists for (sdist.SHA256, targetTag).
func (b *BuildIsolation) Build(ctx context.Context, meta pkgmodel.PackageMetadata, sdist pkgmodel.Distribution, sdistPath, targetTag string) (string, error) {
	key := buildCacheKey(sdist.SHA256, targetTag)

	if b.store != nil {
		if digest, ok := b.lookup(key); ok {
			if path, ok := b.store.Get(digest); ok {
				return path, nil
			}
		}
	}

	if b.backend == nil {
		return "", errs.New(errs.KindBuildFailure, "executor.BuildIsolation.Build",
			fmt.Errorf("%s has no wheel for %s and no build backend is configured", meta.ID, targetTag))
	}

	isoDir, err := os.MkdirTemp(b.workDir, "build-*")
	if err != nil {
		return "", errs.New(errs.KindBuildFailure, "executor.BuildIsolation.Build", err)
	}
	defer func() { _ = os.RemoveAll(isoDir) }()

	wheelPath, err := b.backend.Build(ctx, sdistPath, buildRequires(meta), isoDir)
	if err != nil {
		return "", errs.New(errs.KindBuildFailure, "executor.BuildIsolation.Build", err)
	}

	if b.store == nil {
		return wheelPath, nil
	}

	digest, err := hashFileSHA256(wheelPath)
	if err != nil {
		return wheelPath, nil
	}

	cached, err := b.store.Put(wheelPath)
	if err != nil {
		return wheelPath, nil
	}

	b.record(key, digest)

	return cached, nil
}

// buildRequires extracts the declared build-time requirement strings a
// BuildBackend needs materialized into the isolation directory. The
// resolver doesn't track a package's own build-system.requires (those
// belong to its source tree, not its runtime dependency graph), so this
// returns the entries of meta's own Dependencies whose Group is "build";
// nothing is read from the project manifest.
func buildRequires(meta pkgmodel.PackageMetadata) []string {
	var out []string

	for _, d := range meta.Dependencies {
		if d.Group == "build" {
			out = append(out, string(d.Name)+d.Constraint.String())
		}
	}

	return out
}

func buildCacheKey(sourceSHA256, targetTag string) string {
	sum := sha256.Sum256([]byte(sourceSHA256 + "|" + targetTag))
	return hex.EncodeToString(sum[:])
}

func (b *BuildIsolation) lookup(key string) (string, bool) {
	idx := b.loadIndex()
	digest, ok := idx[key]

	return digest, ok
}

func (b *BuildIsolation) record(key, digest string) {
	idx := b.loadIndex()
	idx[key] = digest
	_ = b.saveIndex(idx)
}

func (b *BuildIsolation) loadIndex() map[string]string {
	data, err := os.ReadFile(b.indexPath)
	if err != nil {
		return map[string]string{}
	}

	var idx map[string]string
	if err := json.Unmarshal(data, &idx); err != nil {
		return map[string]string{}
	}

	return idx
}

func (b *BuildIsolation) saveIndex(idx map[string]string) error {
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}

	return os.WriteFile(b.indexPath, data, 0o644)
}

func hashFileSHA256(path string) (string, error) {
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
