// Package provider implements spec §4.3's repository abstraction: a
// Provider fetches available versions, per-version metadata, and
// distributions for a package name, regardless of whether the backing
// repository is PyPI's JSON API, a PEP 503 simple index, a VCS ref, or a
// local path.
//
// jsonindex.go generalizes internal/pypi/client.go's Service (retry with
// exponential backoff, retryableError transient/permanent split,
// functional options, slog injection) from a single hardcoded PyPI
// endpoint into any JSON-API-shaped index.
package provider

import (
	"context"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// Provider is the repository abstraction every concrete source adapter
// implements.
type Provider interface {
	// ListVersions returns every known version for name, newest-first or
	// in arbitrary order (the resolver sorts).
	ListVersions(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error)
	// FetchMetadata returns the full metadata (dependencies, extras,
	// distributions) for one exact version.
	FetchMetadata(ctx context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error)
	// FetchDistribution downloads dist's bytes into dest (a file path),
	// verifying dist.SHA256 if set. Used by the executor, not the resolver.
	FetchDistribution(ctx context.Context, dist pkgmodel.Distribution, dest string) error
	// Name identifies this provider instance for diagnostics and lock
	// provenance (e.g. "pypi", "index:internal", "git+https://...").
	Name() string
}

// Registry dispatches a package name to the Provider(s) that should be
// consulted for it: Resolve consults the "primary" providers first,
// falling through to "supplemental" providers only if no primary source
// yields any candidate. Resolve takes only a name, so a requirement
// pinned to a named Source is not restricted to that provider; ByName
// looks up a pinned source's provider for metadata and artifact fetches.
type Registry struct {
	primaries     []Provider
	supplementals []Provider
	byName        map[string]Provider // explicit source-name -> provider, for pinned requirements
}

// NewRegistry builds a Registry. primaries are consulted first for
// unpinned requirements; supplementals are consulted only when no
// primary provider returns a candidate.
func NewRegistry(primaries, supplementals []Provider) *Registry {
	r := &Registry{primaries: primaries, supplementals: supplementals, byName: map[string]Provider{}}

	for _, p := range append(append([]Provider{}, primaries...), supplementals...) {
		r.byName[p.Name()] = p
	}

	return r
}

// ByName returns the provider explicitly named by a pinned source
// (spec §3 Source.IndexName), or false if no such provider is registered.
func (r *Registry) ByName(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Resolve returns every candidate PackageMetadata for name across the
// registry's providers, honoring primary-then-supplemental fallback.
func (r *Registry) Resolve(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	var out []pkgmodel.PackageMetadata

	for _, p := range r.primaries {
		versions, err := p.ListVersions(ctx, name)
		if err != nil {
			return nil, err
		}

		out = append(out, versions...)
	}

	if len(out) > 0 {
		return out, nil
	}

	for _, p := range r.supplementals {
		versions, err := p.ListVersions(ctx, name)
		if err != nil {
			return nil, err
		}

		out = append(out, versions...)
	}

	return out, nil
}
