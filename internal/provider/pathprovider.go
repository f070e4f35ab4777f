package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// PathProvider is a Provider over a single local directory or sdist/wheel
// file pinned by a manifest's path source (spec §3 Source{Kind:
// SourcePath}). Like VCSProvider, it has exactly one candidate.
type PathProvider struct {
	path string
}

var _ Provider = (*PathProvider)(nil)

// NewPathProvider builds a Provider for a filesystem path dependency.
func NewPathProvider(path string) *PathProvider { return &PathProvider{path: path} }

func (p *PathProvider) Name() string { return "path:" + p.path }

func (p *PathProvider) ListVersions(_ context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, errs.New(errs.KindManifestInvalid, "provider.PathProvider.ListVersions", err)
	}

	// A local path has no release number, so the fixed placeholder
	// version 0+local is used; it does not change when the path's
	// contents change, and the lock's content-hash covers the manifest,
	// not those contents.
	v, err := version.Parse("0+local")
	if err != nil {
		return nil, errs.New(errs.KindUnsatisfiable, "provider.PathProvider.ListVersions", err)
	}

	dist := pkgmodel.Distribution{Filename: filepath.Base(p.path), URL: p.path}
	if info.IsDir() {
		dist.Filename = filepath.Base(p.path) + "/"
	}

	return []pkgmodel.PackageMetadata{{
		ID:            pkgmodel.PackageID{Name: name, Version: v, Source: pkgmodel.Source{Kind: pkgmodel.SourcePath, Path: p.path}},
		Distributions: []pkgmodel.Distribution{dist},
	}}, nil
}

func (p *PathProvider) FetchMetadata(_ context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	return pkgmodel.PackageMetadata{ID: id}, nil
}

// FetchDistribution copies the local path's contents to dest, so the
// executor can treat a path source the same as any downloaded artifact.
func (p *PathProvider) FetchDistribution(_ context.Context, dist pkgmodel.Distribution, dest string) error {
	info, err := os.Stat(p.path)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "provider.PathProvider.FetchDistribution", err)
	}

	if info.IsDir() {
		return errs.New(errs.KindBuildFailure, "provider.PathProvider.FetchDistribution",
			fmt.Errorf("path %s is a directory; build isolation must copy it, not FetchDistribution", p.path))
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "provider.PathProvider.FetchDistribution", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.PathProvider.FetchDistribution", err)
	}

	return os.WriteFile(dest, data, 0o644)
}
