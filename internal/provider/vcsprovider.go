package provider

import (
	"context"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// VCSResolver is the external-collaborator boundary a VCS client (e.g.
// internal/vcsgit.Resolver) implements; VCSProvider depends only on this
// interface so the provider package never imports go-git directly.
type VCSResolver interface {
	ResolveRef(ctx context.Context, url, ref string) (commit string, err error)
	Checkout(ctx context.Context, url, commit, destDir string) error
}

// VCSProvider is a Provider over a single git-sourced requirement: it has
// exactly one "version" (the resolved commit), since a VCS pin isn't a
// release stream to search.
type VCSProvider struct {
	resolver VCSResolver
	url      string
	ref      string
}

var _ Provider = (*VCSProvider)(nil)

// NewVCSProvider builds a single-candidate Provider for a git source
// pinned to url@ref (spec §3 Source{Kind: SourceGit}).
func NewVCSProvider(resolver VCSResolver, url, ref string) *VCSProvider {
	return &VCSProvider{resolver: resolver, url: url, ref: ref}
}

func (p *VCSProvider) Name() string { return "git+" + p.url }

func (p *VCSProvider) ListVersions(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	commit, err := p.resolver.ResolveRef(ctx, p.url, p.ref)
	if err != nil {
		return nil, err
	}

	// A VCS pin has no PEP 440 release number; it is represented as a
	// local-label-only pseudo-version so it still orders deterministically
	// against itself across resolver runs.
	v, err := version.Parse("0+" + commit[:12])
	if err != nil {
		return nil, errs.New(errs.KindUnsatisfiable, "provider.VCSProvider.ListVersions", err)
	}

	return []pkgmodel.PackageMetadata{{
		ID: pkgmodel.PackageID{
			Name:    name,
			Version: v,
			Source:  pkgmodel.Source{Kind: pkgmodel.SourceGit, URL: p.url, Ref: commit},
		},
	}}, nil
}

func (p *VCSProvider) FetchMetadata(_ context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	return pkgmodel.PackageMetadata{ID: id}, nil
}

// FetchDistribution resolves the ref to its commit (as ListVersions
// does) and checks that commit out into dest (a directory, not a file,
// for VCS sources) so the executor's build-isolation stage can build an
// sdist-equivalent from the working tree.
func (p *VCSProvider) FetchDistribution(ctx context.Context, dist pkgmodel.Distribution, dest string) error {
	commit, err := p.resolver.ResolveRef(ctx, p.url, p.ref)
	if err != nil {
		return err
	}

	return p.resolver.Checkout(ctx, p.url, commit, dest)
}
