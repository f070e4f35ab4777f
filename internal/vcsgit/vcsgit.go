// Package vcsgit implements the VCSResolver external-collaborator
// boundary (spec §1, §3 Source.Kind == git) with go-git/go-git/v5: given
// a repository URL and a ref (branch, tag, or commit), it resolves the
// concrete commit hash the resolver pins into the lock, and can check out
// that commit into a working directory for the executor's build-isolation
// stage to build from.
package vcsgit

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/pkgsolve/pkgsolve/internal/errs"
)

// Resolver resolves and checks out git refs for VCS-sourced requirements.
type Resolver struct {
	auth *http.BasicAuth
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBasicAuth sets credentials for private repositories.
func WithBasicAuth(username, password string) Option {
	return func(r *Resolver) {
		if username != "" {
			r.auth = &http.BasicAuth{Username: username, Password: password}
		}
	}
}

// New builds a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ResolveRef returns the commit hash that ref (a branch name, tag name,
// or commit SHA prefix) currently points to in the remote repository at
// url, without requiring a full clone.
func (r *Resolver) ResolveRef(ctx context.Context, url, ref string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: "origin", URLs: []string{url}})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: r.auth})
	if err != nil {
		return "", errs.New(errs.KindNetworkFatal, "vcsgit.ResolveRef", fmt.Errorf("listing refs for %s: %w", url, err))
	}

	if plumbing.IsHash(ref) {
		return ref, nil
	}

	candidates := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	}

	for _, name := range candidates {
		for _, rf := range refs {
			if rf.Name() == name {
				return rf.Hash().String(), nil
			}
		}
	}

	return "", errs.New(errs.KindUnsatisfiable, "vcsgit.ResolveRef", fmt.Errorf("ref %q not found in %s", ref, url))
}

// Checkout clones url at commit into destDir, for the executor's
// build-isolation sdist build of a VCS-sourced package.
func (r *Resolver) Checkout(ctx context.Context, url, commit, destDir string) error {
	repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL:  url,
		Auth: r.auth,
	})
	if err != nil {
		return errs.New(errs.KindNetworkFatal, "vcsgit.Checkout", fmt.Errorf("cloning %s: %w", url, err))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return errs.New(errs.KindBuildFailure, "vcsgit.Checkout", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)}); err != nil {
		return errs.New(errs.KindBuildFailure, "vcsgit.Checkout", fmt.Errorf("checking out %s: %w", commit, err))
	}

	return nil
}
