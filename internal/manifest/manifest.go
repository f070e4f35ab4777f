// Package manifest adapts a project's pyproject.toml-shaped manifest (spec
// §6, an explicit external collaborator: the core never mutates it) into
// the pkgmodel types the resolver, lock, and planner consume.
//
// No teacher file grounds this package directly (bilusteknoloji-pipg reads
// a flat requirements.txt, not a structured project manifest). The
// struct-over-TOML shape and the pelletier/go-toml/v2 decoder mirror
// internal/lock/codec.go's Decode, and the dependency on go-toml/v2 itself
// is named in other_examples/manifests/safedep-pmg's go.mod.
package manifest

import (
	"context"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// Source is the read-only boundary the core consumes: load a project's
// manifest into a Manifest. The concrete adapter below reads pyproject.toml;
// a test fake or an alternate format (setup.cfg, requirements.txt) can
// satisfy the same interface without the core knowing the difference.
type Source interface {
	Load(ctx context.Context, path string) (Manifest, error)
}

// IndexSource is one declared package index (spec §6's `sources`: an
// ordered list of {name, url, priority}).
type IndexSource struct {
	Name     string
	URL      string
	Priority string // "primary", "supplemental", "explicit"; default "primary"
}

// BuildSystem is a project's declared build-system table (spec §6):
// the packages a build backend needs materialized into an isolated
// environment, and the backend's entry point.
type BuildSystem struct {
	Requires     []string
	BuildBackend string
}

// Manifest is the parsed, immutable view of a project's manifest: identity,
// dependencies partitioned by group (spec §6's dependency groups and
// optional-dependencies both collapse into named groups here, since both
// are "a labelled bag of requirements" from the resolver's perspective;
// Requirement.Group carries the label forward), declared sources, and the
// build-system declaration.
type Manifest struct {
	Name           string
	Version        string
	RequiresPython string
	// Groups always has at least a "main" entry for project.dependencies.
	// Optional-dependencies extras and dependency-groups entries are
	// merged in under their own declared names.
	Groups      map[string][]pkgmodel.Requirement
	Sources     []IndexSource
	BuildSystem BuildSystem
}

// AllDependencies flattens every group's requirements into one slice, for
// callers (e.g. lock.Hash's ManifestInputs) that don't care about group
// boundaries.
func (m Manifest) AllDependencies() []pkgmodel.Requirement {
	var out []pkgmodel.Requirement

	for _, reqs := range m.Groups {
		out = append(out, reqs...)
	}

	return out
}

// SourceNames returns the declared source names and URLs, for
// lock.Hash's ManifestInputs.Sources.
func (m Manifest) SourceNames() []string {
	out := make([]string, 0, len(m.Sources))

	for _, s := range m.Sources {
		out = append(out, s.Name+"="+s.URL)
	}

	return out
}
