// Package lock implements spec §4.6's lockfile codec: a TOML document
// recording the resolver's Solution, a content-hash binding it to the
// manifest inputs that produced it, and a schema version gating whether
// an install must re-resolve or can trust locked markers.
//
// No teacher file grounds this package directly (bilusteknoloji-pipg has
// no lockfile concept — it installs from a flat requirements list). The
// struct-of-ordered-fields-not-maps shape and the pelletier/go-toml/v2
// encoder are grounded on the dependency surface named in
// other_examples/manifests/safedep-pmg's go.mod (a TOML-based package
// manifest tool in the same domain); aquasecurity/go-version (already a
// direct dependency via internal/version's sibling package for plain
// release-number comparison) grounds metadata.lock-version gating.
package lock

import (
	"sort"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// CurrentLockVersion is written into new locks. Bump when the document
// schema changes in a way that is not purely additive.
const CurrentLockVersion = "2.0"

// Document is the full lockfile. Field order is significant: go-toml/v2
// encodes struct fields in declaration order, which is what gives the
// lock its canonical, diff-friendly layout (spec §4.6's determinism
// requirement).
type Document struct {
	Metadata Metadata  `toml:"metadata"`
	Package  []Package `toml:"package"`
}

// Metadata is the lock's header.
type Metadata struct {
	LockVersion string `toml:"lock-version"`
	ContentHash string `toml:"content-hash"`
}

// Source locates where a locked package's files came from.
type Source struct {
	Type      string `toml:"type"` // "pypi", "index", "git", "url", "path"
	URL       string `toml:"url,omitempty"`
	Reference string `toml:"reference,omitempty"` // git: the declared ref
	Resolved  string `toml:"resolved_reference,omitempty"` // git: the resolved commit
}

// FileEntry is one distribution recorded in the lock's files array.
type FileEntry struct {
	Name string `toml:"name"`
	Hash string `toml:"hash"` // "sha256:<hex>"
}

// Package is one locked dependency.
type Package struct {
	Name         string      `toml:"name"`
	Version      string      `toml:"version"`
	Source       Source      `toml:"source"`
	Dependencies []string    `toml:"dependencies,omitempty"` // "name (constraint)" display strings
	Extras       []string    `toml:"extras,omitempty"`
	RequiresPy   string      `toml:"requires-python,omitempty"`
	Files        []FileEntry `toml:"files,omitempty"`
	Develop      bool        `toml:"develop,omitempty"`
	Marker       string      `toml:"marker,omitempty"`
	Groups       []string    `toml:"groups,omitempty"`
}

// FromSolution builds a canonically ordered Document from a resolved
// Solution, per spec §4.6's "name-ascending, then source, then version"
// determinism requirement. contentHash must already reflect the manifest
// inputs (see Hash).
func FromSolution(sol pkgmodel.Solution, contentHash string) Document {
	doc := Document{
		Metadata: Metadata{
			LockVersion: CurrentLockVersion,
			ContentHash: contentHash,
		},
	}

	names := make([]pkgmodel.Name, 0, len(sol.Packages))
	for name := range sol.Packages {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	metaByID := map[pkgmodel.PackageID]pkgmodel.PackageMetadata{}
	for _, m := range sol.Dependencies {
		metaByID[m.ID] = m
	}

	for _, name := range names {
		id := sol.Packages[name]

		pkg := Package{
			Name:       string(id.Name),
			Version:    id.Version.String(),
			Source:     sourceFromModel(id.Source),
			RequiresPy: "",
		}

		if meta, ok := metaByID[id]; ok {
			pkg.RequiresPy = meta.RequiresPy.String()

			deps := make([]string, 0, len(meta.Dependencies))
			for _, d := range meta.Dependencies {
				deps = append(deps, string(d.Name)+" ("+d.Constraint.String()+")")
			}

			sort.Strings(deps)
			pkg.Dependencies = deps

			for _, dist := range meta.Distributions {
				if dist.SHA256 != "" {
					pkg.Files = append(pkg.Files, FileEntry{Name: dist.Filename, Hash: "sha256:" + dist.SHA256})
				}
			}

			sort.Slice(pkg.Files, func(i, j int) bool { return pkg.Files[i].Name < pkg.Files[j].Name })
		}

		if extras, ok := sol.ActiveExtras[name]; ok {
			sorted := append([]string{}, extras...)
			sort.Strings(sorted)
			pkg.Extras = sorted
		}

		if m, ok := sol.Markers[name]; ok {
			pkg.Marker = m.String()
		}

		doc.Package = append(doc.Package, pkg)
	}

	return doc
}

func sourceFromModel(s pkgmodel.Source) Source {
	switch s.Kind {
	case pkgmodel.SourceIndex:
		return Source{Type: "index", URL: s.IndexName}
	case pkgmodel.SourceGit:
		return Source{Type: "git", URL: s.URL, Reference: s.Ref}
	case pkgmodel.SourceURL:
		return Source{Type: "url", URL: s.URL}
	case pkgmodel.SourcePath:
		return Source{Type: "path", URL: s.Path}
	default:
		return Source{Type: "pypi"}
	}
}
