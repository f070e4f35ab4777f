// Package pkgmodel holds the data model shared by the provider, resolver,
// lock, and planner packages (spec §3): normalized names, requirements,
// sources, and the resolver's output Solution.
//
// Requirement generalizes internal/resolver/requirement.go's Requirement
// (which carried a raw Specifier string and a raw Marker string) into
// parsed version.Constraint and marker.Expr values, since the CDCL
// resolver needs to intersect and backtrack over these rather than
// re-parse strings on every candidate check.
package pkgmodel

import (
	"fmt"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// Name is a PEP 503 normalized package name.
type Name string

// NormalizeName lowercases name and collapses runs of [-_.] to a single
// hyphen, per PEP 503. Ported unchanged from the teacher's
// resolver.NormalizeName.
func NormalizeName(name string) Name {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := range len(name) {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return Name(b.String())
}

// SourceKind identifies where a package's candidates are fetched from.
type SourceKind int

const (
	SourcePyPI SourceKind = iota
	SourceIndex
	SourceGit
	SourceURL
	SourcePath
)

func (k SourceKind) String() string {
	switch k {
	case SourcePyPI:
		return "pypi"
	case SourceIndex:
		return "index"
	case SourceGit:
		return "git"
	case SourceURL:
		return "url"
	case SourcePath:
		return "path"
	default:
		return "unknown"
	}
}

// Source pins a requirement to a non-default origin: a named package
// index, a VCS ref, a direct URL, or a local path (spec §3, §1 external
// manifest boundary).
type Source struct {
	Kind      SourceKind
	IndexName string // SourceIndex: name declared in [[tool.poetry.source]]-equivalent
	URL       string // SourceGit, SourceURL
	Ref       string // SourceGit: branch, tag, or commit
	Path      string // SourcePath
}

func (s Source) String() string {
	switch s.Kind {
	case SourceIndex:
		return "index:" + s.IndexName
	case SourceGit:
		if s.Ref != "" {
			return fmt.Sprintf("git+%s@%s", s.URL, s.Ref)
		}

		return "git+" + s.URL
	case SourceURL:
		return s.URL
	case SourcePath:
		return "path:" + s.Path
	default:
		return "pypi"
	}
}

// Requirement is a single parsed dependency declaration: a name, a
// version constraint, an optional environment marker, requested extras,
// and an optional pinned source.
type Requirement struct {
	Name       Name
	Constraint version.Constraint
	Marker     marker.Expr
	Extras     []string
	Source     Source
	// Group is the dependency group this requirement belongs to (spec
	// §3): "main" unless declared under an optional/dev group.
	Group string
}

// WithMarkerIntersected returns a copy of r with its marker ANDed with
// extra, used when composing a dependency edge's own marker with the
// path-marker accumulated by the resolver while walking the graph.
func (r Requirement) WithMarkerIntersected(extra marker.Expr) Requirement {
	out := r
	if r.Marker == nil {
		out.Marker = extra
	} else {
		out.Marker = marker.Intersect(r.Marker, extra)
	}

	return out
}

// PackageID identifies one resolved candidate: a name, an exact version,
// and the source it was fetched from (two sources can publish the same
// name/version with different content, e.g. a git ref vs. PyPI release).
type PackageID struct {
	Name    Name
	Version version.Version
	Source  Source
}

func (id PackageID) String() string {
	return fmt.Sprintf("%s@%s (%s)", id.Name, id.Version, id.Source)
}

// Distribution describes one downloadable artifact for a package version
// (a wheel or an sdist).
type Distribution struct {
	Filename    string
	URL         string
	SHA256      string
	IsWheel     bool
	PythonTag   string // e.g. "cp312", "py3"
	ABITag      string
	PlatformTag string
	RequiresPy  string // PEP 440 specifier set, e.g. ">=3.8"
}

// PackageMetadata is what a Provider returns for one candidate version:
// its own dependencies (each possibly marker-gated), its declared
// extras, and the distributions available to fetch.
type PackageMetadata struct {
	ID            PackageID
	Dependencies  []Requirement
	Extras        map[string][]string // extra name -> extra requirement names (this version's own)
	Distributions []Distribution
	RequiresPy    version.Constraint
	Yanked        bool
	YankedReason  string
}

// Solution is the resolver's output: one concrete PackageID per
// resolved package name, plus the set of active extras per package
// (spec §3, §5).
type Solution struct {
	Packages     map[Name]PackageID
	Dependencies []PackageMetadata // in resolution order, for lock provenance
	ActiveExtras map[Name][]string
	// Markers carries each resolved package's effective inclusion marker
	// (the union, over every path that reached it, of its dependency
	// edge's marker projected over whatever extras activated that edge).
	// A marker-agnostic package (always included) maps to marker.True().
	Markers map[Name]marker.Expr
}

// Get returns the resolved PackageID for name, if present.
func (s Solution) Get(name Name) (PackageID, bool) {
	id, ok := s.Packages[name]
	return id, ok
}

// ParseRequirement parses a PEP 508 requirement string, e.g.
//
//	importlib-metadata>=3.6.0; python_version < "3.10"
//	requests[socks]>=2.0,<3.0
//
// into a fully parsed Requirement. Generalizes
// internal/resolver/requirement.go's ParseRequirement (which returned raw
// Specifier/Marker strings) by parsing the specifier into a
// version.Constraint and the marker into a marker.Expr up front, since
// the resolver needs both in parsed form on every candidate check.
func ParseRequirement(s string) (Requirement, error) {
	markerStr := ""

	parts := strings.SplitN(s, ";", 2)
	nameSpec := strings.TrimSpace(parts[0])

	if len(parts) > 1 {
		markerStr = strings.TrimSpace(parts[1])
	}

	var extras []string

	if idx := strings.Index(nameSpec, "["); idx >= 0 {
		if endIdx := strings.Index(nameSpec, "]"); endIdx > idx {
			for _, e := range strings.Split(nameSpec[idx+1:endIdx], ",") {
				if e = strings.TrimSpace(e); e != "" {
					extras = append(extras, e)
				}
			}

			nameSpec = nameSpec[:idx] + nameSpec[endIdx+1:]
		}
	}

	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	specStart := strings.IndexAny(nameSpec, "><=!~")
	name := nameSpec
	specifier := ""

	if specStart >= 0 {
		name = strings.TrimSpace(nameSpec[:specStart])
		specifier = strings.TrimSpace(nameSpec[specStart:])
	}

	constraint, err := version.ParseSpecifierSet(specifier)
	if err != nil {
		return Requirement{}, fmt.Errorf("parsing requirement %q: %w", s, err)
	}

	var m marker.Expr

	if markerStr != "" {
		m, err = marker.Parse(markerStr)
		if err != nil {
			return Requirement{}, fmt.Errorf("parsing requirement %q: %w", s, err)
		}
	} else {
		m = marker.True()
	}

	return Requirement{
		Name:       NormalizeName(name),
		Constraint: constraint,
		Marker:     m,
		Extras:     extras,
		Group:      "main",
	}, nil
}
