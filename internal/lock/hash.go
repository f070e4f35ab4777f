package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// ManifestInputs is the subset of the project manifest that constrains
// resolution (spec §4.6: dependencies, groups, sources, supported-python,
// extras). Deliberately excludes description/readme/authors and anything
// else that can change without requiring re-resolution.
type ManifestInputs struct {
	SupportedPython string
	Dependencies    []pkgmodel.Requirement
	Sources         []string // declared source names/URLs, order-insensitive
}

// Hash computes metadata.content-hash: a sha256 over a canonical
// serialization of in, independent of declaration order, so that
// reordering a pyproject.toml table doesn't spuriously invalidate the
// lock (spec §8: perturbing description/readme must not change it, and
// by construction those fields aren't part of ManifestInputs at all).
func Hash(in ManifestInputs) string {
	var b strings.Builder

	b.WriteString("python=")
	b.WriteString(in.SupportedPython)
	b.WriteString("\n")

	sources := append([]string{}, in.Sources...)
	sort.Strings(sources)

	for _, s := range sources {
		b.WriteString("source=")
		b.WriteString(s)
		b.WriteString("\n")
	}

	lines := make([]string, 0, len(in.Dependencies))

	for _, d := range in.Dependencies {
		extras := append([]string{}, d.Extras...)
		sort.Strings(extras)

		markerStr := ""
		if d.Marker != nil {
			markerStr = d.Marker.String()
		}

		lines = append(lines, d.Group+"|"+string(d.Name)+"|"+d.Constraint.String()+"|"+
			strings.Join(extras, ",")+"|"+markerStr+"|"+d.Source.String())
	}

	sort.Strings(lines)

	for _, l := range lines {
		b.WriteString("dep=")
		b.WriteString(l)
		b.WriteString("\n")
	}

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}
