// Package version implements the version-constraint algebra of spec §4.1:
// parsed PEP 440 versions, and constraints built as a normalized union of
// disjoint intervals supporting caret, tilde, wildcard, inequality, and
// multi-constraint (intersection) construction.
//
// Version comparison is delegated to
// github.com/aquasecurity/go-pep440-version, the same library
// internal/resolver/version.go used for "find the best match" (via
// Parse/Compare/IsPreRelease); this package generalizes that single-shot
// use into the reusable Constraint algebra spec §4.1 requires. The
// release-segment tuple needed for caret/tilde/wildcard arithmetic is
// extracted independently with releasePattern, since that decomposition is
// this package's own concern rather than something borrowed from the
// comparison library.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Version is a parsed, immutable PEP 440 version.
type Version struct {
	raw     string
	v       pep440.Version
	release []uint64
}

var releasePattern = regexp.MustCompile(`^\s*(?:[0-9]+!)?([0-9]+(?:\.[0-9]+)*)`)

// Parse parses s as a PEP 440 version.
func Parse(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("parsing version %q: %w", s, err)
	}

	rel, err := parseRelease(s)
	if err != nil {
		return Version{}, err
	}

	return Version{raw: s, v: v, release: rel}, nil
}

func parseRelease(s string) ([]uint64, error) {
	m := releasePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("parsing version %q: no release segment", s)
	}

	parts := strings.Split(m[1], ".")
	rel := make([]uint64, len(parts))

	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing release segment %q: %w", p, err)
		}

		rel[i] = n
	}

	return rel, nil
}

// MustParse parses s and panics on error; for constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String returns the original version string.
func (v Version) String() string { return v.raw }

// IsZero reports whether v is the zero Version (never parsed).
func (v Version) IsZero() bool { return v.raw == "" }

// Compare returns -1, 0, or 1 per PEP 440 total order: epoch dominates,
// then release (zero-padded), then dev < pre < no-suffix < post within the
// same release; local labels are ordered only within identical releases.
func (v Version) Compare(o Version) int { return v.v.Compare(o.v) }

// Less reports whether v sorts strictly before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Equal reports whether v and o compare equal.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// GreaterThan reports whether v sorts strictly after o.
func (v Version) GreaterThan(o Version) bool { return v.v.GreaterThan(o.v) }

// IsPreRelease reports whether v carries a pre-release or dev segment.
func (v Version) IsPreRelease() bool { return v.v.IsPreRelease() }

// Release returns the release-segment tuple (e.g. [3, 11, 0]).
func (v Version) Release() []uint64 { return v.release }

// ReleasePart returns the i'th release component, or 0 if v has fewer
// components (PEP 440 treats a missing trailing component as zero).
func (v Version) ReleasePart(i int) uint64 {
	if i < 0 || i >= len(v.release) {
		return 0
	}

	return v.release[i]
}

// NextBreaking returns the smallest version greater than v that a caret
// constraint (^v) must exclude: the leftmost non-zero release component is
// bumped and everything after it is truncated to zero. ^0.0.3 bumps the
// last all-zero-prefixed component, matching the common caret convention
// that an all-zero prefix pins down to the first nonzero digit.
func (v Version) NextBreaking() Version {
	rel := v.release
	if len(rel) == 0 {
		rel = []uint64{0}
	}

	bumpIdx := len(rel) - 1

	for i, part := range rel {
		if part != 0 {
			bumpIdx = i

			break
		}
	}

	out := make([]uint64, bumpIdx+1)
	copy(out, rel[:bumpIdx])
	out[bumpIdx] = rel[bumpIdx] + 1

	return fromRelease(out)
}

// NextMinor returns the smallest version greater than v with the same
// major component: used by tilde (~X.Y) and wildcard (X.Y.*) construction.
func NextMinor(major, minor uint64) Version {
	return fromRelease([]uint64{major, minor + 1})
}

// NextMajor returns the smallest version with major+1: used by ~X and the
// caret fallback for single-component versions.
func NextMajor(major uint64) Version {
	return fromRelease([]uint64{major + 1})
}

// FromParts builds an exact release-only Version from its components,
// e.g. FromParts(1, 2, 3) -> "1.2.3".
func FromParts(parts ...uint64) Version { return fromRelease(parts) }

func fromRelease(rel []uint64) Version {
	s := formatRelease(rel)

	v, err := Parse(s)
	if err != nil {
		// Construction from a well-formed non-negative integer tuple
		// cannot fail to parse as a release-only PEP 440 version.
		panic(fmt.Sprintf("version: unreachable parse failure for %q: %v", s, err))
	}

	return v
}

func formatRelease(rel []uint64) string {
	var b strings.Builder

	for i, p := range rel {
		if i > 0 {
			b.WriteByte('.')
		}

		fmt.Fprintf(&b, "%d", p)
	}

	return b.String()
}
