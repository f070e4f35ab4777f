package version

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Constraint is a normalized union of disjoint, ascending intervals over
// Version, per spec §4.1. The zero Constraint is ∅ (unsatisfiable); Any()
// returns ⊤ (the universal constraint, one unbounded interval).
type Constraint struct {
	intervals []interval
}

// Any returns the universal constraint ⊤, matching every version.
func Any() Constraint {
	return Constraint{intervals: []interval{unbounded()}}
}

// None returns the empty constraint ∅, matching no version.
func None() Constraint { return Constraint{} }

// IsEmpty reports whether c is ∅.
func (c Constraint) IsEmpty() bool { return len(c.intervals) == 0 }

// IsAny reports whether c is ⊤.
func (c Constraint) IsAny() bool {
	return len(c.intervals) == 1 && !c.intervals[0].hasLo && !c.intervals[0].hasHi
}

// Contains reports whether v satisfies c, honoring pre-release exclusion
// unless allowPre is set or the matching interval's own endpoint opted in.
func (c Constraint) Contains(v Version, allowPre bool) bool {
	for _, iv := range c.intervals {
		if iv.contains(v, allowPre) {
			return true
		}
	}

	return false
}

// Intersect returns the constraint matching versions in both c and o,
// canonicalized to disjoint ascending intervals; every pair of intervals
// is intersected (O(n·m)) and the result is sorted and merged.
func (c Constraint) Intersect(o Constraint) Constraint {
	var out []interval

	for _, a := range c.intervals {
		for _, b := range o.intervals {
			if iv, ok := intersectIntervals(a, b); ok {
				out = append(out, iv)
			}
		}
	}

	return canonicalize(out)
}

// Union returns the constraint matching versions in either c or o,
// canonicalized to disjoint ascending intervals.
func (c Constraint) Union(o Constraint) Constraint {
	all := append(append([]interval{}, c.intervals...), o.intervals...)

	return canonicalize(all)
}

func canonicalize(intervals []interval) Constraint {
	live := intervals[:0:0]

	for _, iv := range intervals {
		if !iv.isEmpty() {
			live = append(live, iv)
		}
	}

	if len(live) == 0 {
		return Constraint{}
	}

	sort.Slice(live, func(i, j int) bool { return startsBefore(live[i], live[j]) })

	out := []interval{live[0]}

	for _, iv := range live[1:] {
		last := &out[len(out)-1]
		if overlapsOrAdjoins(*last, iv) {
			*last = mergeIntervals(*last, iv)
		} else {
			out = append(out, iv)
		}
	}

	return Constraint{intervals: out}
}

// String renders c back to PEP 440-ish specifier syntax; used for lock
// round-tripping and diagnostics. ⊤ renders as the empty string, ∅ as
// "<empty>".
func (c Constraint) String() string {
	if c.IsAny() {
		return ""
	}

	if c.IsEmpty() {
		return "<empty>"
	}

	parts := make([]string, 0, len(c.intervals))

	for _, iv := range c.intervals {
		parts = append(parts, intervalString(iv))
	}

	return strings.Join(parts, " || ")
}

func intervalString(iv interval) string {
	if iv.hasLo && iv.hasHi && iv.lo.Equal(iv.hi) && iv.loInclusive && iv.hiInclusive {
		return "==" + iv.lo.String()
	}

	var parts []string

	if iv.hasLo {
		op := ">"
		if iv.loInclusive {
			op = ">="
		}

		parts = append(parts, op+iv.lo.String())
	}

	if iv.hasHi {
		op := "<"
		if iv.hiInclusive {
			op = "<="
		}

		parts = append(parts, op+iv.hi.String())
	}

	if len(parts) == 0 {
		return "*"
	}

	return strings.Join(parts, ",")
}

// ParseSpecifier parses a single Poetry/PEP-440-flavored constraint clause
// (exact, caret, tilde, wildcard, or inequality) into a Constraint. Multiple
// comma-separated clauses are intersected; see ParseSpecifierSet.
func ParseSpecifier(clause string) (Constraint, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return Any(), nil
	}

	switch {
	case strings.HasPrefix(clause, "^"):
		return parseCaret(strings.TrimSpace(clause[1:]))
	case strings.HasPrefix(clause, "~="):
		return parseCompatible(strings.TrimSpace(clause[2:]))
	case strings.HasPrefix(clause, "~"):
		return parseTilde(strings.TrimSpace(clause[1:]))
	case strings.HasSuffix(clause, ".*"):
		return parseWildcard(strings.TrimSpace(strings.TrimSuffix(clause, ".*")))
	default:
		return parseInequality(clause)
	}
}

// ParseSpecifierSet parses a comma-separated list of clauses (as found in a
// PEP 508 requirement's version part) and intersects them.
func ParseSpecifierSet(spec string) (Constraint, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Any(), nil
	}

	out := Any()

	for _, clause := range strings.Split(spec, ",") {
		c, err := ParseSpecifier(clause)
		if err != nil {
			return Constraint{}, err
		}

		out = out.Intersect(c)
	}

	return out, nil
}

func parseReleaseParts(s string) ([]uint64, error) {
	if s == "" {
		return nil, fmt.Errorf("version: empty release")
	}

	fields := strings.Split(s, ".")
	out := make([]uint64, len(fields))

	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("version: invalid release component %q in %q: %w", f, s, err)
		}

		out[i] = n
	}

	return out, nil
}

// parseCaret implements ^X.Y.Z: [X.Y.Z, next_breaking(X.Y.Z)).
func parseCaret(s string) (Constraint, error) {
	lo, err := Parse(s)
	if err != nil {
		return Constraint{}, err
	}

	hi := lo.NextBreaking()

	return Constraint{intervals: []interval{between(lo, true, hi, false)}}, nil
}

// parseTilde implements ~X.Y.Z -> [X.Y.Z, X.(Y+1).0); ~X.Y -> same;
// ~X -> [X, X+1).
func parseTilde(s string) (Constraint, error) {
	lo, err := Parse(s)
	if err != nil {
		return Constraint{}, err
	}

	parts, err := parseReleaseParts(s)
	if err != nil {
		return Constraint{}, err
	}

	var hi Version

	switch len(parts) {
	case 1:
		hi = NextMajor(parts[0])
	default:
		hi = NextMinor(parts[0], parts[1])
	}

	return Constraint{intervals: []interval{between(lo, true, hi, false)}}, nil
}

// parseWildcard implements X.Y.* -> [X.Y.0, X.(Y+1).0).
func parseWildcard(s string) (Constraint, error) {
	parts, err := parseReleaseParts(s)
	if err != nil {
		return Constraint{}, err
	}

	if len(parts) == 0 {
		return Any(), nil
	}

	loParts := append(append([]uint64{}, parts...), 0)
	lo := FromParts(loParts...)

	var hi Version
	if len(parts) == 1 {
		hi = NextMajor(parts[0])
	} else {
		hi = NextMinor(parts[0], parts[1])
	}

	return Constraint{intervals: []interval{between(lo, true, hi, false)}}, nil
}

// parseCompatible implements ~=X.Y(.Z...): >= X.Y.Z, == X.Y.* (PEP 440
// compatible release clause): the release is pinned up to its second-to-last
// component and the last component may float.
func parseCompatible(s string) (Constraint, error) {
	lo, err := Parse(s)
	if err != nil {
		return Constraint{}, err
	}

	parts, err := parseReleaseParts(s)
	if err != nil {
		return Constraint{}, err
	}

	if len(parts) < 2 {
		return Constraint{}, fmt.Errorf("version: ~= requires at least two release components, got %q", s)
	}

	truncated := parts[:len(parts)-1]

	var hi Version
	if len(truncated) == 1 {
		hi = NextMajor(truncated[0])
	} else {
		hi = NextMinor(truncated[0], truncated[1])
	}

	return Constraint{intervals: []interval{between(lo, true, hi, false)}}, nil
}

var inequalityOps = []string{">=", "<=", "===", "==", "!=", ">", "<"}

// parseInequality implements plain PEP 440 comparisons, including the
// arbitrary-equality "===" operator (exact string match, modeled as a
// degenerate single-version interval).
func parseInequality(clause string) (Constraint, error) {
	for _, op := range inequalityOps {
		if !strings.HasPrefix(clause, op) {
			continue
		}

		rhs := strings.TrimSpace(clause[len(op):])

		v, err := Parse(strings.TrimSuffix(rhs, ".*"))
		if err != nil {
			return Constraint{}, fmt.Errorf("version: parsing %q: %w", clause, err)
		}

		switch op {
		case ">=":
			return Constraint{intervals: []interval{atLeast(v, true)}}, nil
		case ">":
			return Constraint{intervals: []interval{atLeast(v, false)}}, nil
		case "<=":
			return Constraint{intervals: []interval{atMost(v, true)}}, nil
		case "<":
			return Constraint{intervals: []interval{atMost(v, false)}}, nil
		case "==", "===":
			if strings.HasSuffix(rhs, ".*") {
				return parseWildcard(strings.TrimSuffix(strings.TrimSpace(rhs), ".*"))
			}

			return Constraint{intervals: []interval{exactly(v)}}, nil
		case "!=":
			return Any().Intersect(Constraint{intervals: []interval{exactly(v)}}).complement(), nil
		}
	}

	return Constraint{}, fmt.Errorf("version: unrecognized specifier clause %q", clause)
}

// Complement returns ⊤ minus c: every version c does not match. Used to
// build "!=" from "==", and by the resolver to subtract an excluded
// version or range from an accumulated constraint.
func (c Constraint) Complement() Constraint {
	return c.complement()
}

// complement returns ⊤ minus c (see Complement).
func (c Constraint) complement() Constraint {
	if c.IsEmpty() {
		return Any()
	}

	var out []interval

	prevHi := interval{} // sentinel: no previous upper bound yet
	havePrev := false

	for _, iv := range c.intervals {
		if !havePrev {
			if iv.hasLo {
				out = append(out, atMost(iv.lo, !iv.loInclusive))
			}
		} else if iv.hasLo {
			out = append(out, between(prevHi.hi, !prevHi.hiInclusive, iv.lo, !iv.loInclusive))
		}

		prevHi = iv
		havePrev = true
	}

	if havePrev && prevHi.hasHi {
		out = append(out, atLeast(prevHi.hi, !prevHi.hiInclusive))
	}

	return canonicalize(out)
}
