package resolver

import (
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// partialSolution is the resolver's working state: every assignment made
// so far (decisions and derivations), grouped per package so the current
// effective constraint for a package can be computed by intersecting its
// positive terms and subtracting its negative terms.
type partialSolution struct {
	assignments     []assignment
	decisionLevel   int
	decidedVersions map[pkgmodel.Name]version.Version
}

func newPartialSolution() *partialSolution {
	return &partialSolution{decidedVersions: map[pkgmodel.Name]version.Version{}}
}

// derive records a non-decision assignment at the current decision level.
func (ps *partialSolution) derive(t term, cause *incompatibility) {
	ps.assignments = append(ps.assignments, assignment{term: t, isDecision: false, decisionLevel: ps.decisionLevel, cause: cause})
}

// decide records a decision (the resolver is choosing a concrete version
// for a package) and bumps the decision level.
func (ps *partialSolution) decide(name pkgmodel.Name, v version.Version) {
	ps.decisionLevel++

	c, _ := version.ParseSpecifier("==" + v.String())

	ps.assignments = append(ps.assignments, assignment{
		term:          term{name: name, positive: true, constraint: c},
		isDecision:    true,
		decisionLevel: ps.decisionLevel,
	})
	ps.decidedVersions[name] = v
}

// effectiveConstraint intersects every positive term and subtracts every
// negative term recorded for name, returning the net constraint the
// solver currently believes name must satisfy, and whether any
// assignment at all mentions name.
func (ps *partialSolution) effectiveConstraint(name pkgmodel.Name) (version.Constraint, bool) {
	c := version.Any()
	touched := false

	for _, a := range ps.assignments {
		if a.term.name != name {
			continue
		}

		touched = true

		if a.term.positive {
			c = c.Intersect(a.term.constraint)
		} else {
			c = c.Intersect(a.term.constraint.Complement())
		}
	}

	return c, touched
}

// decidedVersion returns the version decided for name, if any.
func (ps *partialSolution) decidedVersion(name pkgmodel.Name) (version.Version, bool) {
	v, ok := ps.decidedVersions[name]
	return v, ok
}

// decisionLevelFor returns the decision level at which name was decided,
// or -1 if it has never been decided.
func (ps *partialSolution) decisionLevelFor(name pkgmodel.Name) int {
	for _, a := range ps.assignments {
		if a.isDecision && a.term.name == name {
			return a.decisionLevel
		}
	}

	return -1
}

// backtrackTo discards every assignment made after level, returning the
// solver to the state right after the decision at level.
func (ps *partialSolution) backtrackTo(level int) {
	out := ps.assignments[:0:0]

	for _, a := range ps.assignments {
		if a.decisionLevel <= level {
			out = append(out, a)
		}
	}

	ps.assignments = out
	ps.decisionLevel = level

	for name := range ps.decidedVersions {
		if ps.decisionLevelFor(name) == -1 {
			delete(ps.decidedVersions, name)
		}
	}
}
