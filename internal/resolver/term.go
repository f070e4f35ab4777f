package resolver

import (
	"fmt"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// term is a PubGrub-style assertion about a package: either "name must be
// within constraint" (positive) or "name must NOT be within constraint"
// (negative). A decision ("name is exactly version") is represented as a
// positive term whose constraint is a single-version interval.
type term struct {
	name       pkgmodel.Name
	positive   bool
	constraint version.Constraint
}

func (t term) String() string {
	if t.positive {
		return fmt.Sprintf("%s %s", t.name, t.constraint)
	}

	return fmt.Sprintf("not %s %s", t.name, t.constraint)
}

// satisfiedBy reports whether v, assumed present, makes t true.
func (t term) satisfiedBy(v version.Version, allowPre bool) bool {
	in := t.constraint.Contains(v, allowPre)
	if t.positive {
		return in
	}

	return !in
}

// assignment is one entry in the partial solution: a decision (the
// resolver chose this exact version) or a derivation (this term follows
// from propagating an incompatibility), recorded at the decision level it
// was made so conflict resolution knows how far to backtrack.
type assignment struct {
	term          term
	isDecision    bool
	decisionLevel int
	cause         *incompatibility // nil for decisions
}
