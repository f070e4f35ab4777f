package resolver

import "strings"

// incompatibility is a PubGrub incompatibility: a set of terms that
// cannot all be true simultaneously. A dependency "A requires B>=2" is
// encoded as the incompatibility {A (any), not B>=2}: if A is selected
// and B's constraint doesn't include >=2, that's a contradiction, so the
// solver must derive "B>=2" (unit propagation) or, if B is already
// decided outside that range, reject the current choice of A.
type incompatibility struct {
	terms []term
	cause string // human-readable provenance, e.g. "root dependency" or "flask 3.0.0 depends on werkzeug>=3.0"
}

func newIncompatibility(cause string, terms ...term) *incompatibility {
	return &incompatibility{terms: terms, cause: cause}
}

func (ic *incompatibility) String() string {
	parts := make([]string, len(ic.terms))
	for i, t := range ic.terms {
		parts[i] = t.String()
	}

	return strings.Join(parts, " , ") + " [" + ic.cause + "]"
}
