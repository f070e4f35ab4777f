// Package marker implements the PEP 508 environment-marker algebra of spec
// §4.2: an AST of comparisons combined with and/or/not, evaluable against a
// concrete Environment, intersectable/unionable symbolically, and
// satisfiability-checkable against a symbolic universe.
//
// This generalizes internal/resolver/requirement.go's EvalMarker, which
// only ever produced a bool by splitting on literal " and "/" or " and
// regex-matching single terms. That approach cannot be intersected or
// tested for satisfiability without re-parsing and re-evaluating strings,
// which the resolver's §4.5 marker-intersection step requires, so this
// package parses markers with a recursive-descent parser (parser.go) and
// builds a tree instead of evaluating inline.
package marker

import (
	"fmt"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/version"
)

// Variable names recognised by spec §4.2.
const (
	VarPythonVersion             = "python_version"
	VarPythonFullVersion         = "python_full_version"
	VarImplementationName        = "implementation_name"
	VarImplementationVersion     = "implementation_version"
	VarOSName                    = "os_name"
	VarPlatformSystem            = "platform_system"
	VarPlatformRelease           = "platform_release"
	VarPlatformMachine           = "platform_machine"
	VarPlatformPythonImpl        = "platform_python_implementation"
	VarSysPlatform               = "sys_platform"
	VarExtra                     = "extra"
)

var recognizedVars = map[string]bool{
	VarPythonVersion:         true,
	VarPythonFullVersion:     true,
	VarImplementationName:    true,
	VarImplementationVersion: true,
	VarOSName:                true,
	VarPlatformSystem:        true,
	VarPlatformRelease:       true,
	VarPlatformMachine:       true,
	VarPlatformPythonImpl:    true,
	VarSysPlatform:           true,
	VarExtra:                 true,
}

var versionVars = map[string]bool{
	VarPythonVersion:         true,
	VarPythonFullVersion:     true,
	VarImplementationVersion: true,
}

// Environment is a concrete valuation of every recognised marker variable,
// used by Evaluate.
type Environment struct {
	PythonVersion             string
	PythonFullVersion         string
	ImplementationName        string
	ImplementationVersion     string
	OSName                    string
	PlatformSystem            string
	PlatformRelease           string
	PlatformMachine           string
	PlatformPythonImplem      string
	SysPlatform               string
	Extra                     string
}

func (e Environment) lookup(name string) string {
	switch name {
	case VarPythonVersion:
		return e.PythonVersion
	case VarPythonFullVersion:
		return e.PythonFullVersion
	case VarImplementationName:
		return e.ImplementationName
	case VarImplementationVersion:
		return e.ImplementationVersion
	case VarOSName:
		return e.OSName
	case VarPlatformSystem:
		return e.PlatformSystem
	case VarPlatformRelease:
		return e.PlatformRelease
	case VarPlatformMachine:
		return e.PlatformMachine
	case VarPlatformPythonImpl:
		return e.PlatformPythonImplem
	case VarSysPlatform:
		return e.SysPlatform
	case VarExtra:
		return e.Extra
	default:
		return ""
	}
}

// Universe describes the solver's symbolic environment for satisfiability
// checks (§4.2): a python-version Constraint instead of one concrete
// version, and "any platform" when PlatformOpen is true.
type Universe struct {
	PythonVersions version.Constraint
	PlatformOpen   bool
	SysPlatforms   []string // candidate sys_platform values when !PlatformOpen
}

// Expr is a marker AST node.
type Expr interface {
	// Evaluate reports whether the marker holds under env.
	Evaluate(env Environment) bool
	// String renders the expression back to PEP 508 marker syntax.
	String() string
	// satisfiableOver reports whether some assignment drawn from u could
	// make the expression true; used by Satisfiable.
	satisfiableOver(u Universe) bool
	// substituteExtra returns a copy of the expression with every `extra`
	// atom comparison pinned to the literal extra value.
	substituteExtra(extra string) Expr
}

// And returns the conjunction of terms (true if terms is empty).
func And(terms ...Expr) Expr {
	terms = flattenAnd(terms)
	if len(terms) == 1 {
		return terms[0]
	}

	return andExpr{terms: terms}
}

// Or returns the disjunction of terms (false if terms is empty).
func Or(terms ...Expr) Expr {
	terms = flattenOr(terms)
	if len(terms) == 1 {
		return terms[0]
	}

	return orExpr{terms: terms}
}

// Not negates e.
func Not(e Expr) Expr {
	if n, ok := e.(notExpr); ok {
		return n.inner
	}

	return notExpr{inner: e}
}

func flattenAnd(terms []Expr) []Expr {
	var out []Expr

	for _, t := range terms {
		if a, ok := t.(andExpr); ok {
			out = append(out, a.terms...)
		} else {
			out = append(out, t)
		}
	}

	if len(out) == 0 {
		return []Expr{trueExpr{}}
	}

	return out
}

func flattenOr(terms []Expr) []Expr {
	var out []Expr

	for _, t := range terms {
		if o, ok := t.(orExpr); ok {
			out = append(out, o.terms...)
		} else {
			out = append(out, t)
		}
	}

	if len(out) == 0 {
		return []Expr{falseExpr{}}
	}

	return out
}

// Intersect combines two markers with AND, as the resolver does when
// composing a dependency edge's marker with its parent's path-marker.
func Intersect(a, b Expr) Expr { return And(a, b) }

// Union combines two markers with OR.
func Union(a, b Expr) Expr { return Or(a, b) }

// Satisfiable reports whether e can possibly hold in some environment
// consistent with universe u — used to prune packages whose effective
// marker can never be true for the project's declared compatible
// environments (§4.2, §4.5).
func Satisfiable(e Expr, u Universe) bool { return e.satisfiableOver(u) }

// SubstituteExtra returns e with every `extra == "..."` atom's truth value
// pinned to whether extra matches, implementing the "exclude-extra
// projection" of §4.2. Passing "" leaves extra atoms as a placeholder
// (always false) for deterministic re-evaluation later.
func SubstituteExtra(e Expr, extra string) Expr { return e.substituteExtra(extra) }

type trueExpr struct{}

func (trueExpr) Evaluate(Environment) bool          { return true }
func (trueExpr) String() string                     { return "" }
func (trueExpr) satisfiableOver(Universe) bool      { return true }
func (t trueExpr) substituteExtra(string) Expr      { return t }

type falseExpr struct{}

func (falseExpr) Evaluate(Environment) bool     { return false }
func (falseExpr) String() string                { return "python_version == \"0\"" }
func (falseExpr) satisfiableOver(Universe) bool { return false }
func (f falseExpr) substituteExtra(string) Expr { return f }

// True returns the always-true marker (e.g. a requirement with no marker).
func True() Expr { return trueExpr{} }

// False returns the always-false marker.
func False() Expr { return falseExpr{} }

type andExpr struct{ terms []Expr }

func (a andExpr) Evaluate(env Environment) bool {
	for _, t := range a.terms {
		if !t.Evaluate(env) {
			return false
		}
	}

	return true
}

func (a andExpr) String() string {
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = parenthesize(t)
	}

	return strings.Join(parts, " and ")
}

func (a andExpr) satisfiableOver(u Universe) bool {
	// Conservative: conjunction is satisfiable if every conjunct is
	// individually satisfiable over the universe. Conjuncts are checked
	// independently, so two atoms that contradict each other (e.g.
	// python_version >= "3.12" and python_version < "3.9") still count as
	// satisfiable.
	for _, t := range a.terms {
		if !t.satisfiableOver(u) {
			return false
		}
	}

	return true
}

func (a andExpr) substituteExtra(extra string) Expr {
	out := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		out[i] = t.substituteExtra(extra)
	}

	return And(out...)
}

type orExpr struct{ terms []Expr }

func (o orExpr) Evaluate(env Environment) bool {
	for _, t := range o.terms {
		if t.Evaluate(env) {
			return true
		}
	}

	return false
}

func (o orExpr) String() string {
	parts := make([]string, len(o.terms))
	for i, t := range o.terms {
		parts[i] = parenthesize(t)
	}

	return strings.Join(parts, " or ")
}

func (o orExpr) satisfiableOver(u Universe) bool {
	for _, t := range o.terms {
		if t.satisfiableOver(u) {
			return true
		}
	}

	return false
}

func (o orExpr) substituteExtra(extra string) Expr {
	out := make([]Expr, len(o.terms))
	for i, t := range o.terms {
		out[i] = t.substituteExtra(extra)
	}

	return Or(out...)
}

func parenthesize(e Expr) string {
	switch e.(type) {
	case andExpr, orExpr:
		return "(" + e.String() + ")"
	default:
		return e.String()
	}
}

type notExpr struct{ inner Expr }

func (n notExpr) Evaluate(env Environment) bool { return !n.inner.Evaluate(env) }
func (n notExpr) String() string                { return "not " + parenthesize(n.inner) }

func (n notExpr) satisfiableOver(u Universe) bool {
	// Negation satisfiability is approximated as "not provably
	// unsatisfiable": only comparisonExpr knows how to negate itself
	// precisely, so fall back to true for compound negations, which errs
	// toward keeping a package rather than wrongly pruning it.
	if c, ok := n.inner.(comparisonExpr); ok {
		return c.negated().satisfiableOver(u)
	}

	return true
}

func (n notExpr) substituteExtra(extra string) Expr {
	return Not(n.inner.substituteExtra(extra))
}

// comparisonExpr is an atomic `var OP literal` (or `literal OP var`) term.
type comparisonExpr struct {
	varName string
	op      string
	literal string
	varOnLeft bool
}

func newComparison(varName, op, literal string, varOnLeft bool) comparisonExpr {
	return comparisonExpr{varName: varName, op: op, literal: literal, varOnLeft: varOnLeft}
}

func (c comparisonExpr) String() string {
	if c.varOnLeft {
		return fmt.Sprintf("%s %s %q", c.varName, c.op, c.literal)
	}

	return fmt.Sprintf("%q %s %s", c.literal, c.op, c.varName)
}

func (c comparisonExpr) Evaluate(env Environment) bool {
	actual := env.lookup(c.varName)

	if versionVars[c.varName] {
		if ok, result := compareAsVersions(actual, c.op, c.literal, c.varOnLeft); ok {
			return result
		}
	}

	return compareAsStrings(actual, c.op, c.literal, c.varOnLeft)
}

func (c comparisonExpr) negated() comparisonExpr {
	neg := map[string]string{
		"==": "!=", "!=": "==",
		">=": "<", "<": ">=",
		"<=": ">", ">": "<=",
		"in": "not in", "not in": "in",
	}

	if op, ok := neg[c.op]; ok {
		return comparisonExpr{varName: c.varName, op: op, literal: c.literal, varOnLeft: c.varOnLeft}
	}

	return c
}

func (c comparisonExpr) substituteExtra(extra string) Expr {
	if c.varName != VarExtra {
		return c
	}

	matches := c.Evaluate(Environment{Extra: extra})
	if extra == "" {
		return falseExpr{}
	}

	if matches {
		return trueExpr{}
	}

	return falseExpr{}
}

func (c comparisonExpr) satisfiableOver(u Universe) bool {
	switch c.varName {
	case VarPythonVersion, VarPythonFullVersion:
		return pythonConstraintSatisfiable(c, u.PythonVersions)
	case VarSysPlatform:
		if u.PlatformOpen || len(u.SysPlatforms) == 0 {
			return true
		}

		for _, p := range u.SysPlatforms {
			if c.Evaluate(Environment{SysPlatform: p}) {
				return true
			}
		}

		return false
	default:
		return true
	}
}

func pythonConstraintSatisfiable(c comparisonExpr, universe version.Constraint) bool {
	if universe.IsAny() {
		return true
	}

	lit, err := version.Parse(c.literal)
	if err != nil {
		return true // non-version literal on a version var: can't reason, don't prune
	}

	var clause version.Constraint

	switch c.op {
	case "==":
		clause = exactConstraint(lit)
	case "!=":
		return true // hard to prove unsatisfiable; don't prune
	case ">=":
		clause = boundConstraint(lit, true, false)
	case ">":
		clause = boundConstraint(lit, false, false)
	case "<=":
		clause = boundConstraint(lit, true, true)
	case "<":
		clause = boundConstraint(lit, false, true)
	default:
		return true
	}

	return !universe.Intersect(clause).IsEmpty()
}

func exactConstraint(v version.Version) version.Constraint {
	c, _ := version.ParseSpecifier("==" + v.String())
	return c
}

func boundConstraint(v version.Version, inclusive, upper bool) version.Constraint {
	op := map[[2]bool]string{
		{true, false}:  ">=",
		{false, false}: ">",
		{true, true}:   "<=",
		{false, true}:  "<",
	}[[2]bool{inclusive, upper}]

	c, _ := version.ParseSpecifier(op + v.String())

	return c
}
