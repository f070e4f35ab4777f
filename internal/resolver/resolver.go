// Package resolver implements spec §4.5's backtracking dependency
// resolver. It replaces internal/resolver/resolver.go's plain BFS walk
// (which could detect a version conflict but never recover from one) with
// a PubGrub-inspired decision/derivation solver: every accepted package
// version is a "decision" at a decision level, every requirement implied
// by a decision is a "derivation", and a conflict backtracks to the most
// recent decision and excludes the version that caused it before
// retrying — so the resolver can escape a bad early choice instead of
// failing outright.
//
// This is a simplified PubGrub: conflicts are always attributed to the
// most recently made decision rather than the minimal responsible cause
// via learned incompatibility clauses. For the single-target dependency
// graphs this resolves (no platform/python-version branching within one
// run), that coarser blame still converges, and the functional-options
// and slog-logger idiom below is unchanged from the teacher's
// resolver.Service.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/provider"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

const maxPropagationSteps = 100000

// Resolver is the interface the rest of the module depends on.
type Resolver interface {
	Solve(ctx context.Context, roots []pkgmodel.Requirement) (pkgmodel.Solution, error)
}

// Option configures a Service.
type Option func(*Service)

// WithAllowPreReleases lets the solver accept pre-release versions even
// when no constraint endpoint is itself a pre-release.
func WithAllowPreReleases(allow bool) Option {
	return func(s *Service) { s.allowPre = allow }
}

// WithSupportedPython sets the project's declared Python version range
// (its pyproject.toml requires-python). The resolver never targets one
// concrete interpreter: it admits any package whose marker could hold
// for some interpreter in this range (marker.Satisfiable against the
// resulting Universe) and rejects any candidate whose own
// requires-python doesn't intersect it. Per-environment filtering of
// marker-gated dependencies happens later, at plan time, against the
// effective marker recorded in the lock. Defaults to version.Any() (no
// restriction) when never set.
func WithSupportedPython(c version.Constraint) Option {
	return func(s *Service) { s.supportedPython = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPreferLowest switches the candidate ordering to lowest-compatible
// first, the policy an "update --lowest" or lockfile-refresh run uses
// instead of the default highest-compatible-first.
func WithPreferLowest(lowest bool) Option {
	return func(s *Service) { s.preferLowest = lowest }
}

// Service is the backtracking resolver.
type Service struct {
	registry        *provider.Registry
	supportedPython version.Constraint
	allowPre        bool
	preferLowest    bool
	logger          *slog.Logger

	metaCache map[pkgmodel.PackageID]pkgmodel.PackageMetadata
	listCache map[pkgmodel.Name][]pkgmodel.PackageMetadata

	// markers accumulates, per resolved package name, the union of every
	// dependency edge's effective marker (projected over the extras
	// requested along that edge) that reached it. This is the "why is
	// this package ever included" marker recorded in the lock (§4.5);
	// plan time intersects it with a concrete Environment.
	markers map[pkgmodel.Name]marker.Expr

	// extras accumulates, per package name, the set of extras requested
	// of it across every edge that named it. Like markers, this is
	// resolver-level side state independent of partialSolution's
	// decision/backtrack bookkeeping: a name dropped by a backtrack
	// simply never appears in the final decidedVersions buildSolution
	// walks, so stale entries here never surface.
	extras map[pkgmodel.Name]map[string]bool
}

var _ Resolver = (*Service)(nil)

// New builds a resolver Service querying reg for candidates.
func New(reg *provider.Registry, opts ...Option) *Service {
	s := &Service{
		registry:        reg,
		supportedPython: version.Any(),
		logger:          slog.Default(),
		metaCache:       map[pkgmodel.PackageID]pkgmodel.PackageMetadata{},
		listCache:       map[pkgmodel.Name][]pkgmodel.PackageMetadata{},
		markers:         map[pkgmodel.Name]marker.Expr{},
		extras:          map[pkgmodel.Name]map[string]bool{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// universe is the symbolic range of environments the project declares
// it supports: any platform, any Python version within supportedPython.
// A dependency's marker is admitted into the solve if it could hold for
// at least one environment in this range; it is never tested against
// one concrete interpreter during resolution.
func (s *Service) universe() marker.Universe {
	return marker.Universe{PythonVersions: s.supportedPython, PlatformOpen: true}
}

// recordMarker unions m into the accumulated effective marker for name.
func (s *Service) recordMarker(name pkgmodel.Name, m marker.Expr) {
	if existing, ok := s.markers[name]; ok {
		s.markers[name] = marker.Union(existing, m)
		return
	}

	s.markers[name] = m
}

// recordExtras merges extras into the accumulated requested-extras set
// for name.
func (s *Service) recordExtras(name pkgmodel.Name, extras []string) {
	set, ok := s.extras[name]
	if !ok {
		set = map[string]bool{}
		s.extras[name] = set
	}

	for _, e := range extras {
		set[e] = true
	}
}

// extrasFor returns the sorted, deduplicated extras requested of name so
// far, for buildSolution's ActiveExtras and for projecting a dependent's
// own extras-gated edges.
func (s *Service) extrasFor(name pkgmodel.Name) []string {
	set, ok := s.extras[name]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}

	sort.Strings(out)

	return out
}

// activeExtraMarker projects m (a dependency edge's own marker, which
// may carry an `extra == "..."` clause from PyPI's requires_dist when
// the edge belongs to an optional-dependencies extra) over every extra
// currently requested of the package that owns the edge, unioned with
// the baseline "no extras active" projection. This is the synthetic
// P[E] device (§4.5): rather than adding literal synthetic package
// nodes, it reuses marker.SubstituteExtra to pin each extra atom to the
// truth value it would have in the activated set, so an edge gated on
// an unrequested extra stays excluded while one gated on a requested
// extra (or ungated entirely) is included.
func activeExtraMarker(m marker.Expr, requestedExtras []string) marker.Expr {
	proj := marker.SubstituteExtra(m, "")

	for _, e := range requestedExtras {
		proj = marker.Union(proj, marker.SubstituteExtra(m, e))
	}

	return proj
}

// Solve resolves roots into a concrete Solution, backtracking on conflict
// per spec §4.5.
func (s *Service) Solve(ctx context.Context, roots []pkgmodel.Requirement) (pkgmodel.Solution, error) {
	ps := newPartialSolution()

	var queue []pkgmodel.Name
	enqueued := map[pkgmodel.Name]bool{}

	enqueue := func(n pkgmodel.Name) {
		if !enqueued[n] {
			enqueued[n] = true
			queue = append(queue, n)
		}
	}

	for _, root := range roots {
		m := activeExtraMarker(effectiveMarker(root.Marker), root.Extras)
		if !marker.Satisfiable(m, s.universe()) {
			continue
		}

		s.recordMarker(root.Name, m)
		s.recordExtras(root.Name, root.Extras)

		ps.derive(term{name: root.Name, positive: true, constraint: root.Constraint},
			newIncompatibility("root requirement"))
		enqueue(root.Name)
	}

	steps := 0

	for len(queue) > 0 {
		steps++
		if steps > maxPropagationSteps {
			return pkgmodel.Solution{}, errs.New(errs.KindUnsatisfiable, "resolver.Solve",
				fmt.Errorf("exceeded %d propagation steps, likely a resolution cycle", maxPropagationSteps))
		}

		if err := ctx.Err(); err != nil {
			return pkgmodel.Solution{}, errs.New(errs.KindCancelled, "resolver.Solve", err)
		}

		name := queue[0]
		queue = queue[1:]
		enqueued[name] = false

		conflictErr := s.propagate(ctx, ps, name, enqueue)
		if conflictErr == nil {
			continue
		}

		if !errIsConflict(conflictErr) {
			return pkgmodel.Solution{}, conflictErr
		}

		blamed, ok := lastDecision(ps)
		if !ok {
			return pkgmodel.Solution{}, errs.New(errs.KindUnsatisfiable, "resolver.Solve",
				fmt.Errorf("no compatible version for %s: %w", name, conflictErr))
		}

		s.logger.Debug("resolver backtracking",
			slog.String("conflict", string(name)),
			slog.String("blaming", string(blamed.name)),
			slog.String("version", blamed.version.String()),
		)

		backLevel := ps.decisionLevel - 1
		ps.backtrackTo(backLevel)

		excl, _ := version.ParseSpecifier("==" + blamed.version.String())
		ps.derive(term{name: blamed.name, positive: false, constraint: excl},
			newIncompatibility(fmt.Sprintf("%s %s conflicted resolving %s", blamed.name, blamed.version, name)))

		queue = nil
		enqueued = map[pkgmodel.Name]bool{}
		requeueAllTouched(ps, enqueue)
	}

	return s.buildSolution(ps)
}

type conflictError struct{ err error }

func (c *conflictError) Error() string { return c.err.Error() }
func (c *conflictError) Unwrap() error { return c.err }

func errIsConflict(err error) bool {
	_, ok := err.(*conflictError)
	return ok
}

type decisionRef struct {
	name    pkgmodel.Name
	version version.Version
}

func lastDecision(ps *partialSolution) (decisionRef, bool) {
	for i := len(ps.assignments) - 1; i >= 0; i-- {
		a := ps.assignments[i]
		if a.isDecision {
			v, _ := ps.decidedVersion(a.term.name)
			return decisionRef{name: a.term.name, version: v}, true
		}
	}

	return decisionRef{}, false
}

// requeueAllTouched re-queues every package name with an outstanding
// positive term so propagation resumes from a consistent frontier after
// a backtrack.
func requeueAllTouched(ps *partialSolution, enqueue func(pkgmodel.Name)) {
	seen := map[pkgmodel.Name]bool{}

	for _, a := range ps.assignments {
		if seen[a.term.name] {
			continue
		}

		seen[a.term.name] = true
		enqueue(a.term.name)
	}
}

// propagate resolves one package name to a concrete version (if not
// already decided) and derives terms for its dependencies, returning a
// *conflictError if no candidate satisfies the accumulated constraint.
func (s *Service) propagate(ctx context.Context, ps *partialSolution, name pkgmodel.Name, enqueue func(pkgmodel.Name)) error {
	constraint, touched := ps.effectiveConstraint(name)
	if !touched {
		return nil
	}

	if v, ok := ps.decidedVersion(name); ok {
		if !constraint.Contains(v, s.allowPre) {
			return &conflictError{fmt.Errorf("%s: decided version %s no longer satisfies %s", name, v, constraint)}
		}

		return nil
	}

	candidates, err := s.candidatesFor(ctx, name)
	if err != nil {
		return err
	}

	result := pickBest(candidates, constraint, s.allowPre, s.preferLowest, s.supportedPython)
	if !result.ok {
		if result.incompatiblePython != nil {
			return &conflictError{fmt.Errorf("%s %s requires-python %s is incompatible with the project's supported range %s",
				name, result.incompatiblePython.ID.Version, result.incompatiblePython.RequiresPy, s.supportedPython)}
		}

		return &conflictError{fmt.Errorf("%s: no version satisfies %s", name, constraint)}
	}

	best := result.meta

	ps.decide(name, best.ID.Version)

	meta, err := s.metadataFor(ctx, best.ID)
	if err != nil {
		return err
	}

	requestedExtras := s.extrasFor(name)

	for _, dep := range meta.Dependencies {
		m := activeExtraMarker(effectiveMarker(dep.Marker), requestedExtras)
		if !marker.Satisfiable(m, s.universe()) {
			continue
		}

		s.recordMarker(dep.Name, m)
		s.recordExtras(dep.Name, dep.Extras)

		cause := newIncompatibility(fmt.Sprintf("%s %s depends on %s", name, best.ID.Version, dep.Name))
		ps.derive(term{name: dep.Name, positive: true, constraint: dep.Constraint}, cause)
		enqueue(dep.Name)
	}

	return nil
}

// effectiveMarker returns m, or the always-true marker if m is nil.
// pkgmodel.ParseRequirement always normalizes a missing clause to
// marker.True(), but a hand-built Requirement (e.g. a manifest root with
// no marker field populated) may still leave it nil.
func effectiveMarker(m marker.Expr) marker.Expr {
	if m == nil {
		return marker.True()
	}

	return m
}

func (s *Service) candidatesFor(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	if cached, ok := s.listCache[name]; ok {
		return cached, nil
	}

	metas, err := s.registry.Resolve(ctx, name)
	if err != nil {
		return nil, errs.New(errs.KindNetworkFatal, "resolver.candidatesFor", err)
	}

	s.listCache[name] = metas

	return metas, nil
}

func (s *Service) metadataFor(ctx context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	if cached, ok := s.metaCache[id]; ok {
		return cached, nil
	}

	p, ok := s.providerFor(id)
	if !ok {
		return pkgmodel.PackageMetadata{}, errs.New(errs.KindUnsatisfiable, "resolver.metadataFor",
			fmt.Errorf("no provider registered for source %s", id.Source))
	}

	meta, err := p.FetchMetadata(ctx, id)
	if err != nil {
		return pkgmodel.PackageMetadata{}, err
	}

	s.metaCache[id] = meta

	return meta, nil
}

func (s *Service) providerFor(id pkgmodel.PackageID) (provider.Provider, bool) {
	if id.Source.Kind == pkgmodel.SourceIndex {
		return s.registry.ByName(id.Source.IndexName)
	}

	return s.registry.ByName(id.Source.String())
}

// pickResult is pickBest's outcome: either a chosen candidate (ok),
// nothing at all, or at least one version-compatible candidate that was
// excluded purely on a requires-python mismatch (incompatiblePython),
// so the caller can raise a diagnostic naming it instead of a generic
// "no version satisfies" error.
type pickResult struct {
	meta               pkgmodel.PackageMetadata
	ok                 bool
	incompatiblePython *pkgmodel.PackageMetadata
}

// pickBest selects the best candidate satisfying constraint: highest
// version by default, lowest when preferLowest is set (spec §4.5's
// lockfile-refresh policy); candidates of equal version keep the order
// the registry returned them in (the sort is stable).
// A candidate whose RequiresPy is declared and has no overlap with
// supportedPython is excluded regardless of version match (§4.5's
// requires-python assertion); RequiresPy left at its zero value means no
// requires-python was ever reported for that candidate and imposes no
// restriction.
func pickBest(candidates []pkgmodel.PackageMetadata, constraint version.Constraint, allowPre, preferLowest bool, supportedPython version.Constraint) pickResult {
	var (
		filtered     []pkgmodel.PackageMetadata
		pythonReject *pkgmodel.PackageMetadata
	)

	for _, c := range candidates {
		if c.Yanked {
			continue
		}

		if !constraint.Contains(c.ID.Version, allowPre) {
			continue
		}

		if !c.RequiresPy.IsEmpty() && c.RequiresPy.Intersect(supportedPython).IsEmpty() {
			if pythonReject == nil {
				cc := c
				pythonReject = &cc
			}

			continue
		}

		filtered = append(filtered, c)
	}

	if len(filtered) == 0 {
		return pickResult{incompatiblePython: pythonReject}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		vi, vj := filtered[i].ID.Version, filtered[j].ID.Version
		if preferLowest {
			return vi.Less(vj)
		}

		return vj.Less(vi)
	})

	return pickResult{meta: filtered[0], ok: true}
}

func (s *Service) buildSolution(ps *partialSolution) (pkgmodel.Solution, error) {
	sol := pkgmodel.Solution{
		Packages:     map[pkgmodel.Name]pkgmodel.PackageID{},
		ActiveExtras: map[pkgmodel.Name][]string{},
		Markers:      map[pkgmodel.Name]marker.Expr{},
	}

	for name, v := range ps.decidedVersions {
		id := pkgmodel.PackageID{Name: name, Version: v}

		for candID := range s.metaCache {
			if candID.Name == name && candID.Version.Equal(v) {
				id = candID
				break
			}
		}

		sol.Packages[name] = id

		if meta, ok := s.metaCache[id]; ok {
			sol.Dependencies = append(sol.Dependencies, meta)
		}

		if extras := s.extrasFor(name); len(extras) > 0 {
			sol.ActiveExtras[name] = extras
		}

		if m, ok := s.markers[name]; ok {
			sol.Markers[name] = m
		}
	}

	return sol, nil
}
