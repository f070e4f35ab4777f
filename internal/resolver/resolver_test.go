package resolver_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/provider"
	"github.com/pkgsolve/pkgsolve/internal/resolver"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// fakeProvider is an in-memory provider.Provider backed by a fixed set of
// package metadata, for exercising Service.Solve without a network.
type fakeProvider struct {
	name     string
	versions map[pkgmodel.Name][]pkgmodel.PackageMetadata
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, versions: map[pkgmodel.Name][]pkgmodel.PackageMetadata{}}
}

func (f *fakeProvider) add(name pkgmodel.Name, ver string, deps ...string) *fakeProvider {
	v := version.MustParse(ver)

	reqs := make([]pkgmodel.Requirement, 0, len(deps))

	for _, d := range deps {
		req, err := pkgmodel.ParseRequirement(d)
		if err != nil {
			panic(err)
		}

		reqs = append(reqs, req)
	}

	id := pkgmodel.PackageID{Name: name, Version: v}
	f.versions[name] = append(f.versions[name], pkgmodel.PackageMetadata{
		ID:           id,
		Dependencies: reqs,
	})

	return f
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListVersions(_ context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	return f.versions[name], nil
}

func (f *fakeProvider) FetchMetadata(_ context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	for _, m := range f.versions[id.Name] {
		if m.ID.Version.Equal(id.Version) {
			return m, nil
		}
	}

	return pkgmodel.PackageMetadata{}, errNotFound
}

func (f *fakeProvider) FetchDistribution(context.Context, pkgmodel.Distribution, string) error {
	return nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

var _ provider.Provider = (*fakeProvider)(nil)

func req(t *testing.T, s string) pkgmodel.Requirement {
	t.Helper()

	r, err := pkgmodel.ParseRequirement(s)
	if err != nil {
		t.Fatalf("ParseRequirement(%q): %v", s, err)
	}

	return r
}

func TestSolveSimplePackage(t *testing.T) {
	p := newFakeProvider("pypi").add("six", "1.16.0").add("six", "1.17.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "six")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	id, ok := sol.Get("six")
	if !ok {
		t.Fatal("expected six in solution")
	}

	if id.Version.String() != "1.17.0" {
		t.Errorf("expected six 1.17.0, got %s", id.Version)
	}
}

func TestSolveWithVersionConstraint(t *testing.T) {
	p := newFakeProvider("pypi").add("six", "1.15.0").add("six", "1.16.0").add("six", "1.17.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "six<1.17")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	id, _ := sol.Get("six")
	if id.Version.String() != "1.16.0" {
		t.Errorf("expected six 1.16.0, got %s", id.Version)
	}
}

func TestSolveWithTransitiveDependencies(t *testing.T) {
	p := newFakeProvider("pypi").
		add("flask", "3.0.0", "werkzeug>=3.0.0", "jinja2>=3.1.2").
		add("werkzeug", "3.0.0").
		add("werkzeug", "3.0.1").
		add("jinja2", "3.1.2").
		add("jinja2", "3.1.3")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "flask")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if len(sol.Packages) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(sol.Packages))
	}

	wzID, _ := sol.Get("werkzeug")
	if wzID.Version.String() != "3.0.1" {
		t.Errorf("werkzeug: expected 3.0.1, got %s", wzID.Version)
	}

	jjID, _ := sol.Get("jinja2")
	if jjID.Version.String() != "3.1.3" {
		t.Errorf("jinja2: expected 3.1.3, got %s", jjID.Version)
	}
}

// TestSolveLocksMarkerGatedDependency exercises the central lock
// invariant: a marker-gated dependency is locked (not dropped) as long as
// it could hold for some Python version in the project's declared
// supported range, with its effective marker recorded so a later plan
// pass can filter it per concrete target environment. Resolving on one
// machine must not bake that machine's interpreter into the lock.
func TestSolveLocksMarkerGatedDependency(t *testing.T) {
	p := newFakeProvider("pypi").
		add("flask", "3.0.0", "werkzeug>=3.0.0", `importlib-metadata>=3.6.0; python_version < "3.10"`).
		add("werkzeug", "3.0.1").
		add("importlib-metadata", "6.0.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)

	supportedPython, err := version.ParseSpecifierSet(">=3.8")
	if err != nil {
		t.Fatalf("ParseSpecifierSet: %v", err)
	}

	svc := resolver.New(reg, resolver.WithSupportedPython(supportedPython))

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "flask")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if _, ok := sol.Get("importlib-metadata"); !ok {
		t.Fatal("importlib-metadata should be locked: it's satisfiable for part of the declared range (3.8-3.9)")
	}

	if len(sol.Packages) != 3 {
		t.Fatalf("expected 3 packages (flask + werkzeug + importlib-metadata), got %d", len(sol.Packages))
	}

	m, ok := sol.Markers["importlib-metadata"]
	if !ok || m == nil {
		t.Fatal("expected importlib-metadata's effective marker to be recorded")
	}

	env310 := marker.Environment{PythonVersion: "3.9", SysPlatform: "linux", OSName: "posix"}
	env312 := marker.Environment{PythonVersion: "3.12", SysPlatform: "linux", OSName: "posix"}

	if !m.Evaluate(env310) {
		t.Error("recorded marker should hold for python 3.9")
	}

	if m.Evaluate(env312) {
		t.Error("recorded marker should not hold for python 3.12 (plan-time filtering target)")
	}
}

// TestSolvePrunesMarkerImpossibleOverDeclaredRange confirms a dependency
// is still pruned at resolve time when its marker cannot hold for any
// Python version in the declared range at all — the genuinely-impossible
// case marker.Satisfiable exists to catch, as opposed to merely
// mismatching the resolving machine's own interpreter.
func TestSolvePrunesMarkerImpossibleOverDeclaredRange(t *testing.T) {
	p := newFakeProvider("pypi").
		add("flask", "3.0.0", `importlib-metadata>=3.6.0; python_version < "3.6"`)
	reg := provider.NewRegistry([]provider.Provider{p}, nil)

	supportedPython, err := version.ParseSpecifierSet(">=3.8")
	if err != nil {
		t.Fatalf("ParseSpecifierSet: %v", err)
	}

	svc := resolver.New(reg, resolver.WithSupportedPython(supportedPython))

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "flask")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if _, ok := sol.Get("importlib-metadata"); ok {
		t.Error("importlib-metadata can never hold for python >=3.8 and should be pruned")
	}
}

// TestSolveRejectsIncompatibleRequiresPython exercises §4.5's
// requires-python assertion: a candidate whose own requires-python has
// no overlap with the project's declared supported range must be
// skipped, with the error naming the offending package.
func TestSolveRejectsIncompatibleRequiresPython(t *testing.T) {
	p := newFakeProvider("pypi")
	p.versions["pkg"] = []pkgmodel.PackageMetadata{
		{
			ID:         pkgmodel.PackageID{Name: "pkg", Version: version.MustParse("2.0.0")},
			RequiresPy: mustSpecifierSet(t, ">=3.12"),
		},
	}
	reg := provider.NewRegistry([]provider.Provider{p}, nil)

	supportedPython := mustSpecifierSet(t, ">=3.8,<3.11")
	svc := resolver.New(reg, resolver.WithSupportedPython(supportedPython))

	_, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "pkg")})
	if err == nil {
		t.Fatal("expected an error for requires-python outside the declared range")
	}

	if !strings.Contains(err.Error(), "pkg") {
		t.Errorf("expected error to name the offending package, got: %v", err)
	}
}

// TestSolveExpandsExtraDependencies exercises §4.5's synthetic P[E]
// device: requesting requests[socks] must pull in pysocks, the
// dependency declared under the socks extra, not just requests itself.
func TestSolveExpandsExtraDependencies(t *testing.T) {
	p := newFakeProvider("pypi").
		add("requests", "2.31.0", `pysocks>=1.5.6; extra == "socks"`).
		add("pysocks", "1.7.1")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "requests[socks]")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if _, ok := sol.Get("pysocks"); !ok {
		t.Fatal("expected pysocks pulled in via the socks extra")
	}

	extras, ok := sol.ActiveExtras["requests"]
	if !ok || len(extras) != 1 || extras[0] != "socks" {
		t.Errorf("expected ActiveExtras[requests] == [socks], got %v", extras)
	}
}

// TestSolveOmitsUnrequestedExtraDependencies is the negative counterpart:
// plain requests (no extra) must not pull in pysocks.
func TestSolveOmitsUnrequestedExtraDependencies(t *testing.T) {
	p := newFakeProvider("pypi").
		add("requests", "2.31.0", `pysocks>=1.5.6; extra == "socks"`).
		add("pysocks", "1.7.1")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "requests")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if _, ok := sol.Get("pysocks"); ok {
		t.Error("pysocks should not be pulled in without the socks extra requested")
	}
}

func mustSpecifierSet(t *testing.T, spec string) version.Constraint {
	t.Helper()

	c, err := version.ParseSpecifierSet(spec)
	if err != nil {
		t.Fatalf("ParseSpecifierSet(%q): %v", spec, err)
	}

	return c
}

// TestSolveBacktracksOnConflict exercises the resolver's core addition over
// the teacher's plain BFS walk: a later-discovered constraint from "b"
// conflicts with the version of "shared" already chosen while resolving
// "a", and the solver must backtrack and pick a lower "shared" instead of
// failing outright.
func TestSolveBacktracksOnConflict(t *testing.T) {
	p := newFakeProvider("pypi").
		add("a", "1.0.0", "shared", "b").
		add("b", "1.0.0", "shared>=1.9,<2.0").
		add("shared", "1.0.0").
		add("shared", "1.9.0").
		add("shared", "2.0.0").
		add("shared", "2.1.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "a")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	id, ok := sol.Get("shared")
	if !ok {
		t.Fatal("expected shared in solution")
	}

	if id.Version.String() != "1.9.0" {
		t.Errorf("expected shared 1.9.0 (backtracked), got %s", id.Version)
	}
}

func TestSolveUnsatisfiableConflict(t *testing.T) {
	p := newFakeProvider("pypi").
		add("a", "1.0.0", "shared>=2.0").
		add("b", "1.0.0", "shared<2.0").
		add("shared", "1.0.0").
		add("shared", "1.9.0").
		add("shared", "2.0.0").
		add("shared", "2.1.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	_, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "a"), req(t, "b")})
	if err == nil {
		t.Fatal("expected unsatisfiable conflict error, got nil")
	}
}

func TestSolvePackageNotFound(t *testing.T) {
	p := newFakeProvider("pypi")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	_, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "nonexistent")})
	if err == nil {
		t.Fatal("expected error for non-existent package, got nil")
	}
}

func TestSolveNoCompatibleVersion(t *testing.T) {
	p := newFakeProvider("pypi").add("pkg", "1.0.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	_, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "pkg>=5.0")})
	if err == nil {
		t.Fatal("expected error for no compatible version, got nil")
	}
}

func TestSolveCircularDeps(t *testing.T) {
	p := newFakeProvider("pypi").
		add("a", "1.0.0", "b>=1.0").
		add("b", "1.0.0", "a>=1.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "a")})
	if err != nil {
		t.Fatalf("Solve() error on circular deps: %v", err)
	}

	if len(sol.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(sol.Packages))
	}
}

func TestSolveMultipleRoots(t *testing.T) {
	p := newFakeProvider("pypi").add("requests", "2.31.0").add("six", "1.17.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg)

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "requests"), req(t, "six")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	if len(sol.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(sol.Packages))
	}
}

func TestSolvePreferLowest(t *testing.T) {
	p := newFakeProvider("pypi").add("six", "1.15.0").add("six", "1.16.0").add("six", "1.17.0")
	reg := provider.NewRegistry([]provider.Provider{p}, nil)
	svc := resolver.New(reg, resolver.WithPreferLowest(true))

	sol, err := svc.Solve(context.Background(), []pkgmodel.Requirement{req(t, "six>=1.15")})
	if err != nil {
		t.Fatalf("Solve() error: %v", err)
	}

	id, _ := sol.Get("six")
	if id.Version.String() != "1.15.0" {
		t.Errorf("expected lowest-compatible six 1.15.0, got %s", id.Version)
	}
}
