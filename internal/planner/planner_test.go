package planner_test

import (
	"testing"

	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/planner"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

func id(name, ver string) pkgmodel.PackageID {
	return pkgmodel.PackageID{Name: pkgmodel.Name(name), Version: version.MustParse(ver)}
}

func TestPlanInstallsInDependencyOrder(t *testing.T) {
	flaskID := id("flask", "3.0.0")
	werkzeugID := id("werkzeug", "3.0.1")

	sol := pkgmodel.Solution{
		Packages: map[pkgmodel.Name]pkgmodel.PackageID{
			"flask":    flaskID,
			"werkzeug": werkzeugID,
		},
		Dependencies: []pkgmodel.PackageMetadata{
			{ID: flaskID, Dependencies: []pkgmodel.Requirement{{Name: "werkzeug"}}},
			{ID: werkzeugID},
		},
	}

	ops := planner.Plan(sol, planner.Request{}, marker.Environment{}, nil, planner.Flags{})

	if len(ops) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(ops))
	}

	if ops[0].Target.Name != "werkzeug" || ops[1].Target.Name != "flask" {
		t.Errorf("expected werkzeug before flask, got [%s, %s]", ops[0].Target.Name, ops[1].Target.Name)
	}

	for _, op := range ops {
		if op.Kind != planner.KindInstall {
			t.Errorf("expected KindInstall, got %s", op.Kind)
		}
	}
}

func TestPlanClassifiesAgainstSnapshot(t *testing.T) {
	sixID := id("six", "1.17.0")
	flaskID := id("flask", "3.0.0")

	sol := pkgmodel.Solution{
		Packages: map[pkgmodel.Name]pkgmodel.PackageID{
			"six":   sixID,
			"flask": flaskID,
		},
		Dependencies: []pkgmodel.PackageMetadata{
			{ID: sixID},
			{ID: flaskID},
		},
	}

	installed := []planner.Installed{
		{Name: "six", Version: version.MustParse("1.17.0")},    // unchanged -> skip
		{Name: "flask", Version: version.MustParse("2.9.0")},   // older -> update
	}

	ops := planner.Plan(sol, planner.Request{}, marker.Environment{}, installed, planner.Flags{})

	byName := map[string]planner.Operation{}
	for _, op := range ops {
		byName[string(op.Target.Name)] = op
	}

	if byName["six"].Kind != planner.KindSkip {
		t.Errorf("expected six to be skipped, got %s", byName["six"].Kind)
	}

	if byName["flask"].Kind != planner.KindUpdate {
		t.Errorf("expected flask to be updated, got %s", byName["flask"].Kind)
	}

	if byName["flask"].FromVersion.String() != "2.9.0" {
		t.Errorf("expected flask update from 2.9.0, got %s", byName["flask"].FromVersion)
	}
}

func TestPlanSyncRemovesUntracked(t *testing.T) {
	sixID := id("six", "1.17.0")

	sol := pkgmodel.Solution{
		Packages:     map[pkgmodel.Name]pkgmodel.PackageID{"six": sixID},
		Dependencies: []pkgmodel.PackageMetadata{{ID: sixID}},
	}

	installed := []planner.Installed{
		{Name: "six", Version: version.MustParse("1.17.0")},
		{Name: "orphaned", Version: version.MustParse("1.0.0")},
	}

	ops := planner.Plan(sol, planner.Request{}, marker.Environment{}, installed, planner.Flags{Sync: true})

	var foundRemove bool

	for _, op := range ops {
		if op.Target.Name == "orphaned" {
			foundRemove = true

			if op.Kind != planner.KindRemove {
				t.Errorf("expected orphaned to be removed, got %s", op.Kind)
			}
		}
	}

	if !foundRemove {
		t.Error("expected a remove operation for the untracked package")
	}
}

func TestPlanWithoutSyncRetainsUntracked(t *testing.T) {
	sixID := id("six", "1.17.0")

	sol := pkgmodel.Solution{
		Packages:     map[pkgmodel.Name]pkgmodel.PackageID{"six": sixID},
		Dependencies: []pkgmodel.PackageMetadata{{ID: sixID}},
	}

	installed := []planner.Installed{
		{Name: "six", Version: version.MustParse("1.17.0")},
		{Name: "orphaned", Version: version.MustParse("1.0.0")},
	}

	ops := planner.Plan(sol, planner.Request{}, marker.Environment{}, installed, planner.Flags{Sync: false})

	for _, op := range ops {
		if op.Target.Name == "orphaned" {
			t.Error("expected no operation for an untracked package without sync")
		}
	}
}

func TestPlanFiltersByMarker(t *testing.T) {
	winOnlyID := id("pywin32", "1.0.0")
	appID := id("app", "1.0.0")

	sol := pkgmodel.Solution{
		Packages: map[pkgmodel.Name]pkgmodel.PackageID{
			"app":     appID,
			"pywin32": winOnlyID,
		},
		Dependencies: []pkgmodel.PackageMetadata{
			{
				ID: appID,
				Dependencies: []pkgmodel.Requirement{
					{Name: "pywin32", Marker: mustMarker(t, `sys_platform == "win32"`)},
				},
			},
			{ID: winOnlyID},
		},
	}

	linuxEnv := marker.Environment{SysPlatform: "linux"}
	ops := planner.Plan(sol, planner.Request{}, linuxEnv, nil, planner.Flags{})

	for _, op := range ops {
		if op.Target.Name == "pywin32" {
			t.Error("expected pywin32 to be filtered out on linux")
		}
	}

	winEnv := marker.Environment{SysPlatform: "win32"}
	ops = planner.Plan(sol, planner.Request{}, winEnv, nil, planner.Flags{})

	var found bool

	for _, op := range ops {
		if op.Target.Name == "pywin32" {
			found = true
		}
	}

	if !found {
		t.Error("expected pywin32 to be included on win32")
	}
}

func TestPlanDefersCyclicPackagesToTrailingBatch(t *testing.T) {
	aID := id("a", "1.0.0")
	bID := id("b", "1.0.0")

	sol := pkgmodel.Solution{
		Packages: map[pkgmodel.Name]pkgmodel.PackageID{"a": aID, "b": bID},
		Dependencies: []pkgmodel.PackageMetadata{
			{ID: aID, Dependencies: []pkgmodel.Requirement{{Name: "b"}}},
			{ID: bID, Dependencies: []pkgmodel.Requirement{{Name: "a"}}},
		},
	}

	ops := planner.Plan(sol, planner.Request{}, marker.Environment{}, nil, planner.Flags{})

	if len(ops) != 2 {
		t.Fatalf("expected 2 operations despite the cycle, got %d", len(ops))
	}
}

func mustMarker(t *testing.T, s string) marker.Expr {
	t.Helper()

	m, err := marker.Parse(s)
	if err != nil {
		t.Fatal(err)
	}

	return m
}
