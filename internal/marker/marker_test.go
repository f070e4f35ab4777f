package marker_test

import (
	"testing"

	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

func env() marker.Environment {
	return marker.Environment{
		PythonVersion: "3.12",
		SysPlatform:   "linux",
		OSName:        "posix",
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty marker", "", true},
		{"python version match", `python_version >= "3.8"`, true},
		{"python version no match", `python_version < "3.10"`, false},
		{"python version equal", `python_version == "3.12"`, true},
		{"platform match", `sys_platform == "linux"`, true},
		{"platform no match", `sys_platform == "win32"`, false},
		{"platform not equal", `sys_platform != "win32"`, true},
		{"os match", `os_name == "posix"`, true},
		{"and both true", `python_version >= "3.8" and sys_platform == "linux"`, true},
		{"and one false", `python_version >= "3.8" and sys_platform == "win32"`, false},
		{"or first true", `sys_platform == "linux" or sys_platform == "win32"`, true},
		{"or both false", `sys_platform == "darwin" or sys_platform == "win32"`, false},
		{"not", `not sys_platform == "win32"`, true},
		{"parens", `(sys_platform == "linux" or sys_platform == "win32") and python_version >= "3.8"`, true},
		{"literal on left", `"3.8" <= python_version`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := marker.Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.expr, err)
			}

			if got := e.Evaluate(env()); got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseRejectsUnrecognizedVariable(t *testing.T) {
	_, err := marker.Parse(`platform_foo == "bar"`)
	if err == nil {
		t.Fatal("expected error for unrecognized marker variable")
	}
}

func TestParseRejectsMalformedComparison(t *testing.T) {
	_, err := marker.Parse(`"a" == "b"`)
	if err == nil {
		t.Fatal("expected error: comparison needs exactly one variable")
	}
}

func TestSubstituteExtra(t *testing.T) {
	e := marker.MustParse(`extra == "docs" and python_version >= "3.8"`)

	docs := marker.SubstituteExtra(e, "docs")
	if !docs.Evaluate(env()) {
		t.Error("extra == \"docs\" should hold once substituted with \"docs\"")
	}

	other := marker.SubstituteExtra(e, "test")
	if other.Evaluate(env()) {
		t.Error("extra == \"docs\" should not hold once substituted with \"test\"")
	}
}

func TestSatisfiableOverPythonUniverse(t *testing.T) {
	lowOnly := marker.MustParse(`python_version >= "3.12"`)

	wide := universeFor(t, ">=3.8,<4.0")
	if !marker.Satisfiable(lowOnly, wide) {
		t.Error("python_version >= 3.12 should be satisfiable within 3.8-4.0")
	}

	narrow := universeFor(t, ">=3.8,<3.10")
	if marker.Satisfiable(lowOnly, narrow) {
		t.Error("python_version >= 3.12 should be unsatisfiable within 3.8-3.10")
	}
}

func universeFor(t *testing.T, spec string) marker.Universe {
	t.Helper()

	c, err := version.ParseSpecifierSet(spec)
	if err != nil {
		t.Fatalf("ParseSpecifierSet(%q): %v", spec, err)
	}

	return marker.Universe{PythonVersions: c, PlatformOpen: true}
}
