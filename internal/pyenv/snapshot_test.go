package pyenv_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgsolve/pkgsolve/internal/pyenv"
)

func writeDistInfo(t *testing.T, sitePackages, dirName, name, version string) {
	t.Helper()

	dir := filepath.Join(sitePackages, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	metadata := "Metadata-Version: 2.1\nName: " + name + "\nVersion: " + version + "\nSummary: test\n\nlong description\n"
	if err := os.WriteFile(filepath.Join(dir, "METADATA"), []byte(metadata), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotReadsInstalledPackages(t *testing.T) {
	sp := t.TempDir()
	writeDistInfo(t, sp, "requests-2.31.0.dist-info", "requests", "2.31.0")
	writeDistInfo(t, sp, "Flask-3.0.0.dist-info", "Flask", "3.0.0")

	pkgs, err := pyenv.Snapshot(sp)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if len(pkgs) != 2 {
		t.Fatalf("expected 2 installed packages, got %d", len(pkgs))
	}

	byName := map[string]string{}
	for _, p := range pkgs {
		byName[string(p.Name)] = p.Version.String()
	}

	if byName["requests"] != "2.31.0" {
		t.Errorf("expected requests 2.31.0, got %q", byName["requests"])
	}

	if byName["flask"] != "3.0.0" {
		t.Errorf("expected normalized name flask, got keys %v", byName)
	}
}

func TestSnapshotMissingSitePackagesReturnsEmpty(t *testing.T) {
	pkgs, err := pyenv.Snapshot(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if len(pkgs) != 0 {
		t.Errorf("expected no packages, got %d", len(pkgs))
	}
}

func TestSnapshotIgnoresNonDistInfoEntries(t *testing.T) {
	sp := t.TempDir()
	writeDistInfo(t, sp, "requests-2.31.0.dist-info", "requests", "2.31.0")

	if err := os.MkdirAll(filepath.Join(sp, "requests"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(sp, "README.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	pkgs, err := pyenv.Snapshot(sp)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if len(pkgs) != 1 {
		t.Fatalf("expected 1 package, got %d", len(pkgs))
	}
}
