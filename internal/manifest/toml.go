package manifest

import (
	"context"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// rawDocument mirrors the pyproject.toml tables spec §6 recognizes.
// Field names follow PEP 621/735; unrecognized tables (tool.*, etc.) are
// ignored by go-toml/v2's default decode behavior.
type rawDocument struct {
	Project struct {
		Name                string              `toml:"name"`
		Version             string              `toml:"version"`
		RequiresPython      string              `toml:"requires-python"`
		Dependencies        []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`

	DependencyGroups map[string][]string `toml:"dependency-groups"`

	BuildSystem struct {
		Requires     []string `toml:"requires"`
		BuildBackend string   `toml:"build-backend"`
	} `toml:"build-system"`

	Tool struct {
		Pkgsolve struct {
			Source []struct {
				Name     string `toml:"name"`
				URL      string `toml:"url"`
				Priority string `toml:"priority"`
			} `toml:"source"`
		} `toml:"pkgsolve"`
	} `toml:"tool"`
}

// TOMLSource reads a pyproject.toml-shaped manifest from disk.
type TOMLSource struct{}

// NewTOMLSource builds the default filesystem-backed Source.
func NewTOMLSource() *TOMLSource { return &TOMLSource{} }

var _ Source = (*TOMLSource)(nil)

// Load parses path into a Manifest. The manifest is read-only to the
// core (spec §1): Load never writes back to path.
func (TOMLSource) Load(_ context.Context, path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load", err)
	}

	var raw rawDocument

	if err := toml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load", err)
	}

	if raw.Project.Name == "" {
		return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load",
			fmt.Errorf("%s: missing [project] name", path))
	}

	m := Manifest{
		Name:           raw.Project.Name,
		Version:        raw.Project.Version,
		RequiresPython: raw.Project.RequiresPython,
		Groups:         map[string][]pkgmodel.Requirement{},
		BuildSystem: BuildSystem{
			Requires:     raw.BuildSystem.Requires,
			BuildBackend: raw.BuildSystem.BuildBackend,
		},
	}

	main, err := parseRequirements(raw.Project.Dependencies, "main")
	if err != nil {
		return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load", err)
	}

	m.Groups["main"] = main

	for extra, reqs := range raw.Project.OptionalDependencies {
		parsed, err := parseRequirements(reqs, extra)
		if err != nil {
			return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load", err)
		}

		m.Groups[extra] = parsed
	}

	for group, reqs := range raw.DependencyGroups {
		parsed, err := parseRequirements(reqs, group)
		if err != nil {
			return Manifest{}, errs.New(errs.KindManifestInvalid, "manifest.Load", err)
		}

		m.Groups[group] = append(m.Groups[group], parsed...)
	}

	for _, s := range raw.Tool.Pkgsolve.Source {
		priority := s.Priority
		if priority == "" {
			priority = "primary"
		}

		m.Sources = append(m.Sources, IndexSource{Name: s.Name, URL: s.URL, Priority: priority})
	}

	return m, nil
}

func parseRequirements(raw []string, group string) ([]pkgmodel.Requirement, error) {
	out := make([]pkgmodel.Requirement, 0, len(raw))

	for _, r := range raw {
		req, err := pkgmodel.ParseRequirement(r)
		if err != nil {
			return nil, fmt.Errorf("parsing dependency %q in group %q: %w", r, group, err)
		}

		req.Group = group
		out = append(out, req)
	}

	return out, nil
}
