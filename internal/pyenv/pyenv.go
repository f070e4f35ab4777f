// Package pyenv implements spec §3's target Environment entity: detecting
// the active Python interpreter, deriving the marker/tag valuation it
// implies, and reading the set of already-installed distributions from
// its site-packages so the planner can diff against a Solution.
//
// Generalizes internal/python/env.go's Service/Environment (VIRTUAL_ENV
// detection, a single python -c probe script, CommandRunner/EnvLookup
// injection points) by widening the probe script to also emit the
// sys_platform/os.name/platform.machine/implementation fields
// internal/marker.Environment needs, and by adding Snapshot, which the
// env.go original had no equivalent of.
package pyenv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/marker"
)

// probeScript prints, one per line, every field Environment needs. Kept as
// a single process spawn (matching the teacher's pythonScript) rather than
// N separate python invocations.
const probeScript = `import sys, site, sysconfig, platform
print(sys.prefix)
print(site.getsitepackages()[0])
print(sysconfig.get_platform())
print(f'{sys.version_info.major}{sys.version_info.minor}')
print(sys.executable)
print('.'.join(str(p) for p in sys.version_info[:3]))
print(sys.platform)
print(platform.system())
print(platform.release())
print(platform.machine())
print(sys.implementation.name)`

const expectedProbeLines = 11

// Detector detects the active Python environment.
type Detector interface {
	Detect(ctx context.Context) (*Environment, error)
}

// Environment is the resolved target interpreter: its interpreter path,
// platform tag, and every marker variable it implies.
type Environment struct {
	PythonPath            string
	Prefix                string
	SitePackages          string
	PlatformTag           string // e.g. "macosx-14.0-arm64"
	PythonVersion         string // e.g. "312" (no dot, for wheel tags)
	PythonFullVersion     string // e.g. "3.12.4"
	SysPlatform           string
	PlatformSystem        string
	PlatformRelease       string
	PlatformMachine       string
	ImplementationName    string
	IsVirtualEnv          bool
}

// MarkerEnvironment projects Environment into the marker package's
// evaluation valuation.
func (e Environment) MarkerEnvironment() marker.Environment {
	major, minor := splitShortVersion(e.PythonVersion)

	return marker.Environment{
		PythonVersion:         major + "." + minor,
		PythonFullVersion:     e.PythonFullVersion,
		ImplementationName:    e.ImplementationName,
		ImplementationVersion: e.PythonFullVersion,
		OSName:                unixOSName(e.SysPlatform),
		PlatformSystem:        e.PlatformSystem,
		PlatformRelease:       e.PlatformRelease,
		PlatformMachine:       e.PlatformMachine,
		PlatformPythonImplem:  e.ImplementationName,
		SysPlatform:           e.SysPlatform,
	}
}

func splitShortVersion(v string) (string, string) {
	if len(v) < 2 {
		return v, "0"
	}

	return v[:1], v[1:]
}

func unixOSName(sysPlatform string) string {
	if sysPlatform == "win32" {
		return "nt"
	}

	return "posix"
}

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// EnvLookup looks up an environment variable.
type EnvLookup func(string) string

// Option configures a Service.
type Option func(*Service)

// WithPythonBin sets the python binary path. Defaults to "python3".
func WithPythonBin(bin string) Option {
	return func(s *Service) {
		if bin != "" {
			s.pythonBin = bin
		}
	}
}

// WithCommandRunner overrides the process runner, for tests.
func WithCommandRunner(fn CommandRunner) Option {
	return func(s *Service) {
		if fn != nil {
			s.runCmd = fn
		}
	}
}

// WithEnvLookup overrides the environment-variable lookup, for tests.
func WithEnvLookup(fn EnvLookup) Option {
	return func(s *Service) {
		if fn != nil {
			s.getenv = fn
		}
	}
}

// Service detects the active Python environment.
type Service struct {
	pythonBin string
	runCmd    CommandRunner
	getenv    EnvLookup
}

var _ Detector = (*Service)(nil)

// New creates a Python environment detector.
func New(opts ...Option) *Service {
	s := &Service{
		pythonBin: "python3",
		runCmd:    defaultRunCmd,
		getenv:    os.Getenv,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Detect probes the configured interpreter and returns its Environment.
func (s *Service) Detect(ctx context.Context) (*Environment, error) {
	env := &Environment{}

	if venv := s.getenv("VIRTUAL_ENV"); venv != "" {
		env.IsVirtualEnv = true
	}

	output, err := s.runCmd(ctx, s.pythonBin, "-c", probeScript)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", s.pythonBin, err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) != expectedProbeLines {
		return nil, fmt.Errorf("unexpected output from %s: expected %d lines, got %d",
			s.pythonBin, expectedProbeLines, len(lines))
	}

	trim := func(i int) string { return strings.TrimSpace(lines[i]) }

	env.Prefix = trim(0)
	env.SitePackages = trim(1)
	env.PlatformTag = trim(2)
	env.PythonVersion = trim(3)
	env.PythonPath = trim(4)
	env.PythonFullVersion = trim(5)
	env.SysPlatform = trim(6)
	env.PlatformSystem = trim(7)
	env.PlatformRelease = trim(8)
	env.PlatformMachine = trim(9)
	env.ImplementationName = trim(10)

	return env, nil
}

func defaultRunCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
