// Command pkgsolve is the CLI frontend consuming the core's pure
// (manifest, lock?, environment, options) -> (new_lock?, operation_list,
// diagnostics) functions (spec §6). Generalized wholesale from
// bilusteknoloji-pipg's cmd/pipg/main.go: the same root+subcommand
// construction via cobra, functional flag parsing into a typed flags
// struct per command, and slog logger construction, widened from a
// single flat `install` command into the full `lock`/`install`/`sync`/
// `add`/`remove`/`update`/`show`/`export` surface a lockfile-based
// workflow needs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pkgsolve/pkgsolve/internal/cache"
	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/manifest"
	"github.com/pkgsolve/pkgsolve/internal/provider"
	"github.com/pkgsolve/pkgsolve/internal/pyenv"
)

var appVersion = "0.0.0"

func main() {
	os.Exit(run())
}

// run builds the root command and dispatches, translating a returned
// *errs.Error into spec §6's exit-code table: 0 success; 1 resolution
// impossible; 2 lock inconsistent and re-resolve disallowed; 3
// install-time failure; 4 invalid manifest.
func run() int {
	rootCmd := newRootCmd()

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	var e *errs.Error
	if !errors.As(err, &e) {
		return 1
	}

	switch e.Kind() {
	case errs.KindUnsatisfiable, errs.KindNetworkFatal, errs.KindNetworkTransient:
		return 1
	case errs.KindLockInconsistent:
		return 2
	case errs.KindBuildFailure, errs.KindEnvironmentConflict, errs.KindArtifactHashMismatch, errs.KindCancelled:
		return 3
	case errs.KindManifestInvalid:
		return 4
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pkgsolve",
		Short:         "A dependency resolution and lock engine for Python projects",
		Long:          "pkgsolve resolves a project's declared dependencies into a deterministic lock file and installs it into a target environment.",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("manifest", "pyproject.toml", "Path to the project manifest")
	root.PersistentFlags().String("lock", "pkgsolve.lock", "Path to the lock file")
	root.PersistentFlags().String("python", "python3", "Python binary to use")
	root.PersistentFlags().String("target", "", "Target site-packages directory (default: auto-detect)")
	root.PersistentFlags().String("cache-dir", "", "Artifact cache directory (default: platform cache dir)")
	root.PersistentFlags().IntP("jobs", "j", 0, "Max concurrent workers (default: GOMAXPROCS)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	root.AddCommand(newLockCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newExportCmd())

	return root
}

// commonFlags holds the persistent flags every subcommand reads.
type commonFlags struct {
	manifestPath string
	lockPath     string
	pythonBin    string
	targetDir    string
	cacheDir     string
	jobs         int
	verbose      bool
}

func parseCommonFlags(cmd *cobra.Command) commonFlags {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	lockPath, _ := cmd.Flags().GetString("lock")
	pythonBin, _ := cmd.Flags().GetString("python")
	targetDir, _ := cmd.Flags().GetString("target")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	jobs, _ := cmd.Flags().GetInt("jobs")
	verbose, _ := cmd.Flags().GetBool("verbose")

	return commonFlags{manifestPath, lockPath, pythonBin, targetDir, cacheDir, jobs, verbose}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func loadManifest(ctx context.Context, path string) (manifest.Manifest, error) {
	src := manifest.NewTOMLSource()

	m, err := src.Load(ctx, path)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("loading manifest %s: %w", path, err)
	}

	return m, nil
}

func detectEnv(ctx context.Context, pythonBin, targetDir string, logger *slog.Logger) (*pyenv.Environment, error) {
	detector := pyenv.New(pyenv.WithPythonBin(pythonBin))

	env, err := detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting Python environment: %w", err)
	}

	if targetDir != "" {
		abs, err := filepath.Abs(targetDir)
		if err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}

		env.SitePackages = abs
	}

	logger.Debug("detected Python environment",
		slog.String("prefix", env.Prefix),
		slog.String("site-packages", env.SitePackages),
		slog.String("platform", env.PlatformTag),
		slog.String("version", env.PythonVersion),
		slog.Bool("venv", env.IsVirtualEnv),
	)

	return env, nil
}

// buildRegistry wires one primary PyPI JSON index plus one provider per
// manifest-declared source, split into primaries/supplementals per spec
// §4.3's resolution-order contract (§9's resolved precedence: primaries
// first, fall through to supplementals only when no primary candidate
// exists).
func buildRegistry(m manifest.Manifest, logger *slog.Logger) *provider.Registry {
	primaries := []provider.Provider{
		provider.NewJSONIndex("pypi", provider.WithJSONIndexLogger(logger)),
	}

	var supplementals []provider.Provider

	for _, src := range m.Sources {
		p := provider.NewJSONIndex(src.Name,
			provider.WithJSONIndexBaseURL(src.URL),
			provider.WithJSONIndexLogger(logger),
		)

		if src.Priority == "primary" {
			primaries = append(primaries, p)
		} else {
			supplementals = append(supplementals, p)
		}
	}

	return provider.NewRegistry(primaries, supplementals)
}

func buildCache(cacheDir string, logger *slog.Logger) cache.ContentStore {
	store, err := cache.New(cache.WithDir(cacheDir), cache.WithLogger(logger))
	if err != nil {
		logger.Debug("cache unavailable, continuing without cache", slog.String("error", err.Error()))
		return nil
	}

	return store
}
