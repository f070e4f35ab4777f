package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/executor"
	"github.com/pkgsolve/pkgsolve/internal/lock"
	"github.com/pkgsolve/pkgsolve/internal/manifest"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/planner"
	"github.com/pkgsolve/pkgsolve/internal/provider"
	"github.com/pkgsolve/pkgsolve/internal/pyenv"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the locked dependencies into the target environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, false)
		},
	}

	addInstallFlags(cmd)

	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Install the locked dependencies and remove anything not in the lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, true)
		},
	}

	addInstallFlags(cmd)

	return cmd
}

func addInstallFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("group", nil, "Dependency groups to install in addition to main (repeatable)")
	cmd.Flags().Bool("all-groups", false, "Install every declared group")
	cmd.Flags().Bool("refresh", false, "Re-resolve and rewrite the lock before installing")
	cmd.Flags().Bool("dry-run", false, "Print the plan without installing")
	cmd.Flags().Bool("verify", false, "Re-hash already-installed packages and repair drift")
}

func runInstall(cmd *cobra.Command, sync bool) error {
	flags := parseCommonFlags(cmd)
	groups, _ := cmd.Flags().GetStringSlice("group")
	allGroups, _ := cmd.Flags().GetBool("all-groups")
	refresh, _ := cmd.Flags().GetBool("refresh")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verify, _ := cmd.Flags().GetBool("verify")

	logger := newLogger(flags.verbose)

	ctx, stop := signalContext()
	defer stop()

	m, err := loadManifest(ctx, flags.manifestPath)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.install", err)
	}

	doc, err := loadOrRefreshLock(ctx, flags, m, refresh, logger)
	if err != nil {
		return err
	}

	env, err := detectEnv(ctx, flags.pythonBin, flags.targetDir, logger)
	if err != nil {
		return errs.New(errs.KindEnvironmentConflict, "cmd.install", err)
	}

	reg := buildRegistry(m, logger)

	fmt.Println("Fetching locked package metadata...")

	sol, err := solutionFromLock(ctx, reg, doc)
	if err != nil {
		return err
	}

	req := installRequest(m, groups, allGroups)

	installed, err := pyenv.Snapshot(env.SitePackages)
	if err != nil {
		return errs.New(errs.KindEnvironmentConflict, "cmd.install", err)
	}

	ops := planner.Plan(sol, req, env.MarkerEnvironment(), toInstalled(installed), planner.Flags{
		Sync:            sync,
		VerifyUnchanged: verify,
	})

	if dryRun {
		printPlan(ops)
		return nil
	}

	store := buildCache(flags.cacheDir, logger)

	exec := executor.New(reg, env,
		executor.WithLogger(logger),
		executor.WithMaxWorkers(flags.jobs),
		executor.WithCacheStore(store),
	)

	fmt.Printf("Executing %d operations...\n", len(ops))

	report, err := exec.Execute(ctx, ops, sol, planner.Flags{Sync: sync, VerifyUnchanged: verify})
	if err != nil {
		return errs.New(errs.KindBuildFailure, "cmd.install", err)
	}

	printReport(report)

	return nil
}

func loadOrRefreshLock(ctx context.Context, flags commonFlags, m manifest.Manifest, refresh bool, logger *slog.Logger) (lock.Document, error) {
	if refresh {
		doc, err := resolveLock(ctx, flags, false, false, logger)
		if err != nil {
			return lock.Document{}, err
		}

		data, err := lock.Encode(doc)
		if err != nil {
			return lock.Document{}, errs.New(errs.KindManifestInvalid, "cmd.install", err)
		}

		if err := os.WriteFile(flags.lockPath, data, 0o644); err != nil {
			return lock.Document{}, errs.New(errs.KindEnvironmentConflict, "cmd.install", err)
		}

		return doc, nil
	}

	data, err := os.ReadFile(flags.lockPath)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.install",
			fmt.Errorf("reading lock file %s (run `pkgsolve lock` first): %w", flags.lockPath, err))
	}

	doc, err := lock.Decode(data)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.install", err)
	}

	trusted, err := lock.TrustLockedMarkers(doc, false)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.install", err)
	}

	if !trusted {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.install",
			fmt.Errorf("lock-version %s predates the trust threshold; run `pkgsolve lock` (or pass --refresh)", doc.Metadata.LockVersion))
	}

	wantHash := lock.Hash(lock.ManifestInputs{
		SupportedPython: m.RequiresPython,
		Dependencies:    m.AllDependencies(),
		Sources:         m.SourceNames(),
	})

	if doc.Metadata.ContentHash != wantHash {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.install",
			fmt.Errorf("manifest has changed since the lock was generated; run `pkgsolve lock` (or pass --refresh)"))
	}

	return doc, nil
}

// solutionFromLock re-fetches each locked package's live metadata (the
// lock itself only records a filename and hash, not a fetch URL) and
// cross-checks the recorded hash still matches, so an install never
// trusts a source that silently republished a version under the same
// number.
func solutionFromLock(ctx context.Context, reg *provider.Registry, doc lock.Document) (pkgmodel.Solution, error) {
	sol := pkgmodel.Solution{
		Packages:     map[pkgmodel.Name]pkgmodel.PackageID{},
		ActiveExtras: map[pkgmodel.Name][]string{},
	}

	for _, pkg := range doc.Package {
		src := sourceFromLock(pkg.Source)

		p, ok := providerForSource(reg, src)
		if !ok {
			return pkgmodel.Solution{}, errs.New(errs.KindLockInconsistent, "cmd.install",
				fmt.Errorf("no provider registered for %s's source %s", pkg.Name, pkg.Source.Type))
		}

		name := pkgmodel.NormalizeName(pkg.Name)

		v, err := version.Parse(pkg.Version)
		if err != nil {
			return pkgmodel.Solution{}, errs.New(errs.KindLockInconsistent, "cmd.install", err)
		}

		id := pkgmodel.PackageID{Name: name, Version: v, Source: src}

		meta, err := p.FetchMetadata(ctx, id)
		if err != nil {
			return pkgmodel.Solution{}, err
		}

		if err := verifyLockedHashes(pkg, meta); err != nil {
			return pkgmodel.Solution{}, err
		}

		sol.Packages[name] = id
		sol.Dependencies = append(sol.Dependencies, meta)

		if len(pkg.Extras) > 0 {
			sol.ActiveExtras[name] = pkg.Extras
		}
	}

	return sol, nil
}

func verifyLockedHashes(pkg lock.Package, meta pkgmodel.PackageMetadata) error {
	if len(pkg.Files) == 0 {
		return nil
	}

	wantByName := make(map[string]string, len(pkg.Files))
	for _, f := range pkg.Files {
		wantByName[f.Name] = strings.TrimPrefix(f.Hash, "sha256:")
	}

	for _, d := range meta.Distributions {
		want, ok := wantByName[d.Filename]
		if ok && want != "" && d.SHA256 != "" && want != d.SHA256 {
			return errs.New(errs.KindArtifactHashMismatch, "cmd.install",
				fmt.Errorf("%s: %s's published hash no longer matches the lock", pkg.Name, d.Filename))
		}
	}

	return nil
}

func sourceFromLock(s lock.Source) pkgmodel.Source {
	switch s.Type {
	case "index":
		return pkgmodel.Source{Kind: pkgmodel.SourceIndex, IndexName: s.URL}
	case "git":
		return pkgmodel.Source{Kind: pkgmodel.SourceGit, URL: s.URL, Ref: s.Reference}
	case "url":
		return pkgmodel.Source{Kind: pkgmodel.SourceURL, URL: s.URL}
	case "path":
		return pkgmodel.Source{Kind: pkgmodel.SourcePath, Path: s.URL}
	default:
		return pkgmodel.Source{Kind: pkgmodel.SourcePyPI}
	}
}

func providerForSource(reg *provider.Registry, src pkgmodel.Source) (provider.Provider, bool) {
	switch src.Kind {
	case pkgmodel.SourcePyPI:
		return reg.ByName("pypi")
	case pkgmodel.SourceIndex:
		return reg.ByName(src.IndexName)
	default:
		return reg.ByName(src.String())
	}
}

func installRequest(m manifest.Manifest, groups []string, allGroups bool) planner.Request {
	wanted := map[string]bool{"main": true}

	if allGroups {
		for g := range m.Groups {
			wanted[g] = true
		}
	}

	for _, g := range groups {
		wanted[g] = true
	}

	return planner.Request{Groups: wanted}
}

func toInstalled(pkgs []pyenv.InstalledPackage) []planner.Installed {
	out := make([]planner.Installed, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, planner.Installed{Name: p.Name, Version: p.Version})
	}

	return out
}

func printPlan(ops []planner.Operation) {
	fmt.Printf("\nPlan (%d operations):\n", len(ops))

	for _, op := range ops {
		switch op.Kind {
		case planner.KindUpdate:
			fmt.Printf("  %s %s (%s -> %s)\n", op.Kind, op.Target.Name, op.FromVersion, op.Target.Version)
		default:
			fmt.Printf("  %s %s %s\n", op.Kind, op.Target.Name, op.Target.Version)
		}
	}
}

func printReport(r executor.Report) {
	fmt.Printf("  %d installed, %d updated, %d skipped, %d removed\n",
		len(r.Installed), len(r.Updated), len(r.Skipped), len(r.Removed))
}
