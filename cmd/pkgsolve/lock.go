package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/lock"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/resolver"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Resolve the manifest's dependencies and write a lock file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(cmd)
		},
	}

	cmd.Flags().Bool("lowest", false, "Prefer the lowest compatible version of every package")
	cmd.Flags().Bool("pre", false, "Allow pre-release candidates")

	return cmd
}

func runLock(cmd *cobra.Command) error {
	flags := parseCommonFlags(cmd)
	lowest, _ := cmd.Flags().GetBool("lowest")
	pre, _ := cmd.Flags().GetBool("pre")

	logger := newLogger(flags.verbose)

	ctx, stop := signalContext()
	defer stop()

	doc, err := resolveLock(ctx, flags, lowest, pre, logger)
	if err != nil {
		return err
	}

	return writeLock(flags, doc)
}

// resolveLock loads the manifest, resolves its full dependency graph
// across every declared group, and returns the resulting lock Document.
// Shared by `lock` and by `add`/`remove`/`update`, which re-lock after
// editing the manifest.
func resolveLock(ctx context.Context, flags commonFlags, lowest, pre bool, logger *slog.Logger) (lock.Document, error) {
	m, err := loadManifest(ctx, flags.manifestPath)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindManifestInvalid, "cmd.lock", err)
	}

	supportedPython := version.Any()

	if m.RequiresPython != "" {
		supportedPython, err = version.ParseSpecifierSet(m.RequiresPython)
		if err != nil {
			return lock.Document{}, errs.New(errs.KindManifestInvalid, "cmd.lock",
				fmt.Errorf("parsing requires-python %q: %w", m.RequiresPython, err))
		}
	}

	reg := buildRegistry(m, logger)

	resolverSvc := resolver.New(reg,
		resolver.WithSupportedPython(supportedPython),
		resolver.WithPreferLowest(lowest),
		resolver.WithAllowPreReleases(pre),
		resolver.WithLogger(logger),
	)

	roots := m.AllDependencies()

	fmt.Println("Resolving dependencies...")

	sol, err := resolverSvc.Solve(ctx, roots)
	if err != nil {
		return lock.Document{}, err
	}

	printDependencyTree(rootNames(roots), sol)

	contentHash := lock.Hash(lock.ManifestInputs{
		SupportedPython: m.RequiresPython,
		Dependencies:    roots,
		Sources:         m.SourceNames(),
	})

	return lock.FromSolution(sol, contentHash), nil
}

func rootNames(reqs []pkgmodel.Requirement) []pkgmodel.Name {
	out := make([]pkgmodel.Name, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Name)
	}

	return out
}
