package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/lock"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the locked dependency tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd)
		},
	}

	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the lock file as a requirements.txt-style list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd)
		},
	}

	return cmd
}

// runShow re-fetches live metadata for every locked package (the same
// reconstruction install/sync use) purely to render the dependency
// edges; it never touches the target environment.
func runShow(cmd *cobra.Command) error {
	flags := parseCommonFlags(cmd)

	doc, err := readLock(flags)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(flags.verbose)

	m, err := loadManifest(ctx, flags.manifestPath)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.show", err)
	}

	reg := buildRegistry(m, logger)

	sol, err := solutionFromLock(ctx, reg, doc)
	if err != nil {
		return err
	}

	roots := make([]string, 0, len(doc.Package))
	for _, pkg := range doc.Package {
		if len(pkg.Groups) > 0 {
			roots = append(roots, pkg.Name)
		}
	}

	sort.Strings(roots)
	printDependencyTree(toNames(roots), sol)

	return nil
}

func runExport(cmd *cobra.Command) error {
	flags := parseCommonFlags(cmd)

	doc, err := readLock(flags)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(doc.Package))
	versions := make(map[string]string, len(doc.Package))

	for _, pkg := range doc.Package {
		names = append(names, pkg.Name)
		versions[pkg.Name] = pkg.Version
	}

	sort.Strings(names)

	for _, n := range names {
		fmt.Printf("%s==%s\n", n, versions[n])
	}

	return nil
}

func readLock(flags commonFlags) (lock.Document, error) {
	data, err := os.ReadFile(flags.lockPath)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.show",
			fmt.Errorf("reading lock file %s (run `pkgsolve lock` first): %w", flags.lockPath, err))
	}

	doc, err := lock.Decode(data)
	if err != nil {
		return lock.Document{}, errs.New(errs.KindLockInconsistent, "cmd.show", err)
	}

	return doc, nil
}

func toNames(names []string) []pkgmodel.Name {
	out := make([]pkgmodel.Name, 0, len(names))
	for _, n := range names {
		out = append(out, pkgmodel.NormalizeName(n))
	}

	return out
}
