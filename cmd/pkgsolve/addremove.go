package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/lock"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <requirement>...",
		Short: "Add dependencies to the manifest and re-lock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddRemove(cmd, args, editAdd)
		},
	}

	cmd.Flags().String("group", "main", "Dependency group to add to")

	return cmd
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>...",
		Short: "Remove dependencies from the manifest and re-lock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddRemove(cmd, args, editRemove)
		},
	}

	cmd.Flags().String("group", "main", "Dependency group to remove from")

	return cmd
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-resolve the full dependency graph and rewrite the lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := parseCommonFlags(cmd)
			logger := newLogger(flags.verbose)

			ctx, stop := signalContext()
			defer stop()

			doc, err := resolveLock(ctx, flags, false, false, logger)
			if err != nil {
				return err
			}

			return writeLock(flags, doc)
		},
	}

	return cmd
}

// editFunc mutates a parsed pyproject.toml document's dependency array
// for a single group in place.
type editFunc func(doc map[string]any, group string, reqs []string) error

// runAddRemove edits the manifest's dependency list for one group
// in-place through a generic map (preserving every section the typed
// manifest.Manifest doesn't model, such as tool.* tables outside
// tool.pkgsolve.source), re-resolves, and rewrites the lock. This is the
// one place manifest mutation happens: the core itself only ever reads
// a manifest (spec's install/resolve path never writes pyproject.toml).
func runAddRemove(cmd *cobra.Command, args []string, edit editFunc) error {
	flags := parseCommonFlags(cmd)
	group, _ := cmd.Flags().GetString("group")

	logger := newLogger(flags.verbose)

	ctx, stop := signalContext()
	defer stop()

	data, err := os.ReadFile(flags.manifestPath)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.add", err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.add", err)
	}

	if err := edit(doc, group, args); err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.add", err)
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.add", err)
	}

	if err := os.WriteFile(flags.manifestPath, out, 0o644); err != nil {
		return errs.New(errs.KindEnvironmentConflict, "cmd.add", err)
	}

	lockDoc, err := resolveLock(ctx, flags, false, false, logger)
	if err != nil {
		return err
	}

	return writeLock(flags, lockDoc)
}

func editAdd(doc map[string]any, group string, reqs []string) error {
	for _, r := range reqs {
		if _, err := pkgmodel.ParseRequirement(r); err != nil {
			return fmt.Errorf("parsing %q: %w", r, err)
		}
	}

	if group == "main" || group == "" {
		project := subtable(doc, "project")
		project["dependencies"] = appendUnique(stringsOf(project["dependencies"]), reqs)
		return nil
	}

	groups := mapAt(doc, "dependency-groups")
	groups[group] = appendUnique(stringsOf(groups[group]), reqs)

	return nil
}

func editRemove(doc map[string]any, group string, names []string) error {
	drop := make(map[pkgmodel.Name]bool, len(names))
	for _, n := range names {
		drop[pkgmodel.NormalizeName(n)] = true
	}

	if group == "main" || group == "" {
		project := subtable(doc, "project")
		project["dependencies"] = filterOutNames(stringsOf(project["dependencies"]), drop)
		return nil
	}

	groups := mapAt(doc, "dependency-groups")
	groups[group] = filterOutNames(stringsOf(groups[group]), drop)

	return nil
}

func subtable(doc map[string]any, key string) map[string]any {
	t, ok := doc[key].(map[string]any)
	if !ok {
		t = map[string]any{}
		doc[key] = t
	}

	return t
}

func mapAt(doc map[string]any, key string) map[string]any {
	return subtable(doc, key)
}

func stringsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(list))

	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func appendUnique(existing, add []string) []any {
	seen := make(map[pkgmodel.Name]bool, len(existing))

	out := make([]any, 0, len(existing)+len(add))

	for _, e := range existing {
		if req, err := pkgmodel.ParseRequirement(e); err == nil {
			seen[req.Name] = true
		}

		out = append(out, e)
	}

	for _, a := range add {
		req, err := pkgmodel.ParseRequirement(a)
		if err == nil && seen[req.Name] {
			continue
		}

		out = append(out, a)
	}

	return out
}

func filterOutNames(existing []string, drop map[pkgmodel.Name]bool) []any {
	out := make([]any, 0, len(existing))

	for _, e := range existing {
		req, err := pkgmodel.ParseRequirement(e)
		if err == nil && drop[req.Name] {
			continue
		}

		out = append(out, e)
	}

	return out
}

func writeLock(flags commonFlags, doc lock.Document) error {
	data, err := lock.Encode(doc)
	if err != nil {
		return errs.New(errs.KindManifestInvalid, "cmd.lock", err)
	}

	if err := os.WriteFile(flags.lockPath, data, 0o644); err != nil {
		return errs.New(errs.KindEnvironmentConflict, "cmd.lock", err)
	}

	fmt.Printf("Locked %d packages to %s\n", len(doc.Package), flags.lockPath)

	return nil
}
