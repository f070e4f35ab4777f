package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// printDependencyTree prints roots and their transitive dependencies,
// lifted from cmd/pipg/main.go's printDependencyTree/printSubTree (which
// walked a map[string]resolver.ResolvedPackage) and generalized to walk
// a pkgmodel.Solution's resolved PackageID/PackageMetadata instead. Box
// drawing is skipped when stdout isn't a terminal (piped into a log or
// CI step), printing one flat "name version" line per package instead.
func printDependencyTree(roots []pkgmodel.Name, sol pkgmodel.Solution) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		printFlatList(roots, sol)
		return
	}

	metaByName := metadataByName(sol)
	visited := make(map[pkgmodel.Name]bool)

	for _, root := range roots {
		id, ok := sol.Get(root)
		if !ok {
			continue
		}

		fmt.Printf("  %s %s\n", id.Name, id.Version)

		visited[root] = true

		printSubTree(dependencyNames(metaByName[id]), sol, metaByName, "  ", visited)
	}
}

func printFlatList(roots []pkgmodel.Name, sol pkgmodel.Solution) {
	for _, root := range roots {
		id, ok := sol.Get(root)
		if !ok {
			continue
		}

		fmt.Printf("%s %s\n", id.Name, id.Version)
	}
}

func printSubTree(
	deps []pkgmodel.Name,
	sol pkgmodel.Solution,
	metaByName map[pkgmodel.PackageID]pkgmodel.PackageMetadata,
	prefix string,
	visited map[pkgmodel.Name]bool,
) {
	for i, depName := range deps {
		id, ok := sol.Get(depName)
		if !ok {
			continue
		}

		isLast := i == len(deps)-1

		connector := "├── "
		childPrefix := "│   "

		if isLast {
			connector = "└── "
			childPrefix = "    "
		}

		fmt.Printf("%s%s%s %s\n", prefix, connector, id.Name, id.Version)

		children := dependencyNames(metaByName[id])

		if !visited[depName] && len(children) > 0 {
			visited[depName] = true
			printSubTree(children, sol, metaByName, prefix+childPrefix, visited)
		}
	}
}

func metadataByName(sol pkgmodel.Solution) map[pkgmodel.PackageID]pkgmodel.PackageMetadata {
	out := make(map[pkgmodel.PackageID]pkgmodel.PackageMetadata, len(sol.Dependencies))
	for _, m := range sol.Dependencies {
		out[m.ID] = m
	}

	return out
}

func dependencyNames(meta pkgmodel.PackageMetadata) []pkgmodel.Name {
	out := make([]pkgmodel.Name, 0, len(meta.Dependencies))
	for _, d := range meta.Dependencies {
		out = append(out, d.Name)
	}

	return out
}
