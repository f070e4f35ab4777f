// Package planner implements spec §4.7's operation planner: a pure
// function from (Solution, requested groups/extras, target environment,
// installed snapshot, flags) to an ordered list of install/update/
// remove/skip Operations, with no teacher equivalent to generalize from
// (bilusteknoloji-pipg installs a flat requirement list with no lock, no
// groups, and no diff against an existing environment) — grounded
// instead directly on spec §4.7's algorithm. The package graph is held
// in maps keyed by package name (indegree counts and dependency ->
// dependents edge lists), not in an arena of integer-id nodes.
package planner

import (
	"sort"

	"github.com/pkgsolve/pkgsolve/internal/marker"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// Kind identifies what an Operation does.
type Kind int

const (
	KindInstall Kind = iota
	KindUpdate
	KindSkip
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindInstall:
		return "install"
	case KindUpdate:
		return "update"
	case KindSkip:
		return "skip"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Operation is one unit of install-plan work, emitted in an order that
// respects dependency precedence for installs/updates and reverse
// precedence for removes (spec §4.7 step 4).
type Operation struct {
	Kind        Kind
	Target      pkgmodel.PackageID
	FromVersion version.Version // set only for KindUpdate
}

// Installed is one entry of the current environment snapshot.
type Installed struct {
	Name    pkgmodel.Name
	Version version.Version
}

// Flags controls planning policy (spec §4.7).
type Flags struct {
	Sync bool // remove installed packages absent from the filtered solution
	// VerifyUnchanged doesn't change planning: a skip is still emitted for
	// an equal-version package. It's threaded through for the executor,
	// which re-hashes installed files for skip operations when set and
	// promotes them to an update on mismatch (spec §9's resolved default:
	// no re-verification unless explicitly requested).
	VerifyUnchanged bool
}

// Request names which dependency groups and per-package extras are
// wanted, filtering the solution before planning.
type Request struct {
	Groups map[string]bool // nil or empty means "main" only
	Extras map[pkgmodel.Name][]string
}

func (r Request) wantsGroup(group string) bool {
	if group == "" {
		group = "main"
	}

	if len(r.Groups) == 0 {
		return group == "main"
	}

	return r.Groups[group]
}

// Plan computes the ordered Operation list per spec §4.7.
func Plan(sol pkgmodel.Solution, req Request, env marker.Environment, installed []Installed, flags Flags) []Operation {
	metaByID := map[pkgmodel.PackageID]pkgmodel.PackageMetadata{}
	for _, m := range sol.Dependencies {
		metaByID[m.ID] = m
	}

	filtered := filterSolution(sol, metaByID, req, env)

	order := topoOrder(filtered, metaByID)

	installedByName := map[pkgmodel.Name]version.Version{}
	for _, i := range installed {
		installedByName[i.Name] = i.Version
	}

	var ops []Operation

	for _, name := range order {
		id := filtered[name]

		cur, ok := installedByName[name]
		switch {
		case !ok:
			ops = append(ops, Operation{Kind: KindInstall, Target: id})
		case cur.Equal(id.Version):
			ops = append(ops, Operation{Kind: KindSkip, Target: id})
		default:
			ops = append(ops, Operation{Kind: KindUpdate, Target: id, FromVersion: cur})
		}
	}

	if flags.Sync {
		ops = append(ops, removeOps(filtered, installed, metaByID)...)
	}

	return ops
}

// filterSolution applies spec §4.7 step 1: marker-true in env, group
// requested.
func filterSolution(sol pkgmodel.Solution, metaByID map[pkgmodel.PackageID]pkgmodel.PackageMetadata, req Request, env marker.Environment) map[pkgmodel.Name]pkgmodel.PackageID {
	out := map[pkgmodel.Name]pkgmodel.PackageID{}

	for name, id := range sol.Packages {
		m, ok := metaByID[id]
		if ok {
			if !groupsMatch(m, req) {
				continue
			}
		}

		if req2Marker, ok := dependencyMarker(sol, name); ok && req2Marker != nil {
			if !req2Marker.Evaluate(env) {
				continue
			}
		}

		out[name] = id
	}

	return out
}

// dependencyMarker finds the first requirement edge pointing at name
// across the whole solution's dependency graph and returns its marker,
// representing the effective marker the resolver recorded for that
// package (spec §4.5's note that the lock records each package's
// effective marker).
func dependencyMarker(sol pkgmodel.Solution, name pkgmodel.Name) (marker.Expr, bool) {
	for _, m := range sol.Dependencies {
		for _, d := range m.Dependencies {
			if d.Name == name {
				return d.Marker, true
			}
		}
	}

	return nil, false
}

func groupsMatch(m pkgmodel.PackageMetadata, req Request) bool {
	groups := map[string]bool{}

	for _, d := range m.Dependencies {
		g := d.Group
		if g == "" {
			g = "main"
		}

		groups[g] = true
	}

	if len(groups) == 0 {
		return true
	}

	for g := range groups {
		if req.wantsGroup(g) {
			return true
		}
	}

	return false
}

// topoOrder implements spec §4.7 step 2: Kahn's algorithm, deferring any
// cyclic participant to one trailing batch, sorted by name within each
// tier for determinism.
func topoOrder(filtered map[pkgmodel.Name]pkgmodel.PackageID, metaByID map[pkgmodel.PackageID]pkgmodel.PackageMetadata) []pkgmodel.Name {
	indegree := map[pkgmodel.Name]int{}
	edges := map[pkgmodel.Name][]pkgmodel.Name{} // dependency -> dependents

	for name := range filtered {
		indegree[name] = 0
	}

	for name, id := range filtered {
		m, ok := metaByID[id]
		if !ok {
			continue
		}

		for _, dep := range m.Dependencies {
			if _, inSet := filtered[dep.Name]; !inSet {
				continue
			}

			edges[dep.Name] = append(edges[dep.Name], name)
			indegree[name]++
		}
	}

	return topoOrderFromGraph(indegree, edges)
}

func readyNames(indegree map[pkgmodel.Name]int) []pkgmodel.Name {
	var ready []pkgmodel.Name

	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	return ready
}

// removeOps computes spec §4.7 step 3/4's remove set: installed packages
// not present in filtered, in an order that removes dependents before
// their dependencies (the reverse of install precedence) wherever edge
// information is available from the solution's own dependency graph;
// packages with no such edge information (never part of any resolved
// metadata) fall back to a deterministic reverse-name order.
func removeOps(filtered map[pkgmodel.Name]pkgmodel.PackageID, installed []Installed, metaByID map[pkgmodel.PackageID]pkgmodel.PackageMetadata) []Operation {
	toRemove := map[pkgmodel.Name]version.Version{}

	for _, i := range installed {
		if _, keep := filtered[i.Name]; !keep {
			toRemove[i.Name] = i.Version
		}
	}

	if len(toRemove) == 0 {
		return nil
	}

	indegree := map[pkgmodel.Name]int{}
	edges := map[pkgmodel.Name][]pkgmodel.Name{} // dependency -> dependents, restricted to toRemove

	for name := range toRemove {
		indegree[name] = 0
	}

	for _, m := range metaByID {
		if _, inSet := toRemove[m.ID.Name]; !inSet {
			continue
		}

		for _, dep := range m.Dependencies {
			if _, depInSet := toRemove[dep.Name]; !depInSet {
				continue
			}

			edges[dep.Name] = append(edges[dep.Name], m.ID.Name)
			indegree[m.ID.Name]++
		}
	}

	// Dependents-first: process nodes with indegree 0 last (they have no
	// remaining dependent blocking them), so reverse the topo walk.
	depOrder := topoOrderFromGraph(indegree, edges)

	reversed := make([]pkgmodel.Name, len(depOrder))
	for i, n := range depOrder {
		reversed[len(depOrder)-1-i] = n
	}

	ops := make([]Operation, 0, len(reversed))

	for _, name := range reversed {
		ops = append(ops, Operation{Kind: KindRemove, Target: pkgmodel.PackageID{Name: name, Version: toRemove[name]}})
	}

	return ops
}

func topoOrderFromGraph(indegree map[pkgmodel.Name]int, edges map[pkgmodel.Name][]pkgmodel.Name) []pkgmodel.Name {
	var order []pkgmodel.Name

	ready := readyNames(indegree)

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		delete(indegree, next)

		for _, dependent := range edges[next] {
			if _, stillPending := indegree[dependent]; !stillPending {
				continue
			}

			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	var cyclic []pkgmodel.Name

	for name := range indegree {
		cyclic = append(cyclic, name)
	}

	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })

	return append(order, cyclic...)
}
