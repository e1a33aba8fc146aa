// Package planner converts a satisfying CDCL assignment into an
// ordered list of install/upgrade/remove operations.
package planner

import (
	"sort"

	"github.com/bilusteknoloji/lpm/internal/catalog"
	"github.com/bilusteknoloji/lpm/internal/cnf"
	"github.com/bilusteknoloji/lpm/internal/sat"
	"github.com/bilusteknoloji/lpm/internal/version"
)

// OpKind classifies a single plan step.
type OpKind string

const (
	OpInstall OpKind = "install"
	OpUpgrade OpKind = "upgrade"
	OpRemove  OpKind = "remove"
)

// Op is one step of an ordered Plan.
type Op struct {
	Kind OpKind

	// Target is the record being installed or upgraded-to. Nil for
	// Remove ops.
	Target *catalog.Record

	// Previous is the installed record being replaced (Upgrade) or
	// removed (Remove). Nil for a fresh Install.
	Previous *catalog.Record

	// Replaces lists packages obsoleted by Target, attached as
	// replacement metadata rather than separate clauses.
	Replaces []*catalog.Record
}

// Plan is the ordered operation sequence the transaction controller
// applies.
type Plan struct {
	Ops []Op
}

// Build derives a Plan from a satisfying model.
func Build(cat *catalog.Catalog, f *cnf.Formula, model []bool) *Plan {
	selected := selectedRecords(f, model)

	installedByName := make(map[string]*catalog.Record)
	for _, name := range cat.Names() {
		for _, r := range cat.Candidates(name) {
			if r.Origin == catalog.OriginInstalled {
				installedByName[r.Name] = r

				break
			}
		}
	}

	ordered := topoSort(selected)

	obsoletedBy := make(map[*catalog.Record][]*catalog.Record)

	for _, r := range ordered {
		for _, dep := range r.Obsoletes {
			for _, victim := range installedByName {
				if victim.Name == dep.Name && recordSatisfies(victim, dep) {
					obsoletedBy[r] = append(obsoletedBy[r], victim)
				}
			}
		}
	}

	plan := &Plan{}
	handledRemovals := make(map[*catalog.Record]bool)

	for _, r := range ordered {
		prev, wasInstalled := installedByName[r.Name]

		switch {
		case wasInstalled && recordsEqual(prev, r):
			// Already installed at the selected version: no-op, omit
			// from the plan.
			continue
		case wasInstalled:
			plan.Ops = append(plan.Ops, Op{Kind: OpUpgrade, Target: r, Previous: prev, Replaces: obsoletedBy[r]})
		default:
			plan.Ops = append(plan.Ops, Op{Kind: OpInstall, Target: r, Replaces: obsoletedBy[r]})
		}

		for _, victim := range obsoletedBy[r] {
			handledRemovals[victim] = true
		}
	}

	// Anything installed but not selected, and not already folded into
	// an obsoletes replacement, is a plain removal.
	selectedSet := make(map[*catalog.Record]bool, len(selected))
	for _, r := range selected {
		selectedSet[r] = true
	}

	var removalNames []string

	removalByName := make(map[string]*catalog.Record)

	for name, prev := range installedByName {
		if selectedSet[prev] || handledRemovals[prev] {
			continue
		}

		// An installed record absent from the model because a
		// different version of the same name was selected is covered
		// by the Upgrade op above, not a separate removal.
		if stillPresentUnderDifferentVersion(prev, selected) {
			continue
		}

		removalNames = append(removalNames, name)
		removalByName[name] = prev
	}

	sort.Strings(removalNames)

	for _, name := range removalNames {
		plan.Ops = append(plan.Ops, Op{Kind: OpRemove, Previous: removalByName[name]})
	}

	return plan
}

func stillPresentUnderDifferentVersion(prev *catalog.Record, selected []*catalog.Record) bool {
	for _, r := range selected {
		if r.Name == prev.Name {
			return true
		}
	}

	return false
}

func recordsEqual(a, b *catalog.Record) bool {
	return a.Name == b.Name && a.Version.Raw == b.Version.Raw && a.Release == b.Release
}

func recordSatisfies(r *catalog.Record, dep catalog.Dependency) bool {
	if dep.Constraint == nil {
		return true
	}

	return version.Satisfies(r.Version, *dep.Constraint)
}

func selectedRecords(f *cnf.Formula, model []bool) []*catalog.Record {
	var out []*catalog.Record

	for v := sat.Var(0); int(v) < len(f.RecordOf); v++ {
		if int(v) < len(model) && model[v] {
			out = append(out, f.RecordOf[v])
		}
	}

	return out
}

// topoSort orders records by requires and recommends: a requirer or
// recommender comes after the package it depends on. Ties broken by
// name. Recommends is soft (never encoded as a SAT clause) but still
// orders installs when both ends happen to be selected, which is also
// how it can legally introduce a cycle that requires alone never would.
// Cycles are broken by dropping the edge with the lowest combined repo
// priority (i.e. least-preferred repositories).
func topoSort(records []*catalog.Record) []*catalog.Record {
	byName := make(map[string]*catalog.Record, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}

	// edges[a] contains every b that a requires or recommends (a must
	// come after b).
	edges := make(map[string]map[string]bool, len(records))
	for _, r := range records {
		edges[r.Name] = make(map[string]bool)

		for _, dep := range r.Requires {
			if _, ok := byName[dep.Name]; ok {
				edges[r.Name][dep.Name] = true
			}
		}

		for _, dep := range r.Recommends {
			if _, ok := byName[dep.Name]; ok {
				edges[r.Name][dep.Name] = true
			}
		}
	}

	breakCycles(records, byName, edges)

	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(records))
	var order []*catalog.Record

	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}

	sort.Strings(names)

	var visit func(name string)

	visit = func(name string) {
		if color[name] == black {
			return
		}

		color[name] = gray

		deps := make([]string, 0, len(edges[name]))
		for d := range edges[name] {
			deps = append(deps, d)
		}

		sort.Strings(deps)

		for _, d := range deps {
			if color[d] != black {
				visit(d)
			}
		}

		color[name] = black
		order = append(order, byName[name])
	}

	for _, n := range names {
		visit(n)
	}

	return order
}

// breakCycles removes the lowest-combined-repo-priority edge from any
// cycle it finds, repeating until the graph is acyclic.
func breakCycles(records []*catalog.Record, byName map[string]*catalog.Record, edges map[string]map[string]bool) {
	for {
		cyclePath := findCycle(records, edges)
		if cyclePath == nil {
			return
		}

		worstA, worstB := "", ""
		worstPriority := -1

		for i := 0; i < len(cyclePath)-1; i++ {
			a, b := cyclePath[i], cyclePath[i+1]
			combined := byName[a].RepoPriority + byName[b].RepoPriority

			if combined > worstPriority {
				worstPriority = combined
				worstA, worstB = a, b
			}
		}

		delete(edges[worstA], worstB)
	}
}

// findCycle returns a path a->b->...->a if the graph has a cycle, else
// nil. Iterates records in name order for determinism.
func findCycle(records []*catalog.Record, edges map[string]map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(records))

	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}

	sort.Strings(names)

	var path []string
	var cycle []string

	var visit func(name string) bool

	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		deps := make([]string, 0, len(edges[name]))
		for d := range edges[name] {
			deps = append(deps, d)
		}

		sort.Strings(deps)

		for _, d := range deps {
			switch color[d] {
			case gray:
				// Found the back edge; extract the cycle portion of path.
				idx := indexOf(path, d)
				cycle = append(append([]string{}, path[idx:]...), d)

				return true
			case white:
				if visit(d) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black

		return false
	}

	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}

	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}

	return -1
}
