// Package cnf translates a catalog, a user request, pins, and a
// protected set into the boolean formula the CDCL solver consumes. One
// boolean variable is created per candidate installable package.
package cnf

import (
	"fmt"
	"log/slog"

	"github.com/bilusteknoloji/lpm/internal/catalog"
	"github.com/bilusteknoloji/lpm/internal/sat"
	"github.com/bilusteknoloji/lpm/internal/version"
)

// Goal is a single user-requested package, optionally constrained.
type Goal struct {
	Name       string
	Constraint *catalog.Dependency // nil means "any version"
}

// Pins mirrors the resolver's pin state: a name held at its currently
// installed version, or a name biased toward a preferred constraint.
type Pins struct {
	Hold   map[string]bool
	Prefer map[string]catalog.Dependency // name -> preferred constraint, contributes bias only
}

// Request bundles everything the builder needs beyond the catalog
// itself.
type Request struct {
	Goals           []Goal
	RemoveGoals     []string // packages the caller wants removed this transaction
	InstalledNames  []string // currently installed package names, for soft-preference assumptions
	Pins            Pins
	Protected       map[string]bool
	Force           bool // drops Holds and Protected unit clauses
}

// Formula is the compiled result: a sat.Solver pre-loaded with clauses,
// plus the bookkeeping needed to map variables back to catalog records
// and to build assumptions for incremental solves.
type Formula struct {
	Solver *sat.Solver

	// VarOf maps a record to its solver variable.
	VarOf map[*catalog.Record]sat.Var
	// RecordOf is the inverse of VarOf.
	RecordOf []*catalog.Record

	// InstalledAssumptions holds one literal per currently-installed
	// package's candidate variable, positive (soft-kept) unless the
	// caller is explicitly upgrading/removing it: existing installs
	// become soft-preferred via assumptions rather than hard clauses.
	InstalledAssumptions []sat.Lit

	// AssumptionLabels names each entry of InstalledAssumptions for
	// UNSAT core reporting.
	AssumptionLabels []string
}

// Option configures the builder.
type Option func(*builder)

type builder struct {
	logger *slog.Logger
	cache  *SolverCache
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCache reuses a solver across consecutive Build calls against the
// same catalog: VSIDS activity and the catalog-structural clauses carry
// forward between solves as long as the catalog hasn't changed. Learned
// clauses do not: the rewind through sat.Solver.TruncateClauses
// discards them on every reuse. A catalog
// change (repo refresh, a new install recorded) is detected by
// Catalog.Hash and discards the carried-forward state.
func WithCache(c *SolverCache) Option {
	return func(b *builder) { b.cache = c }
}

// SolverCache holds the solver a prior Build call produced, plus enough
// bookkeeping to rewind it to its catalog-structural state before a new
// request's clauses are layered on top. Callers share one SolverCache
// across the Build calls they want reused — the zero value is
// cache-empty and always rebuilds.
type SolverCache struct {
	solver     *sat.Solver
	numClauses int
	trailLen   int
}

// preferBiasDelta is the VSIDS activity bonus applied to a Pins.Prefer
// match, large enough to outweigh a few rounds of ordinary
// conflict-driven bumping without overriding an actual hard constraint.
const preferBiasDelta = 5.0

// Build compiles req against cat into a Formula ready for sat.Solve.
func Build(cat *catalog.Catalog, req Request, opts ...Option) (*Formula, error) {
	b := &builder{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	names := cat.Names()

	var allRecords []*catalog.Record
	for _, n := range names {
		allRecords = append(allRecords, cat.Candidates(n)...)
	}

	f := &Formula{
		VarOf:    make(map[*catalog.Record]sat.Var, len(allRecords)),
		RecordOf: make([]*catalog.Record, len(allRecords)),
	}

	for i, r := range allRecords {
		v := sat.Var(i)
		f.VarOf[r] = v
		f.RecordOf[v] = r
	}

	hash := cat.Hash()

	reused := b.cache != nil && b.cache.solver != nil &&
		b.cache.solver.CatalogHash() == hash && b.cache.solver.NVars() == len(allRecords)

	if reused {
		f.Solver = b.cache.solver
		f.Solver.TruncateClauses(b.cache.numClauses, b.cache.trailLen)
	} else {
		var solverOpts []sat.Option

		for _, r := range allRecords {
			if r.HasDecay {
				solverOpts = append(solverOpts, sat.WithVarDecay(r.Decay))

				break
			}
		}

		f.Solver = sat.New(len(allRecords), solverOpts...)

		b.encodeAtMostOnePerName(f, cat, names)
		b.encodeRequires(f, cat, allRecords)
		b.encodeConflicts(f, allRecords)
		b.encodeObsoletes(f, cat, allRecords)

		for _, r := range allRecords {
			if r.Bias != 0 {
				f.Solver.SeedActivity(f.VarOf[r], r.Bias)
			}
		}
	}

	numClauses := f.Solver.NumClauses()
	trailLen := f.Solver.TrailLen()

	b.encodePreferBias(f, cat, req.Pins.Prefer)

	if err := b.encodeGoals(f, cat, req.Goals); err != nil {
		return nil, err
	}

	b.encodeRemovals(f, cat, req.RemoveGoals)

	if !req.Force {
		b.encodeHolds(f, cat, req.Pins.Hold, req.InstalledNames)
		b.encodeProtected(f, cat, req.Protected, req.RemoveGoals)
	}

	b.buildInstalledAssumptions(f, cat, req.InstalledNames, req.RemoveGoals)

	f.Solver.SetCatalogHash(hash)

	if b.cache != nil {
		b.cache.solver = f.Solver
		b.cache.numClauses = numClauses
		b.cache.trailLen = trailLen
	}

	return f, nil
}

// encodePreferBias seeds VSIDS activity for every candidate matching a
// preferred-version pin, biasing the search toward it without forcing
// it. Unlike goals, a preference never adds a clause — the solver
// remains free to pick something else if the preferred candidate
// conflicts with a hard constraint.
func (b *builder) encodePreferBias(f *Formula, cat *catalog.Catalog, prefer map[string]catalog.Dependency) {
	for name, dep := range prefer {
		for _, r := range cat.Candidates(name) {
			if !recordMatches(r, dep) {
				continue
			}

			f.Solver.SeedActivity(f.VarOf[r], preferBiasDelta)
		}
	}
}

// encodeAtMostOnePerName adds (¬x_i ∨ ¬x_j) for every pair of distinct
// candidates sharing a name.
func (b *builder) encodeAtMostOnePerName(f *Formula, cat *catalog.Catalog, names []string) {
	for _, name := range names {
		cands := cat.Candidates(name)
		for i := 0; i < len(cands); i++ {
			for j := i + 1; j < len(cands); j++ {
				vi, vj := f.VarOf[cands[i]], f.VarOf[cands[j]]
				f.Solver.AddClause([]sat.Lit{
					sat.NewLit(vi, false),
					sat.NewLit(vj, false),
				})
			}
		}
	}
}

// encodeGoals adds a unit clause forcing at least one candidate
// satisfying each requested package's constraint to be true — encoded
// as a disjunction over all such candidates, then driven to a unit
// clause only when exactly one candidate exists; otherwise the
// disjunction clause itself is the "goal forces a choice" constraint.
func (b *builder) encodeGoals(f *Formula, cat *catalog.Catalog, goals []Goal) error {
	for _, g := range goals {
		dep := catalog.Dependency{Name: g.Name}
		if g.Constraint != nil {
			dep = *g.Constraint
		}

		satisfiers := cat.Satisfiers(dep)
		if len(satisfiers) == 0 {
			return fmt.Errorf("no package satisfies requested %s", g.Name)
		}

		lits := make([]sat.Lit, 0, len(satisfiers))
		for _, r := range satisfiers {
			lits = append(lits, sat.NewLit(f.VarOf[r], true))
		}

		f.Solver.AddClause(lits)
	}

	return nil
}

// encodeRequires adds x -> (y1 OR y2 OR ... OR yn) for every requires
// entry, i.e. (¬x ∨ y1 ∨ ... ∨ yn).
func (b *builder) encodeRequires(f *Formula, cat *catalog.Catalog, records []*catalog.Record) {
	for _, r := range records {
		x := f.VarOf[r]

		for _, dep := range r.Requires {
			satisfiers := cat.Satisfiers(dep)

			lits := make([]sat.Lit, 0, len(satisfiers)+1)
			lits = append(lits, sat.NewLit(x, false))

			for _, s := range satisfiers {
				lits = append(lits, sat.NewLit(f.VarOf[s], true))
			}

			// No satisfiers: x cannot be installed (unit clause ¬x).
			f.Solver.AddClause(lits)
		}
	}
}

// encodeConflicts adds (¬x ∨ ¬y) for every conflicting pair.
func (b *builder) encodeConflicts(f *Formula, records []*catalog.Record) {
	byName := make(map[string][]*catalog.Record)
	for _, r := range records {
		byName[r.Name] = append(byName[r.Name], r)
	}

	for _, r := range records {
		x := f.VarOf[r]

		for _, dep := range r.Conflicts {
			for _, y := range byName[dep.Name] {
				if y == r {
					continue
				}

				if !recordMatches(y, dep) {
					continue
				}

				f.Solver.AddClause([]sat.Lit{
					sat.NewLit(x, false),
					sat.NewLit(f.VarOf[y], false),
				})
			}
		}
	}
}

// encodeObsoletes adds a one-way conflict for every obsoletes entry:
// the obsoleting package cannot coexist with the obsoleted one. The
// replacement hint itself is attached downstream by the planner (C5),
// not encoded as a clause.
func (b *builder) encodeObsoletes(f *Formula, cat *catalog.Catalog, records []*catalog.Record) {
	for _, r := range records {
		x := f.VarOf[r]

		for _, dep := range r.Obsoletes {
			for _, y := range cat.Candidates(dep.Name) {
				if !recordMatches(y, dep) {
					continue
				}

				f.Solver.AddClause([]sat.Lit{
					sat.NewLit(x, false),
					sat.NewLit(f.VarOf[y], false),
				})
			}
		}
	}
}

// encodeRemovals adds a negative unit clause for every candidate of a
// name the caller explicitly wants removed, so the solver cannot
// reselect any version of it to satisfy some other package's requires
// clause.
func (b *builder) encodeRemovals(f *Formula, cat *catalog.Catalog, removeGoals []string) {
	for _, name := range removeGoals {
		for _, r := range cat.Candidates(name) {
			f.Solver.AddClause([]sat.Lit{sat.NewLit(f.VarOf[r], false)})
		}
	}
}

// recordMatches reports whether r's own version satisfies dep's
// constraint, treating a nil constraint as unrestricted.
func recordMatches(r *catalog.Record, dep catalog.Dependency) bool {
	if dep.Constraint == nil {
		return true
	}

	return version.Satisfies(r.Version, *dep.Constraint)
}

// encodeHolds adds a unit clause fixing an installed, held package's
// currently-installed candidate true.
func (b *builder) encodeHolds(f *Formula, cat *catalog.Catalog, hold map[string]bool, installedNames []string) {
	installed := make(map[string]bool, len(installedNames))
	for _, n := range installedNames {
		installed[n] = true
	}

	for name := range hold {
		if !installed[name] {
			continue
		}

		for _, r := range cat.Candidates(name) {
			if r.Origin == catalog.OriginInstalled {
				f.Solver.AddClause([]sat.Lit{sat.NewLit(f.VarOf[r], true)})

				break
			}
		}
	}
}

// encodeProtected adds a unit clause preserving a protected install
// when it is in the removal goal set, unless --force.
func (b *builder) encodeProtected(f *Formula, cat *catalog.Catalog, protected map[string]bool, removeGoals []string) {
	removing := make(map[string]bool, len(removeGoals))
	for _, n := range removeGoals {
		removing[n] = true
	}

	for name := range protected {
		if !removing[name] {
			continue
		}

		for _, r := range cat.Candidates(name) {
			if r.Origin == catalog.OriginInstalled {
				f.Solver.AddClause([]sat.Lit{sat.NewLit(f.VarOf[r], true)})

				break
			}
		}
	}
}

// buildInstalledAssumptions records one positive literal per
// currently-installed package, excluding anything the caller is
// removing this transaction — soft preference, not a hard clause, so
// the solver can retract it on conflict (e.g. during upgrade) and
// report it as part of an UNSAT core when relevant.
func (b *builder) buildInstalledAssumptions(f *Formula, cat *catalog.Catalog, installedNames []string, removeGoals []string) {
	removing := make(map[string]bool, len(removeGoals))
	for _, n := range removeGoals {
		removing[n] = true
	}

	for _, name := range installedNames {
		if removing[name] {
			continue
		}

		for _, r := range cat.Candidates(name) {
			if r.Origin == catalog.OriginInstalled {
				f.InstalledAssumptions = append(f.InstalledAssumptions, sat.NewLit(f.VarOf[r], true))
				f.AssumptionLabels = append(f.AssumptionLabels, fmt.Sprintf("installed(%s)", name))

				break
			}
		}
	}
}
