// Package sat implements a classical conflict-driven clause-learning
// (CDCL) boolean satisfiability solver: two-watched-literal unit
// propagation, VSIDS variable selection, phase saving, Luby restarts,
// learned-clause activity and deletion, and assumption-driven UNSAT
// cores. It performs no I/O and holds no state shared outside one
// Solver instance.
package sat

import (
	"fmt"
	"sort"
)

// Var is a 0-based boolean variable index.
type Var int

// Lit is a literal: a variable together with its polarity. Positive
// literals are 2*v, negative are 2*v+1, matching the classic
// two-watched-literals encoding so Negate is a single XOR.
type Lit int32

// NewLit builds the literal for variable v with the given polarity
// (true = positive).
func NewLit(v Var, positive bool) Lit {
	if positive {
		return Lit(int32(v) << 1)
	}

	return Lit(int32(v)<<1) | 1
}

// Var returns the variable underlying literal l.
func (l Lit) Var() Var { return Var(int32(l) >> 1) }

// Sign reports whether l is a positive literal.
func (l Lit) Sign() bool { return int32(l)&1 == 0 }

// Negate returns the complementary literal.
func (l Lit) Negate() Lit { return l ^ 1 }

func (l Lit) String() string {
	if l.Sign() {
		return fmt.Sprintf("x%d", l.Var())
	}

	return fmt.Sprintf("-x%d", l.Var())
}

// lbool is a three-valued assignment: true, false, or unknown.
type lbool int8

const (
	lUndef lbool = iota
	lTrue
	lFalse
)

func litValueFromBool(b bool) lbool {
	if b {
		return lTrue
	}

	return lFalse
}

// clause is a disjunction of literals. Learned clauses additionally
// track an activity score used for periodic deletion.
type clause struct {
	lits     []Lit
	learned  bool
	activity float64
}

// AssumptionID names an assumption passed to Solve, so a returned
// UNSAT core can reference which of the caller's named assumptions
// are jointly unsatisfiable.
type AssumptionID = int

// Result is the outcome of a Solve call.
type Result struct {
	SAT   bool
	Model []bool // Model[v] is the truth value of variable v; only meaningful when SAT
	// Core lists the indices (into the assumptions slice passed to
	// Solve) that form an unsatisfiable subset. The core is not
	// minimized: it is a prefix of the assumptions and may name
	// assumptions that play no part in the conflict. Only meaningful
	// when !SAT.
	Core []AssumptionID
}

// Solver is a single CDCL solver instance.
type Solver struct {
	clauses []*clause
	learnts []*clause

	watches map[Lit][]*clause

	assigns   []lbool
	level     []int // decision level at which each var was assigned, -1 if unassigned
	reason    []*clause
	trail     []Lit
	trailLim  []int // trail index at the start of each decision level

	activity []float64
	phase    []bool // saved phase per variable
	hasPhase []bool

	varDecay    float64
	varInc      float64
	clauseDecay float64
	clauseInc   float64

	order *varOrder

	nVars int

	// unsat is set once AddClause meets an empty clause or a unit
	// clause whose literal is already false at decision level 0.
	unsat bool

	// catalogHash keys incremental reuse: learned clauses and
	// activities persist across Solve calls only while this stays
	// unchanged.
	catalogHash string

	conflicts int
	restarts  int
}

// Option configures solver tuning parameters.
type Option func(*Solver)

// WithVarDecay overrides the VSIDS decay factor (default 0.95).
func WithVarDecay(gamma float64) Option {
	return func(s *Solver) { s.varDecay = gamma }
}

// WithClauseDecay overrides the learned-clause activity decay (default 0.999).
func WithClauseDecay(gamma float64) Option {
	return func(s *Solver) { s.clauseDecay = gamma }
}

// New creates a solver for nVars boolean variables.
func New(nVars int, opts ...Option) *Solver {
	s := &Solver{
		watches:     make(map[Lit][]*clause),
		assigns:     make([]lbool, nVars),
		level:       make([]int, nVars),
		reason:      make([]*clause, nVars),
		activity:    make([]float64, nVars),
		phase:       make([]bool, nVars),
		hasPhase:    make([]bool, nVars),
		varDecay:    0.95,
		varInc:      1.0,
		clauseDecay: 0.999,
		clauseInc:   1.0,
		nVars:       nVars,
	}

	for i := range s.level {
		s.level[i] = -1
	}

	s.order = newVarOrder(s.activity)
	for v := 0; v < nVars; v++ {
		s.order.insert(Var(v))
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NVars returns the number of variables the solver was built with.
func (s *Solver) NVars() int { return s.nVars }

// AddClause registers a permanent (non-learned) clause. Returns false
// if the clause is trivially conflicting at decision level 0 (the
// formula is then unsatisfiable).
func (s *Solver) AddClause(lits []Lit) bool {
	uniq := dedupeLits(lits)
	if uniq == nil {
		return true // tautology, always satisfied
	}

	c := &clause{lits: uniq}
	if len(uniq) == 0 {
		s.unsat = true

		return false
	}

	if len(uniq) == 1 {
		if !s.enqueue(uniq[0], nil) {
			s.unsat = true

			return false
		}

		return true
	}

	s.clauses = append(s.clauses, c)
	s.watchClause(c)

	return true
}

func dedupeLits(lits []Lit) []Lit {
	seen := make(map[Lit]bool, len(lits))

	out := make([]Lit, 0, len(lits))

	for _, l := range lits {
		if seen[l.Negate()] {
			return nil // x OR -x: tautology
		}

		if !seen[l] {
			seen[l] = true

			out = append(out, l)
		}
	}

	return out
}

func (s *Solver) watchClause(c *clause) {
	if len(c.lits) == 0 {
		return
	}

	w0 := c.lits[0].Negate()
	s.watches[w0] = append(s.watches[w0], c)

	if len(c.lits) > 1 {
		w1 := c.lits[1].Negate()
		s.watches[w1] = append(s.watches[w1], c)
	}
}

func (s *Solver) value(l Lit) lbool {
	v := s.assigns[l.Var()]
	if v == lUndef {
		return lUndef
	}

	if l.Sign() {
		return v
	}

	if v == lTrue {
		return lFalse
	}

	return lTrue
}

func (s *Solver) decisionLevel() int { return len(s.trailLim) }

// enqueue assigns l true with the given reason clause (nil for a
// decision or a top-level unit). Returns false on immediate conflict.
func (s *Solver) enqueue(l Lit, reason *clause) bool {
	switch s.value(l) {
	case lTrue:
		return true
	case lFalse:
		return false
	}

	v := l.Var()
	s.assigns[v] = litValueFromBool(l.Sign())
	s.level[v] = s.decisionLevel()
	s.reason[v] = reason
	s.trail = append(s.trail, l)

	return true
}

// propagate runs unit propagation to fixpoint, returning the conflicting
// clause, or nil if no conflict occurred.
func (s *Solver) propagate() *clause {
	qhead := 0

	for qhead < len(s.trail) {
		l := s.trail[qhead]
		qhead++

		watchers := s.watches[l]
		s.watches[l] = nil

		kept := watchers[:0]

		for i := 0; i < len(watchers); i++ {
			c := watchers[i]

			if !s.propagateClause(c, l, &kept) {
				// conflict: restore remaining watchers and bail.
				kept = append(kept, watchers[i+1:]...)
				s.watches[l] = kept

				return c
			}
		}

		s.watches[l] = kept
	}

	return nil
}

// propagateClause re-establishes watched literals for c after l became
// false. Appends c back onto kept if it remains a watcher of l.
// Returns false (and leaves c out of kept) on conflict.
func (s *Solver) propagateClause(c *clause, l Lit, kept *[]*clause) bool {
	// Ensure lits[0] is the one NOT equal to l.Negate() if possible so
	// lits[1] is the falsified watched literal.
	if c.lits[0] == l.Negate() {
		c.lits[0], c.lits[1] = c.lits[1], c.lits[0]
	}

	if s.value(c.lits[0]) == lTrue {
		*kept = append(*kept, c)

		return true
	}

	for i := 2; i < len(c.lits); i++ {
		if s.value(c.lits[i]) != lFalse {
			c.lits[1], c.lits[i] = c.lits[i], c.lits[1]
			w := c.lits[1].Negate()
			s.watches[w] = append(s.watches[w], c)

			return true
		}
	}

	// No other watch candidate: clause is unit or conflicting on lits[0].
	*kept = append(*kept, c)

	if s.value(c.lits[0]) == lFalse {
		return false
	}

	return s.enqueue(c.lits[0], c)
}

// bumpVar increases variable activity on conflict involvement and
// rescales if it grows too large, per VSIDS.
func (s *Solver) bumpVar(v Var) {
	s.activity[v] += s.varInc
	if s.activity[v] > 1e100 {
		for i := range s.activity {
			s.activity[i] *= 1e-100
		}

		s.varInc *= 1e-100
	}

	s.order.update(v)
}

func (s *Solver) decayVarActivity() {
	s.varInc /= s.varDecay
}

func (s *Solver) bumpClause(c *clause) {
	if !c.learned {
		return
	}

	c.activity += s.clauseInc
	if c.activity > 1e100 {
		for _, l := range s.learnts {
			l.activity *= 1e-100
		}

		s.clauseInc *= 1e-100
	}
}

func (s *Solver) decayClauseActivity() {
	s.clauseInc /= s.clauseDecay
}

// analyze walks back from a conflicting clause to produce a learned
// clause and the backtrack level, implementing first-UIP clause
// learning.
func (s *Solver) analyze(confl *clause) ([]Lit, int) {
	seen := make(map[Var]bool)

	learnt := []Lit{0} // placeholder for the UIP literal
	counter := 0
	l := Lit(-1)
	trailIdx := len(s.trail) - 1
	first := true

	for {
		start := 0
		if !first {
			// confl.lits[0] is the literal we just resolved on
			// (reason clauses always carry the implied literal in
			// slot 0); skip re-processing it.
			start = 1
		}

		first = false

		for _, lit := range confl.lits[start:] {
			v := lit.Var()
			if seen[v] {
				continue
			}

			seen[v] = true
			s.bumpVar(v)

			if s.level[v] == s.decisionLevel() {
				counter++
			} else if s.level[v] > 0 {
				learnt = append(learnt, lit)
			}
		}

		for !seen[s.trail[trailIdx].Var()] {
			trailIdx--
		}

		l = s.trail[trailIdx]
		v := l.Var()
		seen[v] = false
		counter--

		if counter == 0 {
			break
		}

		confl = s.reason[v]
		trailIdx--
	}

	learnt[0] = l.Negate()

	s.bumpClause(confl)
	s.decayVarActivity()
	s.decayClauseActivity()

	backtrackLevel := 0
	if len(learnt) > 1 {
		maxIdx := 1
		for i := 2; i < len(learnt); i++ {
			if s.level[learnt[i].Var()] > s.level[learnt[maxIdx].Var()] {
				maxIdx = i
			}
		}

		learnt[1], learnt[maxIdx] = learnt[maxIdx], learnt[1]
		backtrackLevel = s.level[learnt[1].Var()]
	}

	return learnt, backtrackLevel
}

// cancelUntil undoes all assignments made at decision levels above
// targetLevel, restoring the saved-phase state as it goes.
func (s *Solver) cancelUntil(targetLevel int) {
	for s.decisionLevel() > targetLevel {
		start := s.trailLim[len(s.trailLim)-1]

		for i := len(s.trail) - 1; i >= start; i-- {
			v := s.trail[i].Var()
			s.phase[v] = s.assigns[v] == lTrue
			s.hasPhase[v] = true
			s.assigns[v] = lUndef
			s.level[v] = -1
			s.reason[v] = nil
			s.order.insert(v)
		}

		s.trail = s.trail[:start]
		s.trailLim = s.trailLim[:len(s.trailLim)-1]
	}
}

func (s *Solver) pushLevel() {
	s.trailLim = append(s.trailLim, len(s.trail))
}

// pickBranchVar selects the unassigned variable of maximum VSIDS
// activity; among equal activities the heap yields the lower variable
// index first (see varOrder.less).
func (s *Solver) pickBranchVar() (Var, bool) {
	for {
		v, ok := s.order.popMax()
		if !ok {
			return 0, false
		}

		if s.assigns[v] == lUndef {
			return v, true
		}
	}
}

// branchPolarity returns the phase to assign on a fresh decision for v,
// using the saved phase if one exists (phase saving).
func (s *Solver) branchPolarity(v Var) bool {
	if s.hasPhase[v] {
		return s.phase[v]
	}

	return true
}

// luby computes the Luby restart sequence value for the i-th restart
// (0-indexed: luby(u, 0) is the first term), scaled by unit.
func luby(unit float64, i int) float64 {
	k := 1
	for (1 << (k)) <= i+1 { //nolint:revive // mirrors the classic recursive definition iteratively
		k++
	}

	if (1<<k)-1 == i+1 {
		return unit * float64(int(1)<<(k-1))
	}

	return luby(unit, i-(1<<(k-1))+1)
}

const learnedClauseDeleteThreshold = 2000

// reduceLearnts removes the lower-activity half of learned clauses once
// the learnt set grows past a threshold, keeping binary clauses (always
// cheap and useful) and any clause currently serving as a reason.
func (s *Solver) reduceLearnts() {
	if len(s.learnts) < learnedClauseDeleteThreshold {
		return
	}

	sort.Slice(s.learnts, func(i, j int) bool {
		return s.learnts[i].activity < s.learnts[j].activity
	})

	isLocked := func(c *clause) bool {
		if len(c.lits) == 0 {
			return false
		}

		v := c.lits[0].Var()

		return s.reason[v] == c
	}

	half := len(s.learnts) / 2

	kept := make([]*clause, 0, len(s.learnts)-half/2)

	removed := 0
	for _, c := range s.learnts {
		if removed < half && len(c.lits) > 2 && !isLocked(c) {
			s.removeWatches(c)

			removed++

			continue
		}

		kept = append(kept, c)
	}

	s.learnts = kept
}

func (s *Solver) removeWatches(c *clause) {
	if len(c.lits) == 0 {
		return
	}

	w0 := c.lits[0].Negate()
	s.watches[w0] = removeClause(s.watches[w0], c)

	if len(c.lits) > 1 {
		w1 := c.lits[1].Negate()
		s.watches[w1] = removeClause(s.watches[w1], c)
	}
}

func removeClause(list []*clause, target *clause) []*clause {
	out := list[:0]

	for _, c := range list {
		if c != target {
			out = append(out, c)
		}
	}

	return out
}

// Solve attempts to satisfy the formula under the given assumptions,
// each pushed in order as a decision on its own new level (assumptions
// do not share one level). On UNSAT, Core names the subset of
// assumption indices that caused the conflict.
func (s *Solver) Solve(assumptions []Lit) Result {
	const lubyUnit = 32.0

	if s.unsat {
		return Result{SAT: false, Core: allAssumptionIndices(len(assumptions))}
	}

	restartIdx := 0
	conflictBudget := int(luby(lubyUnit, restartIdx))

	assumeLevel := 0

	for {
		confl := s.propagate()

		if confl == nil {
			if assumeLevel < len(assumptions) {
				a := assumptions[assumeLevel]

				switch s.value(a) {
				case lTrue:
					assumeLevel++

					continue
				case lFalse:
					return s.assumptionConflict(assumptions, assumeLevel)
				}

				s.pushLevel()
				s.enqueue(a, nil)
				assumeLevel++

				continue
			}

			v, ok := s.pickBranchVar()
			if !ok {
				return Result{SAT: true, Model: s.extractModel()}
			}

			s.pushLevel()
			s.enqueue(NewLit(v, s.branchPolarity(v)), nil)

			continue
		}

		s.conflicts++

		if s.decisionLevel() == 0 {
			return Result{SAT: false, Core: allAssumptionIndices(len(assumptions))}
		}

		learnt, backtrackLevel := s.analyze(confl)

		if backtrackLevel < assumeLevel {
			// Backjumping undoes some assumption decisions; the walk
			// over the assumptions starts again once the learned clause
			// has propagated, and an assumption that is now false ends
			// the search through assumptionConflict.
			assumeLevel = 0
		}

		s.cancelUntil(backtrackLevel)

		lc := &clause{lits: learnt, learned: true}
		if len(learnt) > 1 {
			s.learnts = append(s.learnts, lc)
			s.watchClause(lc)
			s.bumpClause(lc)
		}

		s.enqueue(learnt[0], lc)

		conflictBudget--
		if conflictBudget <= 0 {
			restartIdx++
			conflictBudget = int(luby(lubyUnit, restartIdx))
			s.restarts++
			s.cancelUntil(assumeLevel)
		}

		s.reduceLearnts()
	}
}

// assumptionConflict reports every assumption up to and including
// failIdx as the unsatisfiable core. The prefix is not minimized, so
// it can name assumptions that are not needed for the conflict.
func (s *Solver) assumptionConflict(assumptions []Lit, failIdx int) Result {
	core := make([]AssumptionID, 0, failIdx+1)
	for i := 0; i <= failIdx && i < len(assumptions); i++ {
		core = append(core, i)
	}

	return Result{SAT: false, Core: core}
}

func allAssumptionIndices(n int) []AssumptionID {
	core := make([]AssumptionID, n)
	for i := range core {
		core[i] = i
	}

	return core
}

func (s *Solver) extractModel() []bool {
	model := make([]bool, s.nVars)
	for v := 0; v < s.nVars; v++ {
		model[v] = s.assigns[v] == lTrue
	}

	return model
}

// Reset clears all learned clauses and activities, keeping the
// permanent clauses and whatever they've already fixed at decision
// level 0 — a narrower rewind than TruncateClauses, useful when the
// caller wants a clean VSIDS/learnt state but knows no per-request unit
// clause needs undoing.
func (s *Solver) Reset() {
	s.cancelUntil(0)
	s.learnts = nil
	s.watches = make(map[Lit][]*clause)

	for i := range s.activity {
		s.activity[i] = 0
		s.hasPhase[i] = false
	}

	s.varInc = 1.0
	s.clauseInc = 1.0

	s.order = newVarOrder(s.activity)
	for v := 0; v < s.nVars; v++ {
		s.order.insert(Var(v))
	}

	for _, c := range s.clauses {
		s.watchClause(c)
	}
}

// CatalogHash returns the key this solver was last primed with, or ""
// if never set.
func (s *Solver) CatalogHash() string { return s.catalogHash }

// SetCatalogHash records the key identifying the current catalog
// snapshot this solver's structural clauses were built from; callers
// reusing a solver across requests compare it against a fresh
// Catalog.Hash before deciding whether TruncateClauses can rewind it
// instead of building fresh.
func (s *Solver) SetCatalogHash(h string) { s.catalogHash = h }

// SeedActivity adds delta to v's VSIDS activity before the first Solve
// call, biasing pickBranchVar toward it without needing the normal
// bumpVar path (which only fires during conflict analysis). Used to
// prime preferred-version and catalog-declared bias.
func (s *Solver) SeedActivity(v Var, delta float64) {
	s.activity[v] += delta
	s.order.update(v)
}

// NumClauses reports how many permanent (non-learned) clauses are
// currently loaded.
func (s *Solver) NumClauses() int { return len(s.clauses) }

// TrailLen reports how many literals are currently fixed at decision
// level 0. Callers encoding catalog-structural clauses capture this
// right after, so a cached solver can later be rewound past whatever
// per-request unit clauses (goals, removals, holds) got layered on top.
func (s *Solver) TrailLen() int { return len(s.trail) }

// TruncateClauses discards every permanent clause past the first n and
// undoes every level-0 assignment past the first trailLen entries,
// clearing learnts so a cached solver can be rewound to its
// catalog-structural state before a new request's clauses are encoded
// on top — the mechanism behind incremental solver reuse.
func (s *Solver) TruncateClauses(n, trailLen int) {
	s.cancelUntil(0)

	for i := len(s.trail) - 1; i >= trailLen; i-- {
		v := s.trail[i].Var()
		s.assigns[v] = lUndef
		s.level[v] = -1
		s.reason[v] = nil
		s.order.insert(v)
	}

	s.trail = s.trail[:trailLen]
	s.clauses = s.clauses[:n]
	s.learnts = nil
	s.unsat = false
	s.watches = make(map[Lit][]*clause)

	for _, c := range s.clauses {
		s.watchClause(c)
	}
}
