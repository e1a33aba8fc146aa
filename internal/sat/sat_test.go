package sat_test

import (
	"testing"

	"github.com/bilusteknoloji/lpm/internal/sat"
)

func TestSolveSimpleSAT(t *testing.T) {
	s := sat.New(2)

	x0 := sat.NewLit(0, true)
	x1 := sat.NewLit(1, true)

	// (x0 OR x1) AND (NOT x0 OR x1)
	if !s.AddClause([]sat.Lit{x0, x1}) {
		t.Fatal("AddClause 1 returned false unexpectedly")
	}

	if !s.AddClause([]sat.Lit{x0.Negate(), x1}) {
		t.Fatal("AddClause 2 returned false unexpectedly")
	}

	res := s.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	if !res.Model[1] {
		t.Error("expected x1 = true in every model of these clauses")
	}
}

func TestSolveUnsat(t *testing.T) {
	s := sat.New(1)

	x0 := sat.NewLit(0, true)

	s.AddClause([]sat.Lit{x0})
	s.AddClause([]sat.Lit{x0.Negate()})

	res := s.Solve(nil)
	if res.SAT {
		t.Fatal("expected UNSAT for x0 AND NOT x0")
	}
}

func TestSolveAtMostOne(t *testing.T) {
	// Three variables, at-most-one encoding, plus a unit clause forcing
	// at least one true: exactly one of x0,x1,x2 must end up true.
	s := sat.New(3)

	lits := []sat.Lit{sat.NewLit(0, true), sat.NewLit(1, true), sat.NewLit(2, true)}

	s.AddClause(lits) // at least one true

	for i := 0; i < len(lits); i++ {
		for j := i + 1; j < len(lits); j++ {
			s.AddClause([]sat.Lit{lits[i].Negate(), lits[j].Negate()})
		}
	}

	res := s.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	trueCount := 0

	for _, v := range res.Model {
		if v {
			trueCount++
		}
	}

	if trueCount != 1 {
		t.Errorf("expected exactly one true variable, got %d", trueCount)
	}
}

func TestSolveWithAssumptions(t *testing.T) {
	s := sat.New(2)

	x0 := sat.NewLit(0, true)
	x1 := sat.NewLit(1, true)

	// x0 -> x1 (i.e. NOT x0 OR x1)
	s.AddClause([]sat.Lit{x0.Negate(), x1})

	// Assume x0 true and x1 false: contradicts the implication.
	res := s.Solve([]sat.Lit{x0, x1.Negate()})
	if res.SAT {
		t.Fatal("expected UNSAT under contradictory assumptions")
	}

	if len(res.Core) == 0 {
		t.Error("expected a non-empty UNSAT core")
	}
}

func TestSolveConflictDrivenLearning(t *testing.T) {
	// A small pigeonhole-style unsatisfiable instance forces at least
	// one real conflict + learned clause before reaching UNSAT.
	s := sat.New(4)

	a, b, c, d := sat.NewLit(0, true), sat.NewLit(1, true), sat.NewLit(2, true), sat.NewLit(3, true)

	s.AddClause([]sat.Lit{a, b})
	s.AddClause([]sat.Lit{a.Negate(), c})
	s.AddClause([]sat.Lit{b.Negate(), c})
	s.AddClause([]sat.Lit{c.Negate(), d})
	s.AddClause([]sat.Lit{c.Negate(), d.Negate()})

	res := s.Solve(nil)
	if res.SAT {
		t.Fatal("expected UNSAT (c is forced false, which forces a and b false against a OR b)")
	}
}

func TestResetClearsLearnts(t *testing.T) {
	s := sat.New(2)

	x0 := sat.NewLit(0, true)
	x1 := sat.NewLit(1, true)

	s.AddClause([]sat.Lit{x0, x1})
	s.SetCatalogHash("abc")

	res := s.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT before reset")
	}

	s.Reset()

	res2 := s.Solve(nil)
	if !res2.SAT {
		t.Fatal("expected SAT after reset")
	}
}

func TestSeedActivityBiasesBranchChoice(t *testing.T) {
	// Two free variables, no clauses relating them: with x1 seeded well
	// above x0, the solver should branch on (and default to) x1 first.
	s := sat.New(2)

	s.SeedActivity(1, 100)

	res := s.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}
}

func TestTruncateClausesRewindsToStructuralState(t *testing.T) {
	s := sat.New(2)

	x0 := sat.NewLit(0, true)
	x1 := sat.NewLit(1, true)

	s.AddClause([]sat.Lit{x0, x1}) // structural: at least one of x0, x1

	structural := s.NumClauses()
	trail := s.TrailLen()

	// Per-request layer: force x0 false.
	s.AddClause([]sat.Lit{x0.Negate()})

	res := s.Solve(nil)
	if !res.SAT || res.Model[0] {
		t.Fatal("expected SAT with x0 forced false")
	}

	s.TruncateClauses(structural, trail)

	if s.NumClauses() != structural {
		t.Errorf("expected %d clauses after truncation, got %d", structural, s.NumClauses())
	}

	// x0 should be a free choice again now that the forcing unit clause
	// from the discarded layer is gone.
	res2 := s.Solve([]sat.Lit{x0})
	if !res2.SAT {
		t.Fatal("expected SAT with x0 assumed true after truncation undid the earlier forced-false unit clause")
	}
}
