package planner_test

import (
	"testing"

	"github.com/bilusteknoloji/lpm/internal/catalog"
	"github.com/bilusteknoloji/lpm/internal/cnf"
	"github.com/bilusteknoloji/lpm/internal/planner"
	"github.com/bilusteknoloji/lpm/internal/version"
)

func mustVersion(t *testing.T, s string) version.Version {
	t.Helper()

	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", s, err)
	}

	return v
}

func TestBuildFreshInstall(t *testing.T) {
	cat := catalog.New()
	cat.Add(&catalog.Record{
		Identity: catalog.Identity{Name: "curl", Version: mustVersion(t, "8.1.0")},
		Origin:   catalog.OriginRepository,
	})

	f, err := cnf.Build(cat, cnf.Request{Goals: []cnf.Goal{{Name: "curl"}}})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	if len(plan.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(plan.Ops))
	}

	if plan.Ops[0].Kind != planner.OpInstall {
		t.Errorf("expected Install, got %s", plan.Ops[0].Kind)
	}

	if plan.Ops[0].Target.Name != "curl" {
		t.Errorf("expected curl, got %s", plan.Ops[0].Target.Name)
	}
}

func TestBuildRequiresOrdersDependencyFirst(t *testing.T) {
	cat := catalog.New()
	cat.Add(&catalog.Record{
		Identity: catalog.Identity{Name: "libssl", Version: mustVersion(t, "3.0.0")},
		Origin:   catalog.OriginRepository,
	})
	cat.Add(&catalog.Record{
		Identity: catalog.Identity{Name: "curl", Version: mustVersion(t, "8.1.0")},
		Requires: []catalog.Dependency{{Name: "libssl"}},
		Origin:   catalog.OriginRepository,
	})

	f, err := cnf.Build(cat, cnf.Request{Goals: []cnf.Goal{{Name: "curl"}}})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	if len(plan.Ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(plan.Ops))
	}

	names := []string{plan.Ops[0].Target.Name, plan.Ops[1].Target.Name}
	if names[0] != "libssl" || names[1] != "curl" {
		t.Errorf("expected libssl before curl, got %v", names)
	}
}

func TestBuildUpgradeClassification(t *testing.T) {
	cat := catalog.New()

	installed := &catalog.Record{
		Identity: catalog.Identity{Name: "curl", Version: mustVersion(t, "7.88.0")},
		Origin:   catalog.OriginInstalled,
	}
	newer := &catalog.Record{
		Identity: catalog.Identity{Name: "curl", Version: mustVersion(t, "8.1.0")},
		Origin:   catalog.OriginRepository,
	}

	cat.Add(installed)
	cat.Add(newer)

	f, err := cnf.Build(cat, cnf.Request{
		Goals:          []cnf.Goal{{Name: "curl", Constraint: &catalog.Dependency{Name: "curl", Constraint: &version.Constraint{Op: version.OpEQ, Version: mustVersion(t, "8.1.0")}}}},
		InstalledNames: []string{"curl"},
	})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	if len(plan.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(plan.Ops))
	}

	if plan.Ops[0].Kind != planner.OpUpgrade {
		t.Errorf("expected Upgrade, got %s", plan.Ops[0].Kind)
	}

	if plan.Ops[0].Previous != installed {
		t.Error("expected Previous to reference the installed record")
	}
}

func TestBuildObsoletesAttachesReplacement(t *testing.T) {
	cat := catalog.New()

	oldfoo := &catalog.Record{
		Identity: catalog.Identity{Name: "oldfoo", Version: mustVersion(t, "0.9.0")},
		Origin:   catalog.OriginInstalled,
	}
	foo := &catalog.Record{
		Identity: catalog.Identity{Name: "foo", Version: mustVersion(t, "2.0.0")},
		Obsoletes: []catalog.Dependency{{Name: "oldfoo"}},
		Origin:    catalog.OriginRepository,
	}

	cat.Add(oldfoo)
	cat.Add(foo)

	f, err := cnf.Build(cat, cnf.Request{
		Goals:          []cnf.Goal{{Name: "foo"}},
		InstalledNames: []string{"oldfoo"},
	})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	var install *planner.Op

	for i := range plan.Ops {
		if plan.Ops[i].Kind == planner.OpInstall && plan.Ops[i].Target.Name == "foo" {
			install = &plan.Ops[i]
		}
	}

	if install == nil {
		t.Fatal("expected an install op for foo")
	}

	if len(install.Replaces) != 1 || install.Replaces[0].Name != "oldfoo" {
		t.Errorf("expected foo to replace oldfoo, got %v", install.Replaces)
	}

	for _, op := range plan.Ops {
		if op.Kind == planner.OpRemove && op.Previous.Name == "oldfoo" {
			t.Error("oldfoo should be folded into foo's replacement, not a standalone removal")
		}
	}
}

func TestBuildPlainRemoval(t *testing.T) {
	cat := catalog.New()

	installed := &catalog.Record{
		Identity: catalog.Identity{Name: "curl", Version: mustVersion(t, "8.1.0")},
		Origin:   catalog.OriginInstalled,
	}

	cat.Add(installed)

	f, err := cnf.Build(cat, cnf.Request{
		InstalledNames: []string{"curl"},
		RemoveGoals:    []string{"curl"},
	})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	if len(plan.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(plan.Ops))
	}

	if plan.Ops[0].Kind != planner.OpRemove {
		t.Errorf("expected Remove, got %s", plan.Ops[0].Kind)
	}
}

func TestBuildRecommendsOrdersDependencyFirst(t *testing.T) {
	cat := catalog.New()
	cat.Add(&catalog.Record{
		Identity: catalog.Identity{Name: "bash-completion", Version: mustVersion(t, "2.11")},
		Origin:   catalog.OriginRepository,
	})
	cat.Add(&catalog.Record{
		Identity:   catalog.Identity{Name: "curl", Version: mustVersion(t, "8.1.0")},
		Recommends: []catalog.Dependency{{Name: "bash-completion"}},
		Origin:     catalog.OriginRepository,
	})

	f, err := cnf.Build(cat, cnf.Request{Goals: []cnf.Goal{{Name: "curl"}, {Name: "bash-completion"}}})
	if err != nil {
		t.Fatalf("cnf.Build: %v", err)
	}

	res := f.Solver.Solve(nil)
	if !res.SAT {
		t.Fatal("expected SAT")
	}

	plan := planner.Build(cat, f, res.Model)

	if len(plan.Ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(plan.Ops))
	}

	if plan.Ops[0].Target.Name != "bash-completion" || plan.Ops[1].Target.Name != "curl" {
		t.Errorf("expected bash-completion before curl, got %s then %s", plan.Ops[0].Target.Name, plan.Ops[1].Target.Name)
	}
}
