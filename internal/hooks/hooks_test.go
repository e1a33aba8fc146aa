package hooks_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bilusteknoloji/lpm/internal/hooks"
)

func writeHook(t *testing.T, dir, name, content string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

const ldconfigHook = `[Trigger]
Type = Package
Operation = Install
Operation = Upgrade
Target = glibc

[Action]
Description = Update dynamic linker cache
When = PostTransaction
Exec = /sbin/ldconfig
AbortOnFail = no
`

const mandbHook = `[Trigger]
Type = Path
Target = usr/share/man/*

[Action]
Description = Refresh man page index
When = PostTransaction
Exec = /usr/bin/mandb -q
Depends = ldconfig
NeedsTargets = yes
`

func TestLoadParsesTriggerAndAction(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "ldconfig.hook", ldconfigHook)

	d := hooks.New(t.TempDir(), []string{dir})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded) != 1 {
		t.Fatalf("expected 1 hook, got %d", len(loaded))
	}

	h := loaded[0]
	if h.When != hooks.PostTransaction || h.Exec[0] != "/sbin/ldconfig" {
		t.Errorf("unexpected hook parse: %+v", h)
	}

	if len(h.Triggers) != 1 || len(h.Triggers[0].Operations) != 2 {
		t.Errorf("expected 2 operations on the trigger, got %+v", h.Triggers)
	}
}

func TestLoadOverrideDirWinsOverSystemDir(t *testing.T) {
	override := t.TempDir()
	system := t.TempDir()

	writeHook(t, override, "ldconfig.hook", ldconfigHook)
	writeHook(t, system, "ldconfig.hook", mandbHook) // same name, different content

	d := hooks.New(t.TempDir(), []string{override, system})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded) != 1 || loaded[0].Exec[0] != "/sbin/ldconfig" {
		t.Fatalf("expected the override hook to win, got %+v", loaded)
	}
}

func TestMatchingSelectsByPackageOperation(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "ldconfig.hook", ldconfigHook)

	d := hooks.New(t.TempDir(), []string{dir})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	matched := hooks.Matching(loaded, hooks.PostTransaction, hooks.MatchContext{
		PackageOps: map[string]hooks.Operation{"glibc": hooks.OpInstall},
	})

	if len(matched) != 1 {
		t.Fatalf("expected glibc install to match ldconfig hook, got %d", len(matched))
	}

	noMatch := hooks.Matching(loaded, hooks.PostTransaction, hooks.MatchContext{
		PackageOps: map[string]hooks.Operation{"glibc": hooks.OpRemove},
	})

	if len(noMatch) != 0 {
		t.Errorf("expected no match for Remove operation, got %d", len(noMatch))
	}
}

func TestMatchingSelectsByPathGlob(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "mandb.hook", mandbHook)

	d := hooks.New(t.TempDir(), []string{dir})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	matched := hooks.Matching(loaded, hooks.PostTransaction, hooks.MatchContext{
		Paths: []string{"usr/share/man/man1/ls.1"},
	})

	if len(matched) != 1 {
		t.Fatalf("expected a path match, got %d", len(matched))
	}
}

func TestOrderResolvesDepends(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "ldconfig.hook", ldconfigHook)
	writeHook(t, dir, "mandb.hook", mandbHook)

	d := hooks.New(t.TempDir(), []string{dir})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ordered, err := hooks.Order(loaded)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}

	if len(ordered) != 2 || ordered[0].Name != "ldconfig" || ordered[1].Name != "mandb" {
		t.Fatalf("expected ldconfig before mandb, got %+v", ordered)
	}
}

func TestOrderDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "a.hook", `[Trigger]
Type = Package
Operation = Install
Target = a

[Action]
When = PostTransaction
Exec = /bin/true
Depends = b
`)
	writeHook(t, dir, "b.hook", `[Trigger]
Type = Package
Operation = Install
Target = b

[Action]
When = PostTransaction
Exec = /bin/true
Depends = a
`)

	d := hooks.New(t.TempDir(), []string{dir})

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := hooks.Order(loaded); err == nil {
		t.Fatal("expected a dependency cycle error")
	}
}

func TestRunAbortsOnFailureWhenAbortOnFail(t *testing.T) {
	var calls []string
	var mu sync.Mutex

	d := hooks.New(t.TempDir(), nil, hooks.WithCommandRunner(func(ctx context.Context, name string, args, env []string) error {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()

		if name == "fails" {
			return context.DeadlineExceeded
		}

		return nil
	}))

	h1 := hooks.Hook{Name: "first", Exec: []string{"fails"}, When: hooks.PostTransaction, AbortOnFail: true}
	h2 := hooks.Hook{Name: "second", Exec: []string{"never-runs"}, When: hooks.PostTransaction}

	nonFatal, err := d.Run(context.Background(), []hooks.Hook{h1, h2}, hooks.MatchContext{})
	if err == nil {
		t.Fatal("expected an abort error")
	}

	if len(nonFatal) != 0 {
		t.Errorf("expected no non-fatal errors when aborting, got %v", nonFatal)
	}

	if len(calls) != 1 {
		t.Errorf("expected execution to stop after the aborting hook, got calls=%v", calls)
	}
}

func TestRunContinuesOnNonAbortingFailure(t *testing.T) {
	d := hooks.New(t.TempDir(), nil, hooks.WithCommandRunner(func(ctx context.Context, name string, args, env []string) error {
		if name == "fails" {
			return context.DeadlineExceeded
		}

		return nil
	}))

	h1 := hooks.Hook{Name: "first", Exec: []string{"fails"}, When: hooks.PostTransaction, AbortOnFail: false}
	h2 := hooks.Hook{Name: "second", Exec: []string{"ok"}, When: hooks.PostTransaction}

	nonFatal, err := d.Run(context.Background(), []hooks.Hook{h1, h2}, hooks.MatchContext{})
	if err != nil {
		t.Fatalf("expected no fatal error, got %v", err)
	}

	if len(nonFatal) != 1 {
		t.Errorf("expected 1 logged non-fatal failure, got %v", nonFatal)
	}
}

func TestRunSetsTargetEnvironmentWhenNeeded(t *testing.T) {
	var gotEnv []string

	d := hooks.New("/target", nil, hooks.WithCommandRunner(func(ctx context.Context, name string, args, env []string) error {
		gotEnv = env

		return nil
	}))

	h := hooks.Hook{
		Name: "mandb",
		Exec: []string{"/usr/bin/mandb"},
		When: hooks.PostTransaction,
		Triggers: []hooks.Trigger{
			{Type: hooks.TargetPath, Targets: []string{"usr/share/man/*"}},
		},
		NeedsTargets: true,
	}

	_, err := d.Run(context.Background(), []hooks.Hook{h}, hooks.MatchContext{Paths: []string{"usr/share/man/man1/ls.1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false

	for _, kv := range gotEnv {
		if kv == "LPM_TARGETS=usr/share/man/man1/ls.1" {
			found = true
		}
	}

	if !found {
		t.Errorf("expected LPM_TARGETS to be set, got %v", gotEnv)
	}
}

func TestRunLegacyPairOrdersInstallBeforeUpgrade(t *testing.T) {
	installDir := t.TempDir()
	upgradeDir := t.TempDir()

	writeHook(t, installDir, "00-register.sh", "#!/bin/sh\ntrue\n")
	writeHook(t, upgradeDir, "00-migrate.sh", "#!/bin/sh\ntrue\n")

	var order []string
	var mu sync.Mutex

	d := hooks.New(t.TempDir(), nil, hooks.WithCommandRunner(func(ctx context.Context, name string, args, env []string) error {
		mu.Lock()
		order = append(order, filepath.Base(name))
		mu.Unlock()

		return nil
	}))

	err := d.RunLegacyPair(context.Background(), installDir, upgradeDir, "curl", "8.1.0", 1, "7.88.0", 1)
	if err != nil {
		t.Fatalf("RunLegacyPair: %v", err)
	}

	if len(order) != 2 || order[0] != "00-register.sh" || order[1] != "00-migrate.sh" {
		t.Fatalf("expected install script before upgrade script, got %v", order)
	}
}

func TestRunLegacyPairSkipsUpgradeOnFreshInstall(t *testing.T) {
	installDir := t.TempDir()
	upgradeDir := t.TempDir()

	writeHook(t, installDir, "00-register.sh", "#!/bin/sh\ntrue\n")
	writeHook(t, upgradeDir, "00-migrate.sh", "#!/bin/sh\ntrue\n")

	var order []string

	d := hooks.New(t.TempDir(), nil, hooks.WithCommandRunner(func(ctx context.Context, name string, args, env []string) error {
		order = append(order, filepath.Base(name))

		return nil
	}))

	err := d.RunLegacyPair(context.Background(), installDir, upgradeDir, "curl", "8.1.0", 1, "", 0)
	if err != nil {
		t.Fatalf("RunLegacyPair: %v", err)
	}

	if len(order) != 1 || order[0] != "00-register.sh" {
		t.Fatalf("expected only the install script to run, got %v", order)
	}
}
