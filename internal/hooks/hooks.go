// Package hooks parses and dispatches ALPM-style `.hook` trigger files
// plus legacy per-package `post_install.d`/`post_upgrade.d` scripts.
// Hook files are read with gopkg.in/ini.v1; execution
// follows pipg's python.Service CommandRunner pattern
// (internal/python/env.go's defaultRunCmd/CommandRunner/WithCommandRunner
// trio), generalized from a single output-capturing call to a
// fire-and-check-exit-code dispatcher.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

// When identifies a transaction phase a hook can fire at.
type When string

const (
	PreTransaction  When = "PreTransaction"
	PostTransaction When = "PostTransaction"
)

// TargetType selects what a Trigger's Target glob is matched against.
type TargetType string

const (
	TargetPackage TargetType = "Package"
	TargetPath    TargetType = "Path"
)

// Operation is a transaction kind a Trigger can fire on.
type Operation string

const (
	OpInstall Operation = "Install"
	OpUpgrade Operation = "Upgrade"
	OpRemove  Operation = "Remove"
)

// Trigger is one `[Trigger]` section of a .hook file.
type Trigger struct {
	Type       TargetType
	Operations []Operation
	Targets    []string // glob patterns
}

// Hook is a single parsed `.hook` file.
type Hook struct {
	Name         string // file basename without extension
	Path         string
	Triggers     []Trigger
	Description  string
	When         When
	Exec         []string // argv
	Depends      []string // names of other hooks that must run first
	AbortOnFail  bool
	NeedsTargets bool
}

// CommandRunner executes a hook or legacy script and reports whether it
// succeeded. Mirrors pipg's python.CommandRunner shape but
// returns only an error (hook stdout/stderr pass through to the
// controlling process rather than being captured).
type CommandRunner func(ctx context.Context, name string, args []string, env []string) error

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCommandRunner overrides how hooks and legacy scripts are invoked.
// Defaults to exec.CommandContext wired to the parent's stdio.
func WithCommandRunner(fn CommandRunner) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.runCmd = fn
		}
	}
}

// Dispatcher loads hook definitions from a search path and runs them
// for a given transaction phase.
type Dispatcher struct {
	root   string // target root, exposed to hooks as LPM_ROOT
	runCmd CommandRunner
	dirs   []string // hook search dirs, override-first
}

// New creates a Dispatcher. dirs are searched in the given order;
// later directories do not override earlier ones — conventionally,
// `/etc/<mgr>/hooks` (admin override) is listed before
// `/usr/share/<mgr>/hooks` (system), and a hook name present in both is
// encountered only once since Load keys by basename, first occurrence
// wins.
func New(root string, dirs []string, opts ...Option) *Dispatcher {
	d := &Dispatcher{root: root, dirs: dirs, runCmd: defaultRunCmd}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func defaultRunCmd(ctx context.Context, name string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// Load reads every `*.hook` file across the configured directories,
// skipping names already seen in an earlier (more specific) directory.
func (d *Dispatcher) Load() ([]Hook, error) {
	seen := make(map[string]bool)

	var hooks []Hook

	for _, dir := range d.dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}

		if err != nil {
			return nil, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("reading hook directory %s", dir), err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".hook") {
				continue
			}

			name := strings.TrimSuffix(entry.Name(), ".hook")
			if seen[name] {
				continue
			}

			seen[name] = true

			hook, err := parseHookFile(filepath.Join(dir, entry.Name()), name)
			if err != nil {
				return nil, err
			}

			hooks = append(hooks, hook)
		}
	}

	return hooks, nil
}

// parseHookFile reads one .hook file. ini.v1's LoadSources collapses
// repeated `[Trigger]` sections into one by default, so the file is
// loaded with AllowNonUniqueSections and triggers are read through
// ini.File.SectionsByName("Trigger") rather than File.Section, matching how felixgeelhaar-preflight's config loader
// walks section slices instead of trusting a single named lookup.
func parseHookFile(path, name string) (Hook, error) {
	// AllowShadows lets Target/Operation/Depends repeat; singleton keys
	// (When, Exec, AbortOnFail, NeedsTargets) are read via Key.String(),
	// which takes the first occurrence; a repeat is not an error.
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, AllowNonUniqueSections: true}, path)
	if err != nil {
		return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("parsing %s", path), err)
	}

	hook := Hook{Name: name, Path: path}

	// SectionsByName only errors when no such section exists, which the
	// length checks below report.
	triggerSecs, _ := cfg.SectionsByName("Trigger")

	for _, sec := range triggerSecs {
		t := Trigger{
			Type: TargetType(sec.Key("Type").String()),
		}

		for _, op := range sec.Key("Operation").ValueWithShadows() {
			t.Operations = append(t.Operations, Operation(op))
		}

		t.Targets = sec.Key("Target").ValueWithShadows()

		if t.Type == "" || len(t.Targets) == 0 {
			return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("%s: Trigger section missing Type or Target", path), nil)
		}

		hook.Triggers = append(hook.Triggers, t)
	}

	if len(hook.Triggers) == 0 {
		return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("%s: no [Trigger] section", path), nil)
	}

	actionSecs, _ := cfg.SectionsByName("Action")
	if len(actionSecs) != 1 {
		return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("%s: expected exactly one [Action] section, found %d", path, len(actionSecs)), nil)
	}

	action := actionSecs[0]

	hook.Description = action.Key("Description").String()
	hook.When = When(action.Key("When").String())
	hook.AbortOnFail = action.Key("AbortOnFail").String() == "yes"
	hook.NeedsTargets = action.Key("NeedsTargets").String() == "yes"
	hook.Depends = action.Key("Depends").ValueWithShadows()

	execLine := action.Key("Exec").String()
	if execLine == "" {
		return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("%s: [Action] missing Exec", path), nil)
	}

	hook.Exec = strings.Fields(execLine)

	if hook.When != PreTransaction && hook.When != PostTransaction {
		return Hook{}, lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("%s: invalid When=%q", path, hook.When), nil)
	}

	return hook, nil
}

// MatchContext describes the operation set a transaction touches, used
// to decide which hooks fire.
type MatchContext struct {
	PackageOps map[string]Operation // package name -> operation performed
	Paths      []string             // manifest-relative paths affected this transaction
}

// Matching returns the hooks in all whose Trigger set matches ctx,
// restricted to the given phase.
func Matching(all []Hook, phase When, ctx MatchContext) []Hook {
	var out []Hook

	for _, h := range all {
		if h.When != phase {
			continue
		}

		if hookMatches(h, ctx) {
			out = append(out, h)
		}
	}

	return out
}

func hookMatches(h Hook, ctx MatchContext) bool {
	for _, t := range h.Triggers {
		switch t.Type {
		case TargetPackage:
			for name, op := range ctx.PackageOps {
				if !operationMatches(t.Operations, op) {
					continue
				}

				if globAnyMatches(t.Targets, name) {
					return true
				}
			}
		case TargetPath:
			for _, p := range ctx.Paths {
				if globAnyMatches(t.Targets, p) {
					return true
				}
			}
		}
	}

	return false
}

func operationMatches(ops []Operation, op Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}

	return false
}

func globAnyMatches(patterns []string, s string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, s); ok {
			return true
		}
	}

	return false
}

// Order resolves hooks' Depends into a sequential execution order via
// topological sort; a dependency cycle is a hard error.
func Order(hooks []Hook) ([]Hook, error) {
	byName := make(map[string]Hook, len(hooks))
	for _, h := range hooks {
		byName[h.Name] = h
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(hooks))

	var ordered []Hook

	var visit func(name string, path []string) error

	visit = func(name string, path []string) error {
		if color[name] == black {
			return nil
		}

		if color[name] == gray {
			return lpmerrors.HookError(lpmerrors.KindDependencyCycle, fmt.Sprintf("hook dependency cycle: %s", strings.Join(append(path, name), " -> ")), nil)
		}

		h, ok := byName[name]
		if !ok {
			return nil // Depends on a hook that didn't match this transaction; ignore
		}

		color[name] = gray

		for _, dep := range h.Depends {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}

		color[name] = black

		ordered = append(ordered, h)

		return nil
	}

	names := make([]string, 0, len(hooks))
	for _, h := range hooks {
		names = append(names, h.Name)
	}

	sort.Strings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}

	return ordered, nil
}

// Run executes hooks in order, stopping (and returning an error) on the
// first AbortOnFail failure; non-aborting failures are returned in the
// slice (the first return value) for the caller to log.
func (d *Dispatcher) Run(ctx context.Context, hooks []Hook, ctxData MatchContext) ([]error, error) {
	var nonFatal []error

	for _, h := range hooks {
		env := d.hookEnv(h, ctxData)

		if err := d.runCmd(ctx, h.Exec[0], h.Exec[1:], env); err != nil {
			wrapped := lpmerrors.HookError(lpmerrors.KindExecFailure, fmt.Sprintf("hook %s failed", h.Name), err)

			if h.AbortOnFail {
				return nonFatal, wrapped
			}

			nonFatal = append(nonFatal, wrapped)
		}
	}

	return nonFatal, nil
}

func (d *Dispatcher) hookEnv(h Hook, ctxData MatchContext) []string {
	env := append(os.Environ(),
		"LPM_HOOK_NAME="+h.Name,
		"LPM_HOOK_WHEN="+string(h.When),
		"LPM_ROOT="+d.root,
	)

	if h.NeedsTargets {
		targets := hookTargets(h, ctxData)
		env = append(env,
			"LPM_TARGETS="+strings.Join(targets, "\n"),
			fmt.Sprintf("LPM_TARGET_COUNT=%d", len(targets)),
		)
	}

	return env
}

func hookTargets(h Hook, ctxData MatchContext) []string {
	var targets []string

	for _, t := range h.Triggers {
		switch t.Type {
		case TargetPackage:
			for name, op := range ctxData.PackageOps {
				if operationMatches(t.Operations, op) && globAnyMatches(t.Targets, name) {
					targets = append(targets, name)
				}
			}
		case TargetPath:
			for _, p := range ctxData.Paths {
				if globAnyMatches(t.Targets, p) {
					targets = append(targets, p)
				}
			}
		}
	}

	sort.Strings(targets)

	return targets
}

// LegacyScript describes one post_install.d/post_upgrade.d entry.
type LegacyScript struct {
	Path string
}

// RunLegacy runs every script in dir (sorted) for a single package
// event. Resolved Open Question (b): post_install scripts run before
// post_upgrade scripts for the same package, so an upgrade that should
// also satisfy a fresh-install hook ordering sees install-time setup
// first.
func (d *Dispatcher) RunLegacy(ctx context.Context, dir string, pkgName, version string, release int, previousVersion string, previousRelease int) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return lpmerrors.HookError(lpmerrors.KindParseError, fmt.Sprintf("reading legacy script directory %s", dir), err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	env := append(os.Environ(),
		"LPM_PKG="+pkgName,
		"LPM_VERSION="+version,
		fmt.Sprintf("LPM_RELEASE=%d", release),
		"LPM_ROOT="+d.root,
	)

	if previousVersion != "" {
		env = append(env,
			"LPM_PREVIOUS_VERSION="+previousVersion,
			fmt.Sprintf("LPM_PREVIOUS_RELEASE=%d", previousRelease),
		)
	}

	for _, name := range names {
		scriptPath := filepath.Join(dir, name)
		if err := d.runCmd(ctx, scriptPath, nil, env); err != nil {
			return lpmerrors.HookError(lpmerrors.KindExecFailure, fmt.Sprintf("legacy script %s failed", scriptPath), err)
		}
	}

	return nil
}

// RunLegacyPair runs post_install.d then post_upgrade.d for a package
// event, per the resolved Open Question (b) ordering. For a fresh
// install, pass an empty previousVersion and upgradeDir is skipped.
func (d *Dispatcher) RunLegacyPair(ctx context.Context, installDir, upgradeDir, pkgName, version string, release int, previousVersion string, previousRelease int) error {
	if err := d.RunLegacy(ctx, installDir, pkgName, version, release, previousVersion, previousRelease); err != nil {
		return err
	}

	if previousVersion == "" {
		return nil
	}

	return d.RunLegacy(ctx, upgradeDir, pkgName, version, release, previousVersion, previousRelease)
}
