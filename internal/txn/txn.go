// Package txn implements the transaction controller: the state machine
// that drives a request from lock acquisition through planning,
// fetching, snapshotting, hook execution, on-disk application, and
// commit (or rollback). Orchestration style is
// grounded on pipg's cmd/pipg/main.go runInstall pipeline
// (detect env → resolve → select wheels → download → install, each a
// small function threaded through one context), generalized into named
// state-transition methods with a google/uuid-tagged logger and a
// gofrs/flock advisory lock in place of pipg's single-process
// assumption.
package txn

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/bilusteknoloji/lpm/internal/archive"
	"github.com/bilusteknoloji/lpm/internal/blobstore"
	"github.com/bilusteknoloji/lpm/internal/catalog"
	"github.com/bilusteknoloji/lpm/internal/cnf"
	"github.com/bilusteknoloji/lpm/internal/hooks"
	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
	"github.com/bilusteknoloji/lpm/internal/planner"
	"github.com/bilusteknoloji/lpm/internal/sat"
	"github.com/bilusteknoloji/lpm/internal/snapshot"
	"github.com/bilusteknoloji/lpm/internal/state"
)

// Phase names the transaction's position in the controller's state
// machine.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseLocked        Phase = "LOCKED"
	PhasePlanned       Phase = "PLANNED"
	PhaseFetched       Phase = "FETCHED"
	PhaseSnapshotted   Phase = "SNAPSHOTTED"
	PhasePreHooksDone  Phase = "PRE_HOOKS_DONE"
	PhaseApplying      Phase = "APPLYING"
	PhasePostHooksDone Phase = "POST_HOOKS_DONE"
	PhaseCommitted     Phase = "COMMITTED"
	PhaseAborting      Phase = "ABORTING"
	PhaseRolledBack    Phase = "ROLLED_BACK"
)

// Options configures how one Execute call behaves.
type Options struct {
	DryRun bool
	NoWait bool // LOCK_TIMEOUT=0: fail fast instead of blocking
	Force  bool
}

// Result summarizes a completed (or dry-run) transaction.
type Result struct {
	ID       string
	Plan     *planner.Plan
	Snapshot int64 // 0 for a dry run; otherwise a snapshot row is always recorded
	Phase    Phase
}

// Controller drives transactions against one target root.
type Controller struct {
	targetRoot string
	lockPath   string

	db        *state.DB
	cat       *catalog.Catalog
	blobs     *blobstore.Store
	snapshots *snapshot.Engine
	dispatch  *hooks.Dispatcher
	extractor *archive.Extractor

	repoBaseURL map[string]string // RepoName -> base URL the record's BlobName is relative to

	legacyInstallDir string
	legacyUpgradeDir string

	// solverCache carries the solver's structural clauses and VSIDS
	// activity forward across Execute calls on this Controller, reused
	// by cnf.Build as long as the catalog hasn't changed in between;
	// learned clauses are discarded on each reuse.
	solverCache cnf.SolverCache

	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRepoBaseURL registers the base URL a repository's BlobName values
// are resolved against.
func WithRepoBaseURL(repoName, baseURL string) Option {
	return func(c *Controller) {
		if c.repoBaseURL == nil {
			c.repoBaseURL = make(map[string]string)
		}

		c.repoBaseURL[repoName] = baseURL
	}
}

// WithLegacyScriptDirs sets the post_install.d/post_upgrade.d
// directories.
func WithLegacyScriptDirs(installDir, upgradeDir string) Option {
	return func(c *Controller) {
		c.legacyInstallDir = installDir
		c.legacyUpgradeDir = upgradeDir
	}
}

// New creates a Controller.
func New(targetRoot, lockPath string, db *state.DB, cat *catalog.Catalog, blobs *blobstore.Store, snapshots *snapshot.Engine, dispatch *hooks.Dispatcher, extractor *archive.Extractor, opts ...Option) *Controller {
	c := &Controller{
		targetRoot: targetRoot,
		lockPath:   lockPath,
		db:         db,
		cat:        cat,
		blobs:      blobs,
		snapshots:  snapshots,
		dispatch:   dispatch,
		extractor:  extractor,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Execute runs req through the full transaction state machine.
func (c *Controller) Execute(ctx context.Context, req cnf.Request, opts Options) (*Result, error) {
	txnID := uuid.NewString()
	logger := c.logger.With(slog.String("txn", txnID))

	fl := flock.New(c.lockPath)

	locked, err := c.acquireLock(ctx, fl, opts.NoWait)
	if err != nil {
		return nil, err
	}

	if !locked {
		return nil, lpmerrors.LockError(fmt.Sprintf("target root %s is locked by another transaction", c.targetRoot), nil)
	}

	defer func() { _ = fl.Unlock() }()

	logger.Debug("acquired transaction lock", slog.String("phase", string(PhaseLocked)))

	plan, f, err := c.plan(req, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("planned transaction", slog.String("phase", string(PhasePlanned)), slog.Int("ops", len(plan.Ops)))

	if opts.DryRun {
		return &Result{ID: txnID, Plan: plan, Phase: PhaseCommitted}, nil
	}

	fetched, err := c.fetch(ctx, plan, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("fetched blobs", slog.String("phase", string(PhaseFetched)), slog.Int("blobs", len(fetched)))

	affected, err := c.affectedPaths(ctx, plan)
	if err != nil {
		return nil, err
	}

	snapID, err := c.snapshots.Capture(ctx, txnID, affected, now(), nil)
	if err != nil {
		return nil, lpmerrors.SnapshotError("capturing pre-mutation snapshot", err)
	}

	logger.Debug("captured snapshot", slog.String("phase", string(PhaseSnapshotted)), slog.Int64("snapshot_id", snapID))

	matchCtx := buildMatchContext(plan, affected)

	if err := c.runHookPhase(ctx, hooks.PreTransaction, matchCtx, logger); err != nil {
		return c.rollback(ctx, txnID, snapID, logger, err)
	}

	logger.Debug("pre-transaction hooks complete", slog.String("phase", string(PhasePreHooksDone)))

	if err := c.apply(ctx, plan, fetched, txnID, logger); err != nil {
		return c.rollback(ctx, txnID, snapID, logger, err)
	}

	logger.Debug("applied plan", slog.String("phase", string(PhaseApplying)))

	if err := c.runHookPhase(ctx, hooks.PostTransaction, matchCtx, logger); err != nil {
		return c.rollback(ctx, txnID, snapID, logger, err)
	}

	logger.Debug("post-transaction hooks complete", slog.String("phase", string(PhasePostHooksDone)))

	if err := c.runLegacyScripts(ctx, plan, logger); err != nil {
		return c.rollback(ctx, txnID, snapID, logger, err)
	}

	if err := c.db.RecordHistory(ctx, state.HistoryEntry{
		Timestamp:   now(),
		Kind:        "commit",
		PackageName: "",
		SnapshotID:  &snapID,
	}); err != nil {
		return nil, err
	}

	logger.Debug("committed", slog.String("phase", string(PhaseCommitted)))

	return &Result{ID: txnID, Plan: plan, Snapshot: snapID, Phase: PhaseCommitted}, nil
}

func (c *Controller) acquireLock(ctx context.Context, fl *flock.Flock, noWait bool) (bool, error) {
	if noWait {
		ok, err := fl.TryLock()
		if err != nil {
			return false, lpmerrors.LockError("acquiring advisory lock", err)
		}

		return ok, nil
	}

	ok, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return false, lpmerrors.LockError("acquiring advisory lock", err)
	}

	return ok, nil
}

// plan builds and solves the CNF formula, then derives an execution
// plan from the satisfying model.
func (c *Controller) plan(req cnf.Request, logger *slog.Logger) (*planner.Plan, *cnf.Formula, error) {
	f, err := cnf.Build(c.cat, req, cnf.WithLogger(logger), cnf.WithCache(&c.solverCache))
	if err != nil {
		return nil, nil, lpmerrors.ResolveError(lpmerrors.KindUNSAT, err.Error(), err)
	}

	result := f.Solver.Solve(f.InstalledAssumptions)
	if !result.SAT {
		return nil, nil, lpmerrors.ResolveError(lpmerrors.KindUNSAT, unsatMessage(f, result), nil)
	}

	return planner.Build(c.cat, f, result.Model), f, nil
}

func unsatMessage(f *cnf.Formula, result sat.Result) string {
	if len(result.Core) == 0 {
		return "request is unsatisfiable"
	}

	labels := make([]string, 0, len(result.Core))
	for _, idx := range result.Core {
		if idx >= 0 && idx < len(f.AssumptionLabels) {
			labels = append(labels, f.AssumptionLabels[idx])
		}
	}

	return fmt.Sprintf("request is unsatisfiable; conflicting with installed: %v", labels)
}

// fetchTarget is one blob to retrieve, keyed by package name for
// matching fetched results back to plan ops during apply.
type fetchTarget struct {
	record *catalog.Record
	path   string
}

func (c *Controller) fetch(ctx context.Context, plan *planner.Plan, logger *slog.Logger) (map[string]fetchTarget, error) {
	var requests []blobstore.Request

	var records []*catalog.Record

	for _, op := range plan.Ops {
		if op.Kind == planner.OpRemove {
			continue
		}

		base := c.repoBaseURL[op.Target.RepoName]

		var sig []byte

		if op.Target.Signature != "" {
			decoded, err := base64.StdEncoding.DecodeString(op.Target.Signature)
			if err != nil {
				return nil, lpmerrors.SignatureError(fmt.Sprintf("decoding signature for %s", op.Target.Name), err)
			}

			sig = decoded
		}

		requests = append(requests, blobstore.Request{
			Name:      op.Target.Name,
			URL:       base + "/" + op.Target.BlobName,
			SHA256:    op.Target.BlobSHA256,
			Signature: sig,
		})

		records = append(records, op.Target)
	}

	if len(requests) == 0 {
		return map[string]fetchTarget{}, nil
	}

	results, err := c.blobs.Fetch(ctx, requests)
	if err != nil {
		return nil, err
	}

	out := make(map[string]fetchTarget, len(results))

	for i, res := range results {
		out[res.Name] = fetchTarget{record: records[i], path: res.Path}
	}

	logger.Debug("blob fetch complete", slog.Int("count", len(results)))

	return out, nil
}

// affectedPaths computes the union of manifest paths that removal or
// upgrade in plan will delete or overwrite.
func (c *Controller) affectedPaths(ctx context.Context, plan *planner.Plan) ([]string, error) {
	seen := make(map[string]bool)

	for _, op := range plan.Ops {
		var name string

		switch op.Kind {
		case planner.OpRemove, planner.OpUpgrade:
			name = op.Previous.Name
		default:
			continue
		}

		files, err := c.db.AllFiles(ctx)
		if err != nil {
			return nil, err
		}

		for _, fr := range files {
			if fr.PackageName == name {
				seen[fr.Path] = true
			}
		}
	}

	for _, op := range plan.Ops {
		for _, victim := range op.Replaces {
			files, err := c.db.AllFiles(ctx)
			if err != nil {
				return nil, err
			}

			for _, fr := range files {
				if fr.PackageName == victim.Name {
					seen[fr.Path] = true
				}
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths, nil
}

func buildMatchContext(plan *planner.Plan, affected []string) hooks.MatchContext {
	ops := make(map[string]hooks.Operation, len(plan.Ops))

	for _, op := range plan.Ops {
		switch op.Kind {
		case planner.OpInstall:
			ops[op.Target.Name] = hooks.OpInstall
		case planner.OpUpgrade:
			ops[op.Target.Name] = hooks.OpUpgrade
		case planner.OpRemove:
			ops[op.Previous.Name] = hooks.OpRemove
		}
	}

	return hooks.MatchContext{PackageOps: ops, Paths: affected}
}

func (c *Controller) runHookPhase(ctx context.Context, phase hooks.When, matchCtx hooks.MatchContext, logger *slog.Logger) error {
	all, err := c.dispatch.Load()
	if err != nil {
		return err
	}

	matched := hooks.Matching(all, phase, matchCtx)

	ordered, err := hooks.Order(matched)
	if err != nil {
		return err
	}

	nonFatal, err := c.dispatch.Run(ctx, ordered, matchCtx)
	if err != nil {
		return err
	}

	for _, nf := range nonFatal {
		logger.Warn("non-aborting hook failure", slog.String("error", nf.Error()))
	}

	return nil
}

// apply extracts and commits each op in plan order, one DB transaction
// per package.
func (c *Controller) apply(ctx context.Context, plan *planner.Plan, fetched map[string]fetchTarget, txnID string, logger *slog.Logger) error {
	for _, op := range plan.Ops {
		switch op.Kind {
		case planner.OpInstall, planner.OpUpgrade:
			if err := c.applyInstall(ctx, op, fetched, logger); err != nil {
				return err
			}
		case planner.OpRemove:
			if err := c.applyRemove(ctx, op, logger); err != nil {
				return err
			}
		}

		if err := c.db.RecordHistory(ctx, historyEntryFor(op)); err != nil {
			return err
		}
	}

	return nil
}

func historyEntryFor(op planner.Op) state.HistoryEntry {
	e := state.HistoryEntry{Timestamp: now(), Kind: historyKind(op.Kind)}

	if op.Previous != nil {
		e.PackageName = op.Previous.Name
		e.OldVersion = op.Previous.Version.Raw
	}

	if op.Target != nil {
		e.PackageName = op.Target.Name
		e.NewVersion = op.Target.Version.Raw
	}

	return e
}

func historyKind(k planner.OpKind) string {
	switch k {
	case planner.OpInstall:
		return "install"
	case planner.OpUpgrade:
		return "upgrade"
	case planner.OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

func (c *Controller) applyInstall(ctx context.Context, op planner.Op, fetched map[string]fetchTarget, logger *slog.Logger) error {
	ft, ok := fetched[op.Target.Name]
	if !ok {
		return lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("no fetched blob for %s", op.Target.Name), nil)
	}

	blobFile, err := os.Open(ft.path)
	if err != nil {
		return lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("opening blob for %s", op.Target.Name), err)
	}
	defer func() { _ = blobFile.Close() }()

	entries, err := c.extractor.Extract(blobFile, c.targetRoot)
	if err != nil {
		return err
	}

	pkg := state.Package{
		Name:        op.Target.Name,
		Version:     op.Target.Version.Raw,
		Release:     op.Target.Release,
		Arch:        op.Target.Arch,
		Summary:     op.Target.Summary,
		Homepage:    op.Target.Homepage,
		License:     op.Target.License,
		Requires:    depsToState(op.Target.Requires),
		Provides:    depsToState(op.Target.Provides),
		Conflicts:   depsToState(op.Target.Conflicts),
		Obsoletes:   depsToState(op.Target.Obsoletes),
		Recommends:  depsToState(op.Target.Recommends),
		Suggests:    depsToState(op.Target.Suggests),
		BlobSHA256:  op.Target.BlobSHA256,
		RepoName:    op.Target.RepoName,
		InstallTime: now(),
		Explicit:    op.Previous == nil || op.Previous.Explicit,
	}

	files := make([]state.File, 0, len(entries))

	for _, e := range entries {
		kind := "file"

		switch {
		case e.IsDir:
			kind = "directory"
		case e.IsSymlink:
			kind = "symlink"
		}

		files = append(files, state.File{
			Path:       e.Path,
			Kind:       kind,
			Mode:       uint32(e.Mode),
			UID:        e.UID,
			GID:        e.GID,
			Size:       e.Size,
			SHA256:     e.SHA256,
			LinkTarget: e.LinkTarget,
		})
	}

	if _, err := c.db.InstallPackage(ctx, pkg, files); err != nil {
		return err
	}

	logger.Debug("applied package", slog.String("package", pkg.Name), slog.String("version", pkg.Version))

	return nil
}

// runLegacyScripts runs the legacy post_install.d/post_upgrade.d pair
// for every installed or upgraded package in the plan. Called after
// the .hook-file dispatcher's PostTransaction pass so the newer
// declarative mechanism stays authoritative and legacy scripts see
// whatever state it finishes setting up.
func (c *Controller) runLegacyScripts(ctx context.Context, plan *planner.Plan, logger *slog.Logger) error {
	if c.legacyInstallDir == "" {
		return nil
	}

	for _, op := range plan.Ops {
		if op.Kind != planner.OpInstall && op.Kind != planner.OpUpgrade {
			continue
		}

		previousVersion, previousRelease := "", 0

		if op.Previous != nil {
			previousVersion = op.Previous.Version.Raw
			previousRelease = op.Previous.Release
		}

		if err := c.dispatch.RunLegacyPair(ctx, c.legacyInstallDir, c.legacyUpgradeDir, op.Target.Name, op.Target.Version.Raw, op.Target.Release, previousVersion, previousRelease); err != nil {
			return err
		}

		logger.Debug("ran legacy scripts", slog.String("package", op.Target.Name))
	}

	return nil
}

func (c *Controller) applyRemove(ctx context.Context, op planner.Op, logger *slog.Logger) error {
	files, err := c.db.AllFiles(ctx)
	if err != nil {
		return err
	}

	for _, fr := range files {
		if fr.PackageName != op.Previous.Name {
			continue
		}

		full := filepath.Join(c.targetRoot, fr.Path)
		if err := os.RemoveAll(full); err != nil && !os.IsNotExist(err) {
			return lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("removing %s", full), err)
		}
	}

	if err := c.db.RemovePackage(ctx, op.Previous.Name); err != nil {
		return err
	}

	logger.Debug("removed package", slog.String("package", op.Previous.Name))

	return nil
}

func depsToState(deps []catalog.Dependency) []state.Dependency {
	out := make([]state.Dependency, 0, len(deps))

	for _, d := range deps {
		sd := state.Dependency{Name: d.Name}
		if d.Constraint != nil {
			sd.Constraint = fmt.Sprintf("%s%s", d.Constraint.Op, d.Constraint.Version.Raw)
		}

		out = append(out, sd)
	}

	return out
}

// rollback restores the pre-mutation snapshot and records an abort.
func (c *Controller) rollback(ctx context.Context, txnID string, snapID int64, logger *slog.Logger, cause error) (*Result, error) {
	logger.Warn("aborting transaction", slog.String("phase", string(PhaseAborting)), slog.String("error", cause.Error()))

	if err := c.snapshots.Restore(ctx, snapID); err != nil {
		logger.Error("rollback restore failed", slog.String("error", err.Error()))

		return nil, lpmerrors.RollbackIncomplete(fmt.Sprintf("transaction %s failed and rollback could not complete", txnID), err)
	}

	if err := c.db.RecordHistory(ctx, state.HistoryEntry{
		Timestamp:   now(),
		Kind:        "abort",
		PackageName: "",
		SnapshotID:  &snapID,
	}); err != nil {
		logger.Error("recording abort history failed", slog.String("error", err.Error()))
	}

	return nil, cause
}

// now returns the current unix time via state.Now; it is not
// replaceable from tests.
func now() int64 {
	return state.Now()
}

// AutoremoveCandidates computes the orphan set: installed,
// non-explicit packages with no reverse-dependency from any explicit
// package. The caller runs a normal Execute with a RemoveGoals request
// built from the returned names.
func AutoremoveCandidates(ctx context.Context, db *state.DB) ([]string, error) {
	names, err := db.InstalledNames(ctx)
	if err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)

	byName := make(map[string]state.Package, len(names))

	for _, n := range names {
		pkg, err := db.InstalledByName(ctx, n)
		if err != nil {
			return nil, err
		}

		byName[n] = pkg

		if pkg.Explicit {
			explicit[n] = true
		}
	}

	reachable := make(map[string]bool)

	var mark func(name string)

	mark = func(name string) {
		if reachable[name] {
			return
		}

		reachable[name] = true

		pkg, ok := byName[name]
		if !ok {
			return
		}

		for _, dep := range pkg.Requires {
			mark(dep.Name)
		}
	}

	for n := range explicit {
		mark(n)
	}

	var orphans []string

	for _, n := range names {
		if !reachable[n] {
			orphans = append(orphans, n)
		}
	}

	sort.Strings(orphans)

	return orphans, nil
}
