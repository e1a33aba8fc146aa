// Command lpm is the CLI entrypoint: a thin wrapper that loads the
// catalog and configuration, then delegates to internal/txn for every
// mutating operation, mirroring pipg's cmd/pipg/main.go shape
// (cobra root + one RunE per verb, all logic living in internal/*).
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/bilusteknoloji/lpm/internal/archive"
	"github.com/bilusteknoloji/lpm/internal/blobstore"
	"github.com/bilusteknoloji/lpm/internal/catalog"
	"github.com/bilusteknoloji/lpm/internal/cnf"
	"github.com/bilusteknoloji/lpm/internal/config"
	"github.com/bilusteknoloji/lpm/internal/hooks"
	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
	"github.com/bilusteknoloji/lpm/internal/signing"
	"github.com/bilusteknoloji/lpm/internal/snapshot"
	"github.com/bilusteknoloji/lpm/internal/state"
	"github.com/bilusteknoloji/lpm/internal/txn"
	"github.com/bilusteknoloji/lpm/internal/version"
)

var buildVersion = "0.0.0"

// env bundles everything every subcommand needs, assembled once in
// PersistentPreRunE and torn down in PersistentPostRunE.
type env struct {
	root   string
	db     *state.DB
	cat    *catalog.Catalog
	ctl    *txn.Controller
	blobs  *blobstore.Store
	logger *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func run() error {
	var (
		root    string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:           "lpm",
		Short:         "A transactional Linux package manager core",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root, "root", "/", "target filesystem root")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	var e *env

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		built, err := buildEnv(root, verbose)
		if err != nil {
			return err
		}

		e = built

		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if e != nil && e.db != nil {
			return e.db.Close()
		}

		return nil
	}

	rootCmd.AddCommand(
		installCmd(&e),
		removeCmd(&e),
		upgradeCmd(&e),
		autoremoveCmd(&e),
		rollbackCmd(&e),
		verifyCmd(&e),
		listCmd(&e),
		filesCmd(&e),
		pinCmd(&e),
		unpinCmd(&e),
		historyCmd(&e),
		cleanCmd(&e),
	)

	return rootCmd.Execute()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildEnv wires every C1-C11 component against root, matching the
// layout of §6.1.
func buildEnv(root string, verbose bool) (*env, error) {
	logger := newLogger(verbose)

	varLib := filepath.Join(root, "var", "lib", "lpm")

	if err := os.MkdirAll(varLib, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	cfg, err := config.Load(filepath.Join(root, "etc", "lpm", "lpm.conf"))
	if err != nil {
		return nil, err
	}

	db, err := state.Open(filepath.Join(varLib, "state.db"))
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(root, db, logger)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	blobOpts := []blobstore.Option{blobstore.WithLogger(logger)}

	if cfg.FetchMaxWorkers > 0 {
		blobOpts = append(blobOpts, blobstore.WithMaxWorkers(cfg.FetchMaxWorkers))
	}

	if keyring := filepath.Join(root, "etc", "lpm", "trusted.asc"); fileExists(keyring) {
		if v, err := signing.NewKeyringVerifier(keyring); err == nil {
			blobOpts = append(blobOpts, blobstore.WithVerifier(v))
		} else {
			logger.Warn("trusted keyring present but unreadable", slog.String("error", err.Error()))
		}
	}

	blobs, err := blobstore.New(filepath.Join(varLib, "cache"), blobOpts...)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	snapOpts := []snapshot.Option{}
	if cfg.MaxSnapshots >= 0 {
		snapOpts = append(snapOpts, snapshot.WithMaxSnapshots(cfg.MaxSnapshots))
	}

	snaps, err := snapshot.New(filepath.Join(varLib, "snapshots"), root, db, snapOpts...)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	hookDirs := []string{
		filepath.Join(root, "etc", "lpm", "hooks"),
		filepath.Join(root, "usr", "share", "lpm", "hooks"),
	}

	dispatch := hooks.New(root, hookDirs)
	extractor := archive.New()

	repos, err := loadRepos(root)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	ctlOpts := []txn.Option{
		txn.WithLogger(logger),
		txn.WithLegacyScriptDirs(
			filepath.Join(root, "usr", "share", "lpm", "hooks", "post_install.d"),
			filepath.Join(root, "usr", "share", "lpm", "hooks", "post_upgrade.d"),
		),
	}

	for name, baseURL := range repos {
		ctlOpts = append(ctlOpts, txn.WithRepoBaseURL(name, baseURL))
	}

	ctl := txn.New(root, filepath.Join(varLib, "lock"), db, cat, blobs, snaps, dispatch, extractor, ctlOpts...)

	return &env{root: root, db: db, cat: cat, ctl: ctl, blobs: blobs, logger: logger}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// repoEntry mirrors one element of /etc/lpm/repos.json.
type repoEntry struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

func loadRepos(root string) (map[string]string, error) {
	path := filepath.Join(root, "etc", "lpm", "repos.json")

	urls := map[string]string{}

	if !fileExists(path) {
		return urls, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening repos.json: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []repoEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding repos.json: %w", err)
	}

	for _, e := range entries {
		urls[e.Name] = e.URL
	}

	return urls, nil
}

// loadCatalog builds a Catalog from every configured repository's
// cached index.json plus the currently installed packages, so a
// request can reference either.
func loadCatalog(root string, db *state.DB, logger *slog.Logger) (*catalog.Catalog, error) {
	cat := catalog.New(catalog.WithLogger(logger))

	entries, err := os.ReadDir(filepath.Join(root, "var", "lib", "lpm", "repo-cache"))
	if err == nil {
		for i, d := range entries {
			if d.IsDir() || filepath.Ext(d.Name()) != ".json" {
				continue
			}

			indexPath := filepath.Join(root, "var", "lib", "lpm", "repo-cache", d.Name())

			f, openErr := os.Open(indexPath)
			if openErr != nil {
				continue
			}

			repoName := fileNameWithoutExt(d.Name())
			if loadErr := cat.LoadIndex(context.Background(), f, repoName, i); loadErr != nil {
				logger.Warn("repository index had skipped entries", slog.String("repo", repoName), slog.String("error", loadErr.Error()))
			}

			_ = f.Close()
		}
	}

	if err := addInstalledRecords(context.Background(), cat, db); err != nil {
		return nil, err
	}

	return cat, nil
}

func fileNameWithoutExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// addInstalledRecords mirrors every installed package into the catalog
// as an OriginInstalled record, so the solver can reason about holds,
// removals, and upgrades against what's on disk.
func addInstalledRecords(ctx context.Context, cat *catalog.Catalog, db *state.DB) error {
	names, err := db.InstalledNames(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		pkg, err := db.InstalledByName(ctx, name)
		if err != nil {
			return err
		}

		v, err := version.Parse(pkg.Version)
		if err != nil {
			return fmt.Errorf("parsing installed version for %s: %w", name, err)
		}

		cat.Add(&catalog.Record{
			Identity:    catalog.Identity{Name: pkg.Name, Version: v, Release: pkg.Release, Arch: pkg.Arch},
			Requires:    stateDepsToCatalog(pkg.Requires),
			Provides:    stateDepsToCatalog(pkg.Provides),
			Conflicts:   stateDepsToCatalog(pkg.Conflicts),
			Obsoletes:   stateDepsToCatalog(pkg.Obsoletes),
			Recommends:  stateDepsToCatalog(pkg.Recommends),
			Suggests:    stateDepsToCatalog(pkg.Suggests),
			BlobSHA256:  pkg.BlobSHA256,
			RepoName:    pkg.RepoName,
			Origin:      catalog.OriginInstalled,
			InstallTime: pkg.InstallTime,
			Explicit:    pkg.Explicit,
		})
	}

	return nil
}

func stateDepsToCatalog(deps []state.Dependency) []catalog.Dependency {
	out := make([]catalog.Dependency, 0, len(deps))

	for _, d := range deps {
		if d.Constraint == "" {
			out = append(out, catalog.Dependency{Name: d.Name})

			continue
		}

		parsed, err := catalog.ParseDependency(d.Name + " " + d.Constraint)
		if err != nil {
			out = append(out, catalog.Dependency{Name: d.Name})

			continue
		}

		out = append(out, parsed)
	}

	return out
}

func installedNamesSet(ctx context.Context, db *state.DB) ([]string, error) {
	return db.InstalledNames(ctx)
}

// loadProtected reads /etc/lpm/protected.json, a JSON array of names
// that refuse removal without --force.
func loadProtected(root string) (map[string]bool, error) {
	path := filepath.Join(root, "etc", "lpm", "protected.json")

	protected := map[string]bool{}

	if !fileExists(path) {
		return protected, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening protected.json: %w", err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	if err := json.NewDecoder(f).Decode(&names); err != nil {
		return nil, fmt.Errorf("decoding protected.json: %w", err)
	}

	for _, n := range names {
		protected[n] = true
	}

	return protected, nil
}

// pinsFor loads the hold set tracked in state.DB into cnf.Pins, merging
// in any --prefer flags given on this invocation.
func pinsFor(ctx context.Context, db *state.DB, prefer []string) (cnf.Pins, error) {
	holds, err := db.Holds(ctx)
	if err != nil {
		return cnf.Pins{}, err
	}

	preferMap, err := parsePreferFlags(prefer)
	if err != nil {
		return cnf.Pins{}, err
	}

	return cnf.Pins{Hold: holds, Prefer: preferMap}, nil
}

// parsePreferFlags turns repeated --prefer "name OP version" flags into
// the map cnf.Pins.Prefer wants.
func parsePreferFlags(prefer []string) (map[string]catalog.Dependency, error) {
	if len(prefer) == 0 {
		return nil, nil
	}

	out := make(map[string]catalog.Dependency, len(prefer))

	for _, p := range prefer {
		dep, err := catalog.ParseDependency(p)
		if err != nil {
			return nil, fmt.Errorf("parsing --prefer %q: %w", p, err)
		}

		out[dep.Name] = dep
	}

	return out, nil
}

func withSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func exitCodeFor(err error) int {
	return lpmerrors.ExitCode(err)
}

func installCmd(e **env) *cobra.Command {
	var dryRun, noWait, force bool
	var prefer []string

	cmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Install one or more packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			goals := make([]cnf.Goal, 0, len(args))

			for _, a := range args {
				dep, err := catalog.ParseDependency(a)
				if err != nil {
					return err
				}

				goals = append(goals, cnf.Goal{Name: dep.Name, Constraint: &dep})
			}

			installed, err := installedNamesSet(ctx, (*e).db)
			if err != nil {
				return err
			}

			pins, err := pinsFor(ctx, (*e).db, prefer)
			if err != nil {
				return err
			}

			req := cnf.Request{Goals: goals, InstalledNames: installed, Pins: pins, Force: force}

			result, err := (*e).ctl.Execute(ctx, req, txn.Options{DryRun: dryRun, NoWait: noWait, Force: force})
			if err != nil {
				return err
			}

			printPlan(result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without making changes")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail immediately if the lock is held")
	cmd.Flags().BoolVar(&force, "force", false, "drop holds and protected-set checks")
	cmd.Flags().StringArrayVar(&prefer, "prefer", nil, "bias resolution toward \"name OP version\" without forcing it (repeatable)")

	return cmd
}

func removeCmd(e **env) *cobra.Command {
	var dryRun, noWait, force bool

	cmd := &cobra.Command{
		Use:   "remove [packages...]",
		Short: "Remove one or more installed packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			installed, err := installedNamesSet(ctx, (*e).db)
			if err != nil {
				return err
			}

			pins, err := pinsFor(ctx, (*e).db, nil)
			if err != nil {
				return err
			}

			protected, err := loadProtected((*e).root)
			if err != nil {
				return err
			}

			req := cnf.Request{RemoveGoals: args, InstalledNames: installed, Pins: pins, Protected: protected, Force: force}

			result, err := (*e).ctl.Execute(ctx, req, txn.Options{DryRun: dryRun, NoWait: noWait, Force: force})
			if err != nil {
				return err
			}

			printPlan(result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without making changes")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail immediately if the lock is held")
	cmd.Flags().BoolVar(&force, "force", false, "drop holds and protected-set checks")

	return cmd
}

func upgradeCmd(e **env) *cobra.Command {
	var dryRun, noWait bool
	var prefer []string

	cmd := &cobra.Command{
		Use:   "upgrade [packages...]",
		Short: "Upgrade installed packages (all, if none named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			installed, err := installedNamesSet(ctx, (*e).db)
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				names = installed
			}

			goals := make([]cnf.Goal, 0, len(names))
			for _, n := range names {
				goals = append(goals, cnf.Goal{Name: n})
			}

			pins, err := pinsFor(ctx, (*e).db, prefer)
			if err != nil {
				return err
			}

			req := cnf.Request{Goals: goals, InstalledNames: installed, Pins: pins}

			result, err := (*e).ctl.Execute(ctx, req, txn.Options{DryRun: dryRun, NoWait: noWait})
			if err != nil {
				return err
			}

			printPlan(result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without making changes")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail immediately if the lock is held")
	cmd.Flags().StringArrayVar(&prefer, "prefer", nil, "bias resolution toward \"name OP version\" without forcing it (repeatable)")

	return cmd
}

func autoremoveCmd(e **env) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "autoremove",
		Short: "Remove installed packages no explicit install still depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			orphans, err := txn.AutoremoveCandidates(ctx, (*e).db)
			if err != nil {
				return err
			}

			if len(orphans) == 0 {
				fmt.Println("nothing to autoremove")

				return nil
			}

			installed, err := installedNamesSet(ctx, (*e).db)
			if err != nil {
				return err
			}

			req := cnf.Request{RemoveGoals: orphans, InstalledNames: installed}

			result, err := (*e).ctl.Execute(ctx, req, txn.Options{DryRun: dryRun})
			if err != nil {
				return err
			}

			printPlan(result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without making changes")

	return cmd
}

func rollbackCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <snapshot-id>",
		Short: "Restore the filesystem to a prior snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid snapshot id %q: %w", args[0], err)
			}

			ctx, stop := withSignalContext()
			defer stop()

			snaps, err := snapshot.New(filepath.Join((*e).root, "var", "lib", "lpm", "snapshots"), (*e).root, (*e).db)
			if err != nil {
				return err
			}

			if err := snaps.Restore(ctx, id); err != nil {
				return err
			}

			fmt.Printf("restored snapshot %d\n", id)

			return nil
		},
	}
}

func verifyCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check installed files against their recorded checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			files, err := (*e).db.AllFiles(ctx)
			if err != nil {
				return err
			}

			var mismatches int

			for _, f := range files {
				full := filepath.Join((*e).root, f.Path)

				if f.Kind == "symlink" {
					target, err := os.Readlink(full)
					if err != nil {
						fmt.Printf("MISSING  %s (%s)\n", f.Path, f.PackageName)
						mismatches++

						continue
					}

					if f.SHA256 == "" {
						continue
					}

					content, _ := os.ReadFile(full)
					if !archive.VerifySymlinkDigest(target, f.SHA256, content) {
						fmt.Printf("MODIFIED %s (%s)\n", f.Path, f.PackageName)
						mismatches++
					}

					continue
				}

				if f.Kind != "file" || f.SHA256 == "" {
					continue
				}

				sum, err := sha256HexOf(full)
				if err != nil {
					fmt.Printf("MISSING  %s (%s)\n", f.Path, f.PackageName)
					mismatches++

					continue
				}

				if sum != f.SHA256 {
					fmt.Printf("MODIFIED %s (%s)\n", f.Path, f.PackageName)
					mismatches++
				}
			}

			if mismatches == 0 {
				fmt.Println("all files verified")
			}

			return nil
		},
	}
}

func listCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			names, err := (*e).db.InstalledNames(ctx)
			if err != nil {
				return err
			}

			sort.Strings(names)

			for _, n := range names {
				pkg, err := (*e).db.InstalledByName(ctx, n)
				if err != nil {
					return err
				}

				mark := " "
				if pkg.Explicit {
					mark = "*"
				}

				fmt.Printf("%s %-30s %s-%d\n", mark, pkg.Name, pkg.Version, pkg.Release)
			}

			return nil
		},
	}
}

func filesCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "files <package>",
		Short: "List the files owned by an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			files, err := (*e).db.AllFiles(ctx)
			if err != nil {
				return err
			}

			for _, f := range files {
				if f.PackageName == args[0] {
					fmt.Println(f.Path)
				}
			}

			return nil
		},
	}
}

func pinCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <package>",
		Short: "Hold a package at its currently installed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			return (*e).db.SetHold(ctx, args[0], true)
		},
	}
}

func unpinCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <package>",
		Short: "Release a hold placed by pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			return (*e).db.SetHold(ctx, args[0], false)
		},
	}
}

func historyCmd(e **env) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transaction history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignalContext()
			defer stop()

			entries, err := (*e).db.HistoryTail(ctx, n)
			if err != nil {
				return err
			}

			for _, h := range entries {
				ts := time.Unix(h.Timestamp, 0).Format(time.RFC3339)

				switch h.Kind {
				case "commit", "abort":
					fmt.Printf("%s  %s\n", ts, h.Kind)
				default:
					fmt.Printf("%s  %-8s %s %s -> %s\n", ts, h.Kind, h.PackageName, h.OldVersion, h.NewVersion)
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&n, "limit", 20, "number of entries to show")

	return cmd
}

func cleanCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Evict every cached blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*e).blobs.Evict()
		},
	}
}

func sha256HexOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func printPlan(result *txn.Result) {
	if len(result.Plan.Ops) == 0 {
		fmt.Println("nothing to do")

		return
	}

	for _, op := range result.Plan.Ops {
		switch op.Kind {
		case "install":
			fmt.Printf("install %s-%s\n", op.Target.Name, op.Target.Version.Raw)
		case "upgrade":
			fmt.Printf("upgrade %s-%s -> %s-%s\n", op.Previous.Name, op.Previous.Version.Raw, op.Target.Name, op.Target.Version.Raw)
		case "remove":
			fmt.Printf("remove  %s-%s\n", op.Previous.Name, op.Previous.Version.Raw)
		}
	}

	fmt.Printf("%s\n", result.Phase)
}
