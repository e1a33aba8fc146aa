// Package state implements the transactional relational store backing
// installed-package records, manifests, history, pins, the provides
// index, and snapshots. The teacher has no persistent
// database of its own — it re-derives installed state from dist-info
// directories on disk — so this package is grounded instead on
// keitagame-frpm's mattn/go-sqlite3 schema/transaction idiom
// (sql.Open("sqlite3", path), schema as one Exec'd DDL string,
// tx.Prepare + stmt.Exec per row, Begin/Commit/Rollback).
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	version       TEXT NOT NULL,
	release       INTEGER NOT NULL,
	arch          TEXT NOT NULL,
	summary       TEXT,
	homepage      TEXT,
	license       TEXT,
	requires      TEXT,
	provides      TEXT,
	conflicts     TEXT,
	obsoletes     TEXT,
	recommends    TEXT,
	suggests      TEXT,
	blob_sha256   TEXT,
	repo_name     TEXT,
	install_time  INTEGER NOT NULL,
	explicit      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id    INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	path          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	mode          INTEGER NOT NULL,
	uid           INTEGER NOT NULL,
	gid           INTEGER NOT NULL,
	size          INTEGER,
	sha256        TEXT,
	link_target   TEXT
);

CREATE TABLE IF NOT EXISTS history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         INTEGER NOT NULL,
	kind              TEXT NOT NULL,
	package_name      TEXT NOT NULL,
	old_version       TEXT,
	new_version       TEXT,
	snapshot_id       INTEGER
);

CREATE TABLE IF NOT EXISTS pins (
	name    TEXT PRIMARY KEY,
	hold    INTEGER NOT NULL DEFAULT 0,
	prefer  TEXT
);

CREATE TABLE IF NOT EXISTS provides_index (
	capability  TEXT NOT NULL,
	package_id  INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS snapshots (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       INTEGER NOT NULL,
	tag             TEXT,
	archive_path    TEXT NOT NULL,
	affected_paths  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_id);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_provides_capability ON provides_index(capability);
CREATE INDEX IF NOT EXISTS idx_history_package ON history(package_name);
`

// Dependency mirrors catalog.Dependency without importing it, avoiding
// a state<->catalog import cycle; callers convert at the boundary.
type Dependency struct {
	Name       string
	Constraint string // serialized "OP version", empty for unconstrained
}

// Package is an installed-package row.
type Package struct {
	ID          int64
	Name        string
	Version     string
	Release     int
	Arch        string
	Summary     string
	Homepage    string
	License     string
	Requires    []Dependency
	Provides    []Dependency
	Conflicts   []Dependency
	Obsoletes   []Dependency
	Recommends  []Dependency
	Suggests    []Dependency
	BlobSHA256  string
	RepoName    string
	InstallTime int64
	Explicit    bool
}

// File is one manifest entry belonging to an installed package.
type File struct {
	PackageID  int64
	Path       string
	Kind       string // file, directory, symlink
	Mode       uint32
	UID, GID   int
	Size       int64
	SHA256     string
	LinkTarget string
}

// HistoryEntry records one completed or aborted operation.
type HistoryEntry struct {
	ID          int64
	Timestamp   int64
	Kind        string // install, upgrade, remove, commit, abort
	PackageName string
	OldVersion  string
	NewVersion  string
	SnapshotID  *int64
}

// Snapshot is a pre-mutation archive row.
type Snapshot struct {
	ID             int64
	Timestamp      int64
	Tag            string
	ArchivePath    string
	AffectedPaths  []string
}

// DB wraps the single-writer sqlite state store.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the state database at path and
// ensures its schema exists.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, lpmerrors.DBError("opening state database", err)
	}

	// sqlite3's default driver serializes writes regardless, but
	// capping MaxOpenConns to a single writer avoids SQLITE_BUSY
	// storms under concurrent readers.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()

		return nil, lpmerrors.DBError("applying schema", err)
	}

	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// InstallPackage inserts or replaces a package row plus its files and
// provides-index entries inside a single transaction.
func (d *DB) InstallPackage(ctx context.Context, pkg Package, files []File) (int64, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, lpmerrors.DBError("beginning install transaction", err)
	}

	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO packages (name, version, release, arch, summary, homepage, license,
			requires, provides, conflicts, obsoletes, recommends, suggests,
			blob_sha256, repo_name, install_time, explicit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version=excluded.version, release=excluded.release, arch=excluded.arch,
			summary=excluded.summary, homepage=excluded.homepage, license=excluded.license,
			requires=excluded.requires, provides=excluded.provides, conflicts=excluded.conflicts,
			obsoletes=excluded.obsoletes, recommends=excluded.recommends, suggests=excluded.suggests,
			blob_sha256=excluded.blob_sha256, repo_name=excluded.repo_name,
			install_time=excluded.install_time, explicit=excluded.explicit
	`,
		pkg.Name, pkg.Version, pkg.Release, pkg.Arch, pkg.Summary, pkg.Homepage, pkg.License,
		encodeDeps(pkg.Requires), encodeDeps(pkg.Provides), encodeDeps(pkg.Conflicts),
		encodeDeps(pkg.Obsoletes), encodeDeps(pkg.Recommends), encodeDeps(pkg.Suggests),
		pkg.BlobSHA256, pkg.RepoName, pkg.InstallTime, boolToInt(pkg.Explicit),
	)
	if err != nil {
		return 0, lpmerrors.DBError(fmt.Sprintf("upserting package %s", pkg.Name), err)
	}

	pkgID, err := res.LastInsertId()
	if err != nil || pkgID == 0 {
		// ON CONFLICT UPDATE doesn't report the existing row id via
		// LastInsertId on every driver version; look it up explicitly.
		row := tx.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = ?`, pkg.Name)
		if scanErr := row.Scan(&pkgID); scanErr != nil {
			return 0, lpmerrors.DBError(fmt.Sprintf("resolving id for %s", pkg.Name), scanErr)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE package_id = ?`, pkgID); err != nil {
		return 0, lpmerrors.DBError("clearing prior manifest", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM provides_index WHERE package_id = ?`, pkgID); err != nil {
		return 0, lpmerrors.DBError("clearing prior provides index", err)
	}

	fileStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (package_id, path, kind, mode, uid, gid, size, sha256, link_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, lpmerrors.DBError("preparing file insert", err)
	}
	defer fileStmt.Close()

	for _, f := range files {
		if _, err := fileStmt.ExecContext(ctx, pkgID, f.Path, f.Kind, f.Mode, f.UID, f.GID, f.Size, f.SHA256, f.LinkTarget); err != nil {
			return 0, lpmerrors.DBError(fmt.Sprintf("inserting file %s", f.Path), err)
		}
	}

	provStmt, err := tx.PrepareContext(ctx, `INSERT INTO provides_index (capability, package_id) VALUES (?, ?)`)
	if err != nil {
		return 0, lpmerrors.DBError("preparing provides insert", err)
	}
	defer provStmt.Close()

	if _, err := provStmt.ExecContext(ctx, pkg.Name, pkgID); err != nil {
		return 0, lpmerrors.DBError("indexing self-provides", err)
	}

	for _, p := range pkg.Provides {
		if _, err := provStmt.ExecContext(ctx, p.Name, pkgID); err != nil {
			return 0, lpmerrors.DBError(fmt.Sprintf("indexing provides %s", p.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, lpmerrors.DBError("committing install transaction", err)
	}

	return pkgID, nil
}

// RemovePackage deletes a package and its files/provides entries
// (cascading) in one transaction.
func (d *DB) RemovePackage(ctx context.Context, name string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return lpmerrors.DBError("beginning remove transaction", err)
	}

	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, name)
	if err != nil {
		return lpmerrors.DBError(fmt.Sprintf("removing package %s", name), err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return lpmerrors.DBError(fmt.Sprintf("package %s not installed", name), sql.ErrNoRows)
	}

	if err := tx.Commit(); err != nil {
		return lpmerrors.DBError("committing remove transaction", err)
	}

	return nil
}

// InstalledByName returns the installed package row for name, or
// sql.ErrNoRows if not installed.
func (d *DB) InstalledByName(ctx context.Context, name string) (Package, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, name, version, release, arch, summary, homepage, license,
			requires, provides, conflicts, obsoletes, recommends, suggests,
			blob_sha256, repo_name, install_time, explicit
		FROM packages WHERE name = ?
	`, name)

	return scanPackage(row)
}

// InstalledNames returns every currently installed package name.
func (d *DB) InstalledNames(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT name FROM packages ORDER BY name`)
	if err != nil {
		return nil, lpmerrors.DBError("listing installed packages", err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, lpmerrors.DBError("scanning installed name", err)
		}

		names = append(names, n)
	}

	return names, rows.Err()
}

// ReverseDependents returns every installed package that requires name,
// for autoremove's orphan computation.
func (d *DB) ReverseDependents(ctx context.Context, name string) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT name, requires FROM packages`)
	if err != nil {
		return nil, lpmerrors.DBError("scanning for reverse dependents", err)
	}
	defer rows.Close()

	var dependents []string

	for rows.Next() {
		var pkgName, requiresJSON string
		if err := rows.Scan(&pkgName, &requiresJSON); err != nil {
			return nil, lpmerrors.DBError("scanning package row", err)
		}

		deps := decodeDeps(requiresJSON)
		for _, d := range deps {
			if d.Name == name {
				dependents = append(dependents, pkgName)

				break
			}
		}
	}

	return dependents, rows.Err()
}

// OwnerOfPath returns the package name that owns path, or "" if none.
func (d *DB) OwnerOfPath(ctx context.Context, path string) (string, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT p.name FROM files f JOIN packages p ON p.id = f.package_id WHERE f.path = ?
	`, path)

	var name string

	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", lpmerrors.DBError(fmt.Sprintf("looking up owner of %s", path), err)
	}

	return name, nil
}

// FileRecord is a manifest entry as verification needs it.
type FileRecord struct {
	PackageName string
	File
}

// AllFiles returns every tracked file across every installed package,
// for `verify`'s missing/mismatched-files scan.
func (d *DB) AllFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT p.name, f.path, f.kind, f.mode, f.uid, f.gid, f.size, f.sha256, f.link_target
		FROM files f JOIN packages p ON p.id = f.package_id
	`)
	if err != nil {
		return nil, lpmerrors.DBError("listing files for verification", err)
	}
	defer rows.Close()

	var out []FileRecord

	for rows.Next() {
		var fr FileRecord

		var size sql.NullInt64

		var sha, link sql.NullString

		if err := rows.Scan(&fr.PackageName, &fr.Path, &fr.Kind, &fr.Mode, &fr.UID, &fr.GID, &size, &sha, &link); err != nil {
			return nil, lpmerrors.DBError("scanning file row", err)
		}

		fr.Size = size.Int64
		fr.SHA256 = sha.String
		fr.LinkTarget = link.String

		out = append(out, fr)
	}

	return out, rows.Err()
}

// RecordHistory appends a history row.
func (d *DB) RecordHistory(ctx context.Context, e HistoryEntry) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO history (timestamp, kind, package_name, old_version, new_version, snapshot_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Kind, e.PackageName, nullableString(e.OldVersion), nullableString(e.NewVersion), e.SnapshotID)

	if err != nil {
		return lpmerrors.DBError("recording history entry", err)
	}

	return nil
}

// HistoryTail returns the most recent n history rows, newest first.
func (d *DB) HistoryTail(ctx context.Context, n int) ([]HistoryEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, timestamp, kind, package_name, old_version, new_version, snapshot_id
		FROM history ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, lpmerrors.DBError("reading history tail", err)
	}
	defer rows.Close()

	var out []HistoryEntry

	for rows.Next() {
		var e HistoryEntry

		var old, new sql.NullString

		var snap sql.NullInt64

		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.PackageName, &old, &new, &snap); err != nil {
			return nil, lpmerrors.DBError("scanning history row", err)
		}

		e.OldVersion, e.NewVersion = old.String, new.String

		if snap.Valid {
			id := snap.Int64
			e.SnapshotID = &id
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// SetHold sets or clears the hold flag for name.
func (d *DB) SetHold(ctx context.Context, name string, hold bool) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO pins (name, hold) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET hold = excluded.hold
	`, name, boolToInt(hold))

	if err != nil {
		return lpmerrors.DBError(fmt.Sprintf("setting hold for %s", name), err)
	}

	return nil
}

// Holds returns the set of currently held package names.
func (d *DB) Holds(ctx context.Context) (map[string]bool, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT name FROM pins WHERE hold = 1`)
	if err != nil {
		return nil, lpmerrors.DBError("listing holds", err)
	}
	defer rows.Close()

	out := make(map[string]bool)

	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, lpmerrors.DBError("scanning hold row", err)
		}

		out[n] = true
	}

	return out, rows.Err()
}

// RecordSnapshot inserts a snapshot row and returns its monotonic ID.
func (d *DB) RecordSnapshot(ctx context.Context, tag, archivePath string, affectedPaths []string, timestamp int64) (int64, error) {
	encoded, err := json.Marshal(affectedPaths)
	if err != nil {
		return 0, lpmerrors.SnapshotError("encoding affected paths", err)
	}

	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO snapshots (timestamp, tag, archive_path, affected_paths) VALUES (?, ?, ?, ?)
	`, timestamp, tag, archivePath, string(encoded))
	if err != nil {
		return 0, lpmerrors.SnapshotError("recording snapshot", err)
	}

	return res.LastInsertId()
}

// UpdateSnapshotArchivePath rewrites the archive_path column, used once
// the caller has renamed the archive file to its final id-keyed name.
func (d *DB) UpdateSnapshotArchivePath(ctx context.Context, id int64, archivePath string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE snapshots SET archive_path = ? WHERE id = ?`, archivePath, id)
	if err != nil {
		return lpmerrors.SnapshotError("updating snapshot archive path", err)
	}

	return nil
}

// Snapshots returns every snapshot row, oldest first.
func (d *DB) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, timestamp, tag, archive_path, affected_paths FROM snapshots ORDER BY id ASC`)
	if err != nil {
		return nil, lpmerrors.SnapshotError("listing snapshots", err)
	}
	defer rows.Close()

	var out []Snapshot

	for rows.Next() {
		var s Snapshot

		var tag sql.NullString

		var affected string

		if err := rows.Scan(&s.ID, &s.Timestamp, &tag, &s.ArchivePath, &affected); err != nil {
			return nil, lpmerrors.SnapshotError("scanning snapshot row", err)
		}

		s.Tag = tag.String
		_ = json.Unmarshal([]byte(affected), &s.AffectedPaths)

		out = append(out, s)
	}

	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot row (the caller deletes the backing
// archive file separately).
func (d *DB) DeleteSnapshot(ctx context.Context, id int64) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return lpmerrors.SnapshotError(fmt.Sprintf("deleting snapshot %d", id), err)
	}

	return nil
}

func scanPackage(row *sql.Row) (Package, error) {
	var p Package

	var requires, provides, conflicts, obsoletes, recommends, suggests string

	var explicit int

	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Release, &p.Arch, &p.Summary, &p.Homepage, &p.License,
		&requires, &provides, &conflicts, &obsoletes, &recommends, &suggests,
		&p.BlobSHA256, &p.RepoName, &p.InstallTime, &explicit)
	if err != nil {
		return Package{}, err
	}

	p.Requires = decodeDeps(requires)
	p.Provides = decodeDeps(provides)
	p.Conflicts = decodeDeps(conflicts)
	p.Obsoletes = decodeDeps(obsoletes)
	p.Recommends = decodeDeps(recommends)
	p.Suggests = decodeDeps(suggests)
	p.Explicit = explicit != 0

	return p, nil
}

func encodeDeps(deps []Dependency) string {
	b, _ := json.Marshal(deps)

	return string(b)
}

func decodeDeps(s string) []Dependency {
	if s == "" {
		return nil
	}

	var deps []Dependency
	_ = json.Unmarshal([]byte(s), &deps)

	return deps
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

// Now returns the current time as a unix timestamp, a narrow seam so
// callers can stamp history/install rows without importing time
// directly at every call site.
func Now() int64 {
	return time.Now().Unix()
}
