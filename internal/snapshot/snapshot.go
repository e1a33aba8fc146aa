// Package snapshot implements pre-mutation archiving of affected paths
// and their restoration. Grounded on pipg's
// cache.Manager.Put (temp-file-then-atomic-rename) for the archive
// write, generalized to a tar+zstd stream instead of a single-file
// copy, using klauspost/compress/zstd exactly as internal/archive does
// for extraction.
package snapshot

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
	"github.com/bilusteknoloji/lpm/internal/state"
)

// Engine archives and restores pre-mutation filesystem state.
type Engine struct {
	dir          string // <target root>/var/lib/<mgr>/snapshots
	targetRoot   string
	db           *state.DB
	maxSnapshots int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSnapshots overrides the retention count (default 10).
func WithMaxSnapshots(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxSnapshots = n
		}
	}
}

// New creates an Engine rooted at dir (the snapshots directory) for a
// target filesystem root, backed by db for bookkeeping.
func New(dir, targetRoot string, db *state.DB, opts ...Option) (*Engine, error) {
	e := &Engine{dir: dir, targetRoot: targetRoot, db: db, maxSnapshots: 10}
	for _, opt := range opts {
		opt(e)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, lpmerrors.SnapshotError("creating snapshots directory", err)
	}

	return e, nil
}

// Capture archives the current, pre-mutation contents of every path in
// affected (skipping paths that don't yet exist) into a single
// tarball, records the snapshot row with the full affected list, and
// prunes old snapshots beyond maxSnapshots.
func (e *Engine) Capture(ctx context.Context, tag string, affected []string, timestamp int64, inProgressRollback map[int64]bool) (int64, error) {
	var existing []string

	for _, p := range affected {
		if _, err := os.Lstat(filepath.Join(e.targetRoot, p)); err == nil {
			existing = append(existing, p)
		}
	}

	sort.Strings(existing)

	archivePath := filepath.Join(e.dir, fmt.Sprintf("pending-%d.tar.zst", timestamp))

	if err := e.writeArchive(archivePath, existing); err != nil {
		return 0, err
	}

	id, err := e.db.RecordSnapshot(ctx, tag, archivePath, affected, timestamp)
	if err != nil {
		_ = os.Remove(archivePath)

		return 0, err
	}

	finalPath := filepath.Join(e.dir, fmt.Sprintf("%d.tar.zst", id))
	if err := os.Rename(archivePath, finalPath); err != nil {
		return 0, lpmerrors.SnapshotError("finalizing snapshot archive name", err)
	}

	if err := e.db.UpdateSnapshotArchivePath(ctx, id, finalPath); err != nil {
		return 0, err
	}

	if err := e.validate(finalPath); err != nil {
		return id, err
	}

	if err := e.prune(ctx, inProgressRollback); err != nil {
		return id, err
	}

	return id, nil
}

// validate test-opens the tarball header, so a restoration is known
// good before the transaction proceeds past this phase.
func (e *Engine) validate(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return lpmerrors.SnapshotError("opening snapshot archive for validation", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return lpmerrors.SnapshotError("snapshot archive is not valid zstd", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	if _, err := tr.Next(); err != nil && err != io.EOF {
		return lpmerrors.SnapshotError("snapshot archive tar stream is corrupt", err)
	}

	return nil
}

func (e *Engine) writeArchive(archivePath string, paths []string) error {
	tmpPath := archivePath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return lpmerrors.SnapshotError("creating snapshot archive", err)
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return lpmerrors.SnapshotError("opening zstd writer", err)
	}

	tw := tar.NewWriter(zw)

	for _, p := range paths {
		if err := addToTar(tw, e.targetRoot, p); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			_ = f.Close()
			_ = os.Remove(tmpPath)

			return lpmerrors.SnapshotError(fmt.Sprintf("archiving %s", p), err)
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return lpmerrors.SnapshotError("closing tar writer", err)
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return lpmerrors.SnapshotError("closing zstd writer", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return lpmerrors.SnapshotError("closing snapshot archive", err)
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		_ = os.Remove(tmpPath)

		return lpmerrors.SnapshotError("renaming snapshot archive into place", err)
	}

	return nil
}

func addToTar(tw *tar.Writer, root, relPath string) error {
	fullPath := filepath.Join(root, relPath)

	info, err := os.Lstat(fullPath)
	if err != nil {
		return err
	}

	var linkTarget string

	if info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err = os.Readlink(fullPath)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return err
	}

	hdr.Name = filepath.ToSlash(relPath)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(fullPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}

	return nil
}

// Restore replays a snapshot's archive into the target root. Every
// recorded affected path is deleted first, so affected paths that did
// not exist at capture time (and are not in the archive) are gone
// afterwards; the restore operation is not itself snapshotted.
func (e *Engine) Restore(ctx context.Context, snapshotID int64) error {
	snaps, err := e.db.Snapshots(ctx)
	if err != nil {
		return err
	}

	var target *state.Snapshot

	for i := range snaps {
		if snaps[i].ID == snapshotID {
			target = &snaps[i]
		}
	}

	if target == nil {
		return lpmerrors.SnapshotError(fmt.Sprintf("snapshot %d not found", snapshotID), nil)
	}

	for _, p := range target.AffectedPaths {
		if err := os.RemoveAll(filepath.Join(e.targetRoot, p)); err != nil {
			return lpmerrors.SnapshotError(fmt.Sprintf("clearing %s before restore", p), err)
		}
	}

	f, err := os.Open(target.ArchivePath)
	if err != nil {
		return lpmerrors.SnapshotError("opening snapshot archive", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return lpmerrors.SnapshotError("opening zstd stream", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return lpmerrors.SnapshotError("reading snapshot entry", err)
		}

		if err := restoreEntry(tr, hdr, e.targetRoot); err != nil {
			return lpmerrors.SnapshotError(fmt.Sprintf("restoring %s", hdr.Name), err)
		}
	}

	return nil
}

func restoreEntry(tr *tar.Reader, hdr *tar.Header, root string) error {
	dest := filepath.Join(root, hdr.Name)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, hdr.FileInfo().Mode())
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode())
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()

		_, err = io.Copy(out, tr)

		return err
	default:
		return nil
	}
}

// prune removes snapshots beyond maxSnapshots, oldest first, skipping
// any snapshot referenced by an in-progress rollback.
func (e *Engine) prune(ctx context.Context, inProgressRollback map[int64]bool) error {
	snaps, err := e.db.Snapshots(ctx)
	if err != nil {
		return err
	}

	if len(snaps) <= e.maxSnapshots {
		return nil
	}

	excess := len(snaps) - e.maxSnapshots

	for _, s := range snaps {
		if excess == 0 {
			break
		}

		if inProgressRollback[s.ID] {
			continue
		}

		if err := os.Remove(s.ArchivePath); err != nil && !os.IsNotExist(err) {
			return lpmerrors.SnapshotError(fmt.Sprintf("removing snapshot archive %d", s.ID), err)
		}

		if err := e.db.DeleteSnapshot(ctx, s.ID); err != nil {
			return err
		}

		excess--
	}

	return nil
}
