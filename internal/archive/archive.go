// Package archive implements the zstd+tar extraction pipeline for
// package blobs. It replaces pipg's
// archive/zip wheel extraction (internal/installer/installer.go) but
// keeps its shape: path-escape validation before every write, mode
// preservation, and a streaming sha256 hash computed alongside the
// copy (installer/record.go's HashFile pattern, generalized to run
// inline during extraction instead of as a second pass).
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

// defaultIOBufferSize is the small-file fast-path threshold (default
// 1MiB, floor 64KiB).
const defaultIOBufferSize = 1 << 20

// minIOBufferSize is the configured floor.
const minIOBufferSize = 64 << 10

// Entry describes one extracted filesystem object, destined for the
// manifest the state DB records.
type Entry struct {
	Path       string // relative to the staging root
	Mode       os.FileMode
	UID, GID   int
	Size       int64
	SHA256     string // hex digest of file content, or of the symlink target string
	LinkTarget string // non-empty for symlinks
	IsDir      bool
	IsSymlink  bool
}

// Extractor unpacks zstd+tar archives into a staging directory.
type Extractor struct {
	ioBufferSize int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithIOBufferSize sets the small-file fast-path threshold. A value
// below the floor is ignored and the current threshold is kept.
func WithIOBufferSize(n int64) Option {
	return func(e *Extractor) {
		if n >= minIOBufferSize {
			e.ioBufferSize = n
		}
	}
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{ioBufferSize: defaultIOBufferSize}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Extract streams r (a zstd-compressed tar) into stagingRoot, returning
// the manifest of everything written. Every entry's normalized path is
// validated to stay within stagingRoot before any write occurs.
func (e *Extractor) Extract(r io.Reader, stagingRoot string) ([]Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, lpmerrors.ArchiveError(lpmerrors.KindFormat, "opening zstd stream", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var entries []Entry

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, lpmerrors.ArchiveError(lpmerrors.KindFormat, "reading tar entry", err)
		}

		entry, err := e.extractEntry(hdr, tr, stagingRoot)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (e *Extractor) extractEntry(hdr *tar.Header, tr *tar.Reader, stagingRoot string) (Entry, error) {
	destPath, err := withinRoot(stagingRoot, hdr.Name)
	if err != nil {
		return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindPathEscape, hdr.Name, err)
	}

	relPath := filepath.ToSlash(strings.TrimPrefix(strings.TrimPrefix(destPath, stagingRoot), string(filepath.Separator)))

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(destPath, os.FileMode(hdr.Mode)); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("creating directory %s", relPath), err)
		}

		return Entry{Path: relPath, Mode: os.FileMode(hdr.Mode), UID: hdr.Uid, GID: hdr.Gid, IsDir: true}, nil

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("creating parent for %s", relPath), err)
		}

		if err := requireNoExistingCrossing(destPath); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindPathEscape, relPath, err)
		}

		if err := os.Symlink(hdr.Linkname, destPath); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("creating symlink %s", relPath), err)
		}

		digest := sha256.Sum256([]byte(hdr.Linkname))

		return Entry{
			Path:       relPath,
			Mode:       os.FileMode(hdr.Mode),
			UID:        hdr.Uid,
			GID:        hdr.Gid,
			SHA256:     hex.EncodeToString(digest[:]),
			LinkTarget: hdr.Linkname,
			IsSymlink:  true,
		}, nil

	case tar.TypeReg:
		return e.extractRegularFile(hdr, tr, destPath, relPath)

	default:
		// Devices, fifos, hardlinks: not expected in a package payload;
		// skip rather than fail the whole transaction.
		return Entry{Path: relPath}, nil
	}
}

func (e *Extractor) extractRegularFile(hdr *tar.Header, tr *tar.Reader, destPath, relPath string) (Entry, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("creating parent for %s", relPath), err)
	}

	if err := requireNoExistingCrossing(destPath); err != nil {
		return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindPathEscape, relPath, err)
	}

	h := sha256.New()

	var size int64

	if hdr.Size < e.ioBufferSize {
		// Small-file fast path: read fully into memory, write once.
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("reading %s", relPath), err)
		}

		h.Write(buf)
		size = int64(len(buf))

		if err := os.WriteFile(destPath, buf, os.FileMode(hdr.Mode)); err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("writing %s", relPath), err)
		}
	} else {
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("creating %s", relPath), err)
		}

		n, copyErr := io.Copy(io.MultiWriter(f, h), tr)

		if closeErr := f.Close(); closeErr != nil && copyErr == nil {
			copyErr = closeErr
		}

		if copyErr != nil {
			return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("writing %s", relPath), copyErr)
		}

		size = n
	}

	if err := os.Chown(destPath, hdr.Uid, hdr.Gid); err != nil && !os.IsPermission(err) {
		return Entry{}, lpmerrors.ArchiveError(lpmerrors.KindIO, fmt.Sprintf("chown %s", relPath), err)
	}

	return Entry{
		Path:   relPath,
		Mode:   os.FileMode(hdr.Mode),
		UID:    hdr.Uid,
		GID:    hdr.Gid,
		Size:   size,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// withinRoot rejects any tar entry name containing ".." components or
// an absolute path outright, rather than silently clamping it into
// root — a crafted entry escaping the staging root is a hard failure,
// not something to quietly renormalize (renamed from pipg's
// isInsideDir, which validated the joined path after the fact; this
// validates the raw name before ever joining it).
func withinRoot(root, name string) (string, error) {
	slashed := filepath.ToSlash(name)

	if strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}

	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("entry %q contains a \"..\" component", name)
		}
	}

	cleaned := filepath.Clean(filepath.FromSlash(slashed))
	dest := filepath.Join(root, cleaned)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}

	if absDest != absRoot && !strings.HasPrefix(absDest, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes staging root", name)
	}

	return absDest, nil
}

// requireNoExistingCrossing rejects writing over a path whose parent
// directory component is itself a symlink, preventing a malicious
// archive from first planting a symlink and then writing through it.
func requireNoExistingCrossing(destPath string) error {
	dir := filepath.Dir(destPath)

	info, err := os.Lstat(dir)
	if err != nil {
		return nil // parent doesn't exist yet; nothing to cross
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlinked directory %s", dir)
	}

	return nil
}

// VerifySymlinkDigest accepts either the string-digest of the link
// target or the digest of the pointed-to file content, a documented
// compatibility fallback for archives recorded under either convention.
func VerifySymlinkDigest(linkTarget, wantDigest string, pointedToContent []byte) bool {
	stringDigest := sha256.Sum256([]byte(linkTarget))
	if hex.EncodeToString(stringDigest[:]) == wantDigest {
		return true
	}

	contentDigest := sha256.Sum256(pointedToContent)

	return hex.EncodeToString(contentDigest[:]) == wantDigest
}

// HashBytes is a small helper mirroring pipg's HashFile but
// operating on an in-memory buffer, used by tests and by manifest
// round-trip verification.
func HashBytes(b []byte) string {
	h := sha256.New()
	_, _ = io.Copy(h, bytes.NewReader(b))

	return hex.EncodeToString(h.Sum(nil))
}
