// Package blobstore implements the content-addressed local blob cache:
// parallel fetch, checksum verification, and detached-signature
// verification. Directly grounded on pipg's
// internal/downloader (parallel fetch via errgroup, retryable-error
// backoff, temp-file-then-rename) and internal/cache (atomic Put/Get),
// generalized from filename-keyed to sha256-hex-keyed storage.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

const maxRetries = 5

// retryableError wraps errors that are transient and worth retrying:
// connection failures and 5xx responses.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Request describes one blob to fetch.
type Request struct {
	Name      string // package name, for logging only
	URL       string
	SHA256    string // expected content hash, hex
	Signature []byte // optional detached signature bytes
}

// Result is the outcome of fetching one blob.
type Result struct {
	Name string
	Path string // final content-addressed path on disk
	Size int64
}

// Verifier checks a detached signature against a publisher key. Kept
// as an interface so tests can fake it without touching OpenPGP.
type Verifier interface {
	Verify(payload io.Reader, signature []byte) error
}

// Option configures a Store.
type Option func(*Store)

// WithMaxWorkers sets the fetch pool size, clamped to [4,32].
// n<=0 selects the default of clamp(2*cores,4,32).
func WithMaxWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxWorkers = clamp(n, 4, 32)
		}
	}
}

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithVerifier sets the signature verifier. Defaults to one that
// rejects every signature, so callers must opt in explicitly.
func WithVerifier(v Verifier) Option {
	return func(s *Store) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the content-addressed blob cache rooted at dir, laid out as
// <dir>/<first-two-hex>/<full-hex>.
type Store struct {
	dir        string
	maxWorkers int
	httpClient *http.Client
	verifier   Verifier
	logger     *slog.Logger

	hashLocks sync.Map // sha256 hex -> *sync.Mutex, guards concurrent fetch of the same blob
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        dir,
		maxWorkers: clamp(2*runtime.GOMAXPROCS(0), 4, 32),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob cache dir %s: %w", s.dir, err)
	}

	return s, nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}

	if n > hi {
		return hi
	}

	return n
}

// Path returns the on-disk path a blob with the given sha256 hex digest
// would occupy, without checking existence.
func (s *Store) Path(sha256hex string) string {
	return filepath.Join(s.dir, sha256hex[:2], sha256hex)
}

// Has reports whether sha256hex is already cached and matches its key.
func (s *Store) Has(sha256hex string) bool {
	path := s.Path(sha256hex)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	got, err := hashFile(path)
	if err != nil || got != sha256hex {
		if err == nil {
			s.logger.Warn("evicting corrupt cache entry", slog.String("sha256", sha256hex))
			_ = os.Remove(path)
		}

		return false
	}

	return true
}

// Fetch downloads every request in parallel (pool size s.maxWorkers),
// verifying sha256 and, when a signature is supplied, the detached
// signature. Already-cached, already-verified blobs are skipped.
// Signature failure is fatal and returned as a lpmerrors.SignatureError
// without touching the filesystem entry.
func (s *Store) Fetch(ctx context.Context, requests []Request) ([]Result, error) {
	results := make([]Result, len(requests))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxWorkers)

	for i, req := range requests {
		i, req := i, req

		g.Go(func() error {
			res, err := s.fetchOne(ctx, req)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", req.Name, err)
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *Store) lockFor(hash string) *sync.Mutex {
	v, _ := s.hashLocks.LoadOrStore(hash, &sync.Mutex{})

	return v.(*sync.Mutex)
}

func (s *Store) fetchOne(ctx context.Context, req Request) (Result, error) {
	mu := s.lockFor(req.SHA256)
	mu.Lock()
	defer mu.Unlock()

	path := s.Path(req.SHA256)

	if s.Has(req.SHA256) {
		s.logger.Debug("blob cache hit", slog.String("package", req.Name), slog.String("sha256", req.SHA256))
	} else {
		if err := s.downloadWithRetry(ctx, req, path); err != nil {
			return Result{}, err
		}
	}

	if len(req.Signature) > 0 {
		if err := s.verifySignature(path, req.Signature); err != nil {
			return Result{}, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, lpmerrors.FetchError(lpmerrors.KindIO, fmt.Sprintf("stat %s after fetch", req.Name), err)
	}

	return Result{Name: req.Name, Path: path, Size: info.Size()}, nil
}

func (s *Store) verifySignature(path string, sig []byte) error {
	if s.verifier == nil {
		return lpmerrors.SignatureError(fmt.Sprintf("no verifier configured for %s", path), errors.New("signature verification unavailable"))
	}

	f, err := os.Open(path)
	if err != nil {
		return lpmerrors.SignatureError(path, err)
	}
	defer func() { _ = f.Close() }()

	if err := s.verifier.Verify(f, sig); err != nil {
		return lpmerrors.SignatureError(fmt.Sprintf("signature verification failed for %s", path), err)
	}

	return nil
}

// downloadWithRetry mirrors pipg's downloadWithRetry exactly:
// exponential backoff (500ms * 2^attempt), up to maxRetries, retrying
// only errors tagged retryable.
func (s *Store) downloadWithRetry(ctx context.Context, req Request, destPath string) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			s.logger.Debug("retrying blob fetch",
				slog.String("package", req.Name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return lpmerrors.FetchError(lpmerrors.KindTimeout, "fetch canceled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := s.doFetch(ctx, req, destPath)
		if err == nil {
			return nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}

		lastErr = err
		s.logger.Debug("blob fetch attempt failed",
			slog.String("package", req.Name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return lpmerrors.FetchError(lpmerrors.KindNetwork, fmt.Sprintf("after %d attempts fetching %s", maxRetries, req.Name), lastErr)
}

// doFetch performs one HTTP GET, streaming to "<hex>.part", verifying
// sha256, then atomically renaming into place.
func (s *Store) doFetch(ctx context.Context, req Request, destPath string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return &retryableError{err: fmt.Errorf("requesting %s: %w", req.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL)

		if resp.StatusCode >= http.StatusInternalServerError {
			return &retryableError{err: err}
		}

		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating cache shard dir: %w", err)
	}

	tmpPath := destPath + ".part"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(f, h), resp.Body)

	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("closing temp file: %w", err)
	}

	if copyErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("writing blob: %w", copyErr)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if req.SHA256 != "" && got != req.SHA256 {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("sha256 mismatch: expected %s, got %s", req.SHA256, got)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("renaming blob into place: %w", err)
	}

	return nil
}

// Evict removes every blob under the cache root, the backing
// operation behind the cache-clean command.
func (s *Store) Evict() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading cache dir: %w", err)
	}

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}

	return nil
}

func hashFile(path string) (string, error) {
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
