package blobstore_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bilusteknoloji/lpm/internal/blobstore"
)

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}

func TestFetchStoresUnderContentAddressedPath(t *testing.T) {
	payload := []byte("package contents")
	digest := sha256Hex(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()

	store, err := blobstore.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := store.Fetch(context.Background(), []blobstore.Request{
		{Name: "curl", URL: srv.URL, SHA256: digest},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	want := filepath.Join(dir, digest[:2], digest)
	if results[0].Path != want {
		t.Errorf("expected path %s, got %s", want, results[0].Path)
	}

	got, err := os.ReadFile(results[0].Path)
	if err != nil {
		t.Fatalf("reading fetched blob: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("fetched content does not match served payload")
	}
}

func TestFetchRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("actual bytes"))
	}))
	defer srv.Close()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Fetch(context.Background(), []blobstore.Request{
		{Name: "curl", URL: srv.URL, SHA256: sha256Hex([]byte("something else entirely"))},
	})
	if err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

func TestFetchSkipsAlreadyCachedBlob(t *testing.T) {
	payload := []byte("cached already")
	digest := sha256Hex(payload)

	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	req := []blobstore.Request{{Name: "curl", URL: srv.URL, SHA256: digest}}

	if _, err := store.Fetch(ctx, req); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	if _, err := store.Fetch(ctx, req); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected exactly one HTTP request (second fetch should hit cache), got %d", calls)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	payload := []byte("eventually succeeds")
	digest := sha256Hex(payload)

	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Fetch(context.Background(), []blobstore.Request{
		{Name: "curl", URL: srv.URL, SHA256: digest},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if attempts < 2 {
		t.Errorf("expected at least one retry, got %d attempts", attempts)
	}
}

func TestFetchDoesNotRetryPermanentFailure(t *testing.T) {
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Fetch(context.Background(), []blobstore.Request{
		{Name: "curl", URL: srv.URL, SHA256: "deadbeef"},
	})
	if err == nil {
		t.Fatal("expected an error for 404")
	}

	if attempts != 1 {
		t.Errorf("expected exactly one attempt for a permanent 4xx failure, got %d", attempts)
	}
}

type fakeVerifier struct {
	fail bool
}

func (f *fakeVerifier) Verify(payload io.Reader, signature []byte) error {
	if f.fail {
		return errors.New("bad signature")
	}

	_, _ = io.Copy(io.Discard, payload)

	return nil
}

func TestFetchSignatureFailureIsFatal(t *testing.T) {
	payload := []byte("signed contents")
	digest := sha256Hex(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	store, err := blobstore.New(t.TempDir(), blobstore.WithVerifier(&fakeVerifier{fail: true}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Fetch(context.Background(), []blobstore.Request{
		{Name: "curl", URL: srv.URL, SHA256: digest, Signature: []byte("sig")},
	})
	if err == nil {
		t.Fatal("expected signature verification to fail the fetch")
	}
}

func TestEvictRemovesEverything(t *testing.T) {
	payload := []byte("to be evicted")
	digest := sha256Hex(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()

	store, err := blobstore.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Fetch(context.Background(), []blobstore.Request{{Name: "curl", URL: srv.URL, SHA256: digest}}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if err := store.Evict(); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 0 {
		t.Errorf("expected empty cache dir after Evict, found %d entries", len(entries))
	}
}
