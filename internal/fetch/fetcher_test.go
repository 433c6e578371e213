package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/common/backoff"
)

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// fastPolicy keeps retry delays negligible in tests.
var fastPolicy = backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func newTestFetcher() *Fetcher {
	return New(Config{Policy: fastPolicy, Logger: zerolog.Nop()})
}

func TestFetchHappyPath(t *testing.T) {
	content := []byte("interpreter payload bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "runtime.tgz")
	f := newTestFetcher()
	path, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{srv.URL},
		Destination: dest,
		SHA256:      sha256hex(content),
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != dest {
		t.Fatalf("path=%q want %q", path, dest)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(content) {
		t.Fatalf("content mismatch: %v %q", err, got)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file should be renamed away")
	}
}

func TestFetchCorruptFirstMirrorFallsBack(t *testing.T) {
	good := []byte("the real artifact")
	var corruptHits int32
	corrupt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&corruptHits, 1)
		_, _ = w.Write([]byte("tampered bytes"))
	}))
	defer corrupt.Close()
	valid := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(good)
	}))
	defer valid.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	f := newTestFetcher()
	if _, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{corrupt.URL, valid.URL},
		Destination: dest,
		SHA256:      sha256hex(good),
	}); err != nil {
		t.Fatalf("fetch should succeed via second mirror: %v", err)
	}
	b, _ := os.ReadFile(dest)
	if sha256hex(b) != sha256hex(good) {
		t.Fatalf("final checksum mismatch")
	}
	// corrupt content abandons the mirror without retrying it
	if n := atomic.LoadInt32(&corruptHits); n != 1 {
		t.Fatalf("corrupt mirror hit %d times, want 1", n)
	}
}

func TestFetchAllMirrorsFailedAttemptCount(t *testing.T) {
	var hitsA, hitsB int32
	fail := func(hits *int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(hits, 1)
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}
	a := httptest.NewServer(fail(&hitsA))
	defer a.Close()
	b := httptest.NewServer(fail(&hitsB))
	defer b.Close()

	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{a.URL, b.URL},
		Destination: filepath.Join(t.TempDir(), "x"),
		MaxAttempts: 2,
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !IsAllMirrorsFailed(err) {
		t.Fatalf("expected all-mirrors-failed, got %v", err)
	}
	if fails := Failures(err); len(fails) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(fails))
	}
	if atomic.LoadInt32(&hitsA) != 2 || atomic.LoadInt32(&hitsB) != 2 {
		t.Fatalf("attempt accounting off: a=%d b=%d want 2 each", hitsA, hitsB)
	}
}

func TestFetchResumesWithRangeSupport(t *testing.T) {
	full := []byte("0123456789abcdefghij")
	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		sawRange.Store(rng)
		if strings.HasPrefix(rng, "bytes=") {
			off, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(off, 10)+"-")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(full[off:])
			return
		}
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "resumable")
	if err := os.WriteFile(dest+".part", full[:8], 0o644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}
	f := newTestFetcher()
	if _, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{srv.URL},
		Destination: dest,
		SHA256:      sha256hex(full),
	}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rng, _ := sawRange.Load().(string); rng != "bytes=8-" {
		t.Fatalf("expected range request from byte 8, saw %q", rng)
	}
	b, _ := os.ReadFile(dest)
	if string(b) != string(full) {
		t.Fatalf("resumed content mismatch: %q", b)
	}
}

func TestFetchRestartsWhenRangeUnsupported(t *testing.T) {
	full := []byte("whole file served fresh")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Range header deliberately ignored: plain 200 with the whole body.
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(dest+".part", []byte("stale partial"), 0o644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}
	f := newTestFetcher()
	if _, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{srv.URL},
		Destination: dest,
		SHA256:      sha256hex(full),
	}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, _ := os.ReadFile(dest)
	if string(b) != string(full) {
		t.Fatalf("restart should truncate the stale partial, got %q", b)
	}
}

func TestFetchContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	f := newTestFetcher()
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, Task{Mirrors: []string{srv.URL}, Destination: filepath.Join(t.TempDir(), "x")})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not unblock on cancel")
	}
}

func TestFetchValidatesTask(t *testing.T) {
	f := newTestFetcher()
	if _, err := f.Fetch(context.Background(), Task{Destination: "/tmp/x"}); err == nil {
		t.Fatalf("expected error for empty mirror list")
	}
	if _, err := f.Fetch(context.Background(), Task{Mirrors: []string{"http://x"}}); err == nil {
		t.Fatalf("expected error for empty destination")
	}
}

func TestFetchS3MirrorUnconfigured(t *testing.T) {
	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), Task{
		Mirrors:     []string{"s3://bucket/key"},
		Destination: filepath.Join(t.TempDir(), "x"),
		MaxAttempts: 1,
	})
	if !IsAllMirrorsFailed(err) {
		t.Fatalf("expected all-mirrors-failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("failure reason should mention missing s3 config: %v", err)
	}
}

func TestSplitS3URL(t *testing.T) {
	b, k, err := splitS3URL("s3://artifacts/runtimes/python-3.9.tgz")
	if err != nil || b != "artifacts" || k != "runtimes/python-3.9.tgz" {
		t.Fatalf("got %q %q %v", b, k, err)
	}
	for _, bad := range []string{"s3://", "s3://bucketonly", "s3://bucket/"} {
		if _, _, err := splitS3URL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
