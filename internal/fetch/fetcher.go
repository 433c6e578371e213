// Package fetch implements the resumable, mirror-aware, checksum-verifying
// artifact download engine. A single task walks its mirrors in priority
// order; independent tasks may run in parallel up to a configured bound.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/common/backoff"
)

// Defaults applied when corresponding fields are unset.
const (
	defaultMaxAttempts   = 3
	defaultMaxConcurrent = 4
)

// Task describes one artifact download. Destroyed once Fetch returns.
type Task struct {
	// Mirrors in priority order. http(s):// and s3://bucket/key URLs.
	Mirrors []string
	// Destination path for the completed file.
	Destination string
	// Expected hex sha256 of the content; empty skips verification.
	SHA256 string
	// Per-mirror attempt budget; 0 uses the default.
	MaxAttempts int
	// Optional progress callback (bytes done, total bytes or -1).
	Progress func(done, total int64)
}

// Config tunes a Fetcher.
type Config struct {
	// MaxConcurrent bounds parallel transfers across tasks.
	MaxConcurrent int
	// Policy is the per-mirror retry backoff; zero uses backoff.Default.
	Policy backoff.Policy
	// Client is the HTTP client; nil uses a client without a global timeout
	// (all calls carry context deadlines).
	Client *http.Client
	// S3 enables s3:// mirrors; nil rejects them per task.
	S3     *S3Options
	Logger zerolog.Logger
}

// Fetcher downloads artifacts. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	policy backoff.Policy
	sem    chan struct{}
	s3     *s3Mirror
	log    zerolog.Logger
}

// New constructs a Fetcher from cfg.
func New(cfg Config) *Fetcher {
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = defaultMaxConcurrent
	}
	cli := cfg.Client
	if cli == nil {
		cli = &http.Client{Timeout: 0}
	}
	f := &Fetcher{
		client: cli,
		policy: cfg.Policy,
		sem:    make(chan struct{}, n),
		log:    cfg.Logger,
	}
	if cfg.S3 != nil {
		f.s3 = newS3Mirror(*cfg.S3)
	}
	return f
}

// Fetch runs the task to completion and returns the destination path.
// Mirrors are attempted sequentially; a mirror that fails is skipped for the
// remainder of this task but not penalized across tasks. After all mirrors
// are exhausted the returned error satisfies IsAllMirrorsFailed and carries
// the per-mirror reasons.
func (f *Fetcher) Fetch(ctx context.Context, t Task) (string, error) {
	if len(t.Mirrors) == 0 {
		return "", fmt.Errorf("task has no mirrors")
	}
	if strings.TrimSpace(t.Destination) == "" {
		return "", fmt.Errorf("task has no destination")
	}

	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-f.sem }()

	if err := os.MkdirAll(filepath.Dir(t.Destination), 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}
	part := t.Destination + ".part"

	start := time.Now()
	var failures []MirrorFailure
	for _, mirror := range t.Mirrors {
		err := f.fetchFromMirror(ctx, mirror, t, part)
		if err == nil {
			if err := os.Rename(part, t.Destination); err != nil {
				return "", fmt.Errorf("finalize download: %w", err)
			}
			f.log.Info().Str("mirror", mirror).Str("dest", t.Destination).Dur("dur", time.Since(start)).Msg("fetch complete")
			return t.Destination, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.log.Warn().Str("mirror", mirror).Err(err).Msg("mirror abandoned")
		failures = append(failures, MirrorFailure{Mirror: mirror, Err: err})
	}
	return "", allMirrorsFailedError{failures: failures}
}

// fetchFromMirror retries a single mirror with backoff, then verifies the
// checksum. A checksum mismatch abandons the mirror without further retries
// since the content itself is wrong, not the transfer.
func (f *Fetcher) fetchFromMirror(ctx context.Context, mirror string, t Task, part string) error {
	attempts := t.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = f.downloadOnce(ctx, mirror, t, part)
		if lastErr == nil {
			if err := f.verify(mirror, t, part); err != nil {
				// corrupt content: discard and move to the next mirror
				_ = os.Remove(part)
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts {
			if err := f.policy.Sleep(ctx, attempt); err != nil {
				return lastErr
			}
		}
	}
	return fmt.Errorf("%d attempts: %w", attempts, lastErr)
}

// downloadOnce performs one transfer attempt, resuming from an existing
// partial file when the mirror supports range requests.
func (f *Fetcher) downloadOnce(ctx context.Context, mirror string, t Task, part string) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	var (
		body   io.ReadCloser
		total  int64
		resume bool
		err    error
	)
	switch {
	case strings.HasPrefix(mirror, "s3://"):
		if f.s3 == nil {
			return fmt.Errorf("s3 mirror %s: s3 access not configured", mirror)
		}
		body, total, resume, err = f.s3.open(ctx, mirror, offset)
	default:
		body, total, resume, err = f.openHTTP(ctx, mirror, offset)
	}
	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resume && offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}
	defer out.Close()

	done := offset
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write partial file: %w", werr)
			}
			done += int64(n)
			if t.Progress != nil {
				t.Progress(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read body: %w", rerr)
		}
	}
}

// openHTTP issues the request, asking for a range when a partial file
// exists. Returns the body, the total size (-1 if unknown), and whether the
// partial content should be appended to.
func (f *Fetcher) openHTTP(ctx context.Context, mirror string, offset int64) (io.ReadCloser, int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, false, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, offset + resp.ContentLength, true, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// mirror ignored the range request; restart the whole transfer
		return resp.Body, resp.ContentLength, false, nil
	default:
		resp.Body.Close()
		return nil, 0, false, fmt.Errorf("http status %s", resp.Status)
	}
}

// verify hashes the completed partial file against the expected checksum.
func (f *Fetcher) verify(mirror string, t Task, part string) error {
	if t.SHA256 == "" {
		return nil
	}
	in, err := os.Open(part)
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer in.Close()
	h := sha256.New()
	if _, err := io.Copy(h, in); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, t.SHA256) {
		return checksumMismatchError{mirror: mirror, want: strings.ToLower(t.SHA256), got: got}
	}
	return nil
}
