package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/sap-gg/renderbox/internal/catalog"
)

// Artifact is a complete, verified archive in a build's scratch directory.
// It is consumed once by the installer and removed with the scratch directory.
type Artifact struct {
	SourceURL string
	LocalPath string
	Size      int64
	// Checksum is the sha256 hex digest of the archive, always computed.
	Checksum string
	// Attempts is the number of HTTP requests made, 0 on a cache hit.
	Attempts int
}

// Options tunes retries, timeouts and caching.
type Options struct {
	// Attempts is the maximum number of requests per archive.
	Attempts int
	// Backoff is the delay before the second attempt, doubled for every further attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Timeout bounds a single attempt, including the body transfer.
	Timeout time.Duration

	// CacheDir enables the content-addressed cache for archives with a declared checksum.
	CacheDir string
	// Token is sent as a bearer token when set.
	Token string
	// Progress renders a progress bar on stderr.
	Progress bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Attempts:   3,
		Backoff:    time.Second,
		MaxBackoff: 30 * time.Second,
		Timeout:    10 * time.Minute,
	}
}

// Fetcher downloads variant archives with bounded retry and integrity checks.
// A Fetcher holds no per-build state and may be shared by concurrent builds.
type Fetcher struct {
	client *http.Client
	opts   Options
	// timer paces retries. Nil uses the system timer.
	timer func() backoff.Timer
}

// New creates a Fetcher. A nil client uses NewHTTPClient.
func New(client *http.Client, opts Options) *Fetcher {
	if client == nil {
		client = NewHTTPClient()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Fetcher{
		client: client,
		opts:   opts,
	}
}

// Fetch resolves the archive URL of spec and downloads it into scratchDir.
//
// Transient failures (network errors, 408/425/429/5xx) are retried with
// exponential backoff up to Options.Attempts. Anything else, including 404 and
// integrity failures, fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, spec catalog.VersionSpec, scratchDir string) (*Artifact, error) {
	rawURL, err := catalog.ResolveURL(spec)
	if err != nil {
		return nil, fmt.Errorf("resolve archive url: %w", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return nil, fmt.Errorf("archive url %q has no file name", rawURL)
	}
	dest := filepath.Join(scratchDir, name)

	l := log.With().
		Str("variant", spec.ID).
		Str("url", rawURL).
		Logger()

	want, err := newExpectation(spec.Checksum)
	if err != nil {
		return nil, err
	}

	if art, ok := f.fromCache(l, want, rawURL, dest); ok {
		return art, nil
	}

	var attempts int
	download := func() (*Artifact, error) {
		attempts++
		art, err := f.attempt(ctx, l, rawURL, dest, want)
		if err != nil && ctx.Err() == nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return art, err
	}
	notify := func(err error, delay time.Duration) {
		l.Warn().
			Err(err).
			Int("attempt", attempts+1).
			Dur("backoff", delay).
			Msg("retrying archive download")
	}

	var timer backoff.Timer
	if f.timer != nil {
		timer = f.timer()
	}
	art, err := backoff.RetryNotifyWithTimerAndData(download, f.retryPolicy(ctx), notify, timer)
	switch {
	case err == nil:
		art.Attempts = attempts
		f.storeInCache(l, want, dest)
		return art, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	case IsTransient(err):
		return nil, fmt.Errorf("fetch %s: giving up after %d attempts: %w", rawURL, attempts, err)
	default:
		return nil, err
	}
}

// retryPolicy waits Options.Backoff before the second attempt and doubles the
// delay for every further attempt, capped at Options.MaxBackoff.
func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.opts.Backoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
	)
	if f.opts.MaxBackoff > 0 {
		b.MaxInterval = f.opts.MaxBackoff
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.opts.Attempts-1)), ctx)
}

// attempt performs one download. The archive only appears at dest after it
// was received completely and verified.
func (f *Fetcher) attempt(
	ctx context.Context,
	l zerolog.Logger,
	rawURL, dest string,
	want *expectation,
) (*Artifact, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating http request: %w", err)
	}
	if f.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "download-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file for download: %w", err)
	}
	defer os.Remove(tmpFile.Name()) // no-op once renamed
	defer tmpFile.Close()

	sha := sha256.New()
	writers := []io.Writer{tmpFile, sha}
	if want != nil && want.algorithm != "sha256" {
		writers = append(writers, want.hasher)
		want.hasher.Reset()
	}
	if f.opts.Progress {
		writers = append(writers, newProgressBar(resp.ContentLength, path.Base(dest)))
	}

	l.Debug().
		Int64("content_length", resp.ContentLength).
		Msg("downloading archive")

	written, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return nil, &NetworkError{
			URL: rawURL,
			Err: fmt.Errorf("received %d of %d bytes: %w", written, resp.ContentLength, io.ErrUnexpectedEOF),
		}
	}
	if written == 0 {
		return nil, &IntegrityError{URL: rawURL, Reason: "archive is empty"}
	}

	sum := hex.EncodeToString(sha.Sum(nil))
	if want != nil {
		actual := sum
		if want.algorithm != "sha256" {
			actual = hex.EncodeToString(want.hasher.Sum(nil))
		}
		if actual != want.digest {
			return nil, &IntegrityError{
				URL:    rawURL,
				Reason: fmt.Sprintf("%s mismatch: expected %s, got %s", want.algorithm, want.digest, actual),
			}
		}
	}

	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing downloaded archive: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), dest); err != nil {
		return nil, fmt.Errorf("moving downloaded archive into place: %w", err)
	}

	l.Info().
		Str("path", dest).
		Int64("bytes", written).
		Msg("archive downloaded")
	return &Artifact{
		SourceURL: rawURL,
		LocalPath: dest,
		Size:      written,
		Checksum:  sum,
	}, nil
}

// expectation is a declared checksum and a hasher for its algorithm.
type expectation struct {
	algorithm string
	digest    string
	hasher    hash.Hash
}

func newExpectation(checksum string) (*expectation, error) {
	if checksum == "" {
		return nil, nil
	}
	algorithm, digest, err := catalog.ParseChecksum(checksum)
	if err != nil {
		return nil, err
	}
	e := &expectation{algorithm: algorithm, digest: digest}
	switch algorithm {
	case "sha256":
		e.hasher = sha256.New()
	case "sha512":
		e.hasher = sha512.New()
	}
	return e, nil
}

func newProgressBar(total int64, name string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading "+name),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
