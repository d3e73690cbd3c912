package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-gg/renderbox/internal/catalog"
)

const archiveContent = "pretend this is a blender release tarball"

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// flakyServer fails the first `failures` requests with status, then serves content.
func flakyServer(t *testing.T, failures int32, status int, content string) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		t.Logf("mock server request %d for %s", n, r.URL.Path)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func specFor(server *httptest.Server) catalog.VersionSpec {
	return catalog.VersionSpec{
		ID:                 "2.77a",
		MajorSeries:        "2.77",
		ArchiveURLTemplate: server.URL + "/Blender{{ .MajorSeries }}/blender-{{ .Version }}.tar.gz",
		BaseImageRef:       "ubuntu:16.04",
	}
}

// instantTimer fires as soon as it is started and records the requested delays.
type instantTimer struct {
	delays  *[]time.Duration
	onStart func()
	c       chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	*t.delays = append(*t.delays, d)
	if t.onStart != nil {
		t.onStart()
		return
	}
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func newTestFetcher(opts Options) (*Fetcher, *[]time.Duration) {
	var delays []time.Duration
	f := New(nil, opts)
	f.timer = func() backoff.Timer {
		return &instantTimer{delays: &delays}
	}
	return f, &delays
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	server, calls := flakyServer(t, 2, http.StatusServiceUnavailable, archiveContent)
	f, delays := newTestFetcher(DefaultOptions())
	scratch := t.TempDir()

	art, err := f.Fetch(context.Background(), specFor(server), scratch)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, art.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)

	assert.Equal(t, filepath.Join(scratch, "blender-2.77a.tar.gz"), art.LocalPath)
	assert.Equal(t, int64(len(archiveContent)), art.Size)
	assert.Equal(t, sha256Hex(archiveContent), art.Checksum)
	assert.Equal(t, server.URL+"/Blender2.77/blender-2.77a.tar.gz", art.SourceURL)

	content, err := os.ReadFile(art.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, archiveContent, string(content))
}

func TestFetch_BackoffIsCapped(t *testing.T) {
	server, calls := flakyServer(t, 100, http.StatusTooManyRequests, archiveContent)
	opts := DefaultOptions()
	opts.Attempts = 5
	opts.MaxBackoff = 3 * time.Second
	f, delays := newTestFetcher(opts)

	_, err := f.Fetch(context.Background(), specFor(server), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 5 attempts")
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, *delays)
}

func TestFetch_TruncatedBodyIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(archiveContent)))
			_, _ = w.Write([]byte(archiveContent[:10]))
			return
		}
		_, _ = w.Write([]byte(archiveContent))
	}))
	t.Cleanup(server.Close)
	f, delays := newTestFetcher(DefaultOptions())

	art, err := f.Fetch(context.Background(), specFor(server), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, art.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, *delays)
	assert.Equal(t, int64(len(archiveContent)), art.Size)
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	server, calls := flakyServer(t, 100, http.StatusNotFound, archiveContent)
	f, delays := newTestFetcher(DefaultOptions())
	scratch := t.TempDir()

	_, err := f.Fetch(context.Background(), specFor(server), scratch)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *delays)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial download may be left behind")
}

func TestFetch_GivesUpAfterMaxAttempts(t *testing.T) {
	server, calls := flakyServer(t, 100, http.StatusBadGateway, archiveContent)
	f, _ := newTestFetcher(DefaultOptions())

	_, err := f.Fetch(context.Background(), specFor(server), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_IntegrityFailures(t *testing.T) {
	t.Run("checksum mismatch is not retried", func(t *testing.T) {
		server, calls := flakyServer(t, 0, http.StatusOK, "tampered content")
		f, _ := newTestFetcher(DefaultOptions())
		spec := specFor(server)
		spec.Checksum = "sha256:" + sha256Hex(archiveContent)
		scratch := t.TempDir()

		_, err := f.Fetch(context.Background(), spec, scratch)
		var integrityErr *IntegrityError
		require.True(t, errors.As(err, &integrityErr), "got %v", err)
		assert.Contains(t, err.Error(), "sha256 mismatch")
		assert.Equal(t, int32(1), calls.Load())
		assert.NoFileExists(t, filepath.Join(scratch, "blender-2.77a.tar.gz"))
	})

	t.Run("empty archive", func(t *testing.T) {
		server, _ := flakyServer(t, 0, http.StatusOK, "")
		f, _ := newTestFetcher(DefaultOptions())

		_, err := f.Fetch(context.Background(), specFor(server), t.TempDir())
		var integrityErr *IntegrityError
		require.True(t, errors.As(err, &integrityErr), "got %v", err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("matching checksum succeeds", func(t *testing.T) {
		server, _ := flakyServer(t, 0, http.StatusOK, archiveContent)
		f, _ := newTestFetcher(DefaultOptions())
		spec := specFor(server)
		spec.Checksum = sha256Hex(archiveContent)

		art, err := f.Fetch(context.Background(), spec, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 1, art.Attempts)
	})
}

func TestFetch_Cache(t *testing.T) {
	server, calls := flakyServer(t, 0, http.StatusOK, archiveContent)
	opts := DefaultOptions()
	opts.CacheDir = t.TempDir()
	f, _ := newTestFetcher(opts)

	spec := specFor(server)
	spec.Checksum = "sha256:" + sha256Hex(archiveContent)

	t.Run("cache miss downloads and stores the archive", func(t *testing.T) {
		art, err := f.Fetch(context.Background(), spec, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 1, art.Attempts)
		assert.FileExists(t, filepath.Join(opts.CacheDir, "sha256", sha256Hex(archiveContent)))
	})

	t.Run("cache hit skips the network", func(t *testing.T) {
		art, err := f.Fetch(context.Background(), spec, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 0, art.Attempts)
		assert.Equal(t, int32(1), calls.Load())

		content, err := os.ReadFile(art.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, archiveContent, string(content))
	})

	t.Run("corrupt cache entries are discarded", func(t *testing.T) {
		cached := filepath.Join(opts.CacheDir, "sha256", sha256Hex(archiveContent))
		require.NoError(t, os.WriteFile(cached, []byte("bit rot"), 0o644))

		art, err := f.Fetch(context.Background(), spec, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 1, art.Attempts)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestFetch_CancelledContextStopsRetrying(t *testing.T) {
	server, calls := flakyServer(t, 100, http.StatusServiceUnavailable, archiveContent)
	ctx, cancel := context.WithCancel(context.Background())

	var delays []time.Duration
	f := New(nil, DefaultOptions())
	// The timer never fires, so only the cancellation can end the wait.
	f.timer = func() backoff.Timer {
		return &instantTimer{delays: &delays, onStart: cancel}
	}

	_, err := f.Fetch(ctx, specFor(server), t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []time.Duration{time.Second}, delays)
}

func TestFetch_SendsToken(t *testing.T) {
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(archiveContent))
	}))
	t.Cleanup(server.Close)

	opts := DefaultOptions()
	opts.Token = "s3cr3t"
	f, _ := newTestFetcher(opts)

	_, err := f.Fetch(context.Background(), specFor(server), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", auth.Load())
}

func TestStatusError_Transient(t *testing.T) {
	for code, want := range map[int]bool{
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusTooManyRequests:     true,
		http.StatusRequestTimeout:      true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	} {
		assert.Equal(t, want, (&StatusError{Code: code}).Transient(), "status %d", code)
	}
}
