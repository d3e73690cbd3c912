// Package testutil builds release archives and release servers for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// ReleaseTime is the modification time of every archive member.
var ReleaseTime = time.Date(2017, time.September, 11, 0, 0, 0, 0, time.UTC)

// Release returns a gzip compressed tarball with all files below the top-level
// directory root. Files named in executables get mode 0755.
func Release(t testing.TB, root string, files map[string]string, executables ...string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     root + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  ReleaseTime,
	}))
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		mode := int64(0o644)
		if slices.Contains(executables, name) {
			mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     root + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(files[name])),
			ModTime:  ReleaseTime,
		}))
		_, err := tw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// BlenderRelease is a minimal release of the given version with an executable "blender".
func BlenderRelease(t testing.TB, version string) []byte {
	files := map[string]string{
		"blender":     "#!/bin/sh\necho Blender " + version + "\n",
		"readme.html": "<html>" + version + "</html>",
	}
	files[version[:4]+"/scripts/startup.py"] = "import bpy\n"
	return Release(t, "blender-"+version+"-linux-glibc211-x86_64", files, "blender")
}

// ReleaseServer serves archives by URL path and counts requests per path.
// Paths marked with Fail answer with their status, unknown paths with 404.
type ReleaseServer struct {
	*httptest.Server

	mu       sync.Mutex
	archives map[string][]byte
	failing  map[string]int
	requests map[string]int
}

func NewReleaseServer(t testing.TB) *ReleaseServer {
	s := &ReleaseServer{
		archives: make(map[string][]byte),
		failing:  make(map[string]int),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Add serves data under path.
func (s *ReleaseServer) Add(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[path] = data
}

// Fail makes path answer with status.
func (s *ReleaseServer) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[path] = status
}

// Requests returns how often path was requested.
func (s *ReleaseServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *ReleaseServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	status, failing := s.failing[r.URL.Path]
	data, ok := s.archives[r.URL.Path]
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(status)
	case !ok:
		http.NotFound(w, r)
	default:
		_, _ = w.Write(data)
	}
}

// Manifest writes a manifest into a fresh directory and returns its path.
func Manifest(t testing.TB, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o644))
	return path
}
