package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCacheDir is the archive cache below the user cache directory, or ""
// when there is none.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "renderbox", "archives")
}

// The cache is content addressed: <CacheDir>/<algorithm>/<digest>. Only archives
// with a declared checksum are cached, so an entry can always be re-verified.

func (f *Fetcher) cachePath(want *expectation) (string, bool) {
	if f.opts.CacheDir == "" || want == nil {
		return "", false
	}
	return filepath.Join(f.opts.CacheDir, want.algorithm, want.digest), true
}

// fromCache copies a cached archive to dest. Entries that no longer match
// their digest are dropped and reported as a miss.
func (f *Fetcher) fromCache(l zerolog.Logger, want *expectation, rawURL, dest string) (*Artifact, bool) {
	cachePath, ok := f.cachePath(want)
	if !ok {
		return nil, false
	}
	if _, err := os.Stat(cachePath); err != nil {
		l.Debug().Str("path", cachePath).Msg("archive not found in cache")
		return nil, false
	}

	want.hasher.Reset()
	sha := sha256.New()
	size, err := copyFile(cachePath, dest, want.hasher, sha)
	if err != nil {
		l.Warn().Err(err).Str("path", cachePath).Msg("reading cached archive failed")
		_ = os.Remove(dest)
		return nil, false
	}
	if hex.EncodeToString(want.hasher.Sum(nil)) != want.digest || size == 0 {
		l.Warn().Str("path", cachePath).Msg("cached archive is corrupt, discarding")
		_ = os.Remove(dest)
		_ = os.Remove(cachePath)
		return nil, false
	}

	l.Info().
		Str("path", cachePath).
		Msg("archive found in cache")
	return &Artifact{
		SourceURL: rawURL,
		LocalPath: dest,
		Size:      size,
		Checksum:  hex.EncodeToString(sha.Sum(nil)),
	}, true
}

// storeInCache is best effort: a failing cache never fails the build.
func (f *Fetcher) storeInCache(l zerolog.Logger, want *expectation, src string) {
	cachePath, ok := f.cachePath(want)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		l.Warn().Err(err).Msg("creating cache directory failed")
		return
	}

	tmp := cachePath + ".tmp-" + uuid.NewString()
	if _, err := copyFile(src, tmp); err != nil {
		l.Warn().Err(err).Msg("caching archive failed")
		_ = os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		l.Warn().Err(err).Msg("moving archive into cache failed")
		_ = os.Remove(tmp)
		return
	}
	l.Debug().Str("path", cachePath).Msg("archive cached")
}

func copyFile(src, dst string, hashers ...hash.Hash) (int64, error) {
	sf, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", src, err)
	}
	defer sf.Close()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dst, err)
	}

	writers := []io.Writer{df}
	for _, h := range hashers {
		writers = append(writers, h)
	}
	n, err := io.Copy(io.MultiWriter(writers...), sf)
	if closeErr := df.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return n, nil
}
