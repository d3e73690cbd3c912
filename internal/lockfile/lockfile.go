package lockfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal"
)

type LockFiles map[string]*LockEntry

func (l LockFiles) MarshalYAML() (interface{}, error) {
	var result yaml.MapSlice
	for _, k := range l.SortedPaths() {
		result = append(result, yaml.MapItem{
			Key:   k,
			Value: l[k],
		})
	}
	return result, nil
}

// SortedPaths returns the recorded paths in lexical order.
func (l LockFiles) SortedPaths() []string {
	paths := make([]string, 0, len(l))
	for p := range l {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// LockFile records the state of an installed tree.
type LockFile struct {
	Version     int       `yaml:"version" validate:"required"`
	GeneratedAt time.Time `yaml:"generatedAt"`
	// TreeDigest summarises Files, see Digest.
	TreeDigest string    `yaml:"treeDigest"`
	Files      LockFiles `yaml:"files"`
}

// LockEntry contains metadata about a single file. Symlinks are recorded with
// the hash of their target path and no size.
type LockEntry struct {
	Hash  string      `yaml:"hash"`
	Mode  fs.FileMode `yaml:"mode"`
	MTime time.Time   `yaml:"mtime"`
	Size  int64       `yaml:"size"`
	Link  string      `yaml:"link,omitempty"`
}

// Build walks rootDir and records every regular file and symlink in it.
func Build(ctx context.Context, rootDir string) (*LockFile, error) {
	lock := &LockFile{
		Version:     internal.LockFileVersion,
		GeneratedAt: time.Now().UTC(),
		Files:       make(LockFiles),
	}

	err := filepath.WalkDir(rootDir, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if dir.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(rootDir, path)
		if err != nil {
			return fmt.Errorf("determining relative path: %w", err)
		}

		entry, err := entryFor(path, dir)
		if err != nil || entry == nil {
			return err
		}
		lock.Files[filepath.ToSlash(relPath)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking root directory: %w", err)
	}

	lock.TreeDigest = Digest(lock.Files)
	log.Debug().
		Str("root", rootDir).
		Int("files", len(lock.Files)).
		Str("tree_digest", lock.TreeDigest).
		Msg("built lock of installed tree")
	return lock, nil
}

func entryFor(path string, dir fs.DirEntry) (*LockEntry, error) {
	info, err := dir.Info()
	if err != nil {
		return nil, fmt.Errorf("getting file info for %q: %w", path, err)
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("reading symlink %q: %w", path, err)
		}
		sum := sha256.Sum256([]byte(target))
		return &LockEntry{
			Hash:  hex.EncodeToString(sum[:]),
			Mode:  fs.ModeSymlink,
			MTime: info.ModTime().UTC(),
			Link:  target,
		}, nil
	}
	if !info.Mode().IsRegular() {
		log.Warn().Str("path", path).Msg("skipping special file in lock")
		return nil, nil
	}

	hash, err := FileSHA256(path)
	if err != nil {
		return nil, fmt.Errorf("computing hash for %q: %w", path, err)
	}
	return &LockEntry{
		Hash:  hash,
		Mode:  info.Mode().Perm(),
		MTime: info.ModTime().UTC(),
		Size:  info.Size(),
	}, nil
}

// Digest is a sha256 over the sorted paths with their hash and mode.
// Modification times are left out, so the same release installed twice has the same digest.
func Digest(files LockFiles) string {
	h := sha256.New()
	for _, p := range files.SortedPaths() {
		e := files[p]
		if e == nil {
			continue
		}
		_, _ = fmt.Fprintf(h, "%s\x00%s\x00%o\n", p, e.Hash, uint32(e.Mode))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Write stores the lock file at path.
func Write(ctx context.Context, lock *LockFile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	if err := internal.NewYAMLEncoder(f).EncodeContext(ctx, lock); err != nil {
		return fmt.Errorf("encoding lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int("files", len(lock.Files)).
		Msg("lock file written")
	return nil
}

// Read reads and parses the lock file at path.
func Read(ctx context.Context, path string) (*LockFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	defer f.Close()

	var lock LockFile
	if err := internal.NewYAMLDecoder(f).DecodeContext(ctx, &lock); err != nil {
		return nil, fmt.Errorf("decoding lock file: %w", internal.DescribeDecodeError(err))
	}

	if lock.Version != internal.LockFileVersion {
		return nil, fmt.Errorf("unsupported lock file version: %d", lock.Version)
	}
	if lock.Files == nil {
		lock.Files = make(LockFiles)
	}
	return &lock, nil
}

// FileSHA256 computes the SHA256 hash of the file at the specified path and returns it as a hex string.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChangeType represents the kind of drift detected for a file.
type ChangeType int

const (
	Unchanged ChangeType = iota
	Created
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unchanged"
}

// Change represents the drift of a single file.
type Change struct {
	Type    ChangeType
	Path    string
	OldHash string
	NewHash string
}

// Report lists the differences between a lock and the tree on disk.
type Report struct {
	Changes []*Change
}

// HasChanges returns true if any file drifted from the lock.
func (r *Report) HasChanges() bool {
	return len(r.Changes) > 0
}

// Verify compares rootDir with lock. Files are compared by hash and mode.
func Verify(ctx context.Context, rootDir string, lock *LockFile) (*Report, error) {
	current, err := Build(ctx, rootDir)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, path := range unionKeys(lock.Files, current.Files) {
		oldEntry := lock.Files[path]
		newEntry := current.Files[path]

		switch {
		case oldEntry != nil && newEntry != nil:
			if oldEntry.Hash != newEntry.Hash || oldEntry.Mode != newEntry.Mode {
				report.add(Modified, path, oldEntry.Hash, newEntry.Hash)
			}
		case oldEntry == nil && newEntry != nil:
			report.add(Created, path, "", newEntry.Hash)
		case oldEntry != nil:
			report.add(Removed, path, oldEntry.Hash, "")
		}
	}
	return report, nil
}

func (r *Report) add(t ChangeType, path, oldHash, newHash string) {
	r.Changes = append(r.Changes, &Change{
		Type:    t,
		Path:    path,
		OldHash: oldHash,
		NewHash: newHash,
	})
}

// unionKeys returns the sorted keys present in either of the two maps.
func unionKeys(m1, m2 LockFiles) []string {
	keys := slices.Concat(m1.SortedPaths(), m2.SortedPaths())
	slices.SortFunc(keys, strings.Compare)
	return slices.Compact(keys)
}
