package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/archive"
	"github.com/sap-gg/renderbox/internal/fetch"
	"github.com/sap-gg/renderbox/internal/lockfile"
)

// Options describe the layout every variant is installed into.
type Options struct {
	// Prefix is the install root inside the image, identical for every variant.
	Prefix string
	// Entrypoint is the path of the application binary relative to Prefix.
	Entrypoint string
	// StripComponents is the number of leading path elements removed from archive entries.
	StripComponents int
}

// Environment is an installed, verified application tree.
type Environment struct {
	// RootPath is where the tree lives inside the image.
	RootPath string
	// HostPath is where the tree lives on disk.
	HostPath string
	// PathEnv is the directory added to PATH for this install.
	PathEnv string
	// Entrypoint is the absolute in-image path of the application binary.
	Entrypoint string
	// DependencySet is the resolved package set, filled in once dependencies are configured.
	DependencySet []string

	TreeDigest string
	Files      int
	Lock       *lockfile.LockFile
}

// Installer places fetched archives into the canonical layout.
type Installer struct {
	opts Options
}

func New(opts Options) *Installer {
	if opts.Prefix == "" {
		opts.Prefix = "/"
	}
	return &Installer{opts: opts}
}

// Install extracts art into targetDir.
//
// The archive is unpacked into a staging directory next to targetDir and only
// moved into place once the whole tree was extracted and the entrypoint was
// found, so a failed install never leaves a partial tree behind. targetDir must
// be absent or empty; anything else is rejected without touching it.
func (i *Installer) Install(ctx context.Context, art *fetch.Artifact, targetDir string) (*Environment, error) {
	if art == nil || art.LocalPath == "" {
		return nil, &ExtractionError{Reason: "no artifact to install"}
	}
	l := log.With().
		Str("archive", filepath.Base(art.LocalPath)).
		Str("target", targetDir).
		Logger()

	if err := checkTarget(targetDir); err != nil {
		return nil, &ExtractionError{Archive: art.LocalPath, Reason: "unusable target", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parent := filepath.Dir(targetDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create parent of target: %w", err)
	}
	staging := filepath.Join(parent, "."+filepath.Base(targetDir)+".partial-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging) // no-op once renamed

	stats, err := archive.Extract(art.LocalPath, staging, archive.ExtractOptions{
		StripComponents: i.opts.StripComponents,
	})
	if err != nil {
		return nil, &ExtractionError{Archive: art.LocalPath, Reason: "extraction failed", Err: err}
	}
	l.Debug().
		Str("format", string(stats.Format)).
		Str("archive_root", stats.Root).
		Int("files", stats.Files).
		Int("dirs", stats.Dirs).
		Int("symlinks", stats.Symlinks).
		Msg("archive extracted")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkEntrypoint(staging, i.opts.Entrypoint); err != nil {
		return nil, &ExtractionError{Archive: art.LocalPath, Reason: "unexpected archive structure", Err: err}
	}

	lock, err := lockfile.Build(ctx, staging)
	if err != nil {
		return nil, fmt.Errorf("lock installed tree: %w", err)
	}

	// an empty target directory is replaced by the staged tree
	if err := os.Remove(targetDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &ExtractionError{Archive: art.LocalPath, Reason: "unusable target", Err: err}
	}
	if err := os.Rename(staging, targetDir); err != nil {
		return nil, fmt.Errorf("move installed tree into place: %w", err)
	}

	env := &Environment{
		RootPath:   i.opts.Prefix,
		HostPath:   targetDir,
		PathEnv:    path.Join(i.opts.Prefix, path.Dir(i.opts.Entrypoint)),
		Entrypoint: path.Join(i.opts.Prefix, i.opts.Entrypoint),
		TreeDigest: lock.TreeDigest,
		Files:      len(lock.Files),
		Lock:       lock,
	}
	l.Info().
		Int("files", env.Files).
		Str("tree_digest", env.TreeDigest).
		Msg("archive installed")
	return env, nil
}

func checkTarget(targetDir string) error {
	info, err := os.Stat(targetDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", targetDir)
	}

	f, err := os.Open(targetDir)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err == nil {
		return fmt.Errorf("%q is not empty, refusing to install over an existing tree", targetDir)
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func checkEntrypoint(root, entrypoint string) error {
	if entrypoint == "" {
		return nil
	}
	p := filepath.Join(root, filepath.FromSlash(entrypoint))
	info, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("entrypoint %q not found in archive", entrypoint)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("entrypoint %q is a dangling symlink", entrypoint)
		}
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			return err
		}
		if rel, err := filepath.Rel(rootResolved, resolved); err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("entrypoint %q points outside the tree", entrypoint)
		}
		if info, err = os.Stat(resolved); err != nil {
			return err
		}
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("entrypoint %q is not a regular file", entrypoint)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("entrypoint %q is not executable", entrypoint)
	}
	return nil
}
