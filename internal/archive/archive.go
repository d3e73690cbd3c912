package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnsafePath is returned for entries that would end up outside the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")
	// ErrMultipleRoots is returned when stripping would merge several top-level directories.
	ErrMultipleRoots = errors.New("archive has more than one top-level directory")
)

// ExtractOptions controls how entry names are mapped into the destination.
type ExtractOptions struct {
	// StripComponents removes this many leading path elements from every entry.
	// Entries with fewer elements are skipped. When set, all entries must share
	// the same top-level directory.
	StripComponents int
}

// Stats describes what an extraction produced.
type Stats struct {
	Format   Format
	Root     string
	Files    int
	Dirs     int
	Symlinks int
	Links    int
}

// Extract unpacks the tar archive at srcPath into dstDir.
// The compression is detected from the file name, or from the content when the
// name is not conclusive.
func Extract(srcPath, dstDir string, opts ExtractOptions) (*Stats, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open source file %q: %w", srcPath, err)
	}
	defer f.Close()

	stream, format, err := decompress(filepath.Base(srcPath), f)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	x := &extractor{
		dstDir: dstDir,
		opts:   opts,
		stats:  &Stats{Format: format},
		dirs:   make(map[string]dirMeta),
	}
	if err := x.run(tar.NewReader(stream)); err != nil {
		return nil, err
	}
	return x.stats, nil
}

type extractor struct {
	dstDir string
	opts   ExtractOptions
	stats  *Stats
	// directory modes and mtimes are applied last, creating children changes them
	dirs map[string]dirMeta
}

type dirMeta struct {
	mode  fs.FileMode
	mtime time.Time
}

func (x *extractor) run(tr *tar.Reader) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break // end of archive
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}

		rel, ok, err := x.mapName(header.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		targetPath := filepath.Join(x.dstDir, filepath.FromSlash(rel))
		if err := x.checkParents(rel); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", targetPath, err)
			}
			x.dirs[targetPath] = dirMeta{mode: header.FileInfo().Mode().Perm(), mtime: header.ModTime}
			x.stats.Dirs++
		case tar.TypeReg:
			if err := x.writeFile(targetPath, header, tr); err != nil {
				return err
			}
			x.stats.Files++
		case tar.TypeSymlink:
			if err := x.symlink(rel, targetPath, header.Linkname); err != nil {
				return err
			}
			x.stats.Symlinks++
		case tar.TypeLink:
			if err := x.hardlink(targetPath, header.Linkname); err != nil {
				return err
			}
			x.stats.Links++
		default:
			log.Warn().Msgf("unsupported tar entry type %c for %q, skipping", header.Typeflag, header.Name)
		}
	}

	// deepest first, so setting a parent does not get undone by a child
	paths := make([]string, 0, len(x.dirs))
	for p := range x.dirs {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	slices.Reverse(paths)
	for _, p := range paths {
		meta := x.dirs[p]
		if err := os.Chmod(p, meta.mode); err != nil {
			return fmt.Errorf("set permissions for %q: %w", p, err)
		}
		if err := os.Chtimes(p, meta.mtime, meta.mtime); err != nil {
			return fmt.Errorf("set times for %q: %w", p, err)
		}
	}
	return nil
}

// mapName cleans an entry name and applies StripComponents. It reports false
// for entries that vanish after stripping.
func (x *extractor) mapName(name string) (string, bool, error) {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "./"))
	if clean == "." || clean == "/" {
		return "", false, nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false, fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	parts := strings.Split(clean, "/")
	if x.opts.StripComponents > 0 {
		if x.stats.Root == "" {
			x.stats.Root = parts[0]
		} else if x.stats.Root != parts[0] {
			return "", false, fmt.Errorf("%w: %q and %q", ErrMultipleRoots, x.stats.Root, parts[0])
		}
	}
	if len(parts) <= x.opts.StripComponents {
		return "", false, nil
	}
	return path.Join(parts[x.opts.StripComponents:]...), true, nil
}

// checkParents refuses to write through a symlink extracted earlier.
func (x *extractor) checkParents(rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	current := x.dstDir
	for _, part := range strings.Split(dir, "/") {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("inspect %q: %w", current, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q is written through symlink %q", ErrUnsafePath, rel, current)
		}
	}
	return nil
}

func (x *extractor) writeFile(targetPath string, header *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %q: %w", targetPath, err)
	}
	// replace rather than follow whatever is already there
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %q: %w", targetPath, err)
	}
	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create file %q: %w", targetPath, err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("copy file contents to %q: %w", targetPath, err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close %q: %w", targetPath, err)
	}
	if err := os.Chmod(targetPath, header.FileInfo().Mode().Perm()); err != nil {
		return fmt.Errorf("set permissions for %q: %w", targetPath, err)
	}
	if err := os.Chtimes(targetPath, header.ModTime, header.ModTime); err != nil {
		return fmt.Errorf("set times for %q: %w", targetPath, err)
	}
	log.Trace().Msgf("extracted file: %s", targetPath)
	return nil
}

func (x *extractor) symlink(rel, targetPath, linkname string) error {
	if linkname == "" || path.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink %q points to %q", ErrUnsafePath, rel, linkname)
	}
	resolved := path.Join(path.Dir(rel), linkname)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("%w: symlink %q escapes the tree via %q", ErrUnsafePath, rel, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %q: %w", targetPath, err)
	}
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %q: %w", targetPath, err)
	}
	if err := os.Symlink(linkname, targetPath); err != nil {
		return fmt.Errorf("create symlink %q: %w", targetPath, err)
	}
	return nil
}

func (x *extractor) hardlink(targetPath, linkname string) error {
	rel, ok, err := x.mapName(linkname)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: hard link to stripped entry %q", ErrUnsafePath, linkname)
	}
	source := filepath.Join(x.dstDir, filepath.FromSlash(rel))
	if err := x.checkParents(rel); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %q: %w", targetPath, err)
	}
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %q: %w", targetPath, err)
	}
	if err := os.Link(source, targetPath); err != nil {
		return fmt.Errorf("create hard link %q: %w", targetPath, err)
	}
	return nil
}

// Create creates a tar archive from the contents of srcDir and writes it to dstPath.
// If compress is true, the tar archive will be gzip-compressed.
func Create(srcDir, dstPath string, compress bool) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination file %q: %w", dstPath, err)
	}
	defer f.Close()

	if err := Write(f, srcDir, compress); err != nil {
		return err
	}
	return f.Close()
}

// Write streams srcDir as a tar archive to w. Entries are written in lexical
// order with owner information cleared, so equal trees produce equal archives.
func Write(w io.Writer, srcDir string, compress bool) (err error) {
	if compress {
		gzipWriter := gzip.NewWriter(w)
		defer func() {
			if closeErr := gzipWriter.Close(); err == nil {
				err = closeErr
			}
		}()
		w = gzipWriter
	}

	tarWriter := tar.NewWriter(w)
	defer func() {
		if closeErr := tarWriter.Close(); err == nil {
			err = closeErr
		}
	}()

	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p == srcDir {
			// don't add the root itself
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return fmt.Errorf("read symlink %q: %w", p, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("create tar header for %q: %w", p, err)
		}

		relPath, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("compute relative path for %q: %w", p, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %q: %w", p, err)
		}

		// if it's a regular file, copy its contents
		if info.Mode().IsRegular() {
			file, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open file %q: %w", p, err)
			}
			defer file.Close()

			if _, err := io.Copy(tarWriter, file); err != nil {
				return fmt.Errorf("copy file %q to tar: %w", p, err)
			}

			log.Trace().Msgf("added file to archive: %s", header.Name)
		}

		return nil
	})
}
