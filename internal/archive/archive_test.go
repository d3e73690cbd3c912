package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var mtime = time.Date(2017, time.September, 11, 10, 0, 0, 0, time.UTC)

type entry struct {
	name     string
	typeflag byte
	body     string
	mode     int64
	linkname string
}

func dir(name string) entry { return entry{name: name, typeflag: tar.TypeDir, mode: 0o755} }
func file(name, body string) entry { return entry{name: name, typeflag: tar.TypeReg, body: body, mode: 0o644} }
func exe(name, body string) entry { return entry{name: name, typeflag: tar.TypeReg, body: body, mode: 0o755} }
func symlink(name, to string) entry { return entry{name: name, typeflag: tar.TypeSymlink, linkname: to, mode: 0o777} }
func hardlink(name, to string) entry { return entry{name: name, typeflag: tar.TypeLink, linkname: to, mode: 0o644} }

func tarBytes(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
			ModTime:  mtime,
		}))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compressWith(t *testing.T, format Format, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return data
	case FormatTarGzip:
		w = gzip.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case FormatTarZstd:
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("cannot write %s", format)
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func blenderRelease() []entry {
	return []entry{
		dir("blender-2.77a-linux-glibc211-x86_64/"),
		exe("blender-2.77a-linux-glibc211-x86_64/blender", "#!/bin/sh\necho blender\n"),
		dir("blender-2.77a-linux-glibc211-x86_64/2.77/"),
		file("blender-2.77a-linux-glibc211-x86_64/2.77/scripts/startup.py", "import bpy\n"),
		symlink("blender-2.77a-linux-glibc211-x86_64/lib/libpython.so", "../2.77/python.so"),
	}
}

func TestExtract_Formats(t *testing.T) {
	testCases := []struct {
		name   string
		format Format
	}{
		{"blender.tar", FormatTar},
		{"blender.tar.gz", FormatTarGzip},
		{"blender.tgz", FormatTarGzip},
		{"blender.tar.xz", FormatTarXz},
		{"blender.tar.zst", FormatTarZstd},
		{"blender-download", FormatTarGzip}, // sniffed
		{"blender-plain", FormatTar},        // sniffed
		{"blender-xz", FormatTarXz},         // sniffed
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := writeArchive(t, tc.name, compressWith(t, tc.format, tarBytes(t, blenderRelease()...)))
			dst := t.TempDir()

			stats, err := Extract(src, dst, ExtractOptions{StripComponents: 1})
			require.NoError(t, err)

			assert.Equal(t, tc.format, stats.Format)
			assert.Equal(t, "blender-2.77a-linux-glibc211-x86_64", stats.Root)
			assert.Equal(t, 2, stats.Files)
			assert.Equal(t, 1, stats.Symlinks)

			content, err := os.ReadFile(filepath.Join(dst, "2.77", "scripts", "startup.py"))
			require.NoError(t, err)
			assert.Equal(t, "import bpy\n", string(content))

			link, err := os.Readlink(filepath.Join(dst, "lib", "libpython.so"))
			require.NoError(t, err)
			assert.Equal(t, "../2.77/python.so", link)
		})
	}
}

func TestExtract_PreservesModeAndMTime(t *testing.T) {
	src := writeArchive(t, "release.tar", tarBytes(t, blenderRelease()...))
	dst := t.TempDir()

	_, err := Extract(src, dst, ExtractOptions{StripComponents: 1})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dst, "blender"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime), "got %s", info.ModTime())

	info, err = os.Stat(filepath.Join(dst, "2.77", "scripts", "startup.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "2.77"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "directory mtime must survive child creation")
}

func TestExtract_WithoutStrip(t *testing.T) {
	src := writeArchive(t, "flat.tar", tarBytes(t,
		file("./a.txt", "a"),
		file("b/c.txt", "c"),
	))
	dst := t.TempDir()

	stats, err := Extract(src, dst, ExtractOptions{})
	require.NoError(t, err)
	assert.Empty(t, stats.Root)
	assert.FileExists(t, filepath.Join(dst, "a.txt"))
	assert.FileExists(t, filepath.Join(dst, "b", "c.txt"))
}

func TestExtract_HardLink(t *testing.T) {
	src := writeArchive(t, "links.tar", tarBytes(t,
		file("root/bin/blender", "binary"),
		hardlink("root/bin/blender-softwaregl", "root/bin/blender"),
	))
	dst := t.TempDir()

	stats, err := Extract(src, dst, ExtractOptions{StripComponents: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Links)

	content, err := os.ReadFile(filepath.Join(dst, "bin", "blender-softwaregl"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(content))
}

func TestExtract_Rejects(t *testing.T) {
	testCases := []struct {
		name    string
		entries []entry
		strip   int
		wantErr error
	}{
		{
			name:    "parent traversal",
			entries: []entry{file("../evil.sh", "x")},
			wantErr: ErrUnsafePath,
		},
		{
			name:    "nested parent traversal",
			entries: []entry{file("root/../../evil.sh", "x")},
			strip:   1,
			wantErr: ErrUnsafePath,
		},
		{
			name:    "absolute path",
			entries: []entry{file("/etc/passwd", "x")},
			wantErr: ErrUnsafePath,
		},
		{
			name:    "absolute symlink",
			entries: []entry{symlink("root/shadow", "/etc/shadow")},
			strip:   1,
			wantErr: ErrUnsafePath,
		},
		{
			name:    "escaping symlink",
			entries: []entry{symlink("root/lib/up", "../../..")},
			strip:   1,
			wantErr: ErrUnsafePath,
		},
		{
			name: "write through symlink",
			entries: []entry{
				symlink("root/lib", "."),
				file("root/lib/payload", "x"),
			},
			strip:   1,
			wantErr: ErrUnsafePath,
		},
		{
			name: "several top-level directories",
			entries: []entry{
				file("blender-2.77a/blender", "x"),
				file("README.txt", "x"),
			},
			strip:   1,
			wantErr: ErrMultipleRoots,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := writeArchive(t, "bad.tar", tarBytes(t, tc.entries...))
			parent := t.TempDir()
			dst := filepath.Join(parent, "dst")
			require.NoError(t, os.Mkdir(dst, 0o755))

			_, err := Extract(src, dst, ExtractOptions{StripComponents: tc.strip})
			require.ErrorIs(t, err, tc.wantErr)

			siblings, err := os.ReadDir(parent)
			require.NoError(t, err)
			assert.Len(t, siblings, 1, "nothing may be written beside the destination")
		})
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	src := writeArchive(t, "release.zip", []byte("PK\x03\x04 not a tarball"))
	_, err := Extract(src, t.TempDir(), ExtractOptions{})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestCreate_ExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "root", "opt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Dockerfile"), []byte("FROM ubuntu:16.04\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "root", "opt", "blender"), []byte("bin"), 0o755))
	require.NoError(t, os.Symlink("blender", filepath.Join(src, "root", "opt", "blender-latest-link")))

	out := filepath.Join(t.TempDir(), "context.tar.gz")
	require.NoError(t, Create(src, out, true))

	dst := t.TempDir()
	stats, err := Extract(out, dst, ExtractOptions{})
	require.NoError(t, err)
	assert.Equal(t, FormatTarGzip, stats.Format)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Symlinks)

	info, err := os.Stat(filepath.Join(dst, "root", "opt", "blender"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "root", "opt", "blender-latest-link"))
	require.NoError(t, err)
	assert.Equal(t, "blender", link)
}

func TestWrite_Deterministic(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c/d.txt"} {
		p := filepath.Join(src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}

	var first, second bytes.Buffer
	require.NoError(t, Write(&first, src, false))
	require.NoError(t, Write(&second, src, false))
	assert.Equal(t, first.Bytes(), second.Bytes())

	var names []string
	tr := tar.NewReader(&first)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
		assert.Zero(t, h.Uid)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c/", "c/d.txt"}, names)
}
