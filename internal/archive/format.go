package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format is the compression wrapped around a tar stream.
type Format string

const (
	FormatTar      Format = "tar"
	FormatTarGzip  Format = "tar.gz"
	FormatTarBzip2 Format = "tar.bz2"
	FormatTarXz    Format = "tar.xz"
	FormatTarZstd  Format = "tar.zst"
)

var ErrUnsupportedFormat = errors.New("unsupported archive format")

var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGzip},
	{".tgz", FormatTarGzip},
	{".tar.bz2", FormatTarBzip2},
	{".tbz2", FormatTarBzip2},
	{".tbz", FormatTarBzip2},
	{".tar.xz", FormatTarXz},
	{".txz", FormatTarXz},
	{".tar.zst", FormatTarZstd},
	{".tzst", FormatTarZstd},
	{".tar", FormatTar},
}

// FormatFromName picks the format from a file name suffix.
func FormatFromName(name string) (Format, bool) {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format, true
		}
	}
	return "", false
}

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar = []byte("ustar")
)

// sniff detects the format from the first bytes of a stream.
func sniff(head []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGzip, true
	case bytes.HasPrefix(head, magicBzip2):
		return FormatTarBzip2, true
	case bytes.HasPrefix(head, magicXz):
		return FormatTarXz, true
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZstd, true
	case len(head) >= 262 && bytes.Equal(head[257:262], magicUstar):
		return FormatTar, true
	}
	return "", false
}

// decompress wraps r so that it yields the plain tar stream. The format is
// taken from name when possible and sniffed from the content otherwise.
func decompress(name string, r io.Reader) (io.ReadCloser, Format, error) {
	br := bufio.NewReaderSize(r, 512)

	format, ok := FormatFromName(name)
	if !ok {
		head, _ := br.Peek(512)
		if format, ok = sniff(head); !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
		}
	}

	switch format {
	case FormatTar:
		return io.NopCloser(br), format, nil
	case FormatTarGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("create gzip reader: %w", err)
		}
		return zr, format, nil
	case FormatTarBzip2:
		return io.NopCloser(bzip2.NewReader(br)), format, nil
	case FormatTarXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("create xz reader: %w", err)
		}
		return io.NopCloser(xr), format, nil
	case FormatTarZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), format, nil
	}
	return nil, format, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}
