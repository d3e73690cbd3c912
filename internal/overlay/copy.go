package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

var _ Strategy = (*CopyStrategy)(nil)

// CopyStrategy replaces the destination with the source content.
type CopyStrategy struct {
	// Mode of created files, 0644 when zero.
	Mode fs.FileMode
}

func (s *CopyStrategy) Name() string {
	return "copy"
}

func (s *CopyStrategy) Apply(ctx context.Context, src io.Reader, dst string) error {
	log.Debug().Msgf("[copy] writing %q", dst)

	// Best-effort context check, no I/O cancellation
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(dst), err)
	}
	// never write through a symlink shipped with the archive
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace dst %q: %w", dst, err)
	}

	mode := s.Mode
	if mode == 0 {
		mode = 0o644
	}
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create dst %q: %w", dst, err)
	}
	defer df.Close()

	if _, err := io.Copy(df, src); err != nil {
		return fmt.Errorf("copy to %q: %w", dst, err)
	}
	return df.Close()
}
