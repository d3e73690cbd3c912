package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/archive"
	"github.com/sap-gg/renderbox/internal/assemble"
)

// Tarball writes each build context to <OutDir>/<versionId>.tar.gz.
type Tarball struct {
	OutDir string
}

func (t *Tarball) Name() string { return "tarball" }

func (t *Tarball) Publish(ctx context.Context, img *assemble.Image) error {
	if err := ctx.Err(); err != nil {
		return &Error{Engine: t.Name(), Ref: img.Ref, Err: err}
	}
	if err := os.MkdirAll(t.OutDir, 0o755); err != nil {
		return &Error{Engine: t.Name(), Ref: img.Ref, Err: err}
	}

	dst := filepath.Join(t.OutDir, img.VersionID+".tar.gz")
	if err := archive.Create(img.ContextDir, dst, true); err != nil {
		_ = os.Remove(dst)
		return &Error{Engine: t.Name(), Ref: img.Ref, Err: fmt.Errorf("write %s: %w", dst, err)}
	}
	log.Info().
		Str("variant", img.VersionID).
		Str("path", dst).
		Msg("build context written")
	return nil
}
