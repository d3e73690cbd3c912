package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/catalog"
)

// Applier places the overlays of a variant into an installed tree.
type Applier struct {
	Registry *Registry
	// BaseDir is what overlay sources are relative to, usually the manifest directory.
	BaseDir string
}

// Apply runs every overlay in order and returns the tree-relative paths it wrote.
func (a *Applier) Apply(ctx context.Context, rootDir string, overlays []catalog.Overlay) ([]string, error) {
	written := make([]string, 0, len(overlays))
	for _, o := range overlays {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := a.apply(ctx, rootDir, o); err != nil {
			return written, fmt.Errorf("overlay %q -> %q: %w", o.From, o.To, err)
		}
		written = append(written, filepath.ToSlash(filepath.Clean(o.To)))
	}
	return written, nil
}

func (a *Applier) apply(ctx context.Context, rootDir string, o catalog.Overlay) error {
	to := filepath.FromSlash(o.To)
	if !filepath.IsLocal(to) {
		return fmt.Errorf("destination %q escapes the install root", o.To)
	}
	dst := filepath.Join(rootDir, to)

	strategy, err := a.Registry.For(o.Strategy, dst)
	if err != nil {
		return err
	}

	src := filepath.FromSlash(o.From)
	if !filepath.IsAbs(src) {
		src = filepath.Join(a.BaseDir, src)
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	log.Debug().
		Str("strategy", strategy.Name()).
		Str("from", src).
		Str("to", o.To).
		Msg("applying overlay")
	return strategy.Apply(ctx, f, dst)
}
