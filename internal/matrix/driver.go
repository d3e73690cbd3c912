// Package matrix builds a set of variants concurrently and summarises the run.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sap-gg/renderbox/internal/assemble"
	"github.com/sap-gg/renderbox/internal/catalog"
	"github.com/sap-gg/renderbox/internal/publish"
)

type Assembler interface {
	Assemble(ctx context.Context, spec catalog.VersionSpec, workDir string) *assemble.Result
}

// Driver runs one Assembler per variant on a bounded pool of workers.
type Driver struct {
	Assembler Assembler
	// Publisher is called for every sealed variant. Nil publishes nothing.
	Publisher publish.Publisher
	// Parallelism bounds the number of concurrent builds. Values below 1 mean 1.
	Parallelism int
	// WorkDir holds one directory per run, and inside it one per variant.
	WorkDir string
	// KeepWork leaves the run directory in place after the run.
	KeepWork bool
}

// Run builds every variant and returns the results in the order of variants.
// A failing variant never stops the others; only ctx does.
func (d *Driver) Run(ctx context.Context, variants []catalog.VersionSpec) *Summary {
	start := time.Now()
	runID := uuid.NewString()
	runDir := filepath.Join(d.WorkDir, runID)

	summary := &Summary{
		Version: SummaryVersion,
		RunID:   runID,
		WorkDir: runDir,
		Results: make([]*Result, len(variants)),
	}
	l := log.With().Str("run", runID).Logger()
	if len(variants) == 0 {
		l.Warn().Msg("no variants selected, nothing to build")
		summary.Duration = time.Since(start)
		return summary
	}

	limit := d.Parallelism
	if limit < 1 {
		limit = 1
	}
	l.Info().
		Int("variants", len(variants)).
		Int("parallelism", limit).
		Str("work_dir", runDir).
		Msg("starting build matrix")

	var g errgroup.Group
	g.SetLimit(limit)
	for i, spec := range variants {
		g.Go(func() error {
			summary.Results[i] = d.build(ctx, spec, filepath.Join(runDir, spec.ID))
			return nil
		})
	}
	_ = g.Wait()

	var combined error
	for _, r := range summary.Results {
		if r.err != nil {
			combined = errors.Join(combined, fmt.Errorf("variant %s: %w", r.VersionID, r.err))
		}
	}
	if combined != nil {
		l.Error().Err(combined).Msg("some variants failed")
	}

	if !d.KeepWork {
		if err := os.RemoveAll(runDir); err != nil {
			l.Warn().Err(err).Msg("removing work directory failed")
		}
		summary.WorkDir = ""
	}
	summary.Duration = time.Since(start)
	return summary
}

func (d *Driver) build(ctx context.Context, spec catalog.VersionSpec, workDir string) *Result {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return &Result{
			VersionID: spec.ID,
			Status:    FetchFailed,
			Error:     err.Error(),
			err:       fmt.Errorf("create work directory: %w", err),
		}
	}

	res := d.Assembler.Assemble(ctx, spec, workDir)
	r := newResult(res)
	if res.State != assemble.Sealed || d.Publisher == nil {
		return r
	}

	start := time.Now()
	err := d.Publisher.Publish(ctx, res.Image)
	if err == nil {
		err = ctx.Err()
	}
	r.Duration += time.Since(start)
	if err != nil {
		log.Error().
			Err(err).
			Str("variant", spec.ID).
			Msg("publishing failed")
		r.Status, r.Error, r.err = PublishFailed, err.Error(), err
	}
	return r
}
