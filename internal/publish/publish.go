// Package publish turns sealed build contexts into images or tarballs.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/sap-gg/renderbox/internal/assemble"
	"github.com/sap-gg/renderbox/internal/runner"
)

// Publisher hands a sealed image to its destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, img *assemble.Image) error
}

// Error is returned for every failed publish.
type Error struct {
	Engine string
	Ref    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish %s via %s: %v", e.Ref, e.Engine, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures the publisher returned by New.
type Options struct {
	// Engine is docker, tarball or none.
	Engine string
	// Push the image after a docker build.
	Push bool
	// Timeout bounds each build or push. Zero means no limit.
	Timeout time.Duration
	// OutDir receives the tarballs of the tarball engine.
	OutDir string
	// Runner runs docker. Defaults to runner.Exec.
	Runner runner.Runner
}

// New creates the publisher named by opts.Engine.
func New(opts Options) (Publisher, error) {
	switch opts.Engine {
	case "", "none":
		return None{}, nil
	case "docker":
		r := opts.Runner
		if r == nil {
			r = runner.Exec{}
		}
		return &Docker{Runner: r, Push: opts.Push, Timeout: opts.Timeout}, nil
	case "tarball":
		if opts.OutDir == "" {
			return nil, fmt.Errorf("tarball publisher needs an output directory")
		}
		return &Tarball{OutDir: opts.OutDir}, nil
	}
	return nil, fmt.Errorf("unknown publish engine %q (want docker, tarball or none)", opts.Engine)
}

// None leaves the sealed context where it is.
type None struct{}

func (None) Name() string { return "none" }

func (None) Publish(context.Context, *assemble.Image) error { return nil }

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
