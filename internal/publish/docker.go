package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/archive"
	"github.com/sap-gg/renderbox/internal/assemble"
	"github.com/sap-gg/renderbox/internal/runner"
)

// Docker builds the image with the docker CLI. The build context is streamed
// as a tar archive on stdin, so the daemon may live on another host.
type Docker struct {
	Runner  runner.Runner
	Push    bool
	Timeout time.Duration
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Publish(ctx context.Context, img *assemble.Image) error {
	l := log.With().
		Str("variant", img.VersionID).
		Str("ref", img.Ref).
		Logger()

	if err := d.build(ctx, img); err != nil {
		return &Error{Engine: d.Name(), Ref: img.Ref, Err: err}
	}
	l.Info().Msg("image built")

	if !d.Push {
		return nil
	}
	pushCtx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()
	if err := d.Runner.Run(pushCtx, runner.Command{Name: "docker", Args: []string{"push", img.Ref}}); err != nil {
		return &Error{Engine: d.Name(), Ref: img.Ref, Err: fmt.Errorf("push: %w", err)}
	}
	l.Info().Msg("image pushed")
	return nil
}

func (d *Docker) build(ctx context.Context, img *assemble.Image) error {
	ctx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()

	pr, pw := io.Pipe()
	written := make(chan error, 1)
	go func() {
		err := archive.Write(pw, img.ContextDir, false)
		_ = pw.CloseWithError(err)
		written <- err
	}()

	runErr := d.Runner.Run(ctx, runner.Command{
		Name:  "docker",
		Args:  buildArgs(img),
		Stdin: pr,
	})
	// unblock the writer when docker stopped reading early
	_ = pr.CloseWithError(errors.New("docker build exited"))
	writeErr := <-written

	if runErr != nil {
		return fmt.Errorf("build: %w", runErr)
	}
	if writeErr != nil {
		return fmt.Errorf("stream build context: %w", writeErr)
	}
	return nil
}

func buildArgs(img *assemble.Image) []string {
	return []string{
		"build",
		"--tag", img.Ref,
		"--label", "io.renderbox.version-id=" + img.VersionID,
		"-",
	}
}
