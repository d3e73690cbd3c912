package publish

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-gg/renderbox/internal/archive"
	"github.com/sap-gg/renderbox/internal/assemble"
	"github.com/sap-gg/renderbox/internal/runner"
)

// fakeRunner records commands and the tar members streamed on stdin.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	members  []string
	failOn   string
}

func (r *fakeRunner) Run(ctx context.Context, cmd runner.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd.String())
	if r.failOn != "" && cmd.Args[0] == r.failOn {
		return errors.New("exit status 1")
	}
	if cmd.Stdin != nil {
		tr := tar.NewReader(cmd.Stdin)
		for {
			h, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			r.members = append(r.members, h.Name)
		}
	}
	return nil
}

func sealedImage(t *testing.T) *assemble.Image {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "root"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM ubuntu:16.04\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root", "blender"), []byte("#!/bin/sh\n"), 0o755))

	return &assemble.Image{
		Descriptor: assemble.Descriptor{
			VersionID: "2.79b",
			Image:     "renderbox/blender",
			Tag:       "2.79b",
			Ref:       "renderbox/blender:2.79b",
		},
		ContextDir: dir,
	}
}

func TestNew(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())

	p, err = New(Options{Engine: "docker"})
	require.NoError(t, err)
	assert.Equal(t, "docker", p.Name())

	_, err = New(Options{Engine: "tarball"})
	assert.Error(t, err, "tarball needs an output directory")

	_, err = New(Options{Engine: "podman"})
	assert.ErrorContains(t, err, "unknown publish engine")
}

func TestDocker_Publish(t *testing.T) {
	r := &fakeRunner{}
	p := &Docker{Runner: r, Push: true}

	require.NoError(t, p.Publish(context.Background(), sealedImage(t)))

	assert.Equal(t, []string{
		"docker build --tag renderbox/blender:2.79b --label io.renderbox.version-id=2.79b -",
		"docker push renderbox/blender:2.79b",
	}, r.commands)
	sort.Strings(r.members)
	assert.Equal(t, []string{"Dockerfile", "root/", "root/blender"}, r.members)
}

func TestDocker_PublishFailures(t *testing.T) {
	for _, step := range []string{"build", "push"} {
		t.Run(step, func(t *testing.T) {
			p := &Docker{Runner: &fakeRunner{failOn: step}, Push: true}

			err := p.Publish(context.Background(), sealedImage(t))

			var publishErr *Error
			require.True(t, errors.As(err, &publishErr))
			assert.Equal(t, "docker", publishErr.Engine)
			assert.Equal(t, "renderbox/blender:2.79b", publishErr.Ref)
			assert.ErrorContains(t, err, step)
		})
	}
}

func TestTarball_Publish(t *testing.T) {
	out := filepath.Join(t.TempDir(), "images")
	p := &Tarball{OutDir: out}
	img := sealedImage(t)

	require.NoError(t, p.Publish(context.Background(), img))

	dst := t.TempDir()
	_, err := archive.Extract(filepath.Join(out, "2.79b.tar.gz"), dst, archive.ExtractOptions{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dst, "Dockerfile"))
	assert.FileExists(t, filepath.Join(dst, "root", "blender"))
}

func TestTarball_PublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Tarball{OutDir: t.TempDir()}).Publish(ctx, sealedImage(t))

	assert.ErrorIs(t, err, context.Canceled)
}
