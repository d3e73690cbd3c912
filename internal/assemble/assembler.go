package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/catalog"
	"github.com/sap-gg/renderbox/internal/deps"
	"github.com/sap-gg/renderbox/internal/fetch"
	"github.com/sap-gg/renderbox/internal/install"
	"github.com/sap-gg/renderbox/internal/lockfile"
	"github.com/sap-gg/renderbox/internal/overlay"
)

type Fetcher interface {
	Fetch(ctx context.Context, spec catalog.VersionSpec, scratchDir string) (*fetch.Artifact, error)
}

type Installer interface {
	Install(ctx context.Context, art *fetch.Artifact, targetDir string) (*install.Environment, error)
}

type DependencyConfigurer interface {
	Configure(ctx context.Context, spec catalog.VersionSpec) (*deps.Applied, error)
}

type OverlayApplier interface {
	Apply(ctx context.Context, rootDir string, overlays []catalog.Overlay) ([]string, error)
}

// Result is the outcome of assembling one variant.
type Result struct {
	VersionID string
	State     State
	ImageTag  string
	// Image is set once the variant is Sealed.
	Image *Image
	// Transitions lists every state the build passed through, starting with Pending.
	Transitions []State
	Err         error
	Duration    time.Duration
}

// Assembler turns a VersionSpec into a sealed build context.
type Assembler struct {
	Catalog   *catalog.Catalog
	Fetcher   Fetcher
	Installer Installer
	Deps      DependencyConfigurer
	// Overlays may be nil when no variant uses overlays.
	Overlays OverlayApplier
}

// New wires an Assembler for c with the default installer, resolver and overlay strategies.
func New(c *catalog.Catalog, f Fetcher, applier deps.Applier) (*Assembler, error) {
	manager, err := deps.ManagerFor(c.PackageManager)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		Catalog: c,
		Fetcher: f,
		Installer: install.New(install.Options{
			Prefix:          c.Prefix,
			Entrypoint:      c.Entrypoint,
			StripComponents: c.StripComponents,
		}),
		Deps: &deps.Resolver{
			Baseline: c.Baseline,
			Manager:  manager,
			Applier:  applier,
		},
		Overlays: &overlay.Applier{
			Registry: overlay.DefaultRegistry(),
			BaseDir:  c.Dir,
		},
	}, nil
}

// build tracks the state machine of one Assemble call.
type build struct {
	result *Result
	log    zerolog.Logger
	start  time.Time
}

func (b *build) transition(to State) {
	from := b.result.State
	mustTransition(from, to)
	b.result.State = to
	b.result.Transitions = append(b.result.Transitions, to)
	b.log.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("build state changed")
}

func (b *build) fail(err error) *Result {
	b.transition(failureOf(b.result.State))
	b.result.Err = err
	b.result.Duration = time.Since(b.start)
	b.log.Error().
		Err(err).
		Str("state", string(b.result.State)).
		Msg("variant build failed")
	return b.result
}

// Assemble runs fetch, install and dependency configuration for spec inside
// workDir and seals the result. workDir must belong to this build alone.
// Assemble never returns an error; failures are reported in the Result.
func (a *Assembler) Assemble(ctx context.Context, spec catalog.VersionSpec, workDir string) *Result {
	b := &build{
		result: &Result{
			VersionID:   spec.ID,
			State:       Pending,
			Transitions: []State{Pending},
		},
		log:   log.With().Str("variant", spec.ID).Logger(),
		start: time.Now(),
	}

	scratchDir := filepath.Join(workDir, "scratch")
	contextDir := filepath.Join(workDir, "context")
	rootDir := filepath.Join(contextDir, internal.ContextRootDir)

	b.transition(Fetching)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return b.fail(fmt.Errorf("create scratch directory: %w", err))
	}
	art, err := a.Fetcher.Fetch(ctx, spec, scratchDir)
	if err != nil {
		return b.fail(err)
	}

	b.transition(Installing)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return b.fail(fmt.Errorf("create context directory: %w", err))
	}
	env, err := a.Installer.Install(ctx, art, rootDir)
	if err != nil {
		return b.fail(err)
	}
	// the artifact is consumed exactly once
	if err := os.RemoveAll(scratchDir); err != nil {
		b.log.Warn().Err(err).Msg("removing scratch directory failed")
	}

	var overlays []string
	if len(spec.Overlays) > 0 {
		if a.Overlays == nil {
			return b.fail(fmt.Errorf("variant declares overlays but no overlay applier is configured"))
		}
		if overlays, err = a.Overlays.Apply(ctx, rootDir, spec.Overlays); err != nil {
			return b.fail(err)
		}
	}
	lock := env.Lock
	if len(overlays) > 0 || lock == nil {
		if lock, err = lockfile.Build(ctx, rootDir); err != nil {
			return b.fail(fmt.Errorf("lock installed tree: %w", err))
		}
		env.Lock, env.TreeDigest, env.Files = lock, lock.TreeDigest, len(lock.Files)
	}

	b.transition(ConfiguringDependencies)
	applied, err := a.Deps.Configure(ctx, spec)
	if err != nil {
		return b.fail(err)
	}
	env.DependencySet = applied.Packages

	img := a.image(spec, art, env, applied, contextDir, overlays)
	if err := seal(ctx, img, lock); err != nil {
		return b.fail(fmt.Errorf("seal: %w", err))
	}
	// nothing cancelled may be reported as sealed
	if err := ctx.Err(); err != nil {
		return b.fail(err)
	}

	b.transition(Sealed)
	b.result.ImageTag = spec.ID
	b.result.Image = img
	b.result.Duration = time.Since(b.start)
	b.log.Info().
		Str("ref", img.Ref).
		Str("tree_digest", img.TreeDigest).
		Dur("took", b.result.Duration).
		Msg("variant sealed")
	return b.result
}

func (a *Assembler) image(
	spec catalog.VersionSpec,
	art *fetch.Artifact,
	env *install.Environment,
	applied *deps.Applied,
	contextDir string,
	overlays []string,
) *Image {
	img := &Image{
		Descriptor: Descriptor{
			Version:        internal.DescriptorVersion,
			VersionID:      spec.ID,
			Image:          a.Catalog.Image,
			Tag:            spec.ID,
			Ref:            a.Catalog.ImageRef(spec),
			BaseImage:      spec.BaseImageRef,
			Prefix:         env.RootPath,
			Path:           env.PathEnv,
			Entrypoint:     append([]string{env.Entrypoint}, a.Catalog.EntrypointArgs...),
			PackageManager: applied.Manager,
			Packages:       slices.Clone(env.DependencySet),
			Env:            spec.Env,
			Overlays:       overlays,
			Source: Source{
				URL:    art.SourceURL,
				Size:   art.Size,
				SHA256: art.Checksum,
			},
			TreeDigest: env.TreeDigest,
		},
		ContextDir: contextDir,
	}
	if !applied.OnHost {
		img.Commands = applied.Commands
	}
	return img
}
