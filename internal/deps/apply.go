package deps

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sap-gg/renderbox/internal/catalog"
	"github.com/sap-gg/renderbox/internal/runner"
)

// Plan is a resolved package set waiting to be applied.
type Plan struct {
	VersionID string
	Packages  Set
	Manager   Manager
}

// Applied describes how a plan was carried out.
type Applied struct {
	Packages Set
	Manager  string
	// Commands are the package manager commands. For image builds they still
	// have to run, as part of the image recipe.
	Commands []string
	// OnHost is true when the commands already ran on the build host.
	OnHost bool
}

// Applier carries out a plan.
type Applier interface {
	Apply(ctx context.Context, plan Plan) (*Applied, error)
}

// ImageApplier defers the installation to the image build: the base image
// supplies the package manager and the commands become part of the recipe.
type ImageApplier struct{}

func (ImageApplier) Apply(_ context.Context, plan Plan) (*Applied, error) {
	return &Applied{
		Packages: plan.Packages,
		Manager:  plan.Manager.Name(),
		Commands: plan.Manager.Install(plan.Packages),
	}, nil
}

// HostApplier runs the package manager on the build host, for builds that
// already execute inside the target base image.
type HostApplier struct {
	Runner runner.Runner
	// Timeout bounds every single command.
	Timeout time.Duration
}

func (a *HostApplier) Apply(ctx context.Context, plan Plan) (*Applied, error) {
	commands := plan.Manager.Install(plan.Packages)
	for _, command := range commands {
		if err := a.run(ctx, command); err != nil {
			return nil, &ApplyError{Manager: plan.Manager.Name(), Command: command, Err: err}
		}
	}
	return &Applied{
		Packages: plan.Packages,
		Manager:  plan.Manager.Name(),
		Commands: commands,
		OnHost:   true,
	}, nil
}

func (a *HostApplier) run(ctx context.Context, command string) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	return a.Runner.Run(ctx, runner.Command{Name: "sh", Args: []string{"-c", command}})
}

// Resolver resolves and applies the package set of a variant.
type Resolver struct {
	Baseline []string
	Manager  Manager
	Applier  Applier
}

// Configure resolves the package set of spec and applies it.
func (r *Resolver) Configure(ctx context.Context, spec catalog.VersionSpec) (*Applied, error) {
	set, err := Resolve(spec, r.Baseline)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	applied, err := r.Applier.Apply(ctx, Plan{VersionID: spec.ID, Packages: set, Manager: r.Manager})
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("variant", spec.ID).
		Str("manager", applied.Manager).
		Strs("packages", applied.Packages).
		Bool("on_host", applied.OnHost).
		Msg("dependencies configured")
	return applied, nil
}
