package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sap-gg/renderbox/internal"
	"github.com/sap-gg/renderbox/internal/assemble"
	"github.com/sap-gg/renderbox/internal/catalog"
	"github.com/sap-gg/renderbox/internal/deps"
	"github.com/sap-gg/renderbox/internal/fetch"
	"github.com/sap-gg/renderbox/internal/matrix"
	"github.com/sap-gg/renderbox/internal/publish"
	"github.com/sap-gg/renderbox/internal/runner"
)

var buildFlags = struct {
	manifestPath  string
	only          []string
	tags          []string
	constraint    string
	summaryPath   string
	summaryFormat string
}{}

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:     "build",
	Short:   "Builds an image for every selected variant of the manifest.",
	Long:    buildLongDescription,
	Example: buildExample,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := matrix.CheckFormat(buildFlags.summaryFormat); err != nil {
			return &exitError{code: 2, err: err}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := catalog.Load(ctx, buildFlags.manifestPath)
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		filter := catalog.Filter{Tags: buildFlags.tags, Constraint: buildFlags.constraint}
		if cmd.Flags().Changed("only") {
			// an explicitly empty --only selects nothing
			filter.IDs = append([]string{}, buildFlags.only...)
		}
		variants, err := catalog.Select(c, filter)
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		applier, err := newDependencyApplier()
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		assembler, err := assemble.New(c, fetch.New(nil, fetchOptions()), applier)
		if err != nil {
			return &exitError{code: 2, err: fmt.Errorf("creating assembler: %w", err)}
		}

		engine := viper.GetString(PublishEngineKey)
		publisher, err := publish.New(publish.Options{
			Engine:  engine,
			Push:    viper.GetBool(PublishPushKey),
			Timeout: viper.GetDuration(PublishTimeoutKey),
			OutDir:  viper.GetString(PublishOutKey),
		})
		if err != nil {
			return &exitError{code: 2, err: err}
		}

		workDir, err := filepath.Abs(viper.GetString(BuildWorkDirKey))
		if err != nil {
			return fmt.Errorf("resolving work directory: %w", err)
		}
		driver := &matrix.Driver{
			Assembler:   assembler,
			Publisher:   publisher,
			Parallelism: viper.GetInt(BuildParallelismKey),
			WorkDir:     workDir,
			// without a publisher the sealed contexts are the result
			KeepWork: viper.GetBool(BuildKeepWorkKey) || publisher.Name() == "none",
		}

		summary := driver.Run(ctx, variants)
		summary.PrintTable(os.Stderr)
		if summary.WorkDir != "" {
			log.Info().Str("dir", summary.WorkDir).Msg("build contexts kept")
		}

		if err := writeSummary(cmd, summary); err != nil {
			return err
		}

		if code := summary.ExitCode(); code != 0 {
			return &exitError{code: code}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return &exitError{code: 1, err: ctx.Err()}
		}
		return nil
	},
}

func fetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	if v := viper.GetInt(FetchAttemptsKey); v > 0 {
		opts.Attempts = v
	}
	if v := viper.GetDuration(FetchBackoffKey); v > 0 {
		opts.Backoff = v
	}
	if v := viper.GetDuration(FetchMaxBackoffKey); v > 0 {
		opts.MaxBackoff = v
	}
	if v := viper.GetDuration(FetchTimeoutKey); v > 0 {
		opts.Timeout = v
	}
	opts.CacheDir = viper.GetString(FetchCacheDirKey)
	opts.Token = viper.GetString(FetchTokenKey)

	// bars of concurrent downloads would overwrite each other
	switch viper.GetString(FetchProgressKey) {
	case "always":
		opts.Progress = true
	case "auto", "":
		opts.Progress = viper.GetInt(BuildParallelismKey) <= 1 && isatty.IsTerminal(os.Stderr.Fd())
	}
	return opts
}

func newDependencyApplier() (deps.Applier, error) {
	switch mode := viper.GetString(PackagesApplyKey); mode {
	case "", "image":
		return deps.ImageApplier{}, nil
	case "host":
		return &deps.HostApplier{
			Runner:  runner.Exec{},
			Timeout: viper.GetDuration(PackagesTimeoutKey),
		}, nil
	default:
		return nil, fmt.Errorf("unknown package apply mode %q (want image or host)", mode)
	}
}

func writeSummary(cmd *cobra.Command, summary *matrix.Summary) error {
	var w io.Writer = cmd.OutOrStdout()
	if buildFlags.summaryPath != "" {
		f, err := os.Create(buildFlags.summaryPath)
		if err != nil {
			return fmt.Errorf("creating summary file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := summary.Write(cmd.Context(), w, buildFlags.summaryFormat); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildFlags.manifestPath, "manifest", "m", internal.ManifestFileName,
		"Path to the manifest file (.yaml or .toml)")
	buildCmd.Flags().StringSliceVar(&buildFlags.only, "only", nil,
		"Only build these version ids (comma-separated)")
	buildCmd.Flags().StringSliceVarP(&buildFlags.tags, "tag", "t", nil,
		"Only build variants carrying any of these tags")
	buildCmd.Flags().StringVar(&buildFlags.constraint, "constraint", "",
		"Only build variants whose series matches this semver constraint, e.g. \">= 2.78\"")
	buildCmd.Flags().StringVar(&buildFlags.summaryPath, "summary", "",
		"Write the summary to this file instead of stdout")
	buildCmd.Flags().StringVar(&buildFlags.summaryFormat, "summary-format", "yaml",
		"Summary format: yaml, json")

	buildCmd.Flags().IntP("parallelism", "j", 2, "Number of variants built concurrently")
	_ = viper.BindPFlag(BuildParallelismKey, buildCmd.Flags().Lookup("parallelism"))
	buildCmd.Flags().String("work-dir", filepath.Join(os.TempDir(), "renderbox"), "Directory for build contexts")
	_ = viper.BindPFlag(BuildWorkDirKey, buildCmd.Flags().Lookup("work-dir"))
	buildCmd.Flags().Bool("keep-work", false, "Keep the build contexts after the run")
	_ = viper.BindPFlag(BuildKeepWorkKey, buildCmd.Flags().Lookup("keep-work"))

	buildCmd.Flags().Int("attempts", 3, "Maximum download attempts per archive")
	_ = viper.BindPFlag(FetchAttemptsKey, buildCmd.Flags().Lookup("attempts"))
	buildCmd.Flags().Duration("fetch-timeout", 10*time.Minute, "Timeout of a single download attempt")
	_ = viper.BindPFlag(FetchTimeoutKey, buildCmd.Flags().Lookup("fetch-timeout"))
	buildCmd.Flags().String("cache-dir", fetch.DefaultCacheDir(), "Cache archives with a declared checksum in this directory, empty disables the cache")
	_ = viper.BindPFlag(FetchCacheDirKey, buildCmd.Flags().Lookup("cache-dir"))
	buildCmd.Flags().String("progress", "auto", "Download progress bars: auto, always, never")
	_ = viper.BindPFlag(FetchProgressKey, buildCmd.Flags().Lookup("progress"))

	buildCmd.Flags().String("apply-packages", "image", "Where OS packages are installed: image, host")
	_ = viper.BindPFlag(PackagesApplyKey, buildCmd.Flags().Lookup("apply-packages"))
	buildCmd.Flags().Duration("packages-timeout", 15*time.Minute, "Timeout of a single package manager command")
	_ = viper.BindPFlag(PackagesTimeoutKey, buildCmd.Flags().Lookup("packages-timeout"))

	buildCmd.Flags().String("publish", "none", "Publish engine: docker, tarball, none")
	_ = viper.BindPFlag(PublishEngineKey, buildCmd.Flags().Lookup("publish"))
	buildCmd.Flags().Bool("push", false, "Push images after a docker build")
	_ = viper.BindPFlag(PublishPushKey, buildCmd.Flags().Lookup("push"))
	buildCmd.Flags().Duration("publish-timeout", 30*time.Minute, "Timeout of a single build or push")
	_ = viper.BindPFlag(PublishTimeoutKey, buildCmd.Flags().Lookup("publish-timeout"))
	buildCmd.Flags().StringP("out", "o", "images", "Output directory of the tarball engine")
	_ = viper.BindPFlag(PublishOutKey, buildCmd.Flags().Lookup("out"))
}

const (
	buildLongDescription = `The build command reads the manifest, selects variants and builds each of them
independently: the release archive is downloaded and verified, unpacked below
the shared install prefix, and the OS packages of the variant are resolved.
The result is a sealed build context (Dockerfile, image descriptor, environment
file and ` + internal.LockFileName + `) that is handed to the publish engine.

A failing variant never stops the others. The command exits with 0 when every
selected variant was built, 1 when any failed and 2 when the manifest is invalid.`

	buildExample = `
# Build every variant into local docker images
renderbox build --publish docker

# Build two releases and keep their build contexts
renderbox build --only 2.79b,2.80 --keep-work

# Build all 2.8x releases, four at a time, and write a JSON summary
renderbox build --constraint "~2.8" -j 4 --summary result.json --summary-format json`
)
