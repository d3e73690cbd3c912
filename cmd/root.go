package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sap-gg/renderbox/internal/logging"
)

var cfgFile string

const (
	LogLevelKey   = "log.level"
	LogFormatKey  = "log.format"
	LogNoColorKey = "log.no_color"

	BuildParallelismKey = "build.parallelism"
	BuildWorkDirKey     = "build.work_dir"
	BuildKeepWorkKey    = "build.keep_work"

	FetchAttemptsKey   = "fetch.attempts"
	FetchBackoffKey    = "fetch.backoff"
	FetchMaxBackoffKey = "fetch.max_backoff"
	FetchTimeoutKey    = "fetch.timeout"
	FetchCacheDirKey   = "fetch.cache_dir"
	FetchTokenKey      = "fetch.token"
	FetchProgressKey   = "fetch.progress"

	PackagesApplyKey   = "packages.apply"
	PackagesTimeoutKey = "packages.timeout"

	PublishEngineKey  = "publish.engine"
	PublishPushKey    = "publish.push"
	PublishTimeoutKey = "publish.timeout"
	PublishOutKey     = "publish.out"
)

var rootCmd = &cobra.Command{
	Use:   "renderbox",
	Short: "Builds container images for pinned releases of a 3D rendering application",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, configErr := initConfig()
		logging.Init(logging.Options{
			Level:     viper.GetString(LogLevelKey),
			Format:    viper.GetString(LogFormatKey),
			NoColor:   viper.GetBool(LogNoColorKey),
			Sensitive: []string{viper.GetString(FetchTokenKey)},
		})
		if configErr != nil { // handle error after logging is initialized
			return configErr
		}
		if configPath != "" {
			log.Info().Msgf("using config file: %s", configPath)
		}
		return nil
	},
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := 1
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		code = exitErr.code
		err = exitErr.err
	}
	if err != nil {
		log.Error().Err(err).Msg("command execution failed")
	}
	os.Exit(code)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.renderbox.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = viper.BindPFlag(LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "console", "log format: console, json")
	_ = viper.BindPFlag(LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().Bool("no-color", false, "disable color output")
	_ = viper.BindPFlag(LogNoColorKey, rootCmd.PersistentFlags().Lookup("no-color"))

	viper.SetEnvPrefix("RENDERBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func initConfig() (string, error) {
	// reads in config file and ENV variables if set.
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// search order: current dir, $HOME, XDG config
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}

		config, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(config + "/renderbox")
		}

		viper.SetConfigType("yaml")
		viper.SetConfigName(".renderbox")
	}

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		var notFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundError) {
			return "", err
		}
	} else {
		return viper.ConfigFileUsed(), nil
	}

	return "", nil
}
