// Package cmd implements the gosqueeze command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/config"
	"github.com/3leaps/gosqueeze/internal/observability"
)

const binaryName = "gosqueeze"

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile         string
	verbose         bool
	readOnly        bool
	logLevel        string
	dataDir         string
	registryBackend string
	outputURI       string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Durable size-bounded image compression jobs",
	Long: `gosqueeze re-encodes images as JPEG at the highest quality that fits a
byte ceiling. Jobs are persisted before they run, survive restarts, and can be
watched until they finish.

Examples:
  gosqueeze submit ./hero.png --ceiling 200KiB --wait
  gosqueeze worker
  gosqueeze jobs list`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(binaryName, verbose)
	},
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/gosqueeze/gosqueeze.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&readOnly, "readonly", false, "Refuse commands that create, run or delete jobs")
	pf.StringVar(&logLevel, "log-level", "", "Log level for worker and serve: debug, info, warn, error")
	pf.StringVar(&dataDir, "data-dir", "", "Data directory for the job registry and default outputs")
	pf.StringVar(&registryBackend, "registry", "", "Job registry backend: file or sqlite")
	pf.StringVar(&outputURI, "output", "", "Output destination: directory or s3://bucket/prefix/")

	_ = viper.BindPFlag("readonly", pf.Lookup("readonly"))
}

// setDefaults seeds the global viper instance so flag help and `viper.Get`
// agree with config.Load.
func setDefaults() {
	config.ApplyDefaults(viper.GetViper())
	viper.SetDefault("readonly", false)
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		observability.CLILogger.Error(exitErr.Message, zap.Error(exitErr.Err))
		return exitErr.Code
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// requireWritable rejects mutating commands under --readonly.
func requireWritable(action string) error {
	if readOnly || viper.GetBool("readonly") {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing "+action,
			fmt.Errorf("disable --readonly to %s", action))
	}
	return nil
}

// loadConfig resolves configuration with persistent flags as the highest
// precedence layer.
func loadConfig(ctx context.Context) (*config.Config, error) {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if v := strings.TrimSpace(logLevel); v != "" {
		overrides["logging.level"] = v
	}
	if v := strings.TrimSpace(dataDir); v != "" {
		overrides["data_dir"] = v
	}
	if v := strings.TrimSpace(registryBackend); v != "" {
		overrides["registry.backend"] = v
	}
	if v := strings.TrimSpace(outputURI); v != "" {
		overrides["output.uri"] = v
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// configureLogger installs the configured service logger for long-running
// commands.
func configureLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := observability.Configure(observability.Options{
		Service: binaryName,
		Level:   level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return logger, nil
}
