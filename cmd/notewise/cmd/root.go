// Package cmd provides the CLI commands for the notewise engine.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/errors"
	"github.com/notewise/notewise/internal/logging"
)

// Exit codes follow the sysexits convention.
const (
	ExitOK       = 0
	ExitUsage    = 64
	ExitInternal = 70
	ExitIO       = 74
)

var (
	flagStorageDir string
	flagConfigPath string
	flagDebug      bool
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notewise",
		Short: "Local AI augmentation engine for notes",
		Long: `Notewise maintains a persistent vector index over note files and
answers nearest-neighbor queries that drive real-time suggestions.

The storage directory is taken from --dir, the config file, or the
` + config.EnvStorageDir + ` environment variable, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagStorageDir, "dir", "", "storage directory")
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newCompactCmd(),
		newVerifyCmd(),
		newBackupCmd(),
		newRecoverCmd(),
		newStatsCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "notewise: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

// exitCode maps an error to its exit code by kind.
func exitCode(err error) int {
	switch errors.GetKind(err) {
	case errors.KindConfig, errors.KindValidation:
		return ExitUsage
	case errors.KindIO, errors.KindCorruption, errors.KindNotFound:
		return ExitIO
	default:
		return ExitInternal
	}
}

// loadConfig loads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if flagConfigPath != "" {
		return config.Load(flagConfigPath)
	}
	return config.DefaultConfig(), nil
}

// setupLogging initializes CLI logging. Commands defer the cleanup.
func setupLogging() func() {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if flagDebug {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return func() {}
	}
	slog.SetDefault(logger)
	return cleanup
}
