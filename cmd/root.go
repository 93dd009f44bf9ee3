// Package cmd implements the backupd command line interface.
package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"backupd/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	logFile string
	noColor bool
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backupd",
	Short: "Database backup and restore orchestration",
	Long: `backupd extracts full copies of configured database sources, optionally
compresses and encrypts them, stores them durably and verifiably on a
storage backend, and restores them later with integrity and version
safety checks.

Examples:
  # Run one configured backup job immediately
  backupd run nightly

  # Start the scheduler daemon
  backupd serve --config=/etc/backupd/backupd.yaml

  # Restore an artifact into the prod source
  backupd restore --storage=archive --source=prod --path=nightly/nightly-20260301-030000.sql.zst.enc

  # Create an encryption profile
  backupd profile create --name=offsite

  # Verify a stored artifact against its sidecar checksum
  backupd verify --storage=archive --path=nightly/nightly-20260301-030000.sql.zst.enc`,
	SilenceUsage: true,
}

// SetVersionInfo records build-time version details for the version
// command.
func SetVersionInfo(v, bt, gc string) {
	version, buildTime, gitCommit = v, bt, gc
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ~/.config/backupd, /etc/backupd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	cobra.OnInitialize(func() {
		if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
	})
}

// logLevel resolves the effective log level from the global flags.
func logLevel(cfgLevel string) logging.LogLevel {
	switch {
	case quiet:
		return logging.LogLevelQuiet
	case verbose:
		return logging.LogLevelVerbose
	case cfgLevel != "":
		return logging.LogLevel(cfgLevel)
	default:
		return logging.LogLevelNormal
	}
}
