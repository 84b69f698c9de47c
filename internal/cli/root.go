// Package cli implements the magpie command-line interface.
package cli

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"project-magpie/internal/config"
	"project-magpie/internal/logger"
)

var (
	flagWorkDir string
	flagDevMode bool
	flagLogFile bool
	flagLogNone bool
)

var rootCmd = &cobra.Command{
	Use:   "magpie",
	Short: "Personal download server driving yt-dlp",
	Long: `Magpie queues video and playlist downloads, runs them through yt-dlp
and serves a small authenticated web UI to watch and control the queue.

Quick start:
  magpie run                  Start the server in the foreground
  magpie get-token            Print the admin api token
  magpie install-service      Register the server with the OS service manager`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagLogFile && flagLogNone {
			return errors.New("--log-file and --log-none are mutually exclusive")
		}
		return nil
	},
}

// Execute runs the selected subcommand and returns its error.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkDir, "workdir", "", "working directory (default is the current directory)")
	rootCmd.PersistentFlags().BoolVar(&flagDevMode, "dev-mode", false, "keep config, db and logs under the working directory")
	rootCmd.PersistentFlags().BoolVar(&flagLogFile, "log-file", false, "write logs to a file instead of the console")
	rootCmd.PersistentFlags().BoolVar(&flagLogNone, "log-none", false, "disable logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newGetTokenCmd())
	rootCmd.AddCommand(newInstallServiceCmd())
	rootCmd.AddCommand(newUninstallServiceCmd())
}

// resolveWorkDir pins the working directory to an absolute path so the
// service manager, which starts us anywhere, sees the same layout as a
// foreground run.
func resolveWorkDir() (string, error) {
	if flagWorkDir != "" {
		return filepath.Abs(flagWorkDir)
	}
	return os.Getwd()
}

func buildLogger(paths config.Paths) (*slog.Logger, error) {
	switch {
	case flagLogNone:
		return logger.NewNop(), nil
	case flagLogFile:
		return logger.NewFile(paths.LogDir)
	default:
		return logger.New(os.Stderr), nil
	}
}
