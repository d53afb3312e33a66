// Package cli provides the command-line interface for contentpipe.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/config"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/logging"
)

var (
	// Global flags
	verbose bool

	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "contentpipe",
	Short: "Content pipeline orchestrator",
	Long: `Contentpipe carries social media content runs through a chain of remote
stage services: upload, trend discovery, analysis, poster generation and
quality scoring with caption finalization.

Configuration is read from CONTENTPIPE_* environment variables.`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		envCfg, err := config.New()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = envCfg

		level := cfg.LogLevel()
		// one-shot commands print their own output; keep logs for problems
		if cmd.Name() != "serve" && !verbose {
			level = "error"
		}
		logger, closeLog = logging.NewFileLogger(level, cfg.LogFile())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(runCmd)
}

