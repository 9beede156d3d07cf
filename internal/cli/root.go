// Package cli provides the ingest operator command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"projectsync/internal/app"
	"projectsync/internal/config"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg      *config.Config
	pipeline *app.App
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run and manage project ingestion jobs",
	Long: `ingest drives resumable ingestion jobs against the configured upstream sources.

Jobs started here run in this process. Jobs started through the API run in the
API process; stop and cancel reach them through the shared stop signal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogger(cfg.Logging)

		pipeline, err = app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if pipeline != nil {
		pipeline.Close()
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.json", "path to the JSON config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func setupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Timestamp().Logger()
}
