package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "jobqueue",
	Short: "jobqueue - durable background job queue",
	Long: `jobqueue - durable background job queue with at-least-once workers.

Jobs are JSON payloads stored in a memory, badger, sqlite or redis backend.
A pool of workers claims them, retries failures up to max_attempts and
records every outcome.

Examples:
  jobqueue serve                                  # API + worker pool
  jobqueue worker --concurrency 8                 # worker pool only
  jobqueue enqueue '{"kind":"sleep","duration":"1s"}' --max-attempts 5
  jobqueue get 6f1c...`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if logger, err = logging.New(cfg.LogLevel, cfg.LogJSON); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(getCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
