package main

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/zerverless/jobqueue/internal/config"
)

var maxAttempts int

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <payload-json>",
	Short: "Add a job to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSharedStore(cfg); err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.Enqueue(cmd.Context(), json.RawMessage(args[0]), maxAttempts)
		if err != nil {
			return err
		}
		j, err := store.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(j)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSharedStore(cfg); err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		j, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(j)
	},
}

func init() {
	enqueueCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (0 uses pool.max_attempts)")
}

// requireSharedStore rejects backends another process cannot open while
// serve or worker is running: memory lives inside that process and badger
// holds an exclusive directory lock.
func requireSharedStore(cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendMemory, config.BackendBadger:
		return errors.Newf("the %s backend is private to the serving process; use sqlite or redis, or POST /api/jobs", cfg.Store.Backend)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
