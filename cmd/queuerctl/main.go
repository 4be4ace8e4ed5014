// Command queuerctl is an operator CLI over the public pkg/queuert surface:
// inspect a chain, wait for it to finish, or delete a stuck root chain. It
// carries no engine logic of its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kvet/queuert/internal/infrastructure/config"
	"github.com/kvet/queuert/internal/infrastructure/logging"
	"github.com/kvet/queuert/internal/infrastructure/notify/memory"
	"github.com/kvet/queuert/internal/infrastructure/registry"
	"github.com/kvet/queuert/internal/infrastructure/state/postgres"
	"github.com/kvet/queuert/pkg/queuert"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "queuerctl",
		Short: "Operator CLI for a queuert deployment",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	chainCmd := &cobra.Command{Use: "chain", Short: "Inspect or manage job chains"}
	chainCmd.AddCommand(chainShowCmd(), chainWaitCmd(), chainDeleteRootCmd())

	workerCmd := &cobra.Command{Use: "worker", Short: "Run a worker in the foreground"}
	workerCmd.AddCommand(workerRunCmd())

	root.AddCommand(chainCmd, workerCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func chainShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chain-id>",
		Short: "Print a chain's root and last job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid chain id: %w", err)
			}

			client, closeFn, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			chain, err := client.State().GetJobChainByID(cmd.Context(), chainID)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]any{
				"root": chain.Root,
				"last": chain.Last,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func chainWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <chain-id>",
		Short: "Block until a chain completes and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid chain id: %w", err)
			}

			client, closeFn, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			output, err := client.WaitForJobChainCompletion(cmd.Context(), chainID, queuert.WaitForJobChainCompletionOptions{
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait before giving up")
	return cmd
}

func chainDeleteRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-root <root-chain-id>",
		Short: "Delete every job under a root chain, refusing if still referenced as a blocker from outside",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootChainID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid root chain id: %w", err)
			}

			client, closeFn, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var deleted int
			err = client.RunInTransaction(cmd.Context(), func(ctx context.Context) error {
				n, err := client.State().DeleteJobsByRootChainIDs(ctx, []uuid.UUID{rootChainID})
				deleted = n
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d jobs under root chain %s\n", deleted, rootChainID)
			return nil
		},
	}
}

func workerRunCmd() *cobra.Command {
	var typeNames []string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(typeNames) == 0 {
				return fmt.Errorf("at least one --type is required")
			}

			client, closeFn, err := newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			workerConfig := queuert.DefaultWorkerConfig(typeNames...)
			if concurrency > 0 {
				workerConfig.Concurrency = concurrency
			}
			worker := client.NewWorker(workerConfig)
			worker.Use(queuert.Recover())

			return worker.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&typeNames, "type", nil, "job type(s) this worker processes")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override the default concurrency")
	return cmd
}

// newClient wires a Client against the configured database, using the
// in-process notify adapter: this process neither publishes wake-ups to
// nor receives them from workers in other processes, so `chain wait` and
// `worker run` rely on polling alone. The registry is empty and `worker run`
// registers no handlers, so a job it acquires fails with the no-handler
// error and is rescheduled with backoff.
func newClient(ctx context.Context) (*queuert.Client, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(slog.LevelInfo, cfg.LogFormat)
	state := postgres.New(db)
	notify := memory.New()
	reg := registry.New()

	client := queuert.New(state, notify, reg, logger, nil)

	closeFn := func() {
		notify.Close()
		db.Close()
	}
	return client, closeFn, nil
}
