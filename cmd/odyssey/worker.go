package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jon9314/Odyssey/pkg/queue"
)

var (
	workerDrain     bool
	workerNoRecover bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker that validates and merges proposals",
	Long: `Run the background worker. It claims queued validation and merge tasks and
runs them until interrupted. Several workers may share one ledger.

With --drain it handles every queued task once and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
				cancel()
			case <-ctx.Done():
			}
		}()

		return withApp(cmd, func(_ context.Context, a *app) error {
			if !workerNoRecover {
				n, err := a.pipeline.Recover(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					fmt.Printf("Recovered %d tasks\n", n)
				}
			}

			if workerDrain {
				n, err := a.queue.Drain(ctx, a.pipeline.Handler())
				fmt.Printf("Handled %d tasks\n", n)
				return err
			}

			fmt.Printf("Worker running with %d workers (Ctrl+C to stop)\n", a.cfg.Queue.Concurrency)
			err := a.queue.Run(ctx, a.pipeline.Handler())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Queue the tasks that waiting proposals have lost",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.pipeline.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %d tasks\n", n)
			return nil
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show task counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			counts, err := a.queue.Counts(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(counts)
			}
			for _, s := range []queue.State{queue.StatePending, queue.StateRunning, queue.StateDone, queue.StateFailed} {
				fmt.Printf("%-8s %d\n", s, counts[s])
			}
			return nil
		})
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			if jsonOutput {
				type entry struct {
					Name        string         `json:"name"`
					Description string         `json:"description"`
					Schema      map[string]any `json:"schema"`
				}
				var out []entry
				for _, t := range reg.List() {
					out = append(out, entry{t.Name(), t.Description(), t.Schema()})
				}
				return outputJSON(out)
			}
			for _, t := range reg.List() {
				fmt.Printf("%s\n  %s\n", headerStyle.Render(t.Name()), t.Description())
			}
			return nil
		})
	},
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Invoke a tool with JSON arguments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw json.RawMessage
		if len(args) == 2 {
			raw = json.RawMessage(args[1])
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			out, err := reg.Execute(ctx, args[0], raw)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		})
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "handle queued tasks once and exit")
	workerCmd.Flags().BoolVar(&workerNoRecover, "no-recover", false, "skip queuing lost tasks at startup")

	toolsCmd.AddCommand(toolsCallCmd)
}
