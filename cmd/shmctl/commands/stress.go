package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmsync/internal/stress"
)

func newStressCmd(root *rootArgs) *cobra.Command {
	var (
		workers    int
		iterations int
		mode       string
		timeout    time.Duration
		stall      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Check the mutex and condvar under contention",
		Long: `Run workers, each on its own mapping of a fresh segment.

counter:   every worker increments a shared counter under the mutex.
broadcast: a coordinator wakes all workers with NotifyAll once per round.
           A wait that outlasts --stall fails the run as a lost wakeup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cfg := stress.Config{
				Workers:      workers,
				Iterations:   iterations,
				Options:      root.options(),
				StallTimeout: stall,
			}
			var (
				res *stress.Result
				err error
			)
			switch mode {
			case "counter":
				res, err = stress.Counter(ctx, cfg)
			case "broadcast":
				res, err = stress.Broadcast(ctx, cfg)
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "Number of concurrent mappings")
	cmd.Flags().IntVar(&iterations, "iterations", 10000, "Increments per worker, or broadcast rounds")
	cmd.Flags().StringVar(&mode, "mode", "counter", "counter or broadcast")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Abort the run after this long")
	cmd.Flags().DurationVar(&stall, "stall", stress.DefaultStallTimeout, "Longest a broadcast waiter may go without a notification")
	return cmd
}
