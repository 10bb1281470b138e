package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one sync pass for the current user",
		Long: `Submit every pending write of the current user once, in insertion order.
Delivered and rejected writes leave the queue; the others stay for the next pass.

Exits with 1 when writes remain queued.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	ctx := contextOf(cmd)
	rt, err := openOffline(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	sum, err := rt.Sync.ProcessQueue(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	if sum.Skipped {
		return WrapExitError(ExitCommandError, "sync skipped", sum.SkipReason)
	}

	remaining, err := rt.Sync.Pending(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, struct {
			Summary   any `json:"summary"`
			Remaining int `json:"remaining"`
		}{sum, len(remaining)}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "delivered=%d rejected=%d retried=%d dead_lettered=%d remaining=%d\n",
			sum.Delivered, sum.Rejected, sum.Retried, sum.DeadLettered, len(remaining))
	}

	if len(remaining) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d writes remain queued", len(remaining)))
	}
	return nil
}
