package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidepool-social/syncqueue/pkg/queue"
)

type ListOptions struct {
	*RootOptions
	All bool
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "Show pending writes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list the queues of every user")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	ctx := contextOf(cmd)
	rt, err := openOffline(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	var items []queue.Item
	if opts.All {
		items, err = rt.Store.GetQueue(ctx)
	} else {
		if rt.Sync.CurrentUser() == "" {
			return NewExitError(ExitCommandError, "no user: pass --user or --all")
		}
		items, err = rt.Sync.Pending(ctx)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), items)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tATTEMPTS\tCREATED\tPAYLOAD")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", it.ID, it.UserID, it.Attempts, it.CreatedAt.Format(time.RFC3339), it.Payload)
	}
	return w.Flush()
}
