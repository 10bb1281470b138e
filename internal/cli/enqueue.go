package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <payload|->",
		Short: "Queue a write for the current user",
		Long: `Persist a JSON payload in the queue of the current user. Use - to read the
payload from stdin. The write is delivered by the next drain.

Example:
  syncqueue enqueue --user u1 '{"text":"hello"}'
  echo '{"text":"hello"}' | syncqueue enqueue -u u1 -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(rootOpts, args[0], cmd)
		},
	}
}

func runEnqueue(opts *RootOptions, arg string, cmd *cobra.Command) error {
	payload := []byte(arg)
	if arg == "-" {
		var err error
		if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
	}

	ctx := contextOf(cmd)
	rt, err := openOffline(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	id, err := rt.Sync.Enqueue(ctx, "", json.RawMessage(payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id})
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}
