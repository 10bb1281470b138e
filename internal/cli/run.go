package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidepool-social/syncqueue"
	"github.com/tidepool-social/syncqueue/contrib/statusapi"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

const shutdownTimeout = 10 * time.Second

type RunOptions struct {
	*RootOptions
	StatusAddr string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the queue continuously and hold the realtime subscription",
		Long: `Start the sync manager, the network probe and the realtime manager, and keep
them running until interrupted.

Example:
  syncqueue run --user u1 --status-addr :8090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.StatusAddr, "status-addr", "", "status API listen address (overrides SYNCQUEUE_STATUS_ADDR)")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	if opts.StatusAddr != "" {
		cfg.StatusAddr = opts.StatusAddr
	}

	ctx, cancel := context.WithCancel(contextOf(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	rt, err := syncqueue.Open(ctx, cfg, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.Logger.Error("error during shutdown", "error", err)
		}
	}()

	go func() {
		select {
		case sig := <-sigChan:
			rt.Logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if rt.Realtime != nil {
		rt.Realtime.Watch(func(s realtime.Status) {
			rt.Logger.Info("realtime status", "status", s)
		})
	}

	if err := rt.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "syncqueue running. Press Ctrl-C to stop.")

	if cfg.StatusAddr == "" {
		<-ctx.Done()
		return nil
	}

	api := statusapi.New(rt.Sync, realtimeOrNil(rt), rt.Registry, rt.Logger)
	if err := api.Run(ctx, cfg.StatusAddr); err != nil {
		return WrapExitError(ExitFailure, "status api failed", err)
	}
	return nil
}

// realtimeOrNil keeps a nil *realtime.Manager from becoming a non-nil
// interface value.
func realtimeOrNil(rt *syncqueue.Runtime) statusapi.Realtime {
	if rt.Realtime == nil {
		return nil
	}
	return rt.Realtime
}
