package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidepool-social/syncqueue"
	"github.com/tidepool-social/syncqueue/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	User    string

	// Config overrides config.Load (for testing).
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the syncqueue CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncqueue",
		Short: "Offline write queue and realtime subscription manager",
		Long: `syncqueue persists writes made while the backend is unreachable, delivers
them once it is back, and keeps a realtime subscription to pushed updates open.

Configuration is read from SYNCQUEUE_* environment variables, a .env file and
the YAML file named by SYNCQUEUE_CONFIG.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "user id (overrides SYNCQUEUE_USER_ID)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// config returns a copy of the loaded configuration with the flags applied.
func (o *RootOptions) config() (*config.Config, error) {
	base := o.Config
	if base == nil {
		var err error
		if base, err = config.Load(); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	cfg := *base
	if o.User != "" {
		cfg.Sync.UserID = o.User
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return &cfg, nil
}

// openOffline opens the store and submitter only; no timers, probe or
// realtime subscription are started.
func openOffline(ctx context.Context, opts *RootOptions) (*syncqueue.Runtime, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}
	cfg.Realtime.URL = ""
	cfg.Network.ProbeURL = ""

	rt, err := syncqueue.Open(ctx, cfg, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open", err)
	}
	return rt, nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
