// Package cli implements the fieldsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the fieldsync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first capture and sync for field CRM interactions",
		Long: `fieldsync captures calls, meetings, site visits, emails and notes into a
durable local queue and delivers them to the CRM backend when connectivity
allows, retrying with backoff and surfacing conflicts for review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the queue database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCaptureCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

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
