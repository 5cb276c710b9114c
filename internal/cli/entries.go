package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
)

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Put a terminal failure back in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.bridge(nil, nil).Retry(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			return a.out.Success(entry, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %s\n", entry.ID)
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a conflict or terminal failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			if err := a.bridge(nil, nil).Discard(contextOf(cmd), id); err != nil {
				return err
			}
			return a.out.Success(map[string]string{"id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "Discarded %s\n", id)
			})
		},
	}
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Decision string
	Body     string
	Refs     []string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Resolve a conflicted entry",
		Long: `Resolve a conflicted entry.

  keep_theirs  drop the local change, the server copy stands
  discard      drop the local change
  keep_mine    resend the local change against the server's current version
  merge        resend --body (and --ref, when given) against the server's current version

Example:
  fieldsync resolve 0b7d... --decision merge --body '{"notes":"both visits"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Decision, "decision", "", "keep_mine|keep_theirs|merge|discard")
	cmd.Flags().StringVar(&opts.Body, "body", "", "merged body as JSON (merge only)")
	cmd.Flags().StringSliceVar(&opts.Refs, "ref", nil, "replacement references as kind:id (merge only, repeatable)")
	_ = cmd.MarkFlagRequired("decision")

	return cmd
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions, id string) error {
	d := conflict.Decision{Resolution: models.Resolution(opts.Decision)}
	if opts.Body != "" {
		d.Body = json.RawMessage(opts.Body)
	}
	if cmd.Flags().Changed("ref") {
		refs, err := parseRefs(opts.Refs)
		if err != nil {
			return err
		}
		if refs == nil {
			refs = []models.Reference{}
		}
		d.References = &refs
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.bridge(nil, nil).Resolve(contextOf(cmd), id, d)
	if err != nil {
		return err
	}
	return a.out.Success(result, func(w io.Writer) {
		if result.Resubmitted != nil {
			fmt.Fprintf(w, "Resolved %s (%s), queued %s\n", id, result.Resolution, result.Resubmitted.ID)
			return
		}
		fmt.Fprintf(w, "Resolved %s (%s)\n", id, result.Resolution)
	})
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete acknowledged entries",
		Long: `Delete synced entries acknowledged longer ago than --older-than. Entries
in any other state are never purged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			age := a.cfg.Sync.SyncedRetention
			if cmd.Flags().Changed("older-than") {
				age = opts.OlderThan
			}
			if age < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}
			n, err := a.store.PurgeSynced(contextOf(cmd), time.Now().Add(-age))
			if err != nil {
				return err
			}
			return a.out.Success(map[string]int{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Purged %d synced entries\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "minimum age since acknowledgement (defaults to config sync.synced_retention)")
	return cmd
}
