package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/capture"
	"github.com/fieldcrm/fieldsync/internal/models"
)

// CaptureOptions holds flags for the capture command.
type CaptureOptions struct {
	*RootOptions
	Kind        string
	Body        string
	TargetID    string
	BaseVersion string
	Refs        []string
	Lat         float64
	Lng         float64
	Accuracy    float64
	UserID      string
	DeviceID    string
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Queue an interaction",
		Long: `Queue an interaction for delivery. The entry is durable once this command
returns; nothing is sent until a sync cycle runs.

Example:
  fieldsync capture --kind site_visit --body '{"notes":"roof inspected"}' --ref opportunity:opp-42
  fieldsync capture --kind note --target 9f1c2d3e-... --base-version 3 --body '{"notes":"follow up"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "interaction kind (call|meeting|site_visit|email|note)")
	cmd.Flags().StringVar(&opts.Body, "body", "", "interaction body as JSON")
	cmd.Flags().StringVar(&opts.TargetID, "target", "", "server record id when editing an existing interaction")
	cmd.Flags().StringVar(&opts.BaseVersion, "base-version", "", "server version the edit is based on")
	cmd.Flags().StringSliceVar(&opts.Refs, "ref", nil, "referenced record as kind:id (repeatable)")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "GPS latitude")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "GPS longitude")
	cmd.Flags().Float64Var(&opts.Accuracy, "accuracy", 0, "GPS accuracy in meters")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "capturing user (defaults to config device.user_id)")
	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "capturing device (defaults to config device.device_id)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("body")

	return cmd
}

func runCapture(cmd *cobra.Command, opts *CaptureOptions) error {
	refs, err := parseRefs(opts.Refs)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	dev := a.deviceDefaults()
	if opts.UserID != "" {
		dev.UserID = opts.UserID
	}
	if opts.DeviceID != "" {
		dev.DeviceID = opts.DeviceID
	}
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		dev.GPS = &models.GPS{Lat: opts.Lat, Lng: opts.Lng, AccuracyM: opts.Accuracy}
	}

	entry, err := a.capture.Capture(contextOf(cmd), capture.Submission{
		Kind:        models.InteractionKind(opts.Kind),
		TargetID:    opts.TargetID,
		BaseVersion: opts.BaseVersion,
		References:  refs,
		Body:        json.RawMessage(opts.Body),
	}, dev)
	if err != nil {
		return err
	}

	return a.out.Success(entry, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s (%s)\n", entry.ID, entry.Payload.Kind)
	})
}

// parseRefs parses kind:id pairs.
func parseRefs(raw []string) ([]models.Reference, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	refs := make([]models.Reference, 0, len(raw))
	for _, r := range raw {
		kind, id, ok := strings.Cut(r, ":")
		if !ok || kind == "" || id == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid reference %q: want kind:id", r))
		}
		refs = append(refs, models.Reference{Kind: kind, ID: id})
	}
	return refs, nil
}
