package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/api"
	"github.com/fieldcrm/fieldsync/internal/api/middleware"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/status"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Run one sync cycle against the configured backend: recover entries left
syncing by a crash, deliver every due entry, and purge old acknowledged ones.
Refuses while another process, such as "fieldsync run", is syncing the same
queue file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts)
		},
	}
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.backend()
	if err != nil {
		return err
	}

	report, err := a.worker(client).RunCycle(contextOf(cmd), worker.TriggerManual)
	if apperrors.Is(err, apperrors.ErrSyncBusy) {
		return WrapExitError(ExitFailure, "sync refused", err)
	}
	if outErr := a.out.Success(report, func(w io.Writer) { writeReport(w, report) }); outErr != nil {
		return outErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync cycle aborted", err)
	}
	return nil
}

func writeReport(w io.Writer, r worker.CycleReport) {
	fmt.Fprintf(w, "Cycle (%s): %d dequeued, %d synced, %d failed (%d terminal), %d conflicted",
		r.Trigger, r.Dequeued, r.Synced, r.Failed, r.Terminal, r.Conflicted)
	if r.Released > 0 {
		fmt.Fprintf(w, ", %d released", r.Released)
	}
	if r.Purged > 0 {
		fmt.Fprintf(w, ", %d purged", r.Purged)
	}
	fmt.Fprintln(w)
	if r.Error != "" {
		fmt.Fprintf(w, "Aborted: %s\n", r.Error)
	}
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync worker and the local status API",
		Long: `Run the sync worker until interrupted. Cycles start on the timer, after
each capture, on reconnect and on request. The host app talks to the local
status API:

  GET  /status                 queue snapshot
  POST /capture                queue an interaction
  POST /sync                   request a cycle
  POST /connectivity           {"online": true|false}
  POST /foreground             app came to the foreground
  POST /entries/{id}/retry     retry a terminal failure
  POST /entries/{id}/discard   drop a conflict or terminal failure
  POST /entries/{id}/resolve   resolve a conflict
  GET  /ws                     push channel`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "status API address (defaults to config status.listen_addr)")
	return cmd
}

func runWorker(cmd *cobra.Command, opts *RunOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.backend()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := a.worker(client)
	hub := status.NewHub(a.cfg.Status.AllowedOrigins...)
	bridge := a.bridge(w, hub)

	w.OnCycle(bridge.CycleCompleted)
	a.capture.OnCapture(bridge.EntryCaptured)
	a.capture.OnCapture(func(*models.QueueEntry) { w.Trigger(worker.TriggerCapture) })

	r := mux.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logger())
	r.HandleFunc("/capture", a.capture.Handler(a.deviceDefaults())).Methods("POST")
	status.NewHandler(bridge, hub).Register(r)

	addr := opts.Listen
	if addr == "" {
		addr = a.cfg.Status.ListenAddr
	}

	w.Start(ctx)
	// Entries left over from an earlier run go out without waiting for the timer.
	w.Trigger(worker.TriggerForeground)

	err = api.NewServer("status", addr, r).Run(ctx)

	w.Stop()
	hub.Close()
	logging.Info("[CLI] Worker stopped")
	return err
}

