package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/backend/auth"
	"github.com/fieldcrm/fieldsync/internal/capture"
	"github.com/fieldcrm/fieldsync/internal/config"
	"github.com/fieldcrm/fieldsync/internal/db"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
	"github.com/fieldcrm/fieldsync/internal/sync/queue"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
	"github.com/fieldcrm/fieldsync/internal/sync/status"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

// app is the device-side component graph over one queue database.
type app struct {
	cfg      *config.Config
	db       *db.DB
	store    *queue.Store
	capture  *capture.Adapter
	resolver *conflict.Resolver
	out      *OutputFormatter

	logFile io.Closer
}

// loadConfig reads configuration and points the global logger at stderr or
// the configured log file.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}

	level := cfg.LogLevel()
	if opts.Verbose {
		level = logging.LevelDebug
	}
	var out io.Writer = cmd.ErrOrStderr()
	var closer io.Closer
	if cfg.Log.File != "" {
		f := logging.NewFileWriter(cfg.LogFile())
		out, closer = f, f
	}
	logging.SetGlobal(logging.New(out, level))
	return cfg, closer, nil
}

// openApp loads configuration and opens the queue.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, logFile, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(contextOf(cmd), cfg.DBPath)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	st := queue.New(database, backoff.New(cfg.Backoff(), nil))
	adapter := capture.New(st)
	return &app{
		cfg:      cfg,
		db:       database,
		store:    st,
		capture:  adapter,
		resolver: conflict.NewResolver(st, adapter),
		out:      &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
		logFile:  logFile,
	}, nil
}

// Close releases the database and log file.
func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logging.Warn("[CLI] Failed to close database", map[string]interface{}{"error": err.Error()})
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// backend returns the HTTP client for the configured system of record. A
// static token wins; otherwise a configured JWT secret mints device tokens.
func (a *app) backend() (*remote.HTTPClient, error) {
	if a.cfg.Backend.URL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "backend url is not configured (FIELDSYNC_BACKEND_URL)")
	}
	var tokens remote.TokenSource = remote.StaticToken(a.cfg.Backend.Token)
	if a.cfg.Backend.Token == "" && a.cfg.Server.JWTSecret != "" {
		issuer, err := auth.NewIssuer(a.cfg.Server.JWTSecret, a.cfg.Server.TokenTTL)
		if err != nil {
			return nil, err
		}
		tokens = issuer.TokenSource(a.cfg.Device.UserID, a.cfg.Device.DeviceID)
	}
	return remote.NewHTTPClient(a.cfg.Backend.URL, tokens, nil), nil
}

// worker builds a sync worker delivering to backend.
func (a *app) worker(backend remote.Backend) *worker.Worker {
	return worker.New(a.cfg.Worker(), a.store, backend, a.resolver)
}

// bridge builds a status bridge. scheduler and out may be nil.
func (a *app) bridge(scheduler status.Scheduler, out status.Broadcaster) *status.Bridge {
	return status.NewBridge(a.store, a.resolver, scheduler, out)
}

// deviceDefaults is the device snapshot for captures that do not name one.
func (a *app) deviceDefaults() capture.DeviceSnapshot {
	return capture.DeviceSnapshot{UserID: a.cfg.Device.UserID, DeviceID: a.cfg.Device.DeviceID}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
