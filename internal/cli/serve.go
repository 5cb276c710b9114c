package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/api"
	"github.com/fieldcrm/fieldsync/internal/backend"
	"github.com/fieldcrm/fieldsync/internal/backend/auth"
	"github.com/fieldcrm/fieldsync/internal/backend/httpapi"
	"github.com/fieldcrm/fieldsync/internal/backend/store"
	"github.com/fieldcrm/fieldsync/internal/config"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Refs   []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference system-of-record backend",
		Long: `Run the reference backend that devices sync against. Records live in
CouchDB when server.couchdb_url is set and in memory otherwise. When
server.jwt_secret is set every /api/v1 request needs a bearer token
(see "fieldsync token").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (defaults to config server.listen_addr)")
	cmd.Flags().StringSliceVar(&opts.Refs, "ref", nil, "reference record to create at startup as kind:id (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	refs, err := parseRefs(opts.Refs)
	if err != nil {
		return err
	}

	cfg, logFile, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openBackendStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := backend.NewService(st)
	for _, ref := range refs {
		if err := svc.PutReference(ctx, ref.Kind, ref.ID); err != nil {
			return err
		}
	}

	routes := httpapi.DefaultConfig()
	routes.AllowedOrigins = cfg.Server.AllowedOrigins
	if cfg.Server.JWTSecret != "" {
		issuer, err := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
		if err != nil {
			return err
		}
		routes.Verifier = issuer
	} else {
		logging.Warn("[CLI] No JWT secret configured, backend API is unauthenticated")
	}

	addr := opts.Listen
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}
	return api.NewServer("backend", addr, httpapi.NewRouter(svc, routes)).Run(ctx)
}

func openBackendStore(cmd *cobra.Command, cfg *config.Config) (store.Store, error) {
	if cfg.Server.CouchDBURL == "" {
		logging.Info("[CLI] Using in-memory record store")
		return store.NewMemory(), nil
	}
	return store.NewCouch(contextOf(cmd), cfg.Server.CouchDBURL, cfg.Server.CouchDBName)
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject  string
	DeviceID string
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the reference backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "token subject (defaults to config device.user_id)")
	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "device id claim (defaults to config device.device_id)")
	return cmd
}

func runToken(cmd *cobra.Command, opts *TokenOptions) error {
	cfg, logFile, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	if cfg.Server.JWTSecret == "" {
		return NewExitError(ExitCommandError, "server.jwt_secret is not configured (FIELDSYNC_JWT_SECRET)")
	}

	subject := opts.Subject
	if subject == "" {
		subject = cfg.Device.UserID
	}
	if subject == "" {
		return NewExitError(ExitCommandError, "--subject is required when device.user_id is not configured")
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = cfg.Device.DeviceID
	}

	issuer, err := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}
	token, expires, err := issuer.Issue(subject, deviceID)
	if err != nil {
		return err
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	data := map[string]interface{}{"token": token, "expires_at": expires.UTC().Format(time.RFC3339)}
	return out.Success(data, func(w io.Writer) {
		fmt.Fprintln(w, token)
		fmt.Fprintf(w, "expires %s\n", expires.UTC().Format(time.RFC3339))
	})
}
