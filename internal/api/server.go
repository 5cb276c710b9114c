// Package api holds the HTTP plumbing shared by the status API and the
// reference backend.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

// Server runs a handler with graceful shutdown.
type Server struct {
	name string
	srv  *http.Server
}

// NewServer creates a Server listening on addr. name tags log lines.
func NewServer(name, addr string, handler http.Handler) *Server {
	return &Server{name: name, srv: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down within 30s.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("[HTTP] Listening", map[string]interface{}{"server": s.name, "addr": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return apperrors.Wrap(apperrors.ErrConfig, "listen on "+s.srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("[HTTP] Shutting down", map[string]interface{}{"server": s.name})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
