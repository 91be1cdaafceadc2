// Package server constructs the relay's HTTP service with helpers that
// apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/chatrelay/internal/logging"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HTTPService runs an http.Server under a suture supervisor.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration

	mu  sync.Mutex
	err error
}

// NewHTTPService wraps server; shutdownTimeout bounds graceful shutdown.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// String names the service in supervisor events.
func (s *HTTPService) String() string {
	return "http-server"
}

// Serve listens until ctx is canceled, then shuts the server down gracefully.
// A listen failure terminates the supervisor tree; Err reports it.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-errCh
		return ctx.Err()

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error().Err(err).Str("addr", s.server.Addr).Msg("HTTP server failed")
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return suture.ErrTerminateSupervisorTree
	}
}

// Err returns the listen error that stopped the service, if any.
func (s *HTTPService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// shutdown gracefully shuts down the HTTP server without interrupting active
// requests. Hijacked WebSocket connections are closed by the hub.
func (s *HTTPService) shutdown() {
	logging.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
		return
	}
	logging.Info().Msg("HTTP server shutdown completed")
}
