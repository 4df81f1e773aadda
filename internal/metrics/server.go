package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// shutdownTimeout bounds how long in-flight scrapes may run during shutdown.
const shutdownTimeout = 5 * time.Second

// Server exposes GET /metrics on a dedicated port.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics HTTP server for the given port.
func NewServer(port int, handler http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is canceled or the listener fails, then shuts down
// gracefully. A nil return means the server stopped because ctx was done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}

	return nil
}
