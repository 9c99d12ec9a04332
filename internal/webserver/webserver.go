// Package webserver serves the liveness and readiness probes.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Server answers health probes. It implements manager.Runnable and runs on
// every replica, leader or not, so probes keep answering on standbys.
type Server struct {
	Port int
}

// New creates a Server listening on the given port.
func New(port int) *Server {
	return &Server{Port: port}
}

// NeedLeaderElection returns false; probes must answer on every replica.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Start serves probes until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("webserver")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health/live", probeHandler)
	r.Get("/health/ready", probeHandler)
	return r
}

func probeHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
