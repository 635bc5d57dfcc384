// Package diag implements the optional long-running diagnostics
// server: /healthz reporting each open session's source and sync status,
// /readyz gated on key-custody reachability, and /metrics for
// Prometheus scraping. It never serves object bytes.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/quoco/internal/metrics"
	"github.com/kenneth/quoco/internal/middleware"
	"github.com/kenneth/quoco/internal/session"
)

// SessionStatus reports the liveness of one open session for
// /healthz. Source is the local directory path or bucket URL.
type SessionStatus struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	HasRemote     bool      `json:"has_remote"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	LastSyncError string    `json:"last_sync_error,omitempty"`
}

// StatusProvider supplies the live session list a /healthz request
// reports.
type StatusProvider interface {
	Sessions() []SessionStatus
}

// RegistryStatus adapts a session.Registry into a StatusProvider.
type RegistryStatus struct {
	Registry *session.Registry
}

// Sessions implements StatusProvider.
func (r RegistryStatus) Sessions() []SessionStatus {
	snapshot := r.Registry.Snapshot()
	out := make([]SessionStatus, 0, len(snapshot))
	for id, s := range snapshot {
		st := s.Status()
		out = append(out, SessionStatus{
			ID:            id.String(),
			Source:        st.Source,
			HasRemote:     st.HasRemote,
			LastSync:      st.LastSync,
			LastSyncError: st.LastSyncError,
		})
	}
	return out
}

// Server is the optional diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer builds the diagnostics server's router.
// keyManagerHealthCheck may be nil if no KMIP key custody is
// configured; /readyz then only reports process readiness.
func NewServer(addr string, status StatusProvider, m *metrics.Metrics, keyManagerHealthCheck func(context.Context) error) *Server {
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logrus.StandardLogger()))
	router.Use(middleware.LoggingMiddleware(logrus.StandardLogger()))

	router.HandleFunc("/healthz", healthzHandler(status)).Methods(http.MethodGet)
	router.HandleFunc("/readyz", metrics.ReadinessHandler(keyManagerHealthCheck)).Methods(http.MethodGet)
	router.HandleFunc("/livez", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: logrus.WithField("component", "diag_server"),
	}
}

func healthzHandler(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := status.Sessions()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"sessions": sessions,
		})
	}
}

// ListenAndServe starts the server and blocks until it exits, logging
// the stop reason.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("starting diagnostics server")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
