// Package admin exposes a small loopback-only HTTP surface for operational
// visibility: a liveness probe and a JSON snapshot of proxy telemetry.
// Grounded on the teacher's app/app.go web server (plain http.ServeMux,
// small per-route handler methods, encoding/json responses).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thushan/netgate/internal/config"
	"github.com/thushan/netgate/internal/logger"
	"github.com/thushan/netgate/internal/telemetry"
)

// Server is the admin HTTP surface, bound to the configured (loopback) address.
type Server struct {
	server *http.Server
	tel    *telemetry.Telemetry
	logger *logger.StyledLogger
	errCh  chan error
}

// New builds an admin Server bound to cfg.Host:cfg.Port, serving /health and
// /stats off tel's live counters.
func New(cfg config.AdminConfig, tel *telemetry.Telemetry, log *logger.StyledLogger) *Server {
	s := &Server{
		tel:    tel,
		logger: log,
		errCh:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	return s
}

// Start begins serving in the background, reporting any startup failure to
// ctx's cancellation path is not wired here - callers observe it via a log
// line, matching the teacher's errCh/goroutine pattern.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info("starting admin endpoint", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
			s.errCh <- err
		}
	}()

	go func() {
		select {
		case err := <-s.errCh:
			s.logger.Error("admin server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()
}

// Stop shuts the admin server down within the given context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             "healthy",
		"active_connections": s.tel.Snapshot().ActiveConnections,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.tel.Snapshot())
}
