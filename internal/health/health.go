// Package health provides the readiness endpoint of the novelext host.
//
// The health server runs on its own port. GET /health answers 102 Processing
// while sources are still being loaded and 200 OK, with the number of
// registered sources, once the host is serving.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Registry is the part of the source manager the health server reports on.
type Registry interface {
	Len() int
}

type Server struct {
	server   *http.Server
	registry Registry
	ready    atomic.Bool
}

func New(port int, registry Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry: registry,
	}

	mux.HandleFunc("/health", s.healthHandler)

	return s
}

func (s *Server) Start() error {
	slog.Info("Starting health server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) MarkReady() {
	s.ready.Store(true)
	slog.Info("Health server marked as ready")
}

func (s *Server) MarkNotReady() {
	s.ready.Store(false)
	slog.Info("Health server marked as not ready")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if !s.ready.Load() {
		w.WriteHeader(http.StatusProcessing)
		if _, err := w.Write([]byte("starting")); err != nil {
			slog.Error("Failed to write health response", "error", err)
		}
		return
	}

	count := 0
	if s.registry != nil {
		count = s.registry.Len()
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "ok %d sources", count); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}
