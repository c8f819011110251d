// Package http exposes the coordinator over HTTP: a status snapshot and an
// SSE event stream, mirroring the teacher's web.Server/handlers split but
// generalized to one continuously-running coordinator instead of per-job
// state.
package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/lumenvale/shuttercore/internal/config"
	"github.com/lumenvale/shuttercore/internal/coordinator"
)

// Server is the HTTP transport in front of a Coordinator.
type Server struct {
	coord      *coordinator.Coordinator
	router     *chi.Mux
	httpServer *http.Server
	shutdownTO time.Duration
}

// NewServer builds the router and wraps it in an *http.Server listening on
// cfg.ListenAddr.
func NewServer(coord *coordinator.Coordinator, cfg config.HTTPConfig) *Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))

	s := &Server{
		coord:      coord,
		router:     r,
		shutdownTO: cfg.ShutdownTimeout,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout to keep /events open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := &handlers{coord: s.coord}

	s.router.Get("/api/v1/health", h.health)
	s.router.Get("/api/v1/status", h.status)
	s.router.Get("/api/v1/events", h.events)

	s.router.Route("/api/v1/paths", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Delete("/", h.remove)
		r.Post("/reprocess", h.forceReprocess)
	})
	s.router.Post("/api/v1/priority", h.setPriority)
	s.router.Post("/api/v1/faces/similar", h.similarFaces)
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	log.Printf("starting shuttercore http transport on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("shuttercore http: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the coordinator beneath it.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down shuttercore http transport")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTO)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shuttercore http: shutdown: %w", err)
	}
	s.coord.Shutdown()
	return nil
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
