// Package api serves the read-only status surface: what backups exist, how
// the last sync went and when the next one runs, plus a manual sync trigger.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/api/response"
	"github.com/edvin/vaultsync/internal/engine"
)

// StatusSource is the coordinator's snapshot accessor.
type StatusSource interface {
	Status() engine.Status
}

type Server struct {
	router  chi.Router
	logger  zerolog.Logger
	status  StatusSource
	trigger func()
}

// NewServer builds the status router. trigger wakes the sync worker; the
// handler never runs a pass inline.
func NewServer(logger zerolog.Logger, status StatusSource, trigger func()) *Server {
	if trigger == nil {
		trigger = func() {}
	}
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
		status:  status,
		trigger: trigger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/backups", s.handleBackups)
	s.router.Post("/sync", s.handleSync)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleBackups(w http.ResponseWriter, _ *http.Request) {
	backups := s.status.Status().Backups
	if backups == nil {
		backups = []engine.BackupStatus{}
	}
	response.WriteJSON(w, http.StatusOK, backups)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	s.trigger()
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in a server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
