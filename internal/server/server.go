package server

import (
	"encoding/json"
	"net/http"
	"time"

	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the collection endpoint agents report to. It owns the
// HTTP surface only; persistence lives in the repositories.
type Server struct {
	devices   *repository.DeviceRepository
	summaries *repository.DaySummaryRepository
	episodes  *repository.EpisodeRepository
	policies  *repository.PolicyRepository
	audits    *repository.AuditRepository

	secret   []byte
	tokenTTL time.Duration
	logger   logging.Logger
}

// Config carries the server's authentication settings
type Config struct {
	Secret   []byte
	TokenTTL time.Duration
}

// New creates a server over the given repositories
func New(cfg Config,
	devices *repository.DeviceRepository,
	summaries *repository.DaySummaryRepository,
	episodes *repository.EpisodeRepository,
	policies *repository.PolicyRepository,
	audits *repository.AuditRepository,
	logger logging.Logger,
) *Server {
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Server{
		devices:   devices,
		summaries: summaries,
		episodes:  episodes,
		policies:  policies,
		audits:    audits,
		secret:    cfg.Secret,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

// Router builds the HTTP routing table. Everything except login and
// the health probe requires a bearer token.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/v1/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/api/v1/handshake", s.handleHandshake)
		r.Put("/api/v1/days", s.handleUpsertDay)
		r.Post("/api/v1/episodes", s.handleInsertEpisode)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
