// Package server exposes the admin HTTP API: health, manual polling, forum state and statistics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"forumwatch/pkg/notifier"
	"forumwatch/poll"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// Poller runs an immediate cycle for every enabled forum.
type Poller interface {
	CheckAll(ctx context.Context) []*poll.Report
}

// Forums lists the configured forums.
type Forums interface {
	Forums() []*notifier.Forum
}

// Health reads a forum's persisted source health.
type Health interface {
	LoadHealth(ctx context.Context, forumID string) (*notifier.HealthState, error)
}

// Stats supplies usage statistics.
type Stats interface {
	Stats(ctx context.Context) (*notifier.Stats, error)
	KeywordStats(ctx context.Context, forumID string) ([]notifier.PatternCount, error)
}

// Server handles HTTP requests.
type Server struct {
	poller       Poller
	forums       Forums
	health       Health
	stats        Stats
	logger       *slog.Logger
	passwordHash []byte
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Forums Forums
	Health Health
	Stats  Stats
	Logger *slog.Logger
	// PasswordHash is a bcrypt hash guarding the admin routes. Empty leaves them open.
	PasswordHash string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:       cfg.Poller,
		forums:       cfg.Forums,
		health:       cfg.Health,
		stats:        cfg.Stats,
		logger:       cfg.Logger,
		passwordHash: []byte(cfg.PasswordHash),
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)

	mux.Get("/health", s.handleHealth)

	mux.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/pollz", s.handlePoll)
		r.Get("/forums", s.handleForums)
		r.Get("/stats", s.handleStats)
	})

	return mux
}

// HTTPServer wraps the routes in a server listening on port.
func (s *Server) HTTPServer(port string) *http.Server {
	// Configure server with timeouts to prevent resource exhaustion
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs whole cycles
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.passwordHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) != nil {
			s.logger.Warn("Admin authentication failed", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Basic realm="forumwatch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	reports := s.poller.CheckAll(r.Context())
	failed := 0
	for _, rep := range reports {
		if rep.Error != "" {
			failed++
		}
	}

	status := "completed"
	if failed > 0 {
		status = "completed_with_errors"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"reports": reports,
	})
}

type forumView struct {
	ID         string                `json:"forum_id"`
	Name       string                `json:"name"`
	SourceMode notifier.SourceMode   `json:"source_mode"`
	Enabled    bool                  `json:"enabled"`
	Degraded   bool                  `json:"degraded"`
	Interval   string                `json:"interval"`
	Health     *notifier.HealthState `json:"health,omitempty"`
}

func (s *Server) handleForums(w http.ResponseWriter, r *http.Request) {
	forums := s.forums.Forums()
	views := make([]forumView, 0, len(forums))
	for _, f := range forums {
		st, err := s.health.LoadHealth(r.Context(), f.ID)
		if err != nil {
			s.logger.Error("Failed to load forum health", "forum", f.ID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		views = append(views, forumView{
			ID:         f.ID,
			Name:       f.Name,
			SourceMode: f.Mode,
			Enabled:    f.Enabled,
			Degraded:   f.Degraded || st.Mode == notifier.HealthDegraded,
			Interval:   f.Interval.String(),
			Health:     st,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to load stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	keywords := make(map[string][]notifier.PatternCount)
	for _, f := range s.forums.Forums() {
		counts, err := s.stats.KeywordStats(r.Context(), f.ID)
		if err != nil {
			s.logger.Error("Failed to load keyword stats", "forum", f.ID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if counts == nil {
			counts = []notifier.PatternCount{}
		}
		keywords[f.ID] = counts
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"totals":   stats,
		"triggers": keywords,
	})
}
