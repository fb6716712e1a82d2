// Package api exposes the admin surface: destination and pool stats,
// pause/resume of destinations, health reports, and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/health"
	"github.com/sqlbridge/sqlbridge/internal/pool"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

// Server is the admin HTTP API server.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	apiKeyHash  string

	httpServer *http.Server
	mu         sync.Mutex
}

// NewServer creates an admin API server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, listen config.ListenConfig) *Server {
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		apiKeyHash:  listen.APIKeyHash,
	}
}

// routes builds the API route table.
func (s *Server) routes() *mux.Router {
	m := mux.NewRouter()

	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	authed := m.PathPrefix("/api/v1").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/destinations", s.handleDestinations).Methods(http.MethodGet)
	authed.HandleFunc("/destinations/{name}/pause", s.handlePause).Methods(http.MethodPost)
	authed.HandleFunc("/destinations/{name}/resume", s.handleResume).Methods(http.MethodPost)
	authed.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	authed.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return m
}

// Start begins serving the API on the given bind address and port.
func (s *Server) Start(bind string, port int) error {
	m := s.routes()

	addr := net.JoinHostPort(bind, fmt.Sprintf("%d", port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      m,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for api: %w", addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	slog.Info("api server started", "addr", addr)
	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// authMiddleware checks the X-API-Key header against the configured
// bcrypt hash. With no hash configured the API is open (bind to
// localhost in that case).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash != "" {
			key := r.Header.Get("X-API-Key")
			if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)); err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	type destView struct {
		Address string `json:"address"`
		Mode    string `json:"mode"`
		Paused  bool   `json:"paused"`
		Healthy bool   `json:"healthy"`
	}

	out := make(map[string]destView)
	for name, dc := range s.router.List() {
		healthy := true
		if s.healthCheck != nil {
			healthy = s.healthCheck.IsHealthy(name)
		}
		out[name] = destView{
			Address: dc.Address,
			Mode:    dc.Mode,
			Paused:  s.router.IsPaused(name),
			Healthy: healthy,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.Pause(name) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown destination %q", name))
		return
	}
	slog.Info("destination paused", "destination", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.Resume(name) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown destination %q", name))
		return
	}
	slog.Info("destination resumed", "destination", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poolMgr.AllStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.healthCheck.Report())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding api response failed", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
