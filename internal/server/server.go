// Package server is the thin HTTP surface: decode, call the
// orchestrator, encode. All pipeline semantics live below it.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/pipeline"
	"github.com/easydatahq/agent-gateway/internal/progress"
)

// Runner executes one pipeline request.
type Runner interface {
	Execute(ctx context.Context, req *pipeline.Request) *pipeline.Result
}

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	runner     Runner
	hub        *progress.Hub
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Uptime    string   `json:"uptime"`
	Databases []string `json:"supported_databases"`
	Timestamp string   `json:"timestamp"`
}

// RunRequest is the pipeline invocation payload.
type RunRequest struct {
	Task      string             `json:"task"`
	UserID    string             `json:"user_id"`
	DBInfo    dbadapter.ConnInfo `json:"db_info"`
	Visualize bool               `json:"visualize"`
}

// New creates a new HTTP server
func New(cfg *config.Config, runner Runner, hub *progress.Hub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		runner:    runner,
		hub:       hub,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/run", s.runHandler)
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0",
		Uptime:    time.Since(s.startTime).String(),
		Databases: dbadapter.SupportedTypes(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// runHandler handles pipeline invocations
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Task == "" || req.UserID == "" {
		http.Error(w, "task and user_id required", http.StatusBadRequest)
		return
	}

	result := s.runner.Execute(r.Context(), &pipeline.Request{
		Task:      req.Task,
		UserID:    req.UserID,
		DBInfo:    req.DBInfo,
		Visualize: req.Visualize,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// authorized checks the bearer API key. An unset key disables the
// check, for local development.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Server.APIKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.APIKey)) == 1
}
