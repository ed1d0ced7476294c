// Package api serves the control plane: bot and config management,
// introspection, and the metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/logging"
	"github.com/RockChinQ/LangBot/internal/platform"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/internal/sessions"
	"github.com/RockChinQ/LangBot/internal/taskmgr"
)

// Server is the control-plane HTTP server.
type Server struct {
	configmgr *config.Manager
	configfn  func() *config.Snapshot
	platform  *platform.Manager
	models    *provider.ModelManager
	sessmgr   *sessions.Manager
	host      *plugin.Host
	tasks     *taskmgr.Manager
	ring      *logging.Ring
	version   string
	logger    *slog.Logger

	http *http.Server
}

// NewServer wires the control plane.
func NewServer(
	configmgr *config.Manager,
	pm *platform.Manager,
	mm *provider.ModelManager,
	sm *sessions.Manager,
	host *plugin.Host,
	tasks *taskmgr.Manager,
	ring *logging.Ring,
	version string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		configmgr: configmgr,
		configfn:  configmgr.Current,
		platform:  pm,
		models:    mm,
		sessmgr:   sm,
		host:      host,
		tasks:     tasks,
		ring:      ring,
		version:   version,
		logger:    logger.With("component", "api"),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configfn().System.HTTPAPI
	if !cfg.Enable {
		s.logger.Info("control plane disabled")
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/user/auth", s.handleAuth)

	mux.HandleFunc("GET /api/v1/platform/bots", s.requireAuth(s.handleListBots))
	mux.HandleFunc("POST /api/v1/platform/bots", s.requireAuth(s.handleCreateBot))
	mux.HandleFunc("PUT /api/v1/platform/bots/{uuid}", s.requireAuth(s.handleUpdateBot))
	mux.HandleFunc("DELETE /api/v1/platform/bots/{uuid}", s.requireAuth(s.handleDeleteBot))

	mux.HandleFunc("GET /api/v1/provider/models", s.requireAuth(s.handleListModels))
	mux.HandleFunc("GET /api/v1/plugins", s.requireAuth(s.handleListPlugins))
	mux.HandleFunc("PUT /api/v1/plugins/{name}", s.requireAuth(s.handleTogglePlugin))

	mux.HandleFunc("GET /api/v1/settings/{bundle}", s.requireAuth(s.handleGetSettings))
	mux.HandleFunc("PUT /api/v1/settings/{bundle}", s.requireAuth(s.handlePutSettings))

	mux.HandleFunc("GET /api/v1/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/v1/system/tasks", s.requireAuth(s.handleListTasks))
	mux.HandleFunc("GET /api/v1/system/logs", s.requireAuth(s.handleLogs))
}

// envelope is the uniform response shape.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Code: 0, Msg: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Code: status, Msg: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkPassword(req.Password) {
		s.logger.Warn("auth failed", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}
	token, err := s.issueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
