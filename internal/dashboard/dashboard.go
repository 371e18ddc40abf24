// Package dashboard is the operator-facing HTTP surface: a JSON API over the
// capture store, a WebSocket feed of live events and alerts, config
// management with hot service restarts, data export, and best-effort IP
// blocking. All mutating actions are appended to the operator audit log.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mantis-sec/mantis/internal/audit"
	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/geo"
	"github.com/mantis-sec/mantis/internal/storage"
)

// Orchestrator is the slice of the runtime the dashboard drives. Implemented
// by internal/core.
type Orchestrator interface {
	ConfigSnapshot() map[string]any
	FullConfigSnapshot() map[string]any
	UpdateServiceConfig(ctx context.Context, name string, patch map[string]any) (map[string]any, error)
	UpdateGlobalConfig(ctx context.Context, patch map[string]any) (map[string]any, error)
	SaveConfig(path string) (string, error)
	ExportConfigYAML() ([]byte, error)
	ResetDatabase(ctx context.Context) error
}

// Server serves the dashboard API and WebSocket feed.
type Server struct {
	store storage.Store
	geo   *geo.Locator
	cfg   *config.DashboardConfig
	orch  Orchestrator
	audit *audit.Log
	log   *slog.Logger

	hub      *hub
	firewall *firewall
	srv      *http.Server
	ln       net.Listener
}

// New assembles a dashboard server. orch and auditLog may be nil (the config
// and reset routes answer 500, actions are not recorded).
func New(store storage.Store, locator *geo.Locator, cfg *config.DashboardConfig, orch Orchestrator, auditLog *audit.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		geo:      locator,
		cfg:      cfg,
		orch:     orch,
		audit:    auditLog,
		log:      logger.With("component", "dashboard"),
		hub:      newHub(logger),
		firewall: newFirewall(logger),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/login", s.handleLoginPage)
	r.Post("/api/auth", s.handleAuth)
	r.Get("/ws", s.handleWS)

	r.Get("/api/stats", s.handleStats)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/alerts", s.handleAlerts)
	r.Post("/api/alerts/{id}/ack", s.handleAckAlert)
	r.Get("/api/geo/{ip}", s.handleGeo)
	r.Get("/api/map", s.handleMap)
	r.Get("/api/config", s.handleGetConfig)
	r.Get("/api/config/full", s.handleGetFullConfig)
	r.Put("/api/config/service/{name}", s.handleUpdateServiceConfig)
	r.Put("/api/config/global", s.handleUpdateGlobalConfig)
	r.Post("/api/config/save", s.handleSaveConfig)
	r.Get("/api/config/export", s.handleExportConfig)
	r.Get("/api/ips", s.handleIPs)
	r.Get("/api/sessions/{id}/events", s.handleSessionEvents)
	r.Post("/api/database/reset", s.handleDatabaseReset)
	r.Get("/api/attackers", s.handleAttackers)
	r.Get("/api/export", s.handleExport)
	r.Get("/api/firewall/blocked", s.handleGetBlocked)
	r.Post("/api/firewall/block", s.handleBlockIP)
	r.Post("/api/firewall/unblock", s.handleUnblockIP)

	return r
}

// Start binds the configured address, subscribes to the store feeds, and
// serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen %s: %w", addr, err)
	}
	s.ln = ln

	s.hub.start(ctx, s.store)

	s.srv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server exited", "error", err)
		}
	}()
	s.log.Info("dashboard running", "addr", "http://"+ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the HTTP server down, closing WebSocket clients and
// unsubscribing from the store feeds.
func (s *Server) Stop() error {
	s.hub.stop(s.store)
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("dashboard: shutdown: %w", err)
		}
	}
	s.log.Info("dashboard stopped")
	return nil
}

// record appends an operator action to the audit log, if one is attached.
func (s *Server) record(r *http.Request, action string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(audit.Record{
		Action: action,
		Actor:  r.RemoteAddr,
		Detail: detail,
	}); err != nil {
		s.log.Warn("audit append failed", "action", action, "error", err)
	}
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
