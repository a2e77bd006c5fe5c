// Package server implements the WebSocket connection manager and the
// HTTP surface of the loom gateway: the /ws endpoint, session REST
// endpoints, health, and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/credit"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
	"github.com/loomworks/loom/pkg/models"
)

// Reaping thresholds for the loaded-server hot path: above the active
// threshold, connections older than the short age are closed early.
const (
	hotReapThreshold = 200
	hotReapMaxAge    = 30 * time.Minute
)

// Deps are the shared components every connection uses.
type Deps struct {
	Store      store.Store
	Workspaces *workspace.Allocator
	Router     *llm.Router
	Ledger     *credit.Ledger
	Metrics    *metrics.Metrics

	// MetricsHandler serves GET /metrics; nil disables the endpoint.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server accepts WebSocket connections, binds each to a session and
// workspace, and owns the per-connection agent lifecycle.
type Server struct {
	cfg     *config.Config
	store   store.Store
	alloc   *workspace.Allocator
	router  *llm.Router
	ledger  *credit.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger

	// buildTools constructs the tool set for a new agent, rooted in the
	// connection's workspace.
	buildTools func(workDir string) []agent.Tool

	upgrader websocket.Upgrader
	handler  http.Handler

	httpServer *http.Server
	listener   net.Listener

	mu     sync.Mutex
	active map[string]*conn

	done chan struct{}
}

// New wires a server. Start must be called to begin serving.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		alloc:   deps.Workspaces,
		router:  deps.Router,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		logger:  logger,
		buildTools: func(workDir string) []agent.Tool {
			return []agent.Tool{
				&agent.BashTool{WorkDir: workDir},
				agent.CalculateTool{},
				agent.SequentialThinkingTool{},
			}
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		active: make(map[string]*conn),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	if deps.MetricsHandler != nil {
		mux.Handle("/metrics", deps.MetricsHandler)
	}
	s.handler = mux
	return s
}

// Handler exposes the HTTP surface, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.reapLoop()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes every connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.forceClose(websocket.CloseGoingAway, "server shutting down")
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ActiveConnections returns the current connection count.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := ParseConnectionOptions(r.URL.Query(), s.cfg.Pro.Prime, s.logger)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.ActiveConnections() >= s.cfg.Server.MaxConnections {
		s.logger.Warn("rejecting connection, server at capacity",
			"max_connections", s.cfg.Server.MaxConnections)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server overloaded")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)) //nolint:errcheck
		_ = ws.Close()
		return
	}

	id, dir, err := s.alloc.Allocate()
	if err != nil {
		s.logger.Error("workspace allocation failed", "error", err)
		s.rejectWS(ws, models.ErrCodeWorkspaceCreationError, "failed to create workspace")
		return
	}
	wsp, err := s.alloc.Open(id)
	if err != nil {
		s.logger.Error("workspace open failed", "error", err)
		s.rejectWS(ws, models.ErrCodeWorkspaceCreationError, "failed to open workspace")
		return
	}

	sessionID, err := s.store.CreateSession(r.Context(), id, dir, opts.DeviceID)
	if err != nil {
		s.logger.Error("session creation failed", "error", err)
		s.rejectWS(ws, models.ErrCodeWorkspaceCreationError, "failed to record session")
		return
	}

	c := newConn(s, ws, id, sessionID, wsp, opts)

	s.mu.Lock()
	s.active[c.id] = c
	activeCount := len(s.active)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}
	defer s.release(c)

	s.logger.Info("connection established",
		"connection_id", c.id, "session_id", sessionID,
		"device_id", opts.DeviceID, "active_connections", activeCount)

	if err := c.sendMessage(models.EventConnectionEstablished, map[string]any{
		"workspace_path":     wsp.Dir,
		"connection_id":      c.id,
		"session_uuid":       sessionID,
		"active_connections": activeCount,
	}); err != nil {
		return
	}

	go c.heartbeatLoop()
	c.readLoop()
}

func (s *Server) rejectWS(ws *websocket.Conn, code models.ErrorCode, message string) {
	payload, _ := json.Marshal(map[string]any{"message": message, "error_code": code})
	_ = ws.WriteJSON(frame{Type: models.EventError, Content: payload}) //nolint:errcheck
	_ = ws.Close()
}

func (s *Server) release(c *conn) {
	s.mu.Lock()
	delete(s.active, c.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Dec()
	}
	c.shutdown()
	s.logger.Info("connection closed", "connection_id", c.id)
}

// reapLoop periodically closes stale connections: anything past the max
// age, idle connections with neither agent nor query after a full
// interval, and, when the server is loaded, anything past the short age.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.cfg.Server.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Server) reapOnce() {
	now := time.Now()

	s.mu.Lock()
	activeCount := len(s.active)
	var victims []*conn
	var reasons []string
	for _, c := range s.active {
		age := now.Sub(c.createdAt)
		switch {
		case age > s.cfg.Server.MaxConnectionAge:
			victims = append(victims, c)
			reasons = append(reasons, "max age exceeded")
		case !c.busy() && age > s.cfg.Server.CleanupInterval:
			victims = append(victims, c)
			reasons = append(reasons, "idle with no agent")
		case activeCount > hotReapThreshold && age > hotReapMaxAge:
			victims = append(victims, c)
			reasons = append(reasons, "server loaded")
		}
	}
	s.mu.Unlock()

	for i, c := range victims {
		s.logger.Info("reaping connection", "connection_id", c.id, "reason", reasons[i])
		c.forceClose(websocket.CloseGoingAway, reasons[i])
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleListSessions serves GET /api/sessions?device_id=<id>&limit=<n>,
// returning the device's sessions newest first with first-message text.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, `{"message":"device_id is required"}`, http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	sessions, err := s.store.ListSessionsByDevice(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("session listing failed", "device_id", deviceID, "error", err)
		http.Error(w, `{"message":"failed to list sessions"}`, http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"sessions": sessions}); err != nil {
		s.logger.Warn("failed to encode session list", "error", err)
	}
}

// handleDeleteSession serves the admin-gated DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, `{"message":"session id is required"}`, http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.logger.Error("session deletion failed", "session_id", id, "error", err)
		http.Error(w, `{"message":"failed to delete session"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	adminKey := s.cfg.Server.AdminKey
	if adminKey == "" {
		return false
	}
	provided := r.Header.Get("X-Admin-Key")
	if provided == "" {
		provided = r.URL.Query().Get("admin_key")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) == 1
}
