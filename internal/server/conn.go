package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/workspace"
	"github.com/loomworks/loom/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	closeWait       = time.Second
)

// frame is one JSON message in either direction: {type, content}.
type frame struct {
	Type    models.EventType `json:"type"`
	Content json.RawMessage  `json:"content,omitempty"`
}

type queryContent struct {
	Text string `json:"text"`
}

type terminalContent struct {
	Command string `json:"command"`
}

// conn is one accepted WebSocket connection. It exclusively owns at
// most one agent runtime; the runtime's event router gets the conn as
// its sink.
type conn struct {
	id        string
	sessionID string
	server    *Server
	ws        *websocket.Conn
	workspace *workspace.Workspace
	opts      ConnectionOptions
	logger    *slog.Logger
	createdAt time.Time

	// ctx spans the connection; its cancellation is a run suspension
	// point.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	agent    *agent.Runtime
	querying bool
	closed   bool

	stopHeartbeat chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, id, sessionID string, wsp *workspace.Workspace, opts ConnectionOptions) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:            id,
		sessionID:     sessionID,
		server:        s,
		ws:            ws,
		workspace:     wsp,
		opts:          opts,
		logger:        s.logger.With("connection_id", id, "session_id", sessionID),
		createdAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		stopHeartbeat: make(chan struct{}),
	}
}

// SendEvent implements agent.Sink: agent events go out as
// {type, content} frames.
func (c *conn) SendEvent(event *models.Event) error {
	return c.writeFrame(frame{Type: event.Type, Content: event.Payload})
}

func (c *conn) sendMessage(eventType models.EventType, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return c.writeFrame(frame{Type: eventType, Content: data})
}

func (c *conn) sendError(code models.ErrorCode, message string) {
	if err := c.sendMessage(models.EventError, map[string]any{
		"message":    message,
		"error_code": code,
	}); err != nil {
		c.logger.Warn("failed to send error frame", "error_code", code, "error", err)
	}
}

func (c *conn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.ws.WriteJSON(f)
}

// readLoop processes inbound frames until disconnect or read timeout.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.Server.ReadTimeout)) //nolint:errcheck
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *conn) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError(models.ErrCodeInvalidJSON, "frame is not valid JSON")
		return
	}

	switch f.Type {
	case models.EventInitAgent:
		c.handleInitAgent()
	case models.EventQuery, models.EventUserMessage:
		var content queryContent
		if err := json.Unmarshal(f.Content, &content); err != nil {
			c.sendError(models.ErrCodeInvalidJSON, "query content is not valid JSON")
			return
		}
		c.handleQuery(content.Text)
	case models.EventCancelProcessing:
		c.handleCancel()
	case models.EventWorkspaceInfoRequest:
		if err := c.sendMessage(models.EventWorkspaceInfo, map[string]any{
			"workspace_path": c.workspace.Dir,
			"session_uuid":   c.sessionID,
		}); err != nil {
			c.logger.Warn("failed to send workspace info", "error", err)
		}
	case models.EventPing:
		if err := c.sendMessage(models.EventPong, map[string]any{
			"timestamp": time.Now().UnixMilli(),
		}); err != nil {
			c.logger.Warn("failed to send pong", "error", err)
		}
	case models.EventTerminalCommand:
		var content terminalContent
		if err := json.Unmarshal(f.Content, &content); err != nil {
			c.sendError(models.ErrCodeInvalidJSON, "terminal content is not valid JSON")
			return
		}
		c.handleTerminalCommand(content.Command)
	default:
		c.sendError(models.ErrCodeUnknownMessageType, "unknown message type: "+string(f.Type))
	}
}

// handleInitAgent builds a fresh agent runtime, discarding any previous
// one.
func (c *conn) handleInitAgent() {
	c.mu.Lock()
	old := c.agent
	c.agent = nil
	c.mu.Unlock()
	if old != nil {
		c.discardAgent(old)
	}

	c.mu.Lock()
	err := c.initAgentLocked()
	model := ""
	if c.agent != nil {
		model = c.opts.Model()
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("agent initialization failed", "error", err)
		c.sendError(models.ErrCodeAgentInitError, "failed to initialize agent: "+err.Error())
		return
	}

	if err := c.sendMessage(models.EventAgentInitialized, map[string]any{
		"message": "Agent initialized",
		"model":   model,
	}); err != nil {
		c.logger.Warn("failed to send agent_initialized", "error", err)
	}
}

// initAgentLocked constructs the runtime. Caller holds c.mu.
func (c *conn) initAgentLocked() error {
	registry, err := agent.NewRegistry(c.server.buildTools(c.workspace.Dir)...)
	if err != nil {
		return err
	}

	cfg := c.server.cfg
	events := agent.NewEventRouter(c.sessionID, c.server.store, c, c.logger, c.server.metrics)
	c.agent = agent.NewRuntime(agent.Config{
		SessionID:       c.sessionID,
		Model:           c.opts.Model(),
		ProKey:          c.opts.ProKey,
		EmulateTools:    c.opts.EmulateTools(),
		SystemPrompt:    cfg.Agent.SystemPrompt,
		MaxTurns:        cfg.Agent.MaxTurns,
		MaxRounds:       cfg.Agent.MaxRounds,
		MaxTokens:       cfg.Agent.MaxTokens,
		TokenBudget:     cfg.Agent.TokenBudget,
		Temperature:     cfg.Agent.Temperature,
		ContextStrategy: agent.ContextStrategy(cfg.Agent.ContextStrategy),
		Workspace:       c.workspace,
		Logger:          c.logger,
		Metrics:         c.server.metrics,
	}, c.server.router, registry, events, c.server.ledger)
	return nil
}

func (c *conn) discardAgent(rt *agent.Runtime) {
	rt.Cancel()
	rt.Events().ClearSink()
	rt.Events().Close()
}

// handleQuery launches one agent run. Concurrent queries on the same
// connection are rejected.
func (c *conn) handleQuery(text string) {
	if strings.TrimSpace(text) == "" {
		c.sendError(models.ErrCodeMessageProcessing, "query text is required")
		return
	}

	c.mu.Lock()
	if c.agent == nil {
		if err := c.initAgentLocked(); err != nil {
			c.mu.Unlock()
			c.logger.Error("agent auto-initialization failed", "error", err)
			c.sendError(models.ErrCodeAgentNotInitialized, "no agent is available for this query: "+err.Error())
			return
		}
	}
	if c.querying || c.agent.Running() {
		c.mu.Unlock()
		c.sendError(models.ErrCodeQueryInProgress, "a query is already being processed")
		return
	}
	c.querying = true
	rt := c.agent
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.querying = false
			c.mu.Unlock()
		}()
		if err := rt.Run(c.ctx, text); err != nil {
			c.logger.Error("agent run failed", "error", err)
		}
	}()
}

func (c *conn) handleCancel() {
	c.mu.Lock()
	rt := c.agent
	busy := c.querying
	c.mu.Unlock()

	if rt == nil || !busy {
		c.sendError(models.ErrCodeNoActiveQuery, "no query is currently being processed")
		return
	}
	rt.Cancel()
}

// handleTerminalCommand runs a shell command through the agent's bash
// tool and returns the output directly, bypassing the model.
func (c *conn) handleTerminalCommand(command string) {
	if strings.TrimSpace(command) == "" {
		c.sendError(models.ErrCodeMissingCommand, "command is required")
		return
	}

	c.mu.Lock()
	rt := c.agent
	c.mu.Unlock()
	if rt == nil {
		c.sendError(models.ErrCodeBashToolUnavailable, "no agent is initialized for this connection")
		return
	}
	if _, ok := rt.Registry().Get("bash"); !ok {
		c.sendError(models.ErrCodeBashToolUnavailable, "the agent has no bash tool")
		return
	}

	input, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		c.sendError(models.ErrCodeMessageProcessing, err.Error())
		return
	}
	out := rt.Registry().Execute(c.ctx, "bash", input)
	if err := c.sendMessage(models.EventTerminalOutput, map[string]any{
		"output":  out.Output,
		"success": !out.IsError,
	}); err != nil {
		c.logger.Warn("failed to send terminal output", "error", err)
	}
}

// heartbeatLoop sends a heartbeat frame on a fixed interval until the
// connection closes or a send fails.
func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.server.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			err := c.sendMessage(models.EventHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return
			}
		}
	}
}

// busy reports whether the connection has an agent or a running query
// bound, which exempts it from idle reaping.
func (c *conn) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent != nil || c.querying
}

// forceClose closes the socket so the read loop exits and the normal
// release path runs.
func (c *conn) forceClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)) //nolint:errcheck
	_ = c.ws.Close()
}

// shutdown releases everything the connection owns. Idempotent.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rt := c.agent
	c.mu.Unlock()

	c.cancel()
	close(c.stopHeartbeat)
	if rt != nil {
		c.discardAgent(rt)
	}
	c.forceClose(websocket.CloseNormalClosure, "")
}
