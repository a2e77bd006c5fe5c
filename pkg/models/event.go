// Package models provides domain types for the loom agent gateway.
package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing between client, agent,
// and the event store. The same literals are used on the wire and in the
// event table.
type EventType string

// Inbound event types (client to server).
const (
	EventInitAgent            EventType = "init_agent"
	EventQuery                EventType = "query"
	EventUserMessage          EventType = "user_message"
	EventCancelProcessing     EventType = "cancel_processing"
	EventWorkspaceInfoRequest EventType = "workspace_info_request"
	EventPing                 EventType = "ping"
	EventTerminalCommand      EventType = "terminal_command"
)

// Outbound event types (server to client).
const (
	EventConnectionEstablished EventType = "connection_established"
	EventAgentInitialized      EventType = "agent_initialized"
	EventWorkspaceInfo         EventType = "workspace_info"
	EventProcessing            EventType = "processing"
	EventAgentThinking         EventType = "agent_thinking"
	EventToolCall              EventType = "tool_call"
	EventToolResult            EventType = "tool_result"
	EventAgentResponse         EventType = "agent_response"
	EventStreamComplete        EventType = "stream_complete"
	EventError                 EventType = "error"
	EventSystem                EventType = "system"
	EventPong                  EventType = "pong"
	EventUploadSuccess         EventType = "upload_success"
	EventBrowserUse            EventType = "browser_use"
	EventFileEdit              EventType = "file_edit"
	EventHeartbeat             EventType = "heartbeat"
	EventTerminalOutput        EventType = "terminal_output"
)

// Event is a single persisted, typed occurrence within a session.
// Events are append-only; ordering within a session is the
// server-assigned timestamp sequence.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Session is a workspace-backed conversation container. Created when a
// connection first asks for a workspace; mutated only to set a summary.
type Session struct {
	ID           string    `json:"id"`
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	DeviceID     string    `json:"device_id,omitempty"`
	Summary      string    `json:"summary,omitempty"`

	// FirstMessage is the text of the earliest user_message event,
	// populated only by device-scoped listings.
	FirstMessage string `json:"first_message,omitempty"`
}

// ErrorCode classifies protocol-level error events.
type ErrorCode string

const (
	ErrCodeAgentNotInitialized    ErrorCode = "AGENT_NOT_INITIALIZED"
	ErrCodeAgentInitError         ErrorCode = "AGENT_INIT_ERROR"
	ErrCodeAgentRuntimeError      ErrorCode = "AGENT_RUNTIME_ERROR"
	ErrCodeWorkspaceCreationError ErrorCode = "WORKSPACE_CREATION_ERROR"
	ErrCodeQueryInProgress        ErrorCode = "QUERY_IN_PROGRESS"
	ErrCodeNoActiveQuery          ErrorCode = "NO_ACTIVE_QUERY"
	ErrCodeInvalidJSON            ErrorCode = "INVALID_JSON"
	ErrCodeUnknownMessageType     ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeMessageProcessing      ErrorCode = "MESSAGE_PROCESSING_ERROR"
	ErrCodeMissingCommand         ErrorCode = "MISSING_COMMAND"
	ErrCodeBashToolUnavailable    ErrorCode = "BASH_TOOL_UNAVAILABLE"
)
