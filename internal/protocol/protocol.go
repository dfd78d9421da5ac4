// Package protocol defines the JSON frame types spoken between the daemon
// and remote clients, plus the codec that parses and serializes them.
//
// Every frame is a single JSON object tagged by a "type" field. Unknown
// frame types are rejected; unknown fields inside a known frame are
// ignored so newer clients can talk to older daemons.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Stable error codes carried in Error frames and control responses.
const (
	CodeSessionExists     = "SESSION_EXISTS"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeDriverError       = "DRIVER_ERROR"
	CodePermissionTimeout = "PERMISSION_TIMEOUT" // reserved, not emitted in V1
	CodeWebSocketError    = "WEBSOCKET_ERROR"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeNotSubscribed     = "NOT_SUBSCRIBED"
	CodeBackpressure      = "BACKPRESSURE"
)

// Decision is a permission verdict from a client.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ControlAction is a session control verb.
type ControlAction string

const (
	ActionInterrupt ControlAction = "interrupt"
	ActionCompact   ControlAction = "compact"
	ActionClear     ControlAction = "clear"
	ActionPlan      ControlAction = "plan"
)

// ClientMessage is a frame sent by a remote client to the daemon.
type ClientMessage interface {
	// Tag returns the wire value of the "type" field.
	Tag() string
	clientMessage()
}

// ServerMessage is a frame sent by the daemon to a remote client.
type ServerMessage interface {
	Tag() string
	serverMessage()
}

// === Client → daemon ===

type Hello struct {
	ClientVersion string `json:"client_version"`
	DeviceName    string `json:"device_name"`
}

type Subscribe struct {
	Sessions SessionSelector `json:"sessions"`
}

type Input struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

type PermissionResponse struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
}

type Control struct {
	Session string        `json:"session"`
	Action  ControlAction `json:"action"`
}

type Sync struct {
	Session          string `json:"session"`
	LastSeenSequence int64  `json:"last_seen_sequence"`
}

func (Hello) Tag() string              { return "hello" }
func (Subscribe) Tag() string          { return "subscribe" }
func (Input) Tag() string              { return "input" }
func (PermissionResponse) Tag() string { return "permission_response" }
func (Control) Tag() string            { return "control" }
func (Sync) Tag() string               { return "sync" }

func (Hello) clientMessage()              {}
func (Subscribe) clientMessage()          {}
func (Input) clientMessage()              {}
func (PermissionResponse) clientMessage() {}
func (Control) clientMessage()            {}
func (Sync) clientMessage()               {}

// === Daemon → client ===

// PendingPermissionInfo describes a permission request still awaiting a
// decision, replayed to (re)connecting clients.
type PendingPermissionInfo struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	ToolInput   map[string]any `json:"tool_input"`
	SessionName string         `json:"session_name"`
	CreatedAt   Timestamp      `json:"created_at"`
}

// SessionInfo is the per-session snapshot carried in Welcome frames.
type SessionInfo struct {
	Name               string                  `json:"name"`
	Directory          string                  `json:"directory"`
	State              string                  `json:"state"`
	ClaudeSessionID    *string                 `json:"claude_session_id"`
	CostUSD            float64                 `json:"cost_usd"`
	LastActivity       *Timestamp              `json:"last_activity"`
	PendingPermissions []PendingPermissionInfo `json:"pending_permissions,omitempty"`
}

type Welcome struct {
	ServerVersion string        `json:"server_version"`
	MachineName   string        `json:"machine_name"`
	Sessions      []SessionInfo `json:"sessions"`
}

type Event struct {
	Session   string         `json:"session"`
	Sequence  int64          `json:"sequence"`
	Timestamp Timestamp      `json:"timestamp"`
	Message   map[string]any `json:"message"`
}

type PermissionRequest struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	ToolInput   map[string]any `json:"tool_input"`
	SessionName string         `json:"session_name"`
}

type SyncResponse struct {
	Session            string                  `json:"session"`
	Events             []Event                 `json:"events"`
	Truncated          bool                    `json:"truncated"`
	PendingPermissions []PendingPermissionInfo `json:"pending_permissions,omitempty"`
}

type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Session string         `json:"session,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (Welcome) Tag() string           { return "welcome" }
func (Event) Tag() string             { return "event" }
func (PermissionRequest) Tag() string { return "permission_request" }
func (SyncResponse) Tag() string      { return "sync_response" }
func (Error) Tag() string             { return "error" }

func (Welcome) serverMessage()           {}
func (Event) serverMessage()             {}
func (PermissionRequest) serverMessage() {}
func (SyncResponse) serverMessage()      {}
func (Error) serverMessage()             {}

// === Codec ===

type tagged interface{ Tag() string }

// encode marshals m and splices its type tag into the object.
func encode(m tagged) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", m.Tag(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", m.Tag(), err)
	}
	obj["type"] = json.RawMessage(fmt.Sprintf("%q", m.Tag()))
	return json.Marshal(obj)
}

// EncodeClientMessage serializes a client frame with its type tag.
func EncodeClientMessage(m ClientMessage) ([]byte, error) { return encode(m) }

// EncodeServerMessage serializes a server frame with its type tag.
func EncodeServerMessage(m ServerMessage) ([]byte, error) { return encode(m) }

func frameType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("frame missing type field")
	}
	return probe.Type, nil
}

// ParseClientMessage decodes one client frame, dispatching on its type tag.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	tag, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case "hello":
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "subscribe":
		var m Subscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "input":
		var m Input
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "permission_response":
		var m PermissionResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Decision != DecisionAllow && m.Decision != DecisionDeny {
			return nil, fmt.Errorf("invalid permission decision: %q", m.Decision)
		}
		return m, nil
	case "control":
		var m Control
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		switch m.Action {
		case ActionInterrupt, ActionCompact, ActionClear, ActionPlan:
			return m, nil
		}
		return nil, fmt.Errorf("invalid control action: %q", m.Action)
	case "sync":
		var m Sync
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", tag)
	}
}

// ParseServerMessage decodes one server frame. The daemon never consumes
// these; they are parsed by client-side tooling and tests.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	tag, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case "welcome":
		var m Welcome
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "event":
		var m Event
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "permission_request":
		var m PermissionRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "sync_response":
		var m SyncResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "error":
		var m Error
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", tag)
	}
}
