// Package control implements the local-only RPC surface the CLI uses to
// talk to a running daemon: one JSON request and one JSON response per
// line over a unix domain socket.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SocketPath returns the well-known control socket location. The runtime
// dir keeps the socket per-user; /tmp is the fallback on systems without
// one.
func SocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	return filepath.Join(runtimeDir, "wormhole.sock")
}

// Methods accepted on the socket.
const (
	MethodOpen          = "open"
	MethodClose         = "close"
	MethodList          = "list"
	MethodStatus        = "status"
	MethodResolveAttach = "resolve_attach"
	MethodQuery         = "query"
)

// Error codes specific to the control surface; session-level failures
// reuse the wire protocol codes.
const (
	CodeDaemonNotRunning = "DAEMON_NOT_RUNNING"
	CodeInvalidRequest   = "INVALID_MESSAGE"
)

// Request is one line sent by the CLI.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line sent back by the daemon. Exactly one of Result
// and Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a control-level failure with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// OpenOptions forward driver options through the control surface.
type OpenOptions struct {
	Model           string   `json:"model,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Resume          string   `json:"resume,omitempty"`
	SkipPermissions bool     `json:"skip_permissions,omitempty"`
	ExtraArgs       []string `json:"extra_args,omitempty"`
}

// OpenParams names the session to create. Name may be empty; the daemon
// derives one from the directory.
type OpenParams struct {
	Name      string      `json:"name,omitempty"`
	Directory string      `json:"directory"`
	Options   OpenOptions `json:"options,omitempty"`
}

// OpenResult reports the name the session ended up with.
type OpenResult struct {
	Name string `json:"name"`
}

// CloseParams names the session to tear down.
type CloseParams struct {
	Name string `json:"name"`
}

// QueryParams delivers a user turn from the CLI.
type QueryParams struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// AttachParams names the session whose driver id the CLI wants.
type AttachParams struct {
	Name string `json:"name"`
}

// AttachResult carries the driver's native session id so the CLI can
// exec an interactive client attached to the same conversation.
type AttachResult struct {
	ClaudeSessionID string `json:"claude_session_id"`
}

// StatusResult is the daemon-level health snapshot.
type StatusResult struct {
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	Version     string `json:"version"`
	MachineName string `json:"machine_name"`
	Sessions    int    `json:"sessions"`
	Clients     int    `json:"clients"`
}

func errorResponse(code, message string) Response {
	return Response{Error: &Error{Code: code, Message: message}}
}

func resultResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(CodeInvalidRequest, fmt.Sprintf("encode result: %v", err))
	}
	return Response{Result: data}
}
