// Package driver defines the contract between a session and the AI agent
// engine it embeds. The daemon treats the engine as opaque: it starts it,
// feeds it user turns, and consumes its message stream, gating tool use
// through a permission callback.
package driver

import "context"

// Message is one opaque JSON-shaped message from the agent. Payloads are
// passed through to clients unchanged; the helpers below inspect only the
// few fields the session itself needs.
type Message map[string]any

func (m Message) str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Type returns the message's "type" field, if any.
func (m Message) Type() string { return m.str("type") }

// Subtype returns the message's "subtype" field, if any.
func (m Message) Subtype() string { return m.str("subtype") }

// SessionID extracts the agent's native session id from an init message.
// Depending on engine version it appears at the top level or under "data".
func (m Message) SessionID() string {
	if id := m.str("session_id"); id != "" {
		return id
	}
	if data, ok := m["data"].(map[string]any); ok {
		if id, ok := data["session_id"].(string); ok {
			return id
		}
	}
	return ""
}

// IsInit reports whether this is the engine's initialization message.
func (m Message) IsInit() bool {
	return m.Type() == "system" && m.Subtype() == "init"
}

// IsResult reports whether this message terminates a turn.
func (m Message) IsResult() bool { return m.Type() == "result" }

// CostUSD returns the cost reported by a result message.
func (m Message) CostUSD() (float64, bool) {
	switch v := m["total_cost_usd"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// PermissionBehavior is the verdict returned from a permission callback.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionResult is the callback's answer to a tool-use request.
type PermissionResult struct {
	Behavior PermissionBehavior
	// UpdatedInput is the (possibly rewritten) tool input on allow.
	UpdatedInput map[string]any
	// Message explains a denial to the agent.
	Message string
	// Interrupt requests the agent abandon the turn after a denial.
	Interrupt bool
}

// Allow approves the tool use with the given input.
func Allow(updatedInput map[string]any) PermissionResult {
	return PermissionResult{Behavior: PermissionAllow, UpdatedInput: updatedInput}
}

// Deny rejects the tool use.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: PermissionDeny, Message: message}
}

// PermissionFunc is invoked synchronously by the engine whenever a tool
// use requires approval. The engine stays suspended until it returns.
type PermissionFunc func(toolName string, toolInput map[string]any) PermissionResult

// Options configures an agent run.
type Options struct {
	// Model overrides the engine's default model.
	Model string
	// SystemPrompt appends to the engine's system prompt.
	SystemPrompt string
	// Resume is the engine-native session id of a conversation to resume.
	Resume string
	// SkipPermissions bypasses the permission callback entirely.
	SkipPermissions bool
	// ExtraArgs are passed through to the engine verbatim.
	ExtraArgs []string
}

// Driver is one embedded agent engine bound to a working directory.
//
// Start begins the run; the engine's messages arrive on Messages until
// the channel closes. After close, Err reports whether the engine ended
// because of a failure. At most one Query is in flight at a time; the
// session serializes calls.
type Driver interface {
	Start(ctx context.Context, dir string, opts Options, onPermission PermissionFunc) error
	Query(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Close() error
	Messages() <-chan Message
	Err() error
}
