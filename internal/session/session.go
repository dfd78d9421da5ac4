// Package session binds one AI agent driver to one working directory and
// implements the lifecycle state machine around it: event intake with
// sequence assignment, permission gating through the broker, control
// actions, and failure capture.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebastianm/wormhole/internal/broker"
	"github.com/sebastianm/wormhole/internal/driver"
	"github.com/sebastianm/wormhole/internal/protocol"
	"github.com/sebastianm/wormhole/internal/ring"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle             State = "idle"
	StateWorking          State = "working"
	StateAwaitingApproval State = "awaiting_approval"
	StateError            State = "error"
)

// ErrDriverFailed rejects driver operations on a session whose driver has
// failed. The session stays listed until explicitly closed.
var ErrDriverFailed = errors.New("session driver has failed")

// ErrClosed rejects operations on a torn-down session.
var ErrClosed = errors.New("session is closed")

// Sink receives the frames a session wants fanned out to subscribers.
// The hub implements it; sends must not block the caller.
type Sink interface {
	SessionEvent(event protocol.Event)
	PermissionRequested(req protocol.PermissionRequest)
	SessionError(frame protocol.Error)
}

// Deps are the collaborators a session needs.
type Deps struct {
	Log          *slog.Logger
	Driver       driver.Driver
	Broker       *broker.Broker
	Sink         Sink
	RingCapacity int
}

// Session is one agent conversation bound to a working directory.
type Session struct {
	name      string
	directory string

	log    *slog.Logger
	drv    driver.Driver
	ring   *ring.Ring
	broker *broker.Broker
	sink   Sink

	mu              sync.Mutex
	state           State
	claudeSessionID string
	costUSD         float64
	lastActivity    time.Time
	closed          bool
	started         bool

	pumpDone chan struct{}
}

// New creates a session in the idle state. Start must be called before
// any driver operation.
func New(name, directory string, deps Deps) *Session {
	return &Session{
		name:      name,
		directory: directory,
		log:       deps.Log.With("session", name),
		drv:       deps.Driver,
		ring:      ring.New(deps.RingCapacity),
		broker:    deps.Broker,
		sink:      deps.Sink,
		state:     StateIdle,
		pumpDone:  make(chan struct{}),
	}
}

// Name returns the session's unique name on this machine.
func (s *Session) Name() string { return s.name }

// Directory returns the session's working directory.
func (s *Session) Directory() string { return s.directory }

// Ring exposes the session's event buffer for catch-up queries.
func (s *Session) Ring() *ring.Ring { return s.ring }

// Start launches the driver and begins consuming its message stream.
func (s *Session) Start(ctx context.Context, opts driver.Options) error {
	if err := s.drv.Start(ctx, s.directory, opts, s.permissionCallback); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.pump()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info snapshots the session for welcome frames and control responses.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := protocol.SessionInfo{
		Name:      s.name,
		Directory: s.directory,
		State:     string(s.state),
		CostUSD:   s.costUSD,
	}
	if s.claudeSessionID != "" {
		id := s.claudeSessionID
		info.ClaudeSessionID = &id
	}
	if !s.lastActivity.IsZero() {
		ts := protocol.NewTimestamp(s.lastActivity)
		info.LastActivity = &ts
	}
	info.PendingPermissions = s.broker.Pending(s.name)
	return info
}

// ClaudeSessionID returns the driver's native session id, or "" before
// the driver has initialized.
func (s *Session) ClaudeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudeSessionID
}

// Query delivers a user turn to the driver. The session transitions to
// working before the driver sees the text.
func (s *Session) Query(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateError {
		s.mu.Unlock()
		return ErrDriverFailed
	}
	prev := s.state
	s.state = StateWorking
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := s.drv.Query(ctx, text); err != nil {
		// No turn is in flight; undo the optimistic transition unless
		// something else moved the state meanwhile.
		s.mu.Lock()
		if s.state == StateWorking {
			s.state = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("query driver: %w", err)
	}
	return nil
}

// Control applies a control action. Interrupt is safe in any state and is
// a no-op for the daemon itself; the remaining actions are delivered as
// synthetic inputs through the same channel as user text.
func (s *Session) Control(ctx context.Context, action protocol.ControlAction) error {
	switch action {
	case protocol.ActionInterrupt:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.mu.Unlock()
		if err := s.drv.Interrupt(ctx); err != nil {
			return fmt.Errorf("interrupt driver: %w", err)
		}
		return nil
	case protocol.ActionCompact:
		return s.Query(ctx, "/compact")
	case protocol.ActionClear:
		// The driver discards its conversation; the ring keeps history
		// for replay.
		return s.Query(ctx, "/clear")
	case protocol.ActionPlan:
		return s.Query(ctx, "/plan")
	default:
		return fmt.Errorf("unknown control action: %q", action)
	}
}

// ResolvePermission delivers a client decision for one of this session's
// pending requests.
func (s *Session) ResolvePermission(requestID string, decision protocol.Decision) error {
	return s.broker.Resolve(requestID, decision)
}

// Close tears the session down: pending permissions are denied, the
// driver is released, and the event pump drains.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	denied := s.broker.FailAll(s.name)
	if denied > 0 {
		s.log.Info("denied pending permissions on teardown", "count", denied)
	}

	err := s.drv.Close()
	if started {
		<-s.pumpDone
	}
	return err
}

// permissionCallback runs on the driver's goroutine for every tool use.
// It publishes a pending permission, suspends until a decision arrives,
// and translates the decision into the driver's result shape.
func (s *Session) permissionCallback(toolName string, toolInput map[string]any) driver.PermissionResult {
	s.mu.Lock()
	// A callback racing teardown or a driver failure must not open a
	// broker entry: FailAll has already run (or will not run again), so
	// nothing would ever resolve it.
	if s.closed || s.state == StateError {
		s.mu.Unlock()
		s.log.Info("permission denied on closed session", "tool", toolName)
		return driver.Deny("User denied")
	}
	s.state = StateAwaitingApproval
	s.lastActivity = time.Now()
	info, waiter := s.broker.Open(s.name, toolName, toolInput)
	// Publish under the session lock so no later event can be observed
	// ahead of the request.
	s.sink.PermissionRequested(protocol.PermissionRequest{
		RequestID:   info.RequestID,
		ToolName:    toolName,
		ToolInput:   toolInput,
		SessionName: s.name,
	})
	s.mu.Unlock()

	s.log.Info("permission requested", "request_id", info.RequestID, "tool", toolName)
	decision := <-waiter

	s.mu.Lock()
	if s.state == StateAwaitingApproval && s.broker.PendingCount(s.name) == 0 {
		s.state = StateWorking
	}
	s.mu.Unlock()

	if decision == protocol.DecisionAllow {
		s.log.Info("permission allowed", "request_id", info.RequestID, "tool", toolName)
		return driver.Allow(toolInput)
	}
	s.log.Info("permission denied", "request_id", info.RequestID, "tool", toolName)
	return driver.Deny("User denied")
}

// pump consumes the driver's message stream until it closes, then captures
// any driver failure.
func (s *Session) pump() {
	defer close(s.pumpDone)

	for msg := range s.drv.Messages() {
		s.ingest(msg)
	}

	if err := s.drv.Err(); err != nil {
		s.fail(err)
	}
}

// ingest wraps one driver message in an event, assigns its sequence, and
// fans it out.
func (s *Session) ingest(msg driver.Message) {
	s.mu.Lock()
	now := time.Now()
	s.lastActivity = now

	if msg.IsInit() {
		if id := msg.SessionID(); id != "" {
			s.claudeSessionID = id
			s.log.Info("driver session initialized", "claude_session_id", id)
		}
	}

	if msg.IsResult() {
		if cost, ok := msg.CostUSD(); ok && cost > 0 {
			s.costUSD += cost
		}
		if s.state == StateWorking {
			s.state = StateIdle
		}
	}

	seq := s.ring.Append(s.name, protocol.NewTimestamp(now), msg)
	event := protocol.Event{
		Session:   s.name,
		Sequence:  seq,
		Timestamp: protocol.NewTimestamp(now),
		Message:   msg,
	}
	s.sink.SessionEvent(event)
	s.mu.Unlock()
}

// fail transitions the session to the error state, denies pending
// permissions, and surfaces the failure both as a ring event and as an
// error frame to subscribers.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	now := time.Now()
	s.lastActivity = now

	seq := s.ring.Append(s.name, protocol.NewTimestamp(now), map[string]any{
		"type":  "error",
		"error": err.Error(),
	})
	event := protocol.Event{
		Session:   s.name,
		Sequence:  seq,
		Timestamp: protocol.NewTimestamp(now),
		Message:   map[string]any{"type": "error", "error": err.Error()},
	}
	s.sink.SessionEvent(event)
	s.mu.Unlock()

	denied := s.broker.FailAll(s.name)
	s.log.Error("session failed", "code", protocol.CodeDriverError, "error", err, "denied_permissions", denied)

	s.sink.SessionError(protocol.Error{
		Code:    protocol.CodeDriverError,
		Message: err.Error(),
		Session: s.name,
	})
}
