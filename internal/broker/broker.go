// Package broker correlates outbound permission requests with inbound
// decisions. The driver's permission callback parks on a one-shot channel
// allocated here until a client (or session teardown) resolves it.
package broker

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sebastianm/wormhole/internal/protocol"
)

// ErrUnknownRequest is returned when a decision names a request that does
// not exist or was already resolved.
var ErrUnknownRequest = errors.New("unknown permission request")

type pending struct {
	info protocol.PendingPermissionInfo
	ch   chan protocol.Decision
}

// Broker holds every unresolved permission request, indexed by request id
// and by session. Each request is resolved exactly once; the entry is
// removed before the decision is delivered, so a duplicate resolution
// always reports ErrUnknownRequest.
type Broker struct {
	mu        sync.Mutex
	byRequest map[string]*pending
	bySession map[string]map[string]*pending
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		byRequest: make(map[string]*pending),
		bySession: make(map[string]map[string]*pending),
	}
}

// Open allocates a pending permission for the given tool use and publishes
// it atomically: a resolution arriving the instant Open returns is honored.
// The returned channel yields exactly one decision.
func (b *Broker) Open(session, toolName string, toolInput map[string]any) (protocol.PendingPermissionInfo, <-chan protocol.Decision) {
	p := &pending{
		info: protocol.PendingPermissionInfo{
			RequestID:   uuid.NewString(),
			ToolName:    toolName,
			ToolInput:   toolInput,
			SessionName: session,
			CreatedAt:   protocol.Now(),
		},
		// Buffered so a resolver never blocks on a waiter that has not
		// reached its receive yet.
		ch: make(chan protocol.Decision, 1),
	}

	b.mu.Lock()
	b.byRequest[p.info.RequestID] = p
	sessions := b.bySession[session]
	if sessions == nil {
		sessions = make(map[string]*pending)
		b.bySession[session] = sessions
	}
	sessions[p.info.RequestID] = p
	b.mu.Unlock()

	return p.info, p.ch
}

// Resolve delivers the decision for a pending request. It returns
// ErrUnknownRequest if the request id is unknown or already resolved.
func (b *Broker) Resolve(requestID string, decision protocol.Decision) error {
	b.mu.Lock()
	p, ok := b.byRequest[requestID]
	if ok {
		b.removeLocked(p)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	p.ch <- decision
	return nil
}

// FailAll denies every pending request for the session and returns how
// many were denied. Used on session teardown and driver failure.
func (b *Broker) FailAll(session string) int {
	b.mu.Lock()
	var failed []*pending
	for _, p := range b.bySession[session] {
		failed = append(failed, p)
	}
	for _, p := range failed {
		b.removeLocked(p)
	}
	b.mu.Unlock()

	for _, p := range failed {
		p.ch <- protocol.DecisionDeny
	}
	return len(failed)
}

// Pending snapshots the unresolved requests for a session, for replay to
// reconnecting clients.
func (b *Broker) Pending(session string) []protocol.PendingPermissionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]protocol.PendingPermissionInfo, 0, len(b.bySession[session]))
	for _, p := range b.bySession[session] {
		infos = append(infos, p.info)
	}
	return infos
}

// PendingCount returns the number of unresolved requests for a session.
func (b *Broker) PendingCount(session string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySession[session])
}

func (b *Broker) removeLocked(p *pending) {
	delete(b.byRequest, p.info.RequestID)
	sessions := b.bySession[p.info.SessionName]
	delete(sessions, p.info.RequestID)
	if len(sessions) == 0 {
		delete(b.bySession, p.info.SessionName)
	}
}
