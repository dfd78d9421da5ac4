// Package hub fans session traffic out to WebSocket clients and routes
// client frames back into the daemon. It owns the client set; each client
// owns its subscription filter and outbound queue.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sebastianm/wormhole/internal/broker"
	"github.com/sebastianm/wormhole/internal/protocol"
	"github.com/sebastianm/wormhole/internal/registry"
	"github.com/sebastianm/wormhole/internal/session"
)

// Core is what the hub needs from the rest of the daemon to service
// client frames. The daemon supervisor implements it over the registry
// and the permission broker.
type Core interface {
	// Sessions snapshots all live sessions for welcome frames.
	Sessions() []protocol.SessionInfo
	// Query delivers a user turn to a named session.
	Query(ctx context.Context, session, text string) error
	// Control applies a control action to a named session.
	Control(ctx context.Context, session string, action protocol.ControlAction) error
	// ResolvePermission delivers a client decision for a pending request.
	ResolvePermission(requestID string, decision protocol.Decision) error
	// Catchup returns the ring tail after a sequence, plus pending
	// permissions, for a sync response.
	Catchup(session string, afterSeq int64) (protocol.SyncResponse, error)
}

// Config carries the identity the hub reports in welcome frames and the
// per-client queue bound.
type Config struct {
	ServerVersion string
	MachineName   string
	// QueueSize is the per-client outbound high-water mark. Zero means
	// DefaultQueueSize.
	QueueSize int
}

// DefaultQueueSize is the outbound frame budget per client before the
// client is dropped with a BACKPRESSURE error.
const DefaultQueueSize = 4096

// Hub tracks connected clients and implements session.Sink so sessions
// can publish without knowing about transports.
type Hub struct {
	log  *slog.Logger
	core Core
	cfg  Config

	mu      sync.Mutex
	clients map[*Client]struct{}
}

var _ session.Sink = (*Hub)(nil)

// New creates a hub with no clients.
func New(log *slog.Logger, core Core, cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Hub{
		log:     log.With("component", "hub"),
		core:    core,
		cfg:     cfg,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", "device", c.deviceName, "version", c.clientVersion, "clients", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client disconnected", "device", c.deviceName, "clients", n)
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// snapshot copies the client set so fan-out never holds the hub lock
// while touching per-client state.
func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// broadcast encodes once and enqueues to every client subscribed to the
// session. Enqueues never block; a full queue drops that client alone.
func (h *Hub) broadcast(sessionName string, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		h.log.Error("encode broadcast frame", "type", msg.Tag(), "error", err)
		return
	}
	for _, c := range h.snapshot() {
		if c.subscribedTo(sessionName) {
			c.enqueue(data)
		}
	}
}

// SessionEvent implements session.Sink.
func (h *Hub) SessionEvent(event protocol.Event) {
	h.broadcast(event.Session, event)
}

// PermissionRequested implements session.Sink.
func (h *Hub) PermissionRequested(req protocol.PermissionRequest) {
	h.broadcast(req.SessionName, req)
}

// SessionError implements session.Sink.
func (h *Hub) SessionError(frame protocol.Error) {
	h.broadcast(frame.Session, frame)
}

// CloseAll disconnects every client. Used at daemon shutdown after
// sessions are torn down.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		c.shutdown(nil)
	}
}

// errorCode maps routing failures to the stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, session.ErrClosed):
		return protocol.CodeSessionNotFound
	case errors.Is(err, registry.ErrSessionExists):
		return protocol.CodeSessionExists
	case errors.Is(err, session.ErrDriverFailed):
		return protocol.CodeDriverError
	case errors.Is(err, broker.ErrUnknownRequest):
		return protocol.CodeInvalidMessage
	default:
		return protocol.CodeDriverError
	}
}
