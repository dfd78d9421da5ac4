package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebastianm/wormhole/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 1024 * 1024
)

// Client is one connected WebSocket endpoint. All writes flow through
// the send queue into writePump; readPump is the only reader. The
// subscription filter lives here so fan-out checks need no hub state.
type Client struct {
	hub  *Hub
	log  *slog.Logger
	conn *websocket.Conn

	deviceName    string
	clientVersion string

	send chan []byte
	done chan struct{}
	once sync.Once

	// final, when set before done closes, is written ahead of the close
	// frame so the client learns why it was dropped.
	final []byte

	subMu    sync.Mutex
	subAll   bool
	subNames map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, hello protocol.Hello) *Client {
	return &Client{
		hub:           h,
		log:           h.log.With("device", hello.DeviceName),
		conn:          conn,
		deviceName:    hello.DeviceName,
		clientVersion: hello.ClientVersion,
		send:          make(chan []byte, h.cfg.QueueSize),
		done:          make(chan struct{}),
		subNames:      make(map[string]struct{}),
	}
}

// setSubscription replaces the client's subscription filter.
func (c *Client) setSubscription(sel protocol.SessionSelector) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subAll = sel.All
	c.subNames = make(map[string]struct{}, len(sel.Names))
	for _, name := range sel.Names {
		c.subNames[name] = struct{}{}
	}
}

// subscribedTo reports whether frames for a session reach this client.
// The wildcard covers sessions opened after the subscribe frame.
func (c *Client) subscribedTo(session string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subAll {
		return true
	}
	_, ok := c.subNames[session]
	return ok
}

// enqueue hands a pre-encoded frame to the write pump without blocking.
// Overflow drops the whole client: per-client ordering would be broken
// by selectively discarding frames.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("client queue overflow, dropping client", "code", protocol.CodeBackpressure, "queued", len(c.send))
		frame, err := protocol.EncodeServerMessage(protocol.Error{
			Code:    protocol.CodeBackpressure,
			Message: "outbound queue overflow, reconnect and sync",
		})
		if err != nil {
			frame = nil
		}
		c.shutdown(frame)
	}
}

// sendMessage encodes and enqueues one frame for this client alone.
func (c *Client) sendMessage(msg protocol.ServerMessage) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		c.log.Error("encode frame", "type", msg.Tag(), "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message, session string) {
	c.sendMessage(protocol.Error{Code: code, Message: message, Session: session})
}

// shutdown tears the connection down exactly once. A non-nil final frame
// is flushed by the write pump before the close handshake.
func (c *Client) shutdown(final []byte) {
	c.once.Do(func() {
		c.final = final
		close(c.done)
		c.hub.remove(c)
	})
}

// writePump owns all writes to the connection, including pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown(nil)
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("client write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.final != nil {
				_ = c.conn.WriteMessage(websocket.TextMessage, c.final)
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump owns all reads and dispatches parsed frames. Malformed frames
// get an error reply and the connection stays open; transport errors end
// the loop.
func (c *Client) readPump(ctx context.Context) {
	defer c.shutdown(nil)

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("client read failed", "code", protocol.CodeWebSocketError, "error", err)
			}
			return
		}

		msg, err := protocol.ParseClientMessage(payload)
		if err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error(), "")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Hello:
		// The handshake already happened; a second hello is a protocol
		// violation but not worth the connection.
		c.sendError(protocol.CodeInvalidMessage, "unexpected hello after handshake", "")

	case protocol.Subscribe:
		c.setSubscription(m.Sessions)

	case protocol.Input:
		if err := c.hub.core.Query(ctx, m.Session, m.Text); err != nil {
			c.sendError(errorCode(err), err.Error(), m.Session)
		}

	case protocol.Control:
		if err := c.hub.core.Control(ctx, m.Session, m.Action); err != nil {
			c.sendError(errorCode(err), err.Error(), m.Session)
		}

	case protocol.PermissionResponse:
		if err := c.hub.core.ResolvePermission(m.RequestID, m.Decision); err != nil {
			c.sendError(errorCode(err), err.Error(), "")
		}

	case protocol.Sync:
		if !c.subscribedTo(m.Session) {
			c.sendError(protocol.CodeNotSubscribed, "sync requires a subscription to the session", m.Session)
			return
		}
		resp, err := c.hub.core.Catchup(m.Session, m.LastSeenSequence)
		if err != nil {
			c.sendError(errorCode(err), err.Error(), m.Session)
			return
		}
		c.sendMessage(resp)

	default:
		c.sendError(protocol.CodeInvalidMessage, "unhandled message type", "")
	}
}
