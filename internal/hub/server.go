package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebastianm/wormhole/internal/protocol"
)

// helloTimeout bounds how long a fresh connection may sit silent before
// its hello frame arrives.
const helloTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon trusts the local link; there is no browser origin to
	// defend against.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server accepts WebSocket clients for a hub.
type Server struct {
	log  *slog.Logger
	hub  *Hub
	addr string
}

// NewServer builds the listener around a hub. addr is a host:port pair;
// the WebSocket endpoint is served on every path.
func NewServer(log *slog.Logger, h *Hub, addr string) *Server {
	return &Server{
		log:  log.With("component", "endpoint"),
		hub:  h,
		addr: addr,
	}
}

// handler wires dispatch contexts to ctx rather than the per-request
// context, which dies when the upgrade handler returns.
func (s *Server) handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(ctx, w, r)
	})
	return mux
}

// Run serves until the context is canceled. A bind failure is fatal and
// returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.log.Info("listening for clients", "addr", ln.Addr().String())

	srv := &http.Server{Addr: s.addr, Handler: s.handler(ctx)}
	errc := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.CloseAll()
		return nil
	case err := <-errc:
		return fmt.Errorf("serve clients: %w", err)
	}
}

// handleWebSocket upgrades the connection and runs the handshake: the
// first frame must be hello, answered with welcome, before the pumps
// start.
func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "code", protocol.CodeWebSocketError, "error", err)
		return
	}

	hello, err := s.readHello(conn)
	if err != nil {
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		data, encErr := protocol.EncodeServerMessage(protocol.Error{
			Code:    protocol.CodeInvalidMessage,
			Message: err.Error(),
		})
		if encErr == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.Close()
		return
	}

	welcome := protocol.Welcome{
		ServerVersion: s.hub.cfg.ServerVersion,
		MachineName:   s.hub.cfg.MachineName,
		Sessions:      s.hub.core.Sessions(),
	}
	data, err := protocol.EncodeServerMessage(welcome)
	if err != nil {
		s.log.Error("encode welcome", "error", err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	c := newClient(s.hub, conn, hello)
	s.hub.add(c)
	go c.writePump()
	go c.readPump(ctx)
}

func (s *Server) readHello(conn *websocket.Conn) (protocol.Hello, error) {
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	msg, err := protocol.ParseClientMessage(payload)
	if err != nil {
		return protocol.Hello{}, err
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		return protocol.Hello{}, fmt.Errorf("expected hello, got %s", msg.Tag())
	}
	return hello, nil
}
