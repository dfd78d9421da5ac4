package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/sebastianm/wormhole/internal/protocol"
	"github.com/sebastianm/wormhole/internal/registry"
	"github.com/sebastianm/wormhole/internal/session"
)

// connTimeout bounds one request/response exchange.
const connTimeout = 30 * time.Second

// Backend is what the control server needs from the daemon.
type Backend interface {
	OpenSession(ctx context.Context, params OpenParams) (string, error)
	CloseSession(name string) error
	ListSessions() []protocol.SessionInfo
	Status() StatusResult
	ResolveAttach(name string) (string, error)
	QuerySession(ctx context.Context, name, text string) error
}

// Server answers CLI requests on the unix socket.
type Server struct {
	log     *slog.Logger
	backend Backend
	path    string
}

// NewServer builds a control server for the socket path.
func NewServer(log *slog.Logger, backend Backend, path string) *Server {
	return &Server{
		log:     log.With("component", "control"),
		backend: backend,
		path:    path,
	}
}

// Run serves until the context is canceled. Failure to create the socket
// is fatal. A stale socket file from a dead daemon is replaced.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on control socket %s: %w", s.path, err)
	}
	// Filesystem permissions are the only authentication.
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.log.Info("control socket ready", "path", s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer os.Remove(s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

// handle serves exactly one request per connection, mirroring the
// one-line-each-way framing the client speaks.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	resp := func() Response {
		if err := json.Unmarshal(line, &req); err != nil {
			return errorResponse(CodeInvalidRequest, fmt.Sprintf("malformed request: %v", err))
		}
		return s.dispatch(ctx, req)
	}()

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode control response", "method", req.Method, "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug("control response write failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodOpen:
		var params OpenParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(CodeInvalidRequest, err.Error())
		}
		if params.Directory == "" {
			return errorResponse(CodeInvalidRequest, "open requires a directory")
		}
		name, err := s.backend.OpenSession(ctx, params)
		if err != nil {
			return backendError(err)
		}
		return resultResponse(OpenResult{Name: name})

	case MethodClose:
		var params CloseParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(CodeInvalidRequest, err.Error())
		}
		if err := s.backend.CloseSession(params.Name); err != nil {
			return backendError(err)
		}
		return resultResponse(struct{}{})

	case MethodList:
		return resultResponse(s.backend.ListSessions())

	case MethodStatus:
		return resultResponse(s.backend.Status())

	case MethodResolveAttach:
		var params AttachParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(CodeInvalidRequest, err.Error())
		}
		id, err := s.backend.ResolveAttach(params.Name)
		if err != nil {
			return backendError(err)
		}
		return resultResponse(AttachResult{ClaudeSessionID: id})

	case MethodQuery:
		var params QueryParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(CodeInvalidRequest, err.Error())
		}
		if err := s.backend.QuerySession(ctx, params.Name, params.Text); err != nil {
			return backendError(err)
		}
		return resultResponse(struct{}{})

	default:
		return errorResponse(CodeInvalidRequest, fmt.Sprintf("unknown method: %q", req.Method))
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed params: %v", err)
	}
	return nil
}

// backendError translates daemon failures into stable wire codes.
func backendError(err error) Response {
	code := protocol.CodeDriverError
	switch {
	case errors.Is(err, registry.ErrSessionExists):
		code = protocol.CodeSessionExists
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, session.ErrClosed):
		code = protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrDriverFailed):
		code = protocol.CodeDriverError
	}
	return errorResponse(code, userMessage(err))
}

// userMessage strips the sentinel suffix that errors.Is matching needs
// but users do not.
func userMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{registry.ErrSessionExists, registry.ErrSessionNotFound} {
		suffix := ": " + sentinel.Error()
		if len(msg) > len(suffix) && msg[len(msg)-len(suffix):] == suffix {
			return msg[:len(msg)-len(suffix)]
		}
	}
	return msg
}
