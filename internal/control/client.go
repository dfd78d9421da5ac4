package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/sebastianm/wormhole/internal/protocol"
)

// notRunning is returned when no daemon is listening on the socket.
var notRunning = &Error{
	Code:    CodeDaemonNotRunning,
	Message: "Wormhole daemon is not running. Start it with: wormhole daemon",
}

// Client issues control requests from the CLI side.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient targets the socket path; an empty path means the well-known
// location.
func NewClient(path string) *Client {
	if path == "" {
		path = SocketPath()
	}
	return &Client{path: path, timeout: connTimeout}
}

// call performs one request/response exchange. The result is decoded
// into out when out is non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if _, err := os.Stat(c.path); errors.Is(err, fs.ErrNotExist) {
		return notRunning
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return notRunning
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	req := Request{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = data
	}
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	if _, err := conn.Write(append(reqData, '\n')); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Open creates a session and returns its (possibly derived) name.
func (c *Client) Open(ctx context.Context, params OpenParams) (string, error) {
	var res OpenResult
	if err := c.call(ctx, MethodOpen, params, &res); err != nil {
		return "", err
	}
	return res.Name, nil
}

// Close tears a session down.
func (c *Client) Close(ctx context.Context, name string) error {
	return c.call(ctx, MethodClose, CloseParams{Name: name}, nil)
}

// List snapshots the daemon's sessions.
func (c *Client) List(ctx context.Context) ([]protocol.SessionInfo, error) {
	var res []protocol.SessionInfo
	if err := c.call(ctx, MethodList, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Status fetches the daemon health snapshot.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, nil, &res); err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

// ResolveAttach returns the driver's native session id for a session.
func (c *Client) ResolveAttach(ctx context.Context, name string) (string, error) {
	var res AttachResult
	if err := c.call(ctx, MethodResolveAttach, AttachParams{Name: name}, &res); err != nil {
		return "", err
	}
	return res.ClaudeSessionID, nil
}

// Query delivers a user turn to a session.
func (c *Client) Query(ctx context.Context, name, text string) error {
	return c.call(ctx, MethodQuery, QueryParams{Name: name, Text: text}, nil)
}
