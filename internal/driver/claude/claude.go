// Package claude drives the Claude Code CLI as a child process speaking
// the bidirectional stream-json protocol: user turns go in on stdin, agent
// messages come out on stdout as JSONL, and control frames carry the
// permission round-trips and interrupts.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sebastianm/wormhole/internal/driver"
)

const messageBuffer = 64

// scanner limits mirror the largest single assistant message we expect.
const (
	scanInitial = 64 * 1024
	scanMax     = 8 * 1024 * 1024
)

// Driver implements driver.Driver on top of the claude binary.
type Driver struct {
	log *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	writeMu      sync.Mutex
	onPermission driver.PermissionFunc
	messages     chan driver.Message
	err          error
	closed       bool
	ctlSeq       int64
}

// New creates an unstarted driver.
func New(log *slog.Logger) *Driver {
	return &Driver{
		log:      log.With("driver", "claude"),
		messages: make(chan driver.Message, messageBuffer),
	}
}

// Start spawns the claude process in the working directory and begins
// pumping its output. The permission callback is invoked for every tool
// use unless opts.SkipPermissions is set.
func (d *Driver) Start(ctx context.Context, dir string, opts driver.Options, onPermission driver.PermissionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return fmt.Errorf("driver already started")
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start claude: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.onPermission = onPermission

	go d.readLoop(stdout)

	d.log.Info("claude process started", "dir", dir, "pid", cmd.Process.Pid)
	return nil
}

func buildArgs(opts driver.Options) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	return append(args, opts.ExtraArgs...)
}

// Query submits one user turn.
func (d *Driver) Query(_ context.Context, text string) error {
	return d.writeFrame(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	})
}

// Interrupt cancels the current turn. The resulting control acknowledgment
// is consumed by the read loop and never surfaces as a session event.
func (d *Driver) Interrupt(_ context.Context) error {
	return d.writeFrame(map[string]any{
		"type":       "control_request",
		"request_id": d.nextControlID(),
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// Close terminates the claude process and releases the message stream.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cmd := d.cmd
	stdin := d.stdin
	d.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

// Messages returns the agent's message stream. The channel closes when
// the process exits or Close is called.
func (d *Driver) Messages() <-chan driver.Message { return d.messages }

// Err reports why the message stream ended. It is nil after a clean Close.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Driver) nextControlID() string {
	d.mu.Lock()
	d.ctlSeq++
	n := d.ctlSeq
	d.mu.Unlock()
	return "wormhole-" + strconv.FormatInt(n, 10)
}

func (d *Driver) writeFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	d.mu.Lock()
	stdin := d.stdin
	closed := d.closed
	d.mu.Unlock()
	if closed || stdin == nil {
		return fmt.Errorf("driver not running")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to claude: %w", err)
	}
	return nil
}

func (d *Driver) readLoop(stdout io.Reader) {
	defer close(d.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitial), scanMax)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg driver.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.log.Warn("unparseable claude output", "error", err, "line", line)
			continue
		}

		switch msg.Type() {
		case "control_request":
			go d.handleControlRequest(msg)
		case "control_response", "control_cancel_request":
			// Acknowledgments of our own control frames.
		default:
			d.messages <- msg
		}
	}

	waitErr := error(nil)
	d.mu.Lock()
	cmd := d.cmd
	closed := d.closed
	d.mu.Unlock()
	if cmd != nil {
		waitErr = cmd.Wait()
	}
	if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
		waitErr = scanErr
	}

	d.mu.Lock()
	if !closed && waitErr != nil {
		d.err = fmt.Errorf("claude process failed: %w", waitErr)
	}
	d.mu.Unlock()
	if d.Err() != nil {
		d.log.Error("claude process failed", "code", "DRIVER_ERROR", "error", waitErr)
	}
}

// handleControlRequest answers a can_use_tool round-trip from the CLI.
// The callback may block indefinitely on a human decision, so each request
// runs on its own goroutine while the read loop keeps draining output.
func (d *Driver) handleControlRequest(msg driver.Message) {
	requestID, _ := msg["request_id"].(string)
	request, _ := msg["request"].(map[string]any)
	subtype, _ := request["subtype"].(string)

	if subtype != "can_use_tool" {
		d.log.Debug("unhandled control request", "subtype", subtype)
		return
	}

	toolName, _ := request["tool_name"].(string)
	toolInput, _ := request["input"].(map[string]any)

	d.mu.Lock()
	onPermission := d.onPermission
	d.mu.Unlock()

	var result driver.PermissionResult
	if onPermission != nil {
		result = onPermission(toolName, toolInput)
	} else {
		result = driver.Allow(toolInput)
	}

	var payload map[string]any
	if result.Behavior == driver.PermissionAllow {
		payload = map[string]any{
			"behavior":     "allow",
			"updatedInput": result.UpdatedInput,
		}
	} else {
		payload = map[string]any{
			"behavior":  "deny",
			"message":   result.Message,
			"interrupt": result.Interrupt,
		}
	}

	err := d.writeFrame(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	})
	if err != nil {
		d.log.Warn("permission response not delivered", "request_id", requestID, "error", err)
	}
}
