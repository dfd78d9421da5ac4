package session

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/sebastianm/wormhole/internal/broker"
	"github.com/sebastianm/wormhole/internal/driver"
	"github.com/sebastianm/wormhole/internal/protocol"
)

var _ driver.Driver = (*fakeDriver)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDriver is a test double for driver.Driver. Tests feed messages
// through emit and trigger the permission callback directly.
type fakeDriver struct {
	mu           sync.Mutex
	startErr     error
	queryErr     error
	queries      []string
	interrupts   int
	closed       bool
	err          error
	onPermission driver.PermissionFunc
	messages     chan driver.Message
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{messages: make(chan driver.Message, 64)}
}

func (d *fakeDriver) Start(_ context.Context, _ string, _ driver.Options, onPermission driver.PermissionFunc) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mu.Lock()
	d.onPermission = onPermission
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Query(_ context.Context, text string) error {
	if d.queryErr != nil {
		return d.queryErr
	}
	d.mu.Lock()
	d.queries = append(d.queries, text)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Interrupt(_ context.Context) error {
	d.mu.Lock()
	d.interrupts++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.messages)
	}
	return nil
}

func (d *fakeDriver) Messages() <-chan driver.Message { return d.messages }

func (d *fakeDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// emit feeds one message into the stream as the agent would.
func (d *fakeDriver) emit(msg driver.Message) {
	d.messages <- msg
}

// failWith ends the stream as a driver crash.
func (d *fakeDriver) failWith(err error) {
	d.mu.Lock()
	d.err = err
	if !d.closed {
		d.closed = true
		close(d.messages)
	}
	d.mu.Unlock()
}

func (d *fakeDriver) queryLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

func (d *fakeDriver) interruptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// recordingSink captures everything the session fans out.
type recordingSink struct {
	mu          sync.Mutex
	events      []protocol.Event
	permissions []protocol.PermissionRequest
	errors      []protocol.Error
}

func (r *recordingSink) SessionEvent(event protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) PermissionRequested(req protocol.PermissionRequest) {
	r.mu.Lock()
	r.permissions = append(r.permissions, req)
	r.mu.Unlock()
}

func (r *recordingSink) SessionError(frame protocol.Error) {
	r.mu.Lock()
	r.errors = append(r.errors, frame)
	r.mu.Unlock()
}

func (r *recordingSink) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSink) allEvents() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recordingSink) allPermissions() []protocol.PermissionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.PermissionRequest(nil), r.permissions...)
}

func (r *recordingSink) allErrors() []protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Error(nil), r.errors...)
}

// newTestSession wires a session with a fake driver and recording sink.
func newTestSession(name string) (*Session, *fakeDriver, *recordingSink) {
	drv := newFakeDriver()
	sink := &recordingSink{}
	s := New(name, "/tmp/"+name, Deps{
		Log:    testLogger(),
		Driver: drv,
		Broker: broker.New(),
		Sink:   sink,
	})
	return s, drv, sink
}
