package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/wormhole/internal/driver"
	"github.com/sebastianm/wormhole/internal/protocol"
)

const waitFor = 2 * time.Second

func (d *fakeDriver) callPermission(tool string, input map[string]any) driver.PermissionResult {
	d.mu.Lock()
	fn := d.onPermission
	d.mu.Unlock()
	return fn(tool, input)
}

func TestQueryTransitionsToWorking(t *testing.T) {
	s, drv, _ := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	assert.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Query(context.Background(), "hello"))
	assert.Equal(t, StateWorking, s.State())
	assert.Equal(t, []string{"hello"}, drv.queryLog())
}

func TestIngestAssignsDenseSequences(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	drv.emit(driver.Message{"type": "system", "subtype": "init", "session_id": "cs-1"})
	drv.emit(driver.Message{"type": "assistant", "message": map[string]any{"role": "assistant"}})
	drv.emit(driver.Message{"type": "assistant", "message": map[string]any{"role": "assistant"}})

	require.Eventually(t, func() bool { return sink.eventCount() == 3 }, waitFor, 5*time.Millisecond)

	events := sink.allEvents()
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "alpha", ev.Session)
	}
	assert.Equal(t, "cs-1", s.ClaudeSessionID())

	got, truncated := s.Ring().EventsSince(0)
	assert.False(t, truncated)
	assert.Len(t, got, 3)
}

func TestResultReturnsToIdleAndAccumulatesCost(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	require.NoError(t, s.Query(context.Background(), "do the thing"))
	require.Equal(t, StateWorking, s.State())

	drv.emit(driver.Message{"type": "result", "total_cost_usd": 0.25})
	require.Eventually(t, func() bool { return s.State() == StateIdle }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Query(context.Background(), "again"))
	drv.emit(driver.Message{"type": "result", "total_cost_usd": 0.50})
	require.Eventually(t, func() bool { return sink.eventCount() == 2 }, waitFor, 5*time.Millisecond)

	info := s.Info()
	assert.InDelta(t, 0.75, info.CostUSD, 1e-9)
	require.NotNil(t, info.LastActivity)
}

func TestPermissionAllowRoundTrip(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	require.NoError(t, s.Query(context.Background(), "edit the file"))

	input := map[string]any{"file_path": "main.go"}
	results := make(chan driver.PermissionResult, 1)
	go func() {
		results <- drv.callPermission("Edit", input)
	}()

	require.Eventually(t, func() bool { return len(sink.allPermissions()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateAwaitingApproval, s.State())

	req := sink.allPermissions()[0]
	assert.Equal(t, "Edit", req.ToolName)
	assert.Equal(t, "alpha", req.SessionName)
	assert.NotEmpty(t, req.RequestID)

	require.NoError(t, s.ResolvePermission(req.RequestID, protocol.DecisionAllow))

	select {
	case res := <-results:
		assert.Equal(t, driver.PermissionAllow, res.Behavior)
		assert.Equal(t, input, res.UpdatedInput)
	case <-time.After(waitFor):
		t.Fatal("permission callback did not return")
	}
	assert.Equal(t, StateWorking, s.State())
}

func TestPermissionDenyRoundTrip(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	results := make(chan driver.PermissionResult, 1)
	go func() {
		results <- drv.callPermission("Bash", map[string]any{"command": "rm -rf /"})
	}()

	require.Eventually(t, func() bool { return len(sink.allPermissions()) == 1 }, waitFor, 5*time.Millisecond)
	req := sink.allPermissions()[0]
	require.NoError(t, s.ResolvePermission(req.RequestID, protocol.DecisionDeny))

	select {
	case res := <-results:
		assert.Equal(t, driver.PermissionDeny, res.Behavior)
		assert.Equal(t, "User denied", res.Message)
		assert.False(t, res.Interrupt)
	case <-time.After(waitFor):
		t.Fatal("permission callback did not return")
	}
}

func TestPendingPermissionsInInfo(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	done := make(chan struct{})
	go func() {
		drv.callPermission("Write", map[string]any{"file_path": "x.txt"})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sink.allPermissions()) == 1 }, waitFor, 5*time.Millisecond)

	info := s.Info()
	require.Len(t, info.PendingPermissions, 1)
	assert.Equal(t, "Write", info.PendingPermissions[0].ToolName)

	require.NoError(t, s.ResolvePermission(sink.allPermissions()[0].RequestID, protocol.DecisionDeny))
	<-done
	assert.Empty(t, s.Info().PendingPermissions)
}

func TestCloseDeniesPendingPermissions(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))

	results := make(chan driver.PermissionResult, 1)
	go func() {
		results <- drv.callPermission("Edit", map[string]any{"file_path": "y.txt"})
	}()
	require.Eventually(t, func() bool { return len(sink.allPermissions()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case res := <-results:
		assert.Equal(t, driver.PermissionDeny, res.Behavior)
	case <-time.After(waitFor):
		t.Fatal("pending permission was not denied on close")
	}

	assert.ErrorIs(t, s.Query(context.Background(), "too late"), ErrClosed)
	assert.ErrorIs(t, s.Control(context.Background(), protocol.ActionInterrupt), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestPermissionAfterCloseDeniedImmediately(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	require.NoError(t, s.Close())

	done := make(chan driver.PermissionResult, 1)
	go func() {
		done <- drv.callPermission("Edit", map[string]any{"file_path": "z.txt"})
	}()

	select {
	case res := <-done:
		assert.Equal(t, driver.PermissionDeny, res.Behavior)
		assert.Equal(t, "User denied", res.Message)
	case <-time.After(waitFor):
		t.Fatal("permission callback blocked on a closed session")
	}

	// No broker entry was opened and no request reached subscribers.
	assert.Empty(t, s.Info().PendingPermissions)
	assert.Empty(t, sink.allPermissions())
}

func TestPermissionAfterDriverFailureDeniedImmediately(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	drv.failWith(errors.New("process exited 1"))
	require.Eventually(t, func() bool { return s.State() == StateError }, waitFor, 5*time.Millisecond)

	done := make(chan driver.PermissionResult, 1)
	go func() {
		done <- drv.callPermission("Bash", map[string]any{"command": "ls"})
	}()

	select {
	case res := <-done:
		assert.Equal(t, driver.PermissionDeny, res.Behavior)
	case <-time.After(waitFor):
		t.Fatal("permission callback blocked on a failed session")
	}
	assert.Empty(t, s.Info().PendingPermissions)
	assert.Empty(t, sink.allPermissions())
}

func TestQueryFailureRestoresState(t *testing.T) {
	s, drv, _ := newTestSession("alpha")
	drv.queryErr = errors.New("stdin closed")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	require.Error(t, s.Query(context.Background(), "hello"))
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, drv.queryLog())
}

func TestDriverFailureEntersErrorState(t *testing.T) {
	s, drv, sink := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))

	drv.failWith(errors.New("process exited 1"))
	require.Eventually(t, func() bool { return s.State() == StateError }, waitFor, 5*time.Millisecond)

	errs := sink.allErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeDriverError, errs[0].Code)
	assert.Equal(t, "alpha", errs[0].Session)
	assert.Contains(t, errs[0].Message, "process exited 1")

	events := sink.allEvents()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Message["type"])

	assert.ErrorIs(t, s.Query(context.Background(), "still there?"), ErrDriverFailed)
	require.NoError(t, s.Close())
}

func TestControlActions(t *testing.T) {
	s, drv, _ := newTestSession("alpha")
	require.NoError(t, s.Start(context.Background(), driver.Options{}))
	defer s.Close()

	t.Run("interrupt is safe while idle", func(t *testing.T) {
		require.NoError(t, s.Control(context.Background(), protocol.ActionInterrupt))
		assert.Equal(t, 1, drv.interruptCount())
		assert.Equal(t, StateIdle, s.State())
	})

	t.Run("compact, clear, and plan become synthetic turns", func(t *testing.T) {
		require.NoError(t, s.Control(context.Background(), protocol.ActionCompact))
		require.NoError(t, s.Control(context.Background(), protocol.ActionClear))
		require.NoError(t, s.Control(context.Background(), protocol.ActionPlan))
		assert.Equal(t, []string{"/compact", "/clear", "/plan"}, drv.queryLog())
	})

	t.Run("clear keeps the event ring", func(t *testing.T) {
		drv.emit(driver.Message{"type": "assistant"})
		require.Eventually(t, func() bool { return s.Ring().Len() == 1 }, waitFor, 5*time.Millisecond)
		require.NoError(t, s.Control(context.Background(), protocol.ActionClear))
		assert.Equal(t, 1, s.Ring().Len())
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		assert.Error(t, s.Control(context.Background(), protocol.ControlAction("reboot")))
	})
}
