package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageHelpers(t *testing.T) {
	t.Run("init with top-level session id", func(t *testing.T) {
		m := Message{"type": "system", "subtype": "init", "session_id": "abc-123"}
		assert.True(t, m.IsInit())
		assert.Equal(t, "abc-123", m.SessionID())
	})

	t.Run("init with nested session id", func(t *testing.T) {
		m := Message{"type": "system", "subtype": "init", "data": map[string]any{"session_id": "abc-123"}}
		assert.True(t, m.IsInit())
		assert.Equal(t, "abc-123", m.SessionID())
	})

	t.Run("result cost", func(t *testing.T) {
		m := Message{"type": "result", "total_cost_usd": 0.42}
		assert.True(t, m.IsResult())
		cost, ok := m.CostUSD()
		assert.True(t, ok)
		assert.InDelta(t, 0.42, cost, 1e-9)
	})

	t.Run("missing cost", func(t *testing.T) {
		m := Message{"type": "result"}
		_, ok := m.CostUSD()
		assert.False(t, ok)
	})

	t.Run("assistant message is neither init nor result", func(t *testing.T) {
		m := Message{"type": "assistant"}
		assert.False(t, m.IsInit())
		assert.False(t, m.IsResult())
		assert.Empty(t, m.SessionID())
	})
}

func TestPermissionResultConstructors(t *testing.T) {
	input := map[string]any{"file_path": "a.txt"}

	allow := Allow(input)
	assert.Equal(t, PermissionAllow, allow.Behavior)
	assert.Equal(t, input, allow.UpdatedInput)

	deny := Deny("User denied")
	assert.Equal(t, PermissionDeny, deny.Behavior)
	assert.Equal(t, "User denied", deny.Message)
	assert.False(t, deny.Interrupt)
}
