package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	t.Run("hello", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"hello","client_version":"1.0.0","device_name":"phone-a"}`))
		require.NoError(t, err)
		hello, ok := msg.(Hello)
		require.True(t, ok)
		assert.Equal(t, "1.0.0", hello.ClientVersion)
		assert.Equal(t, "phone-a", hello.DeviceName)
	})

	t.Run("subscribe wildcard", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"subscribe","sessions":"*"}`))
		require.NoError(t, err)
		sub, ok := msg.(Subscribe)
		require.True(t, ok)
		assert.True(t, sub.Sessions.All)
		assert.Nil(t, sub.Sessions.Names)
	})

	t.Run("subscribe list", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"subscribe","sessions":["demo","other"]}`))
		require.NoError(t, err)
		sub := msg.(Subscribe)
		assert.False(t, sub.Sessions.All)
		assert.Equal(t, []string{"demo", "other"}, sub.Sessions.Names)
	})

	t.Run("subscribe rejects non-wildcard string", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"subscribe","sessions":"demo"}`))
		assert.Error(t, err)
	})

	t.Run("permission response", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"permission_response","request_id":"R1","decision":"allow"}`))
		require.NoError(t, err)
		resp := msg.(PermissionResponse)
		assert.Equal(t, "R1", resp.RequestID)
		assert.Equal(t, DecisionAllow, resp.Decision)
	})

	t.Run("permission response rejects bad decision", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"permission_response","request_id":"R1","decision":"maybe"}`))
		assert.Error(t, err)
	})

	t.Run("control actions", func(t *testing.T) {
		for _, action := range []string{"interrupt", "compact", "clear", "plan"} {
			msg, err := ParseClientMessage([]byte(`{"type":"control","session":"demo","action":"` + action + `"}`))
			require.NoError(t, err)
			assert.Equal(t, ControlAction(action), msg.(Control).Action)
		}
	})

	t.Run("control rejects unknown action", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"control","session":"demo","action":"reboot"}`))
		assert.Error(t, err)
	})

	t.Run("sync", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"sync","session":"demo","last_seen_sequence":7}`))
		require.NoError(t, err)
		sync := msg.(Sync)
		assert.Equal(t, "demo", sync.Session)
		assert.Equal(t, int64(7), sync.LastSeenSequence)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"type":"teleport"}`))
		assert.ErrorContains(t, err, "unknown message type")
	})

	t.Run("missing type rejected", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{"session":"demo"}`))
		assert.Error(t, err)
	})

	t.Run("unparseable frame rejected", func(t *testing.T) {
		_, err := ParseClientMessage([]byte(`{nope`))
		assert.Error(t, err)
	})

	t.Run("unknown fields ignored", func(t *testing.T) {
		msg, err := ParseClientMessage([]byte(`{"type":"input","session":"demo","text":"hi","color":"purple"}`))
		require.NoError(t, err)
		assert.Equal(t, "hi", msg.(Input).Text)
	})
}

func TestClientMessageRoundTrip(t *testing.T) {
	messages := []ClientMessage{
		Hello{ClientVersion: "1.0.0", DeviceName: "phone-a"},
		Subscribe{Sessions: AllSessions()},
		Subscribe{Sessions: SessionNames("demo")},
		Input{Session: "demo", Text: "fix the tests"},
		PermissionResponse{RequestID: "R1", Decision: DecisionDeny},
		Control{Session: "demo", Action: ActionInterrupt},
		Sync{Session: "demo", LastSeenSequence: 42},
	}

	for _, msg := range messages {
		t.Run(msg.Tag(), func(t *testing.T) {
			data, err := EncodeClientMessage(msg)
			require.NoError(t, err)

			decoded, err := ParseClientMessage(data)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	sid := "a1b2c3"
	now := NewTimestamp(time.Date(2026, 8, 24, 10, 30, 0, 123456000, time.UTC))

	messages := []ServerMessage{
		Welcome{
			ServerVersion: "0.1.0",
			MachineName:   "devbox",
			Sessions: []SessionInfo{
				{Name: "demo", Directory: "/p", State: "idle", ClaudeSessionID: &sid, CostUSD: 0.25, LastActivity: &now},
			},
		},
		Event{Session: "demo", Sequence: 3, Timestamp: now, Message: map[string]any{"type": "assistant"}},
		PermissionRequest{
			RequestID:   "R1",
			ToolName:    "Write",
			ToolInput:   map[string]any{"file_path": "a.txt", "content": "x"},
			SessionName: "demo",
		},
		SyncResponse{
			Session:   "demo",
			Events:    []Event{{Session: "demo", Sequence: 8, Timestamp: now, Message: map[string]any{"k": "v"}}},
			Truncated: true,
		},
		Error{Code: CodeSessionNotFound, Message: "Session not found: demo", Session: "demo"},
	}

	for _, msg := range messages {
		t.Run(msg.Tag(), func(t *testing.T) {
			data, err := EncodeServerMessage(msg)
			require.NoError(t, err)

			decoded, err := ParseServerMessage(data)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestEncodeIncludesTypeTag(t *testing.T) {
	data, err := EncodeServerMessage(Error{Code: CodeInvalidMessage, Message: "bad"})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "error", obj["type"])
	assert.Equal(t, "INVALID_MESSAGE", obj["code"])
}

func TestTimestampDecoding(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"rfc3339 with fraction and zone", `"2026-08-24T10:30:00.123456+02:00"`},
		{"rfc3339 utc", `"2026-08-24T10:30:00Z"`},
		{"naive with fraction", `"2026-08-24T10:30:00.123456"`},
		{"naive without fraction", `"2026-08-24T10:30:00"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &ts))
			assert.Equal(t, 2026, ts.Year())
			assert.Equal(t, 30, ts.Minute())
		})
	}

	t.Run("rejects garbage", func(t *testing.T) {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	})

	t.Run("rejects non-string", func(t *testing.T) {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(`12345`), &ts))
	})
}

func TestTimestampRoundTrip(t *testing.T) {
	orig := NewTimestamp(time.Date(2026, 8, 24, 10, 30, 0, 123456000, time.UTC))
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, orig.Equal(decoded))
}
