package protocol

import (
	"fmt"
	"time"
)

// Timestamp marshals as ISO-8601 with fractional seconds. The decoder
// accepts timestamps with or without a timezone suffix and with or
// without a fractional component, since clients written against the
// original daemon emit naive local times.
type Timestamp struct {
	time.Time
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format("2006-01-02T15:04:05.000000Z07:00") + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string: %s", data)
	}
	s := string(data[1 : len(data)-1])
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp: %q", s)
}

// Equal reports whether two timestamps denote the same instant.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Time.Equal(other.Time)
}
