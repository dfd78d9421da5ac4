package protocol

import (
	"encoding/json"
	"fmt"
)

// SessionSelector is the value of a subscribe frame's "sessions" field:
// either the wildcard "*" or an explicit list of session names.
type SessionSelector struct {
	All   bool
	Names []string
}

// AllSessions selects every session, current and future.
func AllSessions() SessionSelector {
	return SessionSelector{All: true}
}

// SessionNames selects an explicit set of sessions.
func SessionNames(names ...string) SessionSelector {
	return SessionSelector{Names: names}
}

func (s SessionSelector) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("*")
	}
	if s.Names == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Names)
}

func (s *SessionSelector) UnmarshalJSON(data []byte) error {
	var wildcard string
	if err := json.Unmarshal(data, &wildcard); err == nil {
		if wildcard != "*" {
			return fmt.Errorf(`sessions must be "*" or a list of names, got %q`, wildcard)
		}
		s.All = true
		s.Names = nil
		return nil
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf(`sessions must be "*" or a list of names: %w`, err)
	}
	s.All = false
	s.Names = names
	return nil
}
