// Package protocol defines the wire format spoken between the orchestrator
// and turtle firmware over WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HelloType is the type tag of the first frame a turtle must send.
const HelloType = "hello"

// Hello is the identification frame a turtle sends after connecting.
// ComputerID is a pointer so a missing field can be told apart from id 0.
type Hello struct {
	Type       string `json:"type"`
	ComputerID *int   `json:"computer_id"`
}

// Valid reports whether the frame is a well-formed hello.
func (h *Hello) Valid() bool {
	return h.Type == HelloType && h.ComputerID != nil
}

// ParseHello decodes and validates a hello frame.
func ParseHello(data []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("malformed hello frame: %w", err)
	}
	if !h.Valid() {
		return nil, fmt.Errorf("invalid hello payload: %s", data)
	}
	return &h, nil
}

// Command is a single Lua command sent to a turtle. The firmware echoes
// the id back in its reply so responses can be correlated.
type Command struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

// NewCommand wraps a Lua line in a command frame with a fresh request id.
// Ids are "s_" plus an undashed v4 uuid so they never collide with ids
// generated by firmware-side timers.
func NewCommand(line string) *Command {
	return &Command{
		ID:      "s_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Command: line,
	}
}

// FlexID tolerates firmware that echoes request ids as numbers
// instead of strings.
type FlexID string

// UnmarshalJSON accepts both a JSON string and a bare number.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// Reply is a turtle's answer to a command frame. Firmware versions differ
// on whether they echo the id as in_reply_to or request_id.
type Reply struct {
	InReplyTo FlexID          `json:"in_reply_to,omitempty"`
	RequestID FlexID          `json:"request_id,omitempty"`
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CorrelationID returns the request id this reply answers, preferring
// in_reply_to, or "" when the frame carries neither field.
func (r *Reply) CorrelationID() string {
	if r.InReplyTo != "" {
		return string(r.InReplyTo)
	}
	return string(r.RequestID)
}
