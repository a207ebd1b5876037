package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	MaxPayloadBytes = 8192
	MaxTextLen      = 4096
	MaxSourceLen    = 128
	MaxEventNameLen = 64
	MaxEventArgs    = 16
	CurrentVersion  = 1
)

// Request is the JSON envelope sent over the socket.
type Request struct {
	Version int             `json:"version"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// NotifyPayload is the payload for the "notify" action: a text broadcast to
// every admin chat.
type NotifyPayload struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// EventPayload is the payload for the "event" action: a named event handed
// to the registered event operation with string arguments.
type EventPayload struct {
	Name string   `json:"name"`
	Data []string `json:"data,omitempty"`
}

// Ack is the JSON envelope sent back to the client.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	ID    string `json:"id,omitempty"`
}

// ValidateRequest checks the request envelope and the payload of known actions.
func ValidateRequest(data []byte) (*Request, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d byte limit", MaxPayloadBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if req.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported version %d, expected %d", req.Version, CurrentVersion)
	}

	switch req.Action {
	case "notify":
		if _, err := ParseNotifyPayload(req.Payload); err != nil {
			return nil, err
		}
	case "event":
		if _, err := ParseEventPayload(req.Payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}

	return &req, nil
}

// ParseNotifyPayload decodes and validates a notify payload.
func ParseNotifyPayload(raw json.RawMessage) (NotifyPayload, error) {
	var p NotifyPayload
	if err := decodeStrict(raw, &p); err != nil {
		return NotifyPayload{}, fmt.Errorf("invalid notify payload: %w", err)
	}

	if p.Text == "" {
		return NotifyPayload{}, fmt.Errorf("text is required")
	}
	if len(p.Text) > MaxTextLen {
		return NotifyPayload{}, fmt.Errorf("text exceeds %d character limit", MaxTextLen)
	}
	if len(p.Source) > MaxSourceLen {
		return NotifyPayload{}, fmt.Errorf("source exceeds %d character limit", MaxSourceLen)
	}
	return p, nil
}

// ParseEventPayload decodes and validates an event payload.
func ParseEventPayload(raw json.RawMessage) (EventPayload, error) {
	var p EventPayload
	if err := decodeStrict(raw, &p); err != nil {
		return EventPayload{}, fmt.Errorf("invalid event payload: %w", err)
	}

	if p.Name == "" {
		return EventPayload{}, fmt.Errorf("event name is required")
	}
	if len(p.Name) > MaxEventNameLen {
		return EventPayload{}, fmt.Errorf("event name exceeds %d character limit", MaxEventNameLen)
	}
	if len(p.Data) > MaxEventArgs {
		return EventPayload{}, fmt.Errorf("event data exceeds %d arguments", MaxEventArgs)
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if raw == nil {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
