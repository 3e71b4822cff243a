package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Relay-to-client message types.
const (
	TypeEvent  = "EVENT"
	TypeEOSE   = "EOSE"
	TypeNotice = "NOTICE"
	TypeOK     = "OK"
	TypeClosed = "CLOSED"
)

var (
	// ErrMalformed is returned for frames that are not a NIP-01 array.
	ErrMalformed = errors.New("relay: malformed message")
	// ErrUnknownType is returned for well-formed frames of a type this
	// client does not handle.
	ErrUnknownType = errors.New("relay: unknown message type")
)

// Event is a NIP-01 event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter selects events in a REQ.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Message is a decoded relay-to-client frame. Which fields are set depends
// on Type.
type Message struct {
	Type         string
	Subscription string
	Event        json.RawMessage
	EventID      string
	Accepted     bool
	Text         string
}

// ReqFrame builds ["REQ", sub, filter...]. filters must be a JSON array of
// filter objects.
func ReqFrame(sub string, filters json.RawMessage) ([]byte, error) {
	var fs []json.RawMessage
	if err := json.Unmarshal(filters, &fs); err != nil {
		return nil, fmt.Errorf("relay: filters must be an array: %w", err)
	}

	frame := make([]any, 0, len(fs)+2)
	frame = append(frame, "REQ", sub)
	for _, f := range fs {
		frame = append(frame, f)
	}

	return json.Marshal(frame)
}

// CloseFrame builds ["CLOSE", sub].
func CloseFrame(sub string) []byte {
	b, _ := json.Marshal([]string{"CLOSE", sub})
	return b
}

// EventFrame builds ["EVENT", event] for publishing.
func EventFrame(event json.RawMessage) ([]byte, error) {
	return json.Marshal([]any{"EVENT", event})
}

// FiltersJSON encodes filters as the JSON array ReqFrame expects.
func FiltersJSON(filters ...Filter) json.RawMessage {
	if filters == nil {
		filters = []Filter{}
	}
	b, _ := json.Marshal(filters)
	return b
}

// ParseRelayMessage decodes one frame received from a relay.
func ParseRelayMessage(data []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return Message{}, ErrMalformed
	}

	var m Message
	if err := json.Unmarshal(parts[0], &m.Type); err != nil {
		return Message{}, ErrMalformed
	}

	str := func(i int, dst *string) error {
		if i >= len(parts) {
			return fmt.Errorf("%w: %s needs %d elements", ErrMalformed, m.Type, i+1)
		}
		if err := json.Unmarshal(parts[i], dst); err != nil {
			return fmt.Errorf("%w: %s element %d", ErrMalformed, m.Type, i)
		}
		return nil
	}

	switch m.Type {
	case TypeEvent:
		if err := str(1, &m.Subscription); err != nil {
			return Message{}, err
		}
		if len(parts) < 3 || len(parts[2]) == 0 || parts[2][0] != '{' {
			return Message{}, fmt.Errorf("%w: EVENT without an event object", ErrMalformed)
		}
		m.Event = parts[2]
	case TypeEOSE:
		if err := str(1, &m.Subscription); err != nil {
			return Message{}, err
		}
	case TypeNotice:
		if err := str(1, &m.Text); err != nil {
			return Message{}, err
		}
	case TypeOK:
		if err := str(1, &m.EventID); err != nil {
			return Message{}, err
		}
		if len(parts) < 3 || json.Unmarshal(parts[2], &m.Accepted) != nil {
			return Message{}, fmt.Errorf("%w: OK without a boolean", ErrMalformed)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &m.Text)
		}
	case TypeClosed:
		if err := str(1, &m.Subscription); err != nil {
			return Message{}, err
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &m.Text)
		}
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	return m, nil
}
