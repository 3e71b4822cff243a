package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognizedKind is returned by Decode for kinds outside the closed set.
var ErrUnrecognizedKind = errors.New("bus: unrecognized kind")

// Command is the decoded, typed form of a Message payload.
type Command interface {
	Kind() Kind
}

// ExitState classifies how a minion ended.
type ExitState string

const (
	ExitClosed    ExitState = "closed"    // remote side closed the connection
	ExitShutdown  ExitState = "shutdown"  // told to stop by the overlord
	ExitFailed    ExitState = "failed"    // unrecoverable error
	ExitCancelled ExitState = "cancelled" // context cancelled (forced)
)

// Shutdown instructs the recipient to stop.
type Shutdown struct{}

// Status is a minion's final report.
type Status struct {
	Minion string    `json:"minion"`
	State  ExitState `json:"state"`
	Error  string    `json:"error,omitempty"`
}

// Connected is reported by a minion once its connection is established.
type Connected struct {
	Minion string `json:"minion"`
}

// RelayEvent carries one event received from a relay. Event is kept raw;
// only the storage and presentation layers interpret it.
type RelayEvent struct {
	Relay        string          `json:"relay"`
	Subscription string          `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// Notice carries a human-readable message from a relay.
type Notice struct {
	Relay   string `json:"relay"`
	Message string `json:"message"`
}

// Connect asks the overlord to start a minion for URL.
type Connect struct {
	URL string `json:"url"`
}

// Disconnect asks the overlord to stop the minion for URL.
type Disconnect struct {
	URL string `json:"url"`
}

// Subscribe asks a minion to open an additional subscription.
type Subscribe struct {
	Subscription string          `json:"subscription,omitempty"`
	Filters      json.RawMessage `json:"filters"`
}

// Respawn is posted by the overlord to itself when a backoff expires.
type Respawn struct {
	Minion  string `json:"minion"`
	Attempt int    `json:"attempt"`
}

// SettingsChanged announces that the registry holds a new settings snapshot.
type SettingsChanged struct{}

func (Shutdown) Kind() Kind        { return KindShutdown }
func (Status) Kind() Kind          { return KindStatus }
func (Connected) Kind() Kind       { return KindConnected }
func (RelayEvent) Kind() Kind      { return KindEvent }
func (Notice) Kind() Kind          { return KindNotice }
func (Connect) Kind() Kind         { return KindConnect }
func (Disconnect) Kind() Kind      { return KindDisconnect }
func (Subscribe) Kind() Kind       { return KindSubscribe }
func (Respawn) Kind() Kind         { return KindRespawn }
func (SettingsChanged) Kind() Kind { return KindSettingsChanged }

// Encode wraps c in an envelope addressed to target.
func Encode(target string, c Command) (Message, error) {
	if _, ok := c.(Shutdown); ok {
		m := ShutdownMessage()
		m.Target = target
		return m, nil
	}

	return New(target, c.Kind(), c)
}

// MustEncode is Encode for commands whose payloads cannot fail to marshal.
func MustEncode(target string, c Command) Message {
	m, err := Encode(target, c)
	if err != nil {
		panic(err)
	}

	return m
}

// Decode turns an envelope into its typed command.
func Decode(m Message) (Command, error) {
	switch m.Kind {
	case KindShutdown:
		return Shutdown{}, nil
	case KindStatus:
		return decodeAs[Status](m)
	case KindConnected:
		return decodeAs[Connected](m)
	case KindEvent:
		return decodeAs[RelayEvent](m)
	case KindNotice:
		return decodeAs[Notice](m)
	case KindConnect:
		return decodeAs[Connect](m)
	case KindDisconnect:
		return decodeAs[Disconnect](m)
	case KindSubscribe:
		return decodeAs[Subscribe](m)
	case KindRespawn:
		return decodeAs[Respawn](m)
	case KindSettingsChanged:
		return SettingsChanged{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedKind, m.Kind)
	}
}

func decodeAs[T Command](m Message) (Command, error) {
	var v T
	if err := m.Unmarshal(&v); err != nil {
		return nil, err
	}

	return v, nil
}
