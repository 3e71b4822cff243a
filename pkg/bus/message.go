// Package bus carries messages between the presentation layer, the overlord
// and its minions. A Message is a self-describing envelope: a target selector,
// a kind tag and an opaque JSON payload. Channels created with NewChannel are
// multi-producer, single-consumer and preserve the order of each producer's
// own sends; there is no ordering across producers.
package bus

import (
	"encoding/json"
	"fmt"
)

// Target selectors with a reserved meaning. Any other target names a minion.
const (
	TargetAll      = "all"
	TargetOverlord = "overlord"
)

// Kind names the semantic of a message.
type Kind string

// Recognized kinds. Decode rejects anything else with ErrUnrecognizedKind.
const (
	KindShutdown        Kind = "shutdown"
	KindStatus          Kind = "minion_status"
	KindConnected       Kind = "connected"
	KindEvent           Kind = "event"
	KindNotice          Kind = "notice"
	KindConnect         Kind = "connect"
	KindDisconnect      Kind = "disconnect"
	KindSubscribe       Kind = "subscribe"
	KindRespawn         Kind = "respawn"
	KindSettingsChanged Kind = "settings_changed"
)

var knownKinds = map[Kind]struct{}{
	KindShutdown:        {},
	KindStatus:          {},
	KindConnected:       {},
	KindEvent:           {},
	KindNotice:          {},
	KindConnect:         {},
	KindDisconnect:      {},
	KindSubscribe:       {},
	KindRespawn:         {},
	KindSettingsChanged: {},
}

// Known reports whether k is one of the recognized kinds.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Message is the unit of cross-task communication. Fields are not meant to be
// mutated after construction.
type Message struct {
	Target  string          `json:"target"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// Origin is stamped by the sending handle (see Sender.WithOrigin), never
	// taken from the payload. Empty for non-minion senders.
	Origin string `json:"origin,omitempty"`
}

// New builds a message whose payload is the JSON encoding of v.
func New(target string, kind Kind, v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("bus: marshal %s payload: %w", kind, err)
	}

	return Message{Target: target, Kind: kind, Payload: payload}, nil
}

// ShutdownMessage returns the all/shutdown message with an empty string payload.
func ShutdownMessage() Message {
	return Message{Target: TargetAll, Kind: KindShutdown, Payload: json.RawMessage(`""`)}
}

// IsShutdown reports whether m is a shutdown instruction, whatever its target.
func (m Message) IsShutdown() bool { return m.Kind == KindShutdown }

// Unmarshal decodes the payload into v.
func (m Message) Unmarshal(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("bus: %s: empty payload", m.Kind)
	}

	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bus: %s: unmarshal payload: %w", m.Kind, err)
	}

	return nil
}
