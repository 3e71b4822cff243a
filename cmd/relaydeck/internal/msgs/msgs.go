package msgs

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// --- Bridge → TUI messages ---

// OverlordStateMsg reports an overlord lifecycle transition.
type OverlordStateMsg struct {
	State string
}

// RelaySpawnedMsg signals that a minion for Relay was started.
type RelaySpawnedMsg struct {
	Relay   string
	Attempt int
}

// RelayConnectedMsg signals that the relay accepted the connection.
type RelayConnectedMsg struct {
	Relay string
}

// RelayExitedMsg signals that the relay's minion reported its final status.
type RelayExitedMsg struct {
	Relay string
	State string
	Err   string
}

// RelayCancelledMsg signals that the relay's minion was force-cancelled.
type RelayCancelledMsg struct {
	Relay string
}

// RespawnScheduledMsg signals a pending reconnect.
type RespawnScheduledMsg struct {
	Relay string
	Delay time.Duration
}

// NoteMsg delivers a text note received from a relay.
type NoteMsg struct {
	Note Note
}

// NoticeMsg delivers a human-readable notice from a relay.
type NoticeMsg struct {
	Relay string
	Text  string
}

// Note is a feed entry.
type Note struct {
	ID        string
	Relay     string
	Author    string
	Content   string
	CreatedAt time.Time
}

// --- Internal messages ---

// ProgramReadyMsg passes the *tea.Program to the model so it can start the bridge.
type ProgramReadyMsg struct {
	Program *tea.Program
}

// IntentDoneMsg is returned by the tea.Cmd that delivered a user intent.
type IntentDoneMsg struct {
	Action string
	Relay  string
	Err    error
}
