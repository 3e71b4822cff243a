package styles

import "github.com/charmbracelet/lipgloss"

// Terminal palette.
var (
	ColorMuted   = lipgloss.Color("8")
	ColorAccent  = lipgloss.Color("4")
	ColorError   = lipgloss.Color("1")
	ColorSuccess = lipgloss.Color("2")
	ColorWarning = lipgloss.Color("3")
	ColorMagenta = lipgloss.Color("5")
)

// Centralized style definitions for the TUI.
var (
	TitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	// Relay table.
	SelectedStyle  = lipgloss.NewStyle().Bold(true).Reverse(true)
	ConnectedStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	PendingStyle   = lipgloss.NewStyle().Foreground(ColorWarning)
	FailedStyle    = lipgloss.NewStyle().Foreground(ColorError)
	IdleStyle      = lipgloss.NewStyle().Foreground(ColorMuted)

	// Feed.
	AuthorStyle = lipgloss.NewStyle().Foreground(ColorMagenta)
	RelayStyle  = lipgloss.NewStyle().Foreground(ColorMuted)

	// General utility styles.
	DimStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	StatusStyle = lipgloss.NewStyle().Foreground(ColorMuted)
	ErrorStyle  = lipgloss.NewStyle().Foreground(ColorError)

	PanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			PaddingLeft(1).
			PaddingRight(1)
)
