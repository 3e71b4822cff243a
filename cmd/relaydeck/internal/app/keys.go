package app

import "github.com/charmbracelet/bubbles/key"

// keyMap is the TUI's key bindings. It implements help.KeyMap.
type keyMap struct {
	Next       key.Binding
	Prev       key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Toggle     key.Binding
	About      key.Binding
	Quit       key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Next: key.NewBinding(
			key.WithKeys("tab", "down", "j"),
			key.WithHelp("tab/↓", "next relay"),
		),
		Prev: key.NewBinding(
			key.WithKeys("shift+tab", "up", "k"),
			key.WithHelp("shift+tab/↑", "previous relay"),
		),
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "connect"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Toggle: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "toggle read (saved)"),
		),
		About: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "about"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Connect, k.Disconnect, k.Toggle, k.About, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev},
		{k.Connect, k.Disconnect, k.Toggle},
		{k.About, k.Quit},
	}
}
