package app

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

const aboutMarkdown = `# relaydeck

A terminal client that keeps one connection open per relay and shows what
arrives on them as a single feed.

## Relays

| Status | Meaning |
|---|---|
| connecting | dialing, or waiting for the first frame |
| connected | subscription open |
| retry in … | the connection ended and a reconnect is scheduled |
| closed | the relay closed the connection |
| failed | dial or read error; see the log |
| shutdown | disconnected on request |

Disconnecting a relay lasts for this session only. Toggling **read** is
saved and survives restarts.

## Files

- ` + "`.relaydeck/config.yaml`" + ` configuration
- ` + "`.relaydeck/local/relaydeck.db`" + ` settings and received events
- ` + "`.relaydeck/local/relaydeck.log`" + ` log, level from ` + "`RELAYDECK_LOG`" + `
`

// renderAbout renders the about page for the given width. Falls back to the
// raw markdown if the renderer is unavailable.
func renderAbout(width int) string {
	if width <= 0 {
		width = 80
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return aboutMarkdown
	}

	out, err := r.Render(aboutMarkdown)
	if err != nil {
		return aboutMarkdown
	}

	return strings.TrimRight(out, "\n")
}
