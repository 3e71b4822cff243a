// Package app is the bubbletea model of the relaydeck TUI. It never touches
// the overlord directly: it learns what happens through bridge messages and
// expresses user intents through a Controller.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/bridge"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/msgs"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/styles"
	"github.com/germanamz/relaydeck/pkg/overlord"
	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/mattn/go-runewidth"
)

// Controller carries user intents to the overlord.
type Controller interface {
	Connect(url string) error
	Disconnect(url string) error
	// ToggleRead flips the relay's read flag, persists it and returns the
	// new value.
	ToggleRead(url string) (bool, error)
}

// Options configures a Model.
type Options struct {
	Relays     []settings.Relay
	FeedLimit  int
	Recent     []msgs.Note
	Controller Controller
	Events     *overlord.EventBus
}

// Intent actions reported in msgs.IntentDoneMsg.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionToggle     = "toggle"
)

type relayRow struct {
	url    string
	read   bool
	status string
	detail string
	notes  int
}

// Model is the root bubbletea model.
type Model struct {
	ctx  context.Context
	opts Options

	rows     []relayRow
	selected int
	feed     []msgs.Note
	notice   string
	state    string

	about     bool
	aboutView string

	keys         keyMap
	help         help.Model
	cancelBridge context.CancelFunc
	width        int
	height       int
}

// New creates the model.
func New(ctx context.Context, opts Options) Model {
	if opts.FeedLimit <= 0 {
		opts.FeedLimit = settings.Default().FeedLimit
	}

	m := Model{
		ctx:   ctx,
		opts:  opts,
		state: overlord.Starting.String(),
		keys:  defaultKeys(),
		help:  help.New(),
	}

	for _, r := range opts.Relays {
		status := "idle"
		if r.Read {
			status = "connecting"
		}
		m.rows = append(m.rows, relayRow{url: r.URL, read: r.Read, status: status})
	}

	for _, n := range opts.Recent {
		if len(m.feed) >= opts.FeedLimit {
			break
		}
		m.feed = append(m.feed, n)
	}

	return m
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.aboutView = renderAbout(msg.Width - 4)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case msgs.ProgramReadyMsg:
		if m.opts.Events != nil && m.cancelBridge == nil {
			m.cancelBridge = bridge.Start(m.ctx, msg.Program, m.opts.Events)
		}
		return m, nil

	case msgs.OverlordStateMsg:
		m.state = msg.State
		if msg.State == overlord.Stopped.String() {
			return m.quit()
		}
		return m, nil

	case msgs.RelaySpawnedMsg:
		status := "connecting"
		if msg.Attempt > 0 {
			status = fmt.Sprintf("reconnecting #%d", msg.Attempt)
		}
		m.setStatus(msg.Relay, status, "")
		return m, nil

	case msgs.RelayConnectedMsg:
		m.setStatus(msg.Relay, "connected", "")
		return m, nil

	case msgs.RelayExitedMsg:
		m.setStatus(msg.Relay, msg.State, msg.Err)
		return m, nil

	case msgs.RelayCancelledMsg:
		m.setStatus(msg.Relay, "cancelled", "")
		return m, nil

	case msgs.RespawnScheduledMsg:
		m.setStatus(msg.Relay, "retry in "+msg.Delay.Round(100*time.Millisecond).String(), m.row(msg.Relay).detail)
		return m, nil

	case msgs.NoteMsg:
		m.addNote(msg.Note)
		return m, nil

	case msgs.NoticeMsg:
		m.notice = msg.Relay + ": " + msg.Text
		return m, nil

	case msgs.IntentDoneMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s %s: %v", msg.Action, msg.Relay, msg.Err)
			return m, nil
		}
		if msg.Action == ActionToggle {
			r := m.row(msg.Relay)
			r.read = !r.read
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.About):
		m.about = !m.about
		if m.about && m.aboutView == "" {
			m.aboutView = renderAbout(m.width - 4)
		}
		return m, nil
	}

	if len(m.rows) == 0 {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Next):
		m.selected = (m.selected + 1) % len(m.rows)
	case key.Matches(msg, m.keys.Prev):
		m.selected = (m.selected - 1 + len(m.rows)) % len(m.rows)
	case key.Matches(msg, m.keys.Connect):
		return m, m.intent(ActionConnect, m.rows[m.selected].url)
	case key.Matches(msg, m.keys.Disconnect):
		return m, m.intent(ActionDisconnect, m.rows[m.selected].url)
	case key.Matches(msg, m.keys.Toggle):
		return m, m.intent(ActionToggle, m.rows[m.selected].url)
	}

	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.cancelBridge != nil {
		m.cancelBridge()
		m.cancelBridge = nil
	}
	return m, tea.Quit
}

// intent delivers a user action off the update loop.
func (m Model) intent(action, url string) tea.Cmd {
	c := m.opts.Controller
	if c == nil {
		return nil
	}

	return func() tea.Msg {
		var err error
		switch action {
		case ActionConnect:
			err = c.Connect(url)
		case ActionDisconnect:
			err = c.Disconnect(url)
		case ActionToggle:
			_, err = c.ToggleRead(url)
		}
		return msgs.IntentDoneMsg{Action: action, Relay: url, Err: err}
	}
}

// row returns the row for url, adding one for relays first seen through
// events.
func (m *Model) row(url string) *relayRow {
	for i := range m.rows {
		if m.rows[i].url == url {
			return &m.rows[i]
		}
	}

	m.rows = append(m.rows, relayRow{url: url, read: true})
	return &m.rows[len(m.rows)-1]
}

func (m *Model) setStatus(url, status, detail string) {
	r := m.row(url)
	r.status = status
	r.detail = detail
}

func (m *Model) addNote(n msgs.Note) {
	m.row(n.Relay).notes++

	for _, f := range m.feed {
		if f.ID == n.ID {
			return
		}
	}

	m.feed = append([]msgs.Note{n}, m.feed...)
	if len(m.feed) > m.opts.FeedLimit {
		m.feed = m.feed[:m.opts.FeedLimit]
	}
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	helpView := m.help.View(m.keys)

	if m.about {
		return lipgloss.JoinVertical(lipgloss.Left, m.aboutView, helpView)
	}

	header := m.headerView()
	relays := styles.PanelStyle.Width(m.width - 2).Render(m.relaysView())
	notice := ""
	if m.notice != "" {
		notice = styles.StatusStyle.Render(truncate(m.notice, m.width))
	}

	used := lipgloss.Height(header) + lipgloss.Height(relays) + lipgloss.Height(helpView) + 1
	feed := m.feedView(max(m.height-used-1, 1))

	return lipgloss.JoinVertical(lipgloss.Left, header, relays, feed, notice, helpView)
}

func (m Model) headerView() string {
	connected := 0
	for _, r := range m.rows {
		if r.status == "connected" {
			connected++
		}
	}

	status := styles.StatusStyle.Render(fmt.Sprintf(" %s · %d/%d connected · %d notes",
		m.state, connected, len(m.rows), len(m.feed)))

	return styles.TitleStyle.Render("relaydeck") + status
}

func (m Model) relaysView() string {
	if len(m.rows) == 0 {
		return styles.DimStyle.Render("no relays configured")
	}

	// marker, read flag, status column and note count.
	const fixed = 30
	room := m.width - 6 - fixed

	lines := make([]string, 0, len(m.rows))
	for i, r := range m.rows {
		marker := "  "
		if i == m.selected {
			marker = "> "
		}

		read := " "
		if r.read {
			read = "r"
		}

		status := statusStyle(r.status).Render(fmt.Sprintf("%-18s", truncate(r.status, 18)))
		url := truncate(r.url, room)
		line := fmt.Sprintf("%s%s %s %5d  %s", marker, read, status, r.notes, url)

		if rest := room - runewidth.StringWidth(url) - 2; r.detail != "" && rest > 0 {
			line += styles.DimStyle.Render("  " + truncate(r.detail, rest))
		}

		if i == m.selected {
			line = styles.SelectedStyle.Render(line)
		}
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func (m Model) feedView(height int) string {
	if len(m.feed) == 0 {
		return styles.DimStyle.Render("waiting for notes…")
	}

	lines := make([]string, 0, height)
	for _, n := range m.feed {
		if len(lines) >= height {
			break
		}

		author := n.Author
		if len(author) > 8 {
			author = author[:8]
		}
		prefix := n.CreatedAt.Local().Format("15:04") + " " + styles.AuthorStyle.Render(author) + " "
		body := strings.Join(strings.Fields(n.Content), " ")

		lines = append(lines, prefix+truncate(body, m.width-lipgloss.Width(prefix)))
	}

	return strings.Join(lines, "\n")
}

func statusStyle(status string) lipgloss.Style {
	switch {
	case status == "connected":
		return styles.ConnectedStyle
	case status == "failed" || status == "cancelled":
		return styles.FailedStyle
	case status == "connecting" || strings.HasPrefix(status, "retry") || strings.HasPrefix(status, "reconnecting"):
		return styles.PendingStyle
	default:
		return styles.IdleStyle
	}
}

// truncate shortens s to width display cells.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}
