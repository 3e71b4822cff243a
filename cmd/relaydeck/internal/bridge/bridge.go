package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/msgs"
	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/overlord"
	"github.com/germanamz/relaydeck/pkg/relay"
)

// Sender is the part of *tea.Program the bridge uses.
type Sender interface {
	Send(msg tea.Msg)
}

// Kinds are the overlord events Translate turns into messages.
var Kinds = []overlord.EventKind{
	overlord.EventStateChanged,
	overlord.EventMinionSpawned,
	overlord.EventMinionConnected,
	overlord.EventMinionExited,
	overlord.EventMinionCancelled,
	overlord.EventRespawnScheduled,
	overlord.EventNotice,
	overlord.EventRelayEvent,
}

// Start launches the event watcher goroutine. It only calls p.Send() and
// never touches model state directly. The returned cancel function stops the
// watcher and waits for it to exit, so no stale messages are sent after it
// returns.
func Start(ctx context.Context, p Sender, events *overlord.EventBus) context.CancelFunc {
	bridgeCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	sub := events.Subscribe(256, Kinds...)

	// Event watcher: converts overlord events to bubbletea messages.
	wg.Go(func() {
		defer events.Unsubscribe(sub)
		for {
			select {
			case <-bridgeCtx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if msg := Translate(ev); msg != nil {
					p.Send(msg)
				}
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}

// Translate turns one overlord event into the message the model handles, or
// nil for events the TUI does not show.
func Translate(ev overlord.Event) tea.Msg {
	switch ev.Kind {
	case overlord.EventStateChanged:
		if s, ok := ev.Data.(overlord.State); ok {
			return msgs.OverlordStateMsg{State: s.String()}
		}

	case overlord.EventMinionSpawned:
		attempt, _ := ev.Data.(int)
		return msgs.RelaySpawnedMsg{Relay: ev.Minion, Attempt: attempt}

	case overlord.EventMinionConnected:
		return msgs.RelayConnectedMsg{Relay: ev.Minion}

	case overlord.EventMinionExited:
		st, _ := ev.Data.(bus.Status)
		return msgs.RelayExitedMsg{Relay: ev.Minion, State: string(st.State), Err: st.Error}

	case overlord.EventMinionCancelled:
		return msgs.RelayCancelledMsg{Relay: ev.Minion}

	case overlord.EventRespawnScheduled:
		d, _ := ev.Data.(time.Duration)
		return msgs.RespawnScheduledMsg{Relay: ev.Minion, Delay: d}

	case overlord.EventNotice:
		if n, ok := ev.Data.(bus.Notice); ok {
			return msgs.NoticeMsg{Relay: ev.Minion, Text: n.Message}
		}

	case overlord.EventRelayEvent:
		re, ok := ev.Data.(bus.RelayEvent)
		if !ok {
			return nil
		}
		note, ok := NoteFromEvent(ev.Minion, re.Event)
		if !ok {
			return nil
		}
		return msgs.NoteMsg{Note: note}
	}

	return nil
}

// NoteFromEvent decodes a raw relay event into a feed entry.
func NoteFromEvent(relayURL string, raw json.RawMessage) (msgs.Note, bool) {
	var e relay.Event
	if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
		return msgs.Note{}, false
	}

	return msgs.Note{
		ID:        e.ID,
		Relay:     relayURL,
		Author:    e.PubKey,
		Content:   e.Content,
		CreatedAt: time.Unix(e.CreatedAt, 0),
	}, true
}
