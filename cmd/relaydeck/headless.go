package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/bridge"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/msgs"
	"github.com/germanamz/relaydeck/pkg/overlord"
)

// runHeadless prints notes to out and logs relay lifecycle events until ctx
// is cancelled or the overlord stops.
func runHeadless(ctx context.Context, out io.Writer, events *overlord.EventBus, stopped <-chan struct{}, log *slog.Logger) {
	sub := events.Subscribe(256, bridge.Kinds...)
	defer func() {
		if n := sub.Dropped(); n > 0 {
			log.Warn("events dropped by the printer", "count", n)
		}
		events.Unsubscribe(sub)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			printEvent(out, bridge.Translate(ev), log)
		}
	}
}

func printEvent(out io.Writer, msg any, log *slog.Logger) {
	switch msg := msg.(type) {
	case msgs.NoteMsg:
		n := msg.Note
		_, _ = fmt.Fprintf(out, "%s %s %s %s\n",
			n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), n.Relay, n.Author, strings.Join(strings.Fields(n.Content), " "))
	case msgs.NoticeMsg:
		log.Info("notice", "relay", msg.Relay, "text", msg.Text)
	case msgs.RelayConnectedMsg:
		log.Info("relay connected", "relay", msg.Relay)
	case msgs.RelayExitedMsg:
		log.Info("relay exited", "relay", msg.Relay, "state", msg.State, "error", msg.Err)
	case msgs.RespawnScheduledMsg:
		log.Info("reconnect scheduled", "relay", msg.Relay, "delay", msg.Delay)
	case msgs.OverlordStateMsg:
		log.Debug("overlord state", "state", msg.State)
	}
}
