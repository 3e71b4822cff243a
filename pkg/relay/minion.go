// Package relay implements the per-relay minion: it holds one websocket
// connection to a NIP-01 relay, keeps a subscription open on it, and turns
// what the relay sends into bus reports for the overlord.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/minion"
	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// errStopped ends the errgroup after an orderly shutdown.
var errStopped = errors.New("relay: stopped")

// Minion is a minion.Runner for one relay.
type Minion struct {
	URL string
	// Filters is the JSON array of filters for the initial subscription.
	Filters json.RawMessage
	Dialer  *Dialer
	// Limiter paces outbound frames; nil means unlimited.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Run implements minion.Runner.
func (m *Minion) Run(ctx context.Context, h *minion.Handle) error {
	log := m.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("relay", m.URL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The inbox is read from here on so a shutdown is seen even while the
	// dial is still pending.
	cmds := h.Commands(ctx)

	conn, sub, held, err := m.connect(ctx, h, log, cmds)
	if err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		return err
	}
	defer conn.CloseNow()

	var stopping atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				if stopping.Load() {
					return nil
				}
				return readError(ctx, err)
			}

			if err := m.handleFrame(gctx, h, log, data); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		apply := func(msg bus.Message) error {
			if msg.IsShutdown() {
				stopping.Store(true)
				if err := m.write(gctx, conn, CloseFrame(sub)); err != nil {
					log.Debug("close frame not sent", "error", err)
				}
				if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
					log.Debug("close handshake failed", "error", err)
				}
				return errStopped
			}

			next, err := m.command(gctx, conn, log, sub, msg)
			if err != nil {
				return err
			}
			sub = next
			return nil
		}

		for _, msg := range held {
			if err := apply(msg); err != nil {
				return err
			}
		}

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg, ok := <-cmds:
				if !ok {
					// The overlord dropped our inbox, or ctx ended.
					if err := ctx.Err(); err != nil {
						return err
					}
					stopping.Store(true)
					return errStopped
				}
				if err := apply(msg); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}

	return nil
}

// connect opens the connection, reports it and sends the initial REQ while
// watching cmds. A shutdown or a dropped inbox abandons the attempt with
// errStopped. Other commands that arrive meanwhile are returned in order.
func (m *Minion) connect(ctx context.Context, h *minion.Handle, log *slog.Logger, cmds <-chan bus.Message) (*websocket.Conn, string, []bus.Message, error) {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type opened struct {
		conn *websocket.Conn
		sub  string
		err  error
	}
	done := make(chan opened, 1)

	go func() {
		conn, sub, err := m.open(openCtx, h, log)
		done <- opened{conn: conn, sub: sub, err: err}
	}()

	var held []bus.Message
	for {
		select {
		case o := <-done:
			return o.conn, o.sub, held, o.err
		case msg, ok := <-cmds:
			if ok && !msg.IsShutdown() {
				held = append(held, msg)
				continue
			}

			cancel()
			if o := <-done; o.conn != nil {
				o.conn.CloseNow()
			}
			if err := ctx.Err(); err != nil {
				return nil, "", nil, err
			}
			log.Debug("stopped while connecting")
			return nil, "", nil, errStopped
		}
	}
}

func (m *Minion) open(ctx context.Context, h *minion.Handle, log *slog.Logger) (*websocket.Conn, string, error) {
	conn, err := m.Dialer.Dial(ctx, m.URL)
	if err != nil {
		return nil, "", err
	}

	if err := h.Report(ctx, bus.Connected{Minion: h.ID()}); err != nil {
		conn.CloseNow()
		return nil, "", fmt.Errorf("relay: report connected: %w", err)
	}

	sub := newSubscriptionID()
	if err := m.req(ctx, conn, sub, m.Filters); err != nil {
		conn.CloseNow()
		return nil, "", err
	}
	log.Debug("subscribed", "subscription", sub)

	return conn, sub, nil
}

// command applies one inbox message and returns the active subscription id.
func (m *Minion) command(ctx context.Context, conn *websocket.Conn, log *slog.Logger, sub string, msg bus.Message) (string, error) {
	cmd, err := bus.Decode(msg)
	if err != nil {
		log.Warn("command ignored", "kind", msg.Kind, "error", err)
		return sub, nil
	}

	switch c := cmd.(type) {
	case bus.Subscribe:
		if err := m.write(ctx, conn, CloseFrame(sub)); err != nil {
			return sub, err
		}

		next := c.Subscription
		if next == "" {
			next = newSubscriptionID()
		}
		if err := m.req(ctx, conn, next, c.Filters); err != nil {
			return sub, err
		}
		log.Debug("resubscribed", "subscription", next)

		return next, nil
	default:
		log.Debug("command ignored", "kind", msg.Kind)
		return sub, nil
	}
}

func (m *Minion) handleFrame(ctx context.Context, h *minion.Handle, log *slog.Logger, data []byte) error {
	msg, err := ParseRelayMessage(data)
	if err != nil {
		log.Debug("frame ignored", "error", err)
		return nil
	}

	var report bus.Command
	switch msg.Type {
	case TypeEvent:
		report = bus.RelayEvent{Relay: h.ID(), Subscription: msg.Subscription, Event: msg.Event}
	case TypeNotice:
		report = bus.Notice{Relay: h.ID(), Message: msg.Text}
	case TypeClosed:
		report = bus.Notice{Relay: h.ID(), Message: "subscription closed: " + msg.Text}
	case TypeOK:
		if msg.Accepted {
			return nil
		}
		report = bus.Notice{Relay: h.ID(), Message: "event " + msg.EventID + " rejected: " + msg.Text}
	case TypeEOSE:
		log.Debug("end of stored events", "subscription", msg.Subscription)
		return nil
	default:
		return nil
	}

	if err := h.Report(ctx, report); err != nil {
		return fmt.Errorf("relay: report %s: %w", report.Kind(), err)
	}
	return nil
}

func (m *Minion) req(ctx context.Context, conn *websocket.Conn, sub string, filters json.RawMessage) error {
	if len(filters) == 0 {
		filters = FiltersJSON(Filter{})
	}

	frame, err := ReqFrame(sub, filters)
	if err != nil {
		return err
	}

	return m.write(ctx, conn, frame)
}

func (m *Minion) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	if m.Limiter != nil {
		if err := m.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay: rate limit: %w", err)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

// readError maps a read failure to the minion exit taxonomy: a close frame
// from the relay is a graceful close, anything else is a failure.
func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Errorf("%w: %s", minion.ErrClosed, status)
	}
	return fmt.Errorf("relay: read: %w", err)
}

func newSubscriptionID() string {
	return uuid.NewString()
}

// Filters returns the subscription filters described by s.
func Filters(s settings.Settings) json.RawMessage {
	return FiltersJSON(Filter{Kinds: s.Kinds, Limit: s.Backfill})
}

// NewFactory returns a minion factory for relay URLs. Filters and pacing are
// taken from the settings snapshot current at spawn time.
func NewFactory(d *Dialer, current func() settings.Settings, log *slog.Logger) func(id string) (minion.Runner, error) {
	return func(id string) (minion.Runner, error) {
		if !strings.HasPrefix(id, "ws://") && !strings.HasPrefix(id, "wss://") {
			return nil, fmt.Errorf("relay: %q is not a websocket url", id)
		}

		s := current()

		var lim *rate.Limiter
		if s.PublishRate > 0 {
			lim = rate.NewLimiter(rate.Limit(s.PublishRate), 1)
		}

		return &Minion{
			URL:     id,
			Filters: Filters(s),
			Dialer:  d,
			Limiter: lim,
			Logger:  log,
		}, nil
	}
}
