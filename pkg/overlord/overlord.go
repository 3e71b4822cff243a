// Package overlord implements the single supervisory task that owns every
// minion. The overlord claims the from-minions receiver from the registry,
// spawns and tracks minions keyed by identifier, dispatches bus messages to
// them or handles them itself, decides respawns through a RespawnPolicy, and
// drives an orderly, time-bounded drain on shutdown.
//
// All overlord state is owned by the goroutine running Run; other goroutines
// talk to it only through the bus, and observe it through the EventBus,
// State and MinionCount.
package overlord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/minion"
	"github.com/germanamz/relaydeck/pkg/registry"
	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrDraining is returned when a spawn is requested after drain began.
	ErrDraining = errors.New("overlord: draining")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("overlord: already running")
	// ErrNoFactory is returned by New without a minion factory.
	ErrNoFactory = errors.New("overlord: minion factory is required")
)

const defaultInboxSize = 16

// Factory builds the runner for the minion identified by id.
type Factory func(id string) (minion.Runner, error)

// Store persists what minions report. storage.Store satisfies it.
type Store interface {
	SaveEvent(ctx context.Context, relay string, event json.RawMessage) error
	RecordConnected(ctx context.Context, relay string) error
	RecordExit(ctx context.Context, relay string, state string) error
}

// Options configures an Overlord.
type Options struct {
	Factory Factory
	// Policy decides respawns. Nil uses CurrentBackoff over the registry's
	// reconnect settings.
	Policy RespawnPolicy
	Clock  clockwork.Clock
	// DrainTimeout bounds the wait for minions on shutdown. Zero uses the
	// registry's settings.
	DrainTimeout time.Duration
	// InboxSize is the capacity of each minion's inbound channel.
	InboxSize int
	Store     Store
	Events    *EventBus
	Metrics   *Metrics
	Logger    *slog.Logger
}

// tracked is the overlord's handle on one live minion.
type tracked struct {
	id      string
	inbox   *bus.Sender
	cancel  context.CancelFunc
	attempt int
	// stopping marks minions told to shut down; their exit is final
	// unless restart was asked for in the meantime.
	stopping bool
	restart  bool
}

// Overlord supervises minions. Create it with New and run it with Run.
type Overlord struct {
	reg    *registry.Registry
	opts   Options
	log    *slog.Logger
	clock  clockwork.Clock
	events *EventBus

	inbox *bus.Receiver
	self  *bus.Sender

	state atomic.Int32
	count atomic.Int64

	// Owned by the Run goroutine.
	minions map[string]*tracked
	pending map[string]int
	timers  map[string]clockwork.Timer

	base       context.Context
	cancelBase context.CancelFunc
}

// New claims the from-minions receiver from reg and returns an overlord in
// the Starting state. It panics if the receiver was not installed or was
// already claimed, because either means the startup sequence is broken.
func New(reg *registry.Registry, opts Options) (*Overlord, error) {
	if opts.Factory == nil {
		return nil, ErrNoFactory
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = NewEventBus()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Policy == nil {
		opts.Policy = CurrentBackoff(func() settings.Reconnect { return reg.Settings().Reconnect })
	}

	base, cancel := context.WithCancel(context.Background())

	o := &Overlord{
		reg:        reg,
		opts:       opts,
		log:        opts.Logger.With("component", "overlord"),
		clock:      opts.Clock,
		events:     opts.Events,
		inbox:      reg.MustTakeMinionReceiver(),
		self:       reg.ToOverlord(),
		minions:    make(map[string]*tracked),
		pending:    make(map[string]int),
		timers:     make(map[string]clockwork.Timer),
		base:       base,
		cancelBase: cancel,
	}
	o.state.Store(int32(Starting))

	return o, nil
}

// Events returns the overlord's observer bus.
func (o *Overlord) Events() *EventBus { return o.events }

// State returns the current lifecycle state.
func (o *Overlord) State() State { return State(o.state.Load()) }

// MinionCount returns the number of tracked minions.
func (o *Overlord) MinionCount() int { return int(o.count.Load()) }

func (o *Overlord) setState(s State) {
	o.state.Store(int32(s))
	o.log.Debug("state changed", "state", s)
	o.publish(EventStateChanged, "", s)
}

func (o *Overlord) publish(kind EventKind, id string, data any) {
	o.events.Publish(Event{Kind: kind, Minion: id, Timestamp: o.clock.Now(), Data: data})
}

// Run starts a minion for every read relay in the settings, then dispatches
// messages until an all/shutdown message arrives or ctx is cancelled, and
// finally drains. It returns once the overlord is Stopped.
func (o *Overlord) Run(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(Starting), int32(Running)) {
		return ErrAlreadyRunning
	}
	o.publish(EventStateChanged, "", Running)

	defer func() {
		o.inbox.Close()
		o.self.Release()
		o.cancelBase()
		o.setState(Stopped)
	}()

	for _, id := range o.reg.Settings().ReadRelays() {
		if err := o.spawn(id, 0); err != nil {
			o.log.Error("spawn failed", "minion", id, "error", err)
		}
	}

	for {
		m, ok := o.inbox.Receive(ctx)
		if !ok {
			o.log.Info("inbox closed or context done; draining")
			break
		}

		if o.dispatch(m) {
			break
		}
	}

	o.drain()

	return nil
}

// dispatch routes one message and reports whether it asked for shutdown.
func (o *Overlord) dispatch(m bus.Message) bool {
	o.opts.Metrics.received(m.Kind)

	switch m.Target {
	case bus.TargetAll:
		if m.IsShutdown() {
			return true
		}
		o.broadcast(m)
	case bus.TargetOverlord:
		return o.handle(m)
	default:
		o.forward(m)
	}

	return false
}

func (o *Overlord) drop(m bus.Message, reason string, attrs ...any) {
	o.opts.Metrics.dropped(reason)
	o.log.Warn("message dropped", append([]any{"target", m.Target, "kind", m.Kind, "reason", reason}, attrs...)...)
	o.publish(EventDispatchDropped, m.Target, reason)
}

// forward delivers m to the minion it names without ever blocking the loop.
func (o *Overlord) forward(m bus.Message) {
	t, ok := o.minions[m.Target]
	if !ok {
		o.drop(m, "unknown_target")
		return
	}

	if m.IsShutdown() {
		t.stopping = true
		t.restart = false
	}

	if err := t.inbox.TrySend(m); err != nil {
		o.drop(m, "inbox_unavailable", "error", err)
	}
}

func (o *Overlord) broadcast(m bus.Message) {
	for _, t := range o.minions {
		if err := t.inbox.TrySend(m); err != nil {
			o.drop(m, "inbox_unavailable", "minion", t.id, "error", err)
		}
	}
}

// handle processes a message addressed to the overlord itself.
func (o *Overlord) handle(m bus.Message) bool {
	cmd, err := bus.Decode(m)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, bus.ErrUnrecognizedKind) {
			reason = "unrecognized_kind"
		}
		o.drop(m, reason, "error", err)
		return false
	}

	// Reports are attributed by the sender's stamped origin when present.
	origin := m.Origin

	switch c := cmd.(type) {
	case bus.Shutdown:
		return true
	case bus.Status:
		if origin == "" {
			origin = c.Minion
		}
		o.onExit(origin, c)
	case bus.Connected:
		if origin == "" {
			origin = c.Minion
		}
		o.onConnected(origin)
	case bus.RelayEvent:
		if origin != "" {
			c.Relay = origin
		}
		o.onRelayEvent(c)
	case bus.Notice:
		if origin != "" {
			c.Relay = origin
		}
		o.log.Info("relay notice", "relay", c.Relay, "notice", c.Message)
		o.publish(EventNotice, c.Relay, c)
	case bus.Connect:
		o.cancelPending(c.URL)
		if err := o.spawn(c.URL, 0); err != nil {
			o.log.Warn("connect refused", "minion", c.URL, "error", err)
		}
	case bus.Disconnect:
		o.stop(c.URL)
	case bus.Respawn:
		o.onRespawn(c)
	case bus.SettingsChanged:
		o.reconcile()
	default:
		o.drop(m, "not_for_overlord")
	}

	return false
}

// spawn starts a minion for id unless one is already tracked.
func (o *Overlord) spawn(id string, attempt int) error {
	if o.State() != Running {
		return ErrDraining
	}

	if t, ok := o.minions[id]; ok {
		if t.stopping {
			t.restart = true
			o.log.Debug("minion stopping; restart queued", "minion", id)
			return nil
		}
		o.log.Debug("minion already tracked", "minion", id)
		return nil
	}

	runner, err := o.opts.Factory(id)
	if err != nil {
		return fmt.Errorf("overlord: build minion %s: %w", id, err)
	}

	inTx, inRx := bus.NewChannel(o.opts.InboxSize)
	up := o.self.WithOrigin(id)
	ctx, cancel := context.WithCancel(o.base)

	o.minions[id] = &tracked{id: id, inbox: inTx, cancel: cancel, attempt: attempt}
	o.updateCount()

	go minion.Supervise(ctx, runner, minion.NewHandle(id, inRx, up), o.opts.Logger)

	o.log.Info("minion spawned", "minion", id, "attempt", attempt)
	o.publish(EventMinionSpawned, id, attempt)

	return nil
}

// untrack forgets id and returns its entry.
func (o *Overlord) untrack(id string) (*tracked, bool) {
	t, ok := o.minions[id]
	if !ok {
		return nil, false
	}

	delete(o.minions, id)
	t.inbox.Release()
	o.updateCount()

	return t, true
}

func (o *Overlord) updateCount() {
	o.count.Store(int64(len(o.minions)))
	o.opts.Metrics.tracked(len(o.minions))
}

func (o *Overlord) onExit(id string, st bus.Status) {
	t, ok := o.untrack(id)
	if !ok {
		o.log.Debug("status from untracked minion", "minion", id, "state", st.State)
		return
	}
	t.cancel()

	o.opts.Metrics.exited(st.State)
	o.storeErr(o.store().RecordExit(o.base, id, string(st.State)), "record exit", id)

	attrs := []any{"minion", id, "state", st.State}
	if st.Error != "" {
		attrs = append(attrs, "error", st.Error)
	}
	o.log.Info("minion exited", attrs...)
	o.publish(EventMinionExited, id, st)

	if o.State() != Running {
		return
	}
	if t.stopping {
		if t.restart {
			if err := o.spawn(id, 0); err != nil {
				o.log.Warn("restart failed", "minion", id, "error", err)
			}
		}
		return
	}

	attempt := t.attempt + 1
	delay, ok := o.opts.Policy.Decide(st, attempt)
	if !ok {
		o.log.Info("minion not respawned", "minion", id, "attempt", attempt)
		return
	}

	o.schedule(id, attempt, delay)
}

// schedule posts a Respawn message to the overlord itself after delay.
func (o *Overlord) schedule(id string, attempt int, delay time.Duration) {
	o.pending[id] = attempt

	msg := bus.MustEncode(bus.TargetOverlord, bus.Respawn{Minion: id, Attempt: attempt})
	o.timers[id] = o.clock.AfterFunc(delay, func() {
		if err := o.self.Send(o.base, msg); err != nil {
			o.log.Debug("respawn not delivered", "minion", id, "error", err)
		}
	})

	o.log.Info("respawn scheduled", "minion", id, "attempt", attempt, "delay", delay)
	o.publish(EventRespawnScheduled, id, delay)
}

func (o *Overlord) onRespawn(r bus.Respawn) {
	attempt, ok := o.pending[r.Minion]
	if !ok || attempt != r.Attempt {
		o.log.Debug("stale respawn ignored", "minion", r.Minion, "attempt", r.Attempt)
		return
	}

	delete(o.pending, r.Minion)
	delete(o.timers, r.Minion)

	if err := o.spawn(r.Minion, attempt); err != nil {
		o.log.Warn("respawn failed", "minion", r.Minion, "error", err)
	}
}

func (o *Overlord) cancelPending(id string) {
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
	delete(o.pending, id)
}

func (o *Overlord) onConnected(id string) {
	t, ok := o.minions[id]
	if !ok {
		return
	}
	t.attempt = 0

	o.storeErr(o.store().RecordConnected(o.base, id), "record connected", id)
	o.publish(EventMinionConnected, id, nil)
}

func (o *Overlord) onRelayEvent(ev bus.RelayEvent) {
	o.storeErr(o.store().SaveEvent(o.base, ev.Relay, ev.Event), "save event", ev.Relay)
	o.publish(EventRelayEvent, ev.Relay, ev)
}

// stop tells one minion to shut down and forgets any pending respawn.
func (o *Overlord) stop(id string) {
	o.cancelPending(id)

	t, ok := o.minions[id]
	if !ok {
		return
	}

	t.stopping = true
	t.restart = false
	if err := t.inbox.TrySend(bus.MustEncode(id, bus.Shutdown{})); err != nil {
		o.log.Warn("shutdown not delivered; cancelling", "minion", id, "error", err)
		t.cancel()
	}
}

// reconcile brings the minion set in line with the registry's read relays.
func (o *Overlord) reconcile() {
	want := make(map[string]struct{})
	for _, id := range o.reg.Settings().ReadRelays() {
		want[id] = struct{}{}
	}

	for id := range o.minions {
		if _, ok := want[id]; !ok {
			o.stop(id)
		}
	}
	for id := range o.pending {
		if _, ok := want[id]; !ok {
			o.cancelPending(id)
		}
	}

	for id := range want {
		if _, ok := o.pending[id]; ok {
			continue
		}
		if err := o.spawn(id, 0); err != nil {
			o.log.Warn("spawn failed", "minion", id, "error", err)
		}
	}
}

// drain tells every minion to stop and waits, bounded by the drain timeout,
// for their final reports. Stragglers are cancelled.
func (o *Overlord) drain() {
	o.setState(Draining)

	for id := range o.pending {
		o.cancelPending(id)
	}

	if len(o.minions) == 0 {
		return
	}

	for id, t := range o.minions {
		t.stopping = true
		if err := t.inbox.TrySend(bus.MustEncode(id, bus.Shutdown{})); err != nil {
			o.log.Debug("shutdown not delivered", "minion", id, "error", err)
		}
	}

	timeout := o.opts.DrainTimeout
	if timeout <= 0 {
		timeout = o.reg.Settings().DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := o.clock.AfterFunc(timeout, cancel)
	defer timer.Stop()

	for len(o.minions) > 0 {
		m, ok := o.inbox.Receive(ctx)
		if !ok {
			break
		}

		if m.Target != bus.TargetOverlord || m.Kind != bus.KindStatus {
			o.log.Debug("ignored while draining", "target", m.Target, "kind", m.Kind)
			continue
		}

		o.handle(m)
	}

	for id, t := range o.minions {
		o.log.Warn("minion did not exit before drain timeout; cancelling", "minion", id, "timeout", timeout)
		t.cancel()
		o.untrack(id)
		o.opts.Metrics.forced()
		o.publish(EventMinionCancelled, id, nil)
	}
}

func (o *Overlord) store() Store {
	if o.opts.Store == nil {
		return nopStore{}
	}
	return o.opts.Store
}

func (o *Overlord) storeErr(err error, op, id string) {
	if err != nil {
		o.log.Error("storage failed", "op", op, "minion", id, "error", err)
	}
}

type nopStore struct{}

func (nopStore) SaveEvent(context.Context, string, json.RawMessage) error { return nil }
func (nopStore) RecordConnected(context.Context, string) error          { return nil }
func (nopStore) RecordExit(context.Context, string, string) error       { return nil }
