package overlord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/minion"
	"github.com/germanamz/relaydeck/pkg/registry"
	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test helpers ---

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// memStore records what the overlord persists.
type memStore struct {
	mu        sync.Mutex
	events    map[string][]json.RawMessage
	connected []string
	exits     []string
}

func (m *memStore) SaveEvent(_ context.Context, relay string, event json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = map[string][]json.RawMessage{}
	}
	m.events[relay] = append(m.events[relay], event)
	return nil
}

func (m *memStore) RecordConnected(_ context.Context, relay string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, relay)
	return nil
}

func (m *memStore) RecordExit(_ context.Context, relay, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, relay+":"+state)
	return nil
}

func (m *memStore) eventsFor(relay string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.events[relay]...)
}

func relayURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("wss://relay-%d.example", i)
	}
	return urls
}

func newRegistry(t *testing.T, relays ...string) *registry.Registry {
	t.Helper()

	s := settings.Default()
	s.Relays = nil
	for _, r := range relays {
		s.Relays = append(s.Relays, settings.Relay{URL: r, Read: true})
	}
	s.DrainTimeout = time.Second

	reg := registry.New(s, nil)
	tx, rx := bus.NewChannel(256)
	reg.Install(rx, tx)

	return reg
}

type harness struct {
	reg     *registry.Registry
	o       *Overlord
	sub     *Subscription
	logs    *syncBuffer
	metrics *Metrics
	done    chan error
}

func start(t *testing.T, reg *registry.Registry, opts Options) *harness {
	t.Helper()

	logs := &syncBuffer{}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	if opts.Policy == nil {
		opts.Policy = NeverRespawn
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	o, err := New(reg, opts)
	require.NoError(t, err)

	h := &harness{reg: reg, o: o, sub: o.Events().Subscribe(1024), logs: logs, metrics: opts.Metrics, done: make(chan error, 1)}
	go func() { h.done <- o.Run(context.Background()) }()

	t.Cleanup(func() {
		reg.InitiateShutdown()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	})

	return h
}

func (h *harness) send(t *testing.T, target string, cmd bus.Command) {
	t.Helper()

	tx := h.reg.ToOverlord()
	defer tx.Release()

	require.NoError(t, tx.Send(context.Background(), bus.MustEncode(target, cmd)))
}

// waitEvents collects n events of the given kind.
func (h *harness) waitEvents(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()

	var got []Event
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case e := <-h.sub.C:
			if e.Kind == kind {
				got = append(got, e)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, kind, len(got))
		}
	}

	return got
}

func (h *harness) waitStopped(t *testing.T, within time.Duration) {
	t.Helper()

	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- nil
	case <-time.After(within):
		t.Fatalf("overlord did not stop within %s", within)
	}

	assert.Equal(t, Stopped, h.o.State())
}

func idleFactory(string) (minion.Runner, error) {
	return minion.RunnerFunc(minion.WaitShutdown), nil
}

// --- lifecycle ---

func TestZeroMinionsShutdownWalksAllStates(t *testing.T) {
	h := start(t, newRegistry(t), Options{Factory: idleFactory})

	h.waitEvents(t, EventStateChanged, 1)
	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)

	// Running was published first; the rest follow in order.
	states := []State{Running}
	for _, e := range h.waitEvents(t, EventStateChanged, 2) {
		states = append(states, e.Data.(State))
	}
	assert.Equal(t, []State{Running, Draining, Stopped}, states)
	assert.Zero(t, h.o.MinionCount())
}

func TestShutdownStopsRegardlessOfMinionCount(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d minions", n), func(t *testing.T) {
			h := start(t, newRegistry(t, relayURLs(n)...), Options{Factory: idleFactory})

			h.waitEvents(t, EventMinionSpawned, n)
			assert.Equal(t, n, h.o.MinionCount())

			h.reg.InitiateShutdown()
			h.waitStopped(t, time.Second)

			assert.Zero(t, h.o.MinionCount())
			for _, e := range h.waitEvents(t, EventMinionExited, n) {
				assert.Equal(t, bus.ExitShutdown, e.Data.(bus.Status).State)
			}
		})
	}
}

func TestRunTwice(t *testing.T) {
	h := start(t, newRegistry(t), Options{Factory: idleFactory})

	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)

	require.ErrorIs(t, h.o.Run(context.Background()), ErrAlreadyRunning)
}

func TestContextCancellationDrains(t *testing.T) {
	reg := newRegistry(t, relayURLs(2)...)
	o, err := New(reg, Options{Factory: idleFactory, Policy: NeverRespawn})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return o.MinionCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("overlord did not stop after cancellation")
	}
	assert.Equal(t, Stopped, o.State())
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(newRegistry(t), Options{})
	require.ErrorIs(t, err, ErrNoFactory)
}

func TestSecondOverlordPanics(t *testing.T) {
	reg := newRegistry(t)

	_, err := New(reg, Options{Factory: idleFactory})
	require.NoError(t, err)

	assert.PanicsWithValue(t, registry.ErrAlreadyTaken, func() {
		_, _ = New(reg, Options{Factory: idleFactory})
	})
}

// --- minion exits ---

func TestThreeMinionsReportAndLeaveNothingTracked(t *testing.T) {
	closing := func(string) (minion.Runner, error) {
		return minion.RunnerFunc(func(context.Context, *minion.Handle) error { return minion.ErrClosed }), nil
	}

	store := &memStore{}
	h := start(t, newRegistry(t, relayURLs(3)...), Options{Factory: closing, Store: store})

	exits := h.waitEvents(t, EventMinionExited, 3)
	assert.Zero(t, h.o.MinionCount())

	seen := map[string]bool{}
	for _, e := range exits {
		seen[e.Minion] = true
		assert.Equal(t, bus.ExitClosed, e.Data.(bus.Status).State)
	}
	assert.Len(t, seen, 3)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.MinionExits.WithLabelValues("closed")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.MinionsTracked), 0)
}

func TestFailedMinionIsRespawnedByPolicy(t *testing.T) {
	failing := func(string) (minion.Runner, error) {
		return minion.RunnerFunc(func(context.Context, *minion.Handle) error { return fmt.Errorf("dial refused") }), nil
	}
	policy := RespawnFunc(func(_ bus.Status, attempt int) (time.Duration, bool) {
		return time.Millisecond, attempt <= 2
	})

	h := start(t, newRegistry(t, relayURLs(1)...), Options{Factory: failing, Policy: policy})

	spawns := h.waitEvents(t, EventMinionSpawned, 3)
	for i, e := range spawns {
		assert.Equal(t, i, e.Data.(int), "attempt")
	}

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.String()), []byte("minion not respawned"))
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.o.MinionCount())
}

func TestDisconnectIsFinal(t *testing.T) {
	always := RespawnFunc(func(bus.Status, int) (time.Duration, bool) { return time.Millisecond, true })
	url := relayURLs(1)[0]

	h := start(t, newRegistry(t, url), Options{Factory: idleFactory, Policy: always})
	h.waitEvents(t, EventMinionSpawned, 1)

	h.send(t, bus.TargetOverlord, bus.Disconnect{URL: url})

	exit := h.waitEvents(t, EventMinionExited, 1)[0]
	assert.Equal(t, bus.ExitShutdown, exit.Data.(bus.Status).State)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.o.MinionCount())
}

func TestConnectAfterDisconnectRestarts(t *testing.T) {
	url := relayURLs(1)[0]

	h := start(t, newRegistry(t, url), Options{Factory: idleFactory})
	h.waitEvents(t, EventMinionSpawned, 1)

	h.send(t, bus.TargetOverlord, bus.Disconnect{URL: url})
	h.send(t, bus.TargetOverlord, bus.Connect{URL: url})

	exit := h.waitEvents(t, EventMinionExited, 1)[0]
	assert.Equal(t, bus.ExitShutdown, exit.Data.(bus.Status).State)

	spawned := h.waitEvents(t, EventMinionSpawned, 1)[0]
	assert.Equal(t, url, spawned.Minion)
	require.Eventually(t, func() bool { return h.o.MinionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSettingsChangedRestartsStoppingRelay(t *testing.T) {
	url := relayURLs(1)[0]
	h := start(t, newRegistry(t, url), Options{Factory: idleFactory})
	h.waitEvents(t, EventMinionSpawned, 1)

	// The relay is still a read relay, so the reconcile wants it back.
	h.send(t, bus.TargetOverlord, bus.Disconnect{URL: url})
	h.send(t, bus.TargetOverlord, bus.SettingsChanged{})

	h.waitEvents(t, EventMinionExited, 1)
	h.waitEvents(t, EventMinionSpawned, 1)
	require.Eventually(t, func() bool { return h.o.MinionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectSpawnsOnce(t *testing.T) {
	h := start(t, newRegistry(t), Options{Factory: idleFactory})

	h.send(t, bus.TargetOverlord, bus.Connect{URL: "wss://new.example"})
	h.send(t, bus.TargetOverlord, bus.Connect{URL: "wss://new.example"})

	h.waitEvents(t, EventMinionSpawned, 1)
	require.Eventually(t, func() bool { return h.o.MinionCount() == 1 }, time.Second, 5*time.Millisecond)

	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)
}

// --- dispatch ---

func TestUnknownTargetIsDroppedWithoutBlocking(t *testing.T) {
	h := start(t, newRegistry(t), Options{Factory: idleFactory})

	for range 100 {
		h.send(t, "wss://nobody.example", bus.Subscribe{Filters: json.RawMessage(`[]`)})
	}
	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)

	assert.InDelta(t, 100, testutil.ToFloat64(h.metrics.DispatchDropped.WithLabelValues("unknown_target")), 0)
	assert.Contains(t, h.logs.String(), "unknown_target")
}

func TestUnrecognizedKindIsDropped(t *testing.T) {
	h := start(t, newRegistry(t), Options{Factory: idleFactory})

	tx := h.reg.ToOverlord()
	require.NoError(t, tx.Send(context.Background(), bus.Message{Target: bus.TargetOverlord, Kind: "teleport", Payload: json.RawMessage(`{}`)}))
	tx.Release()

	drop := h.waitEvents(t, EventDispatchDropped, 1)[0]
	assert.Equal(t, "unrecognized_kind", drop.Data)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BusMessages.WithLabelValues("unknown")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics.BusMessages, "relaydeck_bus_messages_total"))
}

func TestForwardReachesMinionAndRepliesAreAttributed(t *testing.T) {
	echo := func(id string) (minion.Runner, error) {
		return minion.RunnerFunc(func(ctx context.Context, h *minion.Handle) error {
			for m := range h.Commands(ctx) {
				if m.IsShutdown() {
					return nil
				}
				// Claims to be someone else; the overlord must trust the origin.
				_ = h.Report(ctx, bus.Notice{Relay: "wss://spoofed", Message: string(m.Kind)})
			}
			return nil
		}), nil
	}

	url := relayURLs(1)[0]
	h := start(t, newRegistry(t, url), Options{Factory: echo})
	h.waitEvents(t, EventMinionSpawned, 1)

	h.send(t, url, bus.Subscribe{Filters: json.RawMessage(`[{"kinds":[1]}]`)})

	notice := h.waitEvents(t, EventNotice, 1)[0]
	assert.Equal(t, url, notice.Minion)
	assert.Equal(t, url, notice.Data.(bus.Notice).Relay)
	assert.Equal(t, string(bus.KindSubscribe), notice.Data.(bus.Notice).Message)
}

func TestBroadcastReachesEveryMinion(t *testing.T) {
	echo := func(string) (minion.Runner, error) {
		return minion.RunnerFunc(func(ctx context.Context, h *minion.Handle) error {
			for m := range h.Commands(ctx) {
				if m.IsShutdown() {
					return nil
				}
				_ = h.Report(ctx, bus.Notice{Message: "got " + string(m.Kind)})
			}
			return nil
		}), nil
	}

	h := start(t, newRegistry(t, relayURLs(3)...), Options{Factory: echo})
	h.waitEvents(t, EventMinionSpawned, 3)

	h.send(t, bus.TargetAll, bus.Subscribe{Filters: json.RawMessage(`[]`)})

	seen := map[string]bool{}
	for _, e := range h.waitEvents(t, EventNotice, 3) {
		seen[e.Minion] = true
	}
	assert.Len(t, seen, 3)
}

func TestRelayEventsArePersistedUnderOrigin(t *testing.T) {
	raw := json.RawMessage(`{"id":"e1","kind":1,"content":"hello"}`)
	reporter := func(string) (minion.Runner, error) {
		return minion.RunnerFunc(func(ctx context.Context, h *minion.Handle) error {
			if err := h.Report(ctx, bus.Connected{Minion: h.ID()}); err != nil {
				return err
			}
			if err := h.Report(ctx, bus.RelayEvent{Relay: "wss://spoofed", Subscription: "s", Event: raw}); err != nil {
				return err
			}
			return minion.WaitShutdown(ctx, h)
		}), nil
	}

	url := relayURLs(1)[0]
	store := &memStore{}
	h := start(t, newRegistry(t, url), Options{Factory: reporter, Store: store})

	h.waitEvents(t, EventRelayEvent, 1)

	events := store.eventsFor(url)
	require.Len(t, events, 1)
	assert.JSONEq(t, string(raw), string(events[0]))
	assert.Empty(t, store.eventsFor("wss://spoofed"))

	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{url}, store.connected)
	assert.Equal(t, []string{url + ":shutdown"}, store.exits)
}

func TestSettingsChangedReconciles(t *testing.T) {
	urls := relayURLs(2)
	h := start(t, newRegistry(t, urls[0]), Options{Factory: idleFactory})
	h.waitEvents(t, EventMinionSpawned, 1)

	next := h.reg.Settings()
	next.Relays = []settings.Relay{{URL: urls[1], Read: true}}
	h.reg.SetSettings(next)
	h.send(t, bus.TargetOverlord, bus.SettingsChanged{})

	spawned := h.waitEvents(t, EventMinionSpawned, 1)[0]
	assert.Equal(t, urls[1], spawned.Minion)

	exited := h.waitEvents(t, EventMinionExited, 1)[0]
	assert.Equal(t, urls[0], exited.Minion)
}

// --- drain timeout ---

func stubborn(cancelled chan<- string) Factory {
	return func(id string) (minion.Runner, error) {
		return minion.RunnerFunc(func(ctx context.Context, _ *minion.Handle) error {
			// Never reads its inbox; only a cancelled context stops it.
			<-ctx.Done()
			cancelled <- id
			return ctx.Err()
		}), nil
	}
}

func TestUnresponsiveMinionIsCancelledAfterDrainTimeout(t *testing.T) {
	cancelled := make(chan string, 1)
	url := relayURLs(1)[0]

	h := start(t, newRegistry(t, url), Options{Factory: stubborn(cancelled), DrainTimeout: 50 * time.Millisecond})
	h.waitEvents(t, EventMinionSpawned, 1)

	h.reg.InitiateShutdown()
	h.waitStopped(t, time.Second)

	select {
	case id := <-cancelled:
		assert.Equal(t, url, id)
	case <-time.After(time.Second):
		t.Fatal("minion context was not cancelled")
	}

	assert.Contains(t, h.logs.String(), "did not exit before drain timeout")
	assert.Contains(t, h.logs.String(), "level=WARN")
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ForcedCancellation), 0)
	assert.Zero(t, h.o.MinionCount())
}

func TestDrainTimeoutFollowsTheInjectedClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cancelled := make(chan string, 1)

	h := start(t, newRegistry(t, relayURLs(1)...), Options{
		Factory:      stubborn(cancelled),
		Clock:        clock,
		DrainTimeout: time.Hour,
	})
	h.waitEvents(t, EventMinionSpawned, 1)

	h.reg.InitiateShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	assert.Equal(t, Draining, h.o.State())
	clock.Advance(time.Hour)

	h.waitStopped(t, time.Second)
	h.waitEvents(t, EventMinionCancelled, 1)
}
