package overlord

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of overlord event.
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventMinionSpawned    EventKind = "minion_spawned"
	EventMinionConnected  EventKind = "minion_connected"
	EventMinionExited     EventKind = "minion_exited"
	EventMinionCancelled  EventKind = "minion_cancelled"
	EventRespawnScheduled EventKind = "respawn_scheduled"
	EventRelayEvent       EventKind = "relay_event"
	EventNotice           EventKind = "notice"
	EventDispatchDropped  EventKind = "dispatch_dropped"
)

// Event is an immutable notification of overlord activity. Data holds a
// State, a bus.Status, a bus.RelayEvent, a bus.Notice, a time.Duration (for
// respawn delays) or a string reason, depending on Kind.
type Event struct {
	Kind      EventKind
	Minion    string
	Timestamp time.Time
	Data      any
}

// Subscription receives the events of the kinds it asked for.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   []EventKind // empty means every kind
	dropped atomic.Uint64
}

func (s *Subscription) wants(k EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

func (s *Subscription) offer(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// EventBus fans overlord events out to observers such as the TUI bridge and
// the headless printer. It is safe for concurrent use. The latest
// state_changed event is kept so a subscriber that arrives after Run started
// still learns the current lifecycle state.
type EventBus struct {
	mu    sync.RWMutex
	subs  map[*Subscription]struct{}
	state *Event
}

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events. With no
// kinds it receives everything. If it wants state changes and one has been
// published already, the latest is delivered first.
func (b *EventBus) Subscribe(bufSize int, kinds ...EventKind) *Subscription {
	if bufSize < 1 {
		bufSize = 1
	}

	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, kinds: slices.Clone(kinds)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != nil && sub.wants(EventStateChanged) {
		sub.offer(*b.state)
	}
	b.subs[sub] = struct{}{}

	return sub
}

// Unsubscribe removes the subscription and closes its channel. It is safe to
// call more than once.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers e to every subscriber that wants its kind. A full
// subscriber misses the event and has it counted in Dropped; the dispatch
// loop never waits on an observer.
func (b *EventBus) Publish(e Event) {
	if e.Kind == EventStateChanged {
		b.mu.Lock()
		b.state = &e
		b.mu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.wants(e.Kind) {
			sub.offer(e)
		}
	}
}
