package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrRecipientGone is returned when the receiving end has been closed.
	// It is not retryable.
	ErrRecipientGone = errors.New("bus: recipient gone")
	// ErrFull is returned by TrySend when the channel is at capacity.
	ErrFull = errors.New("bus: channel full")
	// ErrReleased is returned when sending through a released Sender.
	ErrReleased = errors.New("bus: sender released")
)

// pipe is the state shared by every Sender and the Receiver of one channel.
// ch is never closed; end-of-stream is signalled through eof so that a late
// send can never panic.
type pipe struct {
	ch        chan Message
	done      chan struct{} // closed when the receiver is dropped
	closeOnce sync.Once

	mu      sync.Mutex
	writers int
	eof     chan struct{} // closed when the last writer is released
}

// NewChannel creates a channel that buffers up to capacity messages and
// returns its first writer and its only reader.
func NewChannel(capacity int) (*Sender, *Receiver) {
	if capacity < 0 {
		capacity = 0
	}

	p := &pipe{
		ch:      make(chan Message, capacity),
		done:    make(chan struct{}),
		eof:     make(chan struct{}),
		writers: 1,
	}

	return &Sender{p: p}, &Receiver{p: p}
}

// Sender is one writer of a channel. It is safe for concurrent use. Further
// writers are obtained with Clone or WithOrigin; each must be released when
// its owner is done with it.
type Sender struct {
	p        *pipe
	origin   string
	released atomic.Bool
}

// Clone returns a new writer for the same channel with the same origin.
func (s *Sender) Clone() *Sender { return s.derive(s.origin) }

// WithOrigin returns a new writer whose messages are stamped with origin.
// This is how a minion gets an addressable reply path: the overlord can
// attribute every upward message structurally instead of inspecting payloads.
func (s *Sender) WithOrigin(origin string) *Sender { return s.derive(origin) }

// derive checks and counts under p.mu so a concurrent Release of s cannot
// close eof between the two.
func (s *Sender) derive(origin string) *Sender {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	if s.released.Load() || s.p.writers == 0 {
		panic("bus: clone of released sender")
	}
	s.p.writers++

	return &Sender{p: s.p, origin: origin}
}

// Origin returns the origin stamped on messages sent through s.
func (s *Sender) Origin() string { return s.origin }

// Release drops this writer. When every writer of a channel has been
// released the receiver observes end-of-stream. Release is idempotent.
func (s *Sender) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}

	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	s.p.writers--
	if s.p.writers == 0 {
		close(s.p.eof)
	}
}

// Send delivers msg, waiting while the channel is at capacity. It fails with
// ErrRecipientGone once the receiver is closed and with ctx.Err() if ctx is
// done first. Send never retries.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if s.released.Load() {
		return ErrReleased
	}

	msg.Origin = s.origin

	select {
	case <-s.p.done:
		return ErrRecipientGone
	default:
	}

	select {
	case s.p.ch <- msg:
		return nil
	case <-s.p.done:
		return ErrRecipientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend is Send without waiting: it returns ErrFull instead of blocking.
func (s *Sender) TrySend(msg Message) error {
	if s.released.Load() {
		return ErrReleased
	}

	msg.Origin = s.origin

	select {
	case <-s.p.done:
		return ErrRecipientGone
	default:
	}

	select {
	case s.p.ch <- msg:
		return nil
	case <-s.p.done:
		return ErrRecipientGone
	default:
		return ErrFull
	}
}

// Receiver is the single reading end of a channel.
type Receiver struct {
	p *pipe
}

// Receive waits for the next message. It returns false when the stream has
// ended (all writers released and the buffer drained), when the receiver has
// been closed, or when ctx is done.
func (r *Receiver) Receive(ctx context.Context) (Message, bool) {
	select {
	case <-r.p.done:
		return Message{}, false
	default:
	}

	select {
	case m := <-r.p.ch:
		return m, true
	case <-r.p.eof:
		select {
		case m := <-r.p.ch:
			return m, true
		default:
			return Message{}, false
		}
	case <-r.p.done:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

// Len returns the number of buffered messages.
func (r *Receiver) Len() int { return len(r.p.ch) }

// Close drops the receiving end. Pending and future sends fail with
// ErrRecipientGone. Close is idempotent.
func (r *Receiver) Close() {
	r.p.closeOnce.Do(func() { close(r.p.done) })
}

// Closed reports whether Close has been called.
func (r *Receiver) Closed() bool {
	select {
	case <-r.p.done:
		return true
	default:
		return false
	}
}
