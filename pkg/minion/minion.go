// Package minion defines the lifecycle contract of a per-connection worker.
// A minion is started by the overlord with a Handle: a dedicated inbound
// receiver for commands addressed to it and an origin-stamped sender for
// reports going up. Supervise runs a minion and guarantees exactly one final
// status report, whatever way the minion ends.
package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
)

var (
	// ErrShutdown may be returned by a minion that stopped because it was
	// told to. Returning nil has the same meaning.
	ErrShutdown = errors.New("minion: shutdown requested")
	// ErrClosed is returned by a minion whose remote side closed gracefully.
	ErrClosed = errors.New("minion: connection closed")
)

// ReportTimeout bounds the final status send so a minion never outlives a
// stuck overlord indefinitely.
var ReportTimeout = 2 * time.Second

// Handle connects one minion to the overlord.
type Handle struct {
	id    string
	inbox *bus.Receiver
	up    *bus.Sender
}

// NewHandle creates a handle for minion id. up should already be stamped
// with id as its origin; the handle takes ownership of both ends.
func NewHandle(id string, inbox *bus.Receiver, up *bus.Sender) *Handle {
	return &Handle{id: id, inbox: inbox, up: up}
}

// ID returns the minion identifier.
func (h *Handle) ID() string { return h.id }

// Inbox returns the receiver for commands addressed to this minion.
func (h *Handle) Inbox() *bus.Receiver { return h.inbox }

// Report sends cmd to the overlord.
func (h *Handle) Report(ctx context.Context, cmd bus.Command) error {
	m, err := bus.Encode(bus.TargetOverlord, cmd)
	if err != nil {
		return err
	}

	return h.up.Send(ctx, m)
}

// Commands pumps the inbox into a channel so minions can select on it next
// to their own work. The channel is closed when ctx is done or when the
// overlord drops the inbox.
func (h *Handle) Commands(ctx context.Context) <-chan bus.Message {
	out := make(chan bus.Message)

	go func() {
		defer close(out)
		for {
			m, ok := h.inbox.Receive(ctx)
			if !ok {
				return
			}

			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Runner is the work a minion does between setup and its final report.
// Implementations must return promptly after a shutdown command or when ctx
// is cancelled.
type Runner interface {
	Run(ctx context.Context, h *Handle) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, h *Handle) error

// Run calls the underlying function.
func (f RunnerFunc) Run(ctx context.Context, h *Handle) error {
	return f(ctx, h)
}

// Supervise runs r and sends exactly one Status report for h before
// returning it. The runner is wrapped in Recovery so a panicking minion
// still reports.
func Supervise(ctx context.Context, r Runner, h *Handle, log *slog.Logger) bus.Status {
	if log == nil {
		log = slog.Default()
	}
	defer h.up.Release()

	err := Chain(r, Logger(log), Recovery()).Run(ctx, h)

	st := bus.Status{Minion: h.id, State: Classify(ctx, err)}
	if err != nil && st.State != bus.ExitShutdown {
		st.Error = err.Error()
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), ReportTimeout)
	defer cancel()

	if sendErr := h.Report(reportCtx, st); sendErr != nil {
		log.Warn("final status not delivered", "minion", h.id, "state", st.State, "error", sendErr)
	}

	return st
}

// Classify maps a runner's result to an exit state.
func Classify(ctx context.Context, err error) bus.ExitState {
	switch {
	case err == nil, errors.Is(err, ErrShutdown):
		return bus.ExitShutdown
	case errors.Is(err, ErrClosed):
		return bus.ExitClosed
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return bus.ExitCancelled
	default:
		return bus.ExitFailed
	}
}

// WaitShutdown blocks until a shutdown command arrives, the overlord drops
// the inbox, or ctx is done. Other commands are ignored.
func WaitShutdown(ctx context.Context, h *Handle) error {
	for {
		m, ok := h.inbox.Receive(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("minion %s: %w", h.id, err)
			}
			return nil
		}

		if m.IsShutdown() {
			return nil
		}
	}
}
