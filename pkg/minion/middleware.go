package minion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
)

// Middleware wraps a Runner, returning a new Runner with added behaviour.
type Middleware func(next Runner) Runner

// Chain applies mws to r so that the first middleware is the outermost.
func Chain(r Runner, mws ...Middleware) Runner {
	for i := len(mws) - 1; i >= 0; i-- {
		r = mws[i](r)
	}

	return r
}

// --- Recovery middleware ---

// Recovery returns a Middleware that catches panics and converts them to errors.
func Recovery() Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, h *Handle) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("minion %s panicked: %v", h.ID(), r)
				}
			}()

			return next.Run(ctx, h)
		})
	}
}

// --- Logger middleware ---

// Logger returns a Middleware that logs minion start, duration, and error.
func Logger(log *slog.Logger) Middleware {
	return func(next Runner) Runner {
		return RunnerFunc(func(ctx context.Context, h *Handle) error {
			log.DebugContext(ctx, "minion started", "minion", h.ID())

			start := time.Now()

			err := next.Run(ctx, h)

			duration := time.Since(start)

			switch Classify(ctx, err) {
			case bus.ExitFailed:
				log.ErrorContext(ctx, "minion finished with error",
					"minion", h.ID(),
					"duration", duration,
					"error", err,
				)
			default:
				log.InfoContext(ctx, "minion finished",
					"minion", h.ID(),
					"duration", duration,
				)
			}

			return err
		})
	}
}
