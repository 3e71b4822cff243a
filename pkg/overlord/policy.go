package overlord

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/settings"
)

// RespawnPolicy decides whether a minion that exited on its own is started
// again, and after how long. attempt is 1 for the first respawn.
type RespawnPolicy interface {
	Decide(st bus.Status, attempt int) (time.Duration, bool)
}

// RespawnFunc adapts a plain function to the RespawnPolicy interface.
type RespawnFunc func(st bus.Status, attempt int) (time.Duration, bool)

// Decide calls the underlying function.
func (f RespawnFunc) Decide(st bus.Status, attempt int) (time.Duration, bool) {
	return f(st, attempt)
}

// NeverRespawn leaves every exited minion removed.
var NeverRespawn = RespawnFunc(func(bus.Status, int) (time.Duration, bool) { return 0, false })

// BackoffPolicy respawns closed and failed minions with exponential backoff
// until MaxAttempts is reached.
type BackoffPolicy struct {
	settings.Reconnect
	// Rand supplies jitter; nil uses the global source.
	Rand *rand.Rand
}

// NewBackoffPolicy builds a policy from the reconnect settings.
func NewBackoffPolicy(cfg settings.Reconnect) *BackoffPolicy {
	return &BackoffPolicy{Reconnect: cfg}
}

// Decide implements RespawnPolicy.
func (p *BackoffPolicy) Decide(st bus.Status, attempt int) (time.Duration, bool) {
	if st.State != bus.ExitClosed && st.State != bus.ExitFailed {
		return 0, false
	}

	if p.MaxAttempts <= 0 || attempt > p.MaxAttempts {
		return 0, false
	}

	return p.delay(attempt), true
}

// CurrentBackoff returns a policy that builds a BackoffPolicy from current
// on every decision, so reconnect settings changed at runtime apply from the
// next exit on.
func CurrentBackoff(current func() settings.Reconnect) RespawnPolicy {
	return RespawnFunc(func(st bus.Status, attempt int) (time.Duration, bool) {
		return NewBackoffPolicy(current()).Decide(st, attempt)
	})
}

// delay returns the wait before respawn attempt N (1-based).
func (p *BackoffPolicy) delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter {
		f := 0.5
		if p.Rand != nil {
			f += p.Rand.Float64()
		} else {
			f += rand.Float64()
		}
		d *= f
	}

	return time.Duration(d)
}
