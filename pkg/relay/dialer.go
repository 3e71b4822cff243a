package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// ErrCircuitOpen is returned by Dial while a relay's breaker is open.
var ErrCircuitOpen = errors.New("relay: circuit open")

// readLimit caps a single relay frame. Events with large content or many
// tags overflow the websocket default of 32KiB.
const readLimit = 1 << 20

// DialerOptions configures a Dialer.
type DialerOptions struct {
	// FailureThreshold is the number of consecutive dial failures that open
	// a relay's breaker.
	FailureThreshold uint
	// Delay is how long a breaker stays open before a trial dial.
	Delay      time.Duration
	// Timeout bounds one dial including the websocket upgrade.
	Timeout    time.Duration
	HTTPClient *http.Client
	Header     http.Header
	Logger     *slog.Logger
}

// Dialer opens relay connections. Each relay URL has its own circuit
// breaker so one unreachable relay does not cost a dial attempt per respawn.
type Dialer struct {
	opts DialerOptions
	log  *slog.Logger

	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker[any]
}

// NewDialer creates a Dialer.
func NewDialer(opts DialerOptions) *Dialer {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Dialer{
		opts:     opts,
		log:      opts.Logger.With("component", "dialer"),
		breakers: make(map[string]circuitbreaker.CircuitBreaker[any]),
	}
}

func (d *Dialer) breaker(url string) circuitbreaker.CircuitBreaker[any] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[url]; ok {
		return cb
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(d.opts.FailureThreshold).
		WithDelay(d.opts.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			d.log.Warn("relay breaker state changed",
				"relay", url,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
		}).
		Build()
	d.breakers[url] = cb

	return cb
}

// State reports the breaker state for url.
func (d *Dialer) State(url string) circuitbreaker.State {
	return d.breaker(url).State()
}

// Dial connects to the relay at url.
func (d *Dialer) Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	cb := d.breaker(url)
	if !cb.TryAcquirePermit() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, url)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.opts.HTTPClient,
		HTTPHeader: d.opts.Header,
	})
	if err != nil {
		cb.RecordError(err)
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	cb.RecordSuccess()

	conn.SetReadLimit(readLimit)

	return conn, nil
}
