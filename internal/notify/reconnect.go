package notify

import (
	"context"
	"errors"
	"time"
)

// Reconnect states.
const (
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
	StateGaveUp       = "GAVE_UP"
)

// ErrRetriesExhausted is returned once the attempt budget is spent.
var ErrRetriesExhausted = errors.New("notify: reconnect attempts exhausted")

// Transport opens a notification session and blocks until it drops.
// Run returning nil means a clean shutdown; an error means transport loss.
type Transport interface {
	Run(ctx context.Context) error
}

// Reconnector drives a client-side subscription through bounded
// reconnection. There is no server-side replay for the gap between
// sessions; the client simply resubscribes.
type Reconnector struct {
	transport   Transport
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swappable so the backoff schedule can be tested without
	// real waiting.
	sleep func(ctx context.Context, d time.Duration) error

	state   string
	attempt int
	onState func(state string, attempt int)
}

// NewReconnector builds a reconnector with the given attempt budget.
func NewReconnector(transport Transport, maxAttempts int, baseDelay, maxDelay time.Duration) *Reconnector {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Reconnector{
		transport:   transport,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepCtx,
		state:       StateConnecting,
	}
}

// OnStateChange registers an observer for state transitions.
func (r *Reconnector) OnStateChange(fn func(state string, attempt int)) { r.onState = fn }

// State reports the current connection state.
func (r *Reconnector) State() string { return r.state }

func (r *Reconnector) setState(state string) {
	r.state = state
	if r.onState != nil {
		r.onState(state, r.attempt)
	}
}

// Run keeps the transport alive until a clean shutdown, context
// cancellation, or the attempt budget is exhausted. A successful
// connection resets the attempt counter.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		r.setState(StateConnecting)
		err := r.transport.Run(ctx)
		if err == nil {
			r.setState(StateDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.attempt++
		r.setState(StateDisconnected)
		if r.attempt >= r.maxAttempts {
			r.setState(StateGaveUp)
			return ErrRetriesExhausted
		}
		if err := r.sleep(ctx, r.delay(r.attempt)); err != nil {
			return err
		}
	}
}

// MarkConnected resets the attempt budget. Transports call this once the
// session is established, before blocking on delivery.
func (r *Reconnector) MarkConnected() {
	r.attempt = 0
	r.setState(StateConnected)
}

func (r *Reconnector) delay(attempt int) time.Duration {
	d := r.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
