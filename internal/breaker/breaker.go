// Package breaker tracks per-provider health with independent circuit
// breaker state machines. Transitions follow CLOSED -> OPEN (failure rate
// over the rolling window exceeds the threshold) -> HALF_OPEN (after the
// cool-down) -> CLOSED on a successful probe or back to OPEN on a failed
// one. A single probe is admitted in HALF_OPEN; if the probe's outcome never
// arrives, the slot is reclaimed after another cool-down so a lost report
// cannot wedge the provider in HALF_OPEN forever.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker tri-state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the breaker thresholds shared by all providers.
type Config struct {
	// FailureThreshold is the rolling failure rate that opens the circuit.
	FailureThreshold float64
	// Window is the maximum number of calls considered.
	Window int
	// WindowDuration ages calls out of the window.
	WindowDuration time.Duration
	// CoolDown is how long an open circuit waits before admitting a probe.
	CoolDown time.Duration
	// MinSamples gates opening until the window has enough calls.
	MinSamples int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		Window:           20,
		WindowDuration:   60 * time.Second,
		CoolDown:         30 * time.Second,
		MinSamples:       5,
	}
}

// Snapshot is a point-in-time view of one breaker, used by the backpressure
// coordinator without holding breaker locks.
type Snapshot struct {
	Provider    string    `json:"provider"`
	State       State     `json:"state"`
	EnteredAt   time.Time `json:"entered_at"`
	FailureRate float64   `json:"failure_rate"`
	Calls       int       `json:"calls"`
}

type call struct {
	at time.Time
	ok bool
}

// Breaker is one provider's state machine. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	provider string
	cfg      Config
	now      func() time.Time

	state          State
	enteredAt      time.Time
	window         []call
	probeInFlight  bool
	probeStartedAt time.Time
}

func newBreaker(provider string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		provider:  provider,
		cfg:       cfg,
		now:       now,
		state:     StateClosed,
		enteredAt: now(),
	}
}

// Allow reports whether a call to the provider may proceed, reserving the
// single HALF_OPEN probe slot when the cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		now := b.now()
		if now.Sub(b.enteredAt) < b.cfg.CoolDown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		b.probeStartedAt = now
		return true
	case StateHalfOpen:
		now := b.now()
		// Outcomes can get lost (caller crash, evicted ticket). Reclaim the
		// slot after a cool-down so the next caller can probe again.
		if b.probeInFlight && now.Sub(b.probeStartedAt) < b.cfg.CoolDown {
			return false
		}
		b.probeInFlight = true
		b.probeStartedAt = now
		return true
	}
	return false
}

// Available reports whether a call would be admitted, without reserving the
// probe slot. Used for candidate filtering ahead of selection.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.enteredAt) >= b.cfg.CoolDown
	case StateHalfOpen:
		return !b.probeInFlight || b.now().Sub(b.probeStartedAt) >= b.cfg.CoolDown
	}
	return false
}

// RecordSuccess feeds a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure feeds a failed call outcome (including deadline expiry).
func (b *Breaker) RecordFailure() {
	b.record(false)
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if ok {
			b.window = nil
			b.transition(StateClosed)
		} else {
			b.transition(StateOpen)
		}
		return
	}

	b.window = append(b.window, call{at: now, ok: ok})
	b.trim(now)

	if b.state == StateClosed && len(b.window) >= b.cfg.MinSamples {
		if b.failureRate() >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim(b.now())
	return Snapshot{
		Provider:    b.provider,
		State:       b.state,
		EnteredAt:   b.enteredAt,
		FailureRate: b.failureRate(),
		Calls:       len(b.window),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.enteredAt = b.now()
}

func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append([]call(nil), b.window[i:]...)
	}
	if over := len(b.window) - b.cfg.Window; over > 0 {
		b.window = append([]call(nil), b.window[over:]...)
	}
}

func (b *Breaker) failureRate() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, c := range b.window {
		if !c.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}

// Registry hands out one breaker per provider, created on first use.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	now      func() time.Time
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

// NewRegistryWithClock injects a clock, used by tests to drive cool-downs.
func NewRegistryWithClock(cfg Config, now func() time.Time) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a provider, creating it CLOSED on first use.
func (r *Registry) For(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[provider]; ok {
		return b
	}
	b = newBreaker(provider, r.cfg, r.now)
	r.breakers[provider] = b
	return b
}

// SnapshotAll captures every breaker's state. Each breaker is snapshotted
// under its own lock; the registry lock is only held to copy the map, so a
// registry-wide freeze never happens.
func (r *Registry) SnapshotAll() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// OpenCount returns how many circuits are currently OPEN.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.SnapshotAll() {
		if s.State == StateOpen {
			n++
		}
	}
	return n
}
