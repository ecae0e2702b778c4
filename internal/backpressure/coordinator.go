// Package backpressure aggregates circuit health and a load estimate into a
// single system-wide admission signal. The coordinator only answers queries;
// rejecting requests is the caller's responsibility at the admission
// boundary.
package backpressure

import (
	"sync"
	"time"

	"github.com/arbiterlab/arbiter/internal/api"
	"github.com/arbiterlab/arbiter/internal/breaker"
)

// Config holds the aggregation thresholds.
type Config struct {
	// OpenCircuitThreshold is the OPEN-circuit count that raises ACTIVE.
	OpenCircuitThreshold int
	// LoadThreshold is the utilization fraction that raises ACTIVE.
	LoadThreshold float64
	// WarningFraction of LoadThreshold at which WARNING is reported.
	WarningFraction float64
	// MinDwell is how long ACTIVE or CRITICAL is held before the severity
	// may step down, even if health improves sooner.
	MinDwell time.Duration
}

func DefaultConfig() Config {
	return Config{
		OpenCircuitThreshold: 2,
		LoadThreshold:        0.8,
		WarningFraction:      0.75,
		MinDwell:             30 * time.Second,
	}
}

// Coordinator derives the backpressure signal from a consistent snapshot of
// circuit states plus the load estimator, applying dwell-time hysteresis so
// severity does not flap.
type Coordinator struct {
	mu sync.Mutex

	cfg      Config
	breakers *breaker.Registry
	load     *LoadEstimator
	now      func() time.Time

	current  api.Severity
	raisedAt time.Time
}

func NewCoordinator(cfg Config, breakers *breaker.Registry, load *LoadEstimator) *Coordinator {
	return NewCoordinatorWithClock(cfg, breakers, load, time.Now)
}

// NewCoordinatorWithClock injects a clock for hysteresis tests.
func NewCoordinatorWithClock(cfg Config, breakers *breaker.Registry, load *LoadEstimator, now func() time.Time) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		breakers: breakers,
		load:     load,
		now:      now,
		current:  api.SeverityNormal,
	}
}

// Signal computes the current backpressure signal. Once severity reaches
// ACTIVE or above it cannot decrease until MinDwell has elapsed AND the raw
// severity has dropped, so a momentary recovery never clears the signal.
func (c *Coordinator) Signal() api.BackpressureSignal {
	open := 0
	for _, s := range c.breakers.SnapshotAll() {
		if s.State == breaker.StateOpen {
			open++
		}
	}
	load := c.load.Utilization()
	raw := c.rawSeverity(open, load)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch {
	case raw > c.current:
		c.current = raw
		if raw >= api.SeverityActive {
			c.raisedAt = now
		}
	case raw < c.current && c.current >= api.SeverityActive:
		if now.Sub(c.raisedAt) >= c.cfg.MinDwell {
			c.current = raw
		}
	case raw < c.current:
		c.current = raw
	}

	sig := api.BackpressureSignal{
		Severity:     c.current,
		OpenCircuits: open,
		Load:         load,
	}
	if c.current >= api.SeverityActive {
		sig.RetryAt = c.raisedAt.Add(c.cfg.MinDwell)
	}
	return sig
}

// Admission translates the signal into the caller-facing decision.
func (c *Coordinator) Admission() api.AdmissionDecision {
	sig := c.Signal()
	dec := api.AdmissionDecision{
		Allowed:  sig.Severity < api.SeverityActive,
		Severity: sig.Severity,
	}
	if !dec.Allowed {
		if wait := sig.RetryAt.Sub(c.now()); wait > 0 {
			dec.RetryAfterSeconds = int(wait.Seconds()) + 1
		} else {
			dec.RetryAfterSeconds = 1
		}
	}
	return dec
}

func (c *Coordinator) rawSeverity(open int, load float64) api.Severity {
	circuitsBad := open >= c.cfg.OpenCircuitThreshold
	loadBad := load >= c.cfg.LoadThreshold

	switch {
	case circuitsBad && loadBad:
		return api.SeverityCritical
	case circuitsBad || loadBad:
		return api.SeverityActive
	case open > 0 || load >= c.cfg.LoadThreshold*c.cfg.WarningFraction:
		return api.SeverityWarning
	default:
		return api.SeverityNormal
	}
}

// LoadEstimator tracks in-flight requests against a configured capacity with
// an EWMA so short bursts do not whipsaw the signal.
type LoadEstimator struct {
	mu       sync.Mutex
	capacity float64
	inflight int64
	ewma     float64
}

const loadAlpha = 0.2

func NewLoadEstimator(capacity int) *LoadEstimator {
	if capacity <= 0 {
		capacity = 1
	}
	return &LoadEstimator{capacity: float64(capacity)}
}

// Acquire marks a request entering the routed section.
func (l *LoadEstimator) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight++
	l.observe()
}

// Release marks a request leaving the routed section.
func (l *LoadEstimator) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		l.inflight--
	}
	l.observe()
}

// Utilization returns the smoothed in-flight fraction of capacity.
func (l *LoadEstimator) Utilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ewma
}

func (l *LoadEstimator) observe() {
	instant := float64(l.inflight) / l.capacity
	l.ewma = loadAlpha*instant + (1-loadAlpha)*l.ewma
}
