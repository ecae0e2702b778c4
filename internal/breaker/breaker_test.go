package breaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock drives breaker time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		Window:           20,
		WindowDuration:   60 * time.Second,
		CoolDown:         30 * time.Second,
		MinSamples:       5,
	}
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := newFakeClock()
	reg := NewRegistryWithClock(testConfig(), clock.Now)
	return reg.For("provider-a"), clock
}

func TestHealthyStaysClosed(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 100; i++ {
		if !b.Allow() {
			t.Fatalf("healthy breaker refused call %d", i)
		}
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", b.State())
	}
}

func TestOpensOnFailureRate(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after sustained failures, got %v", b.State())
	}
	if b.Allow() {
		t.Error("OPEN breaker must refuse calls before cool-down")
	}
}

func TestMinSamplesGateOpening(t *testing.T) {
	b, _ := newTestBreaker()
	// 100% failure rate but below the sample floor.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Errorf("breaker opened below min samples: %v", b.State())
	}
}

func TestCoolDownAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("probe admitted before cool-down elapsed")
	}

	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted after cool-down")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", b.State())
	}
	// Only one probe at a time.
	if b.Allow() {
		t.Error("second probe admitted while one is in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
	// The window resets: one fresh failure must not reopen.
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("stale failures leaked into the fresh window: %v", b.State())
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}
	// A fresh cool-down starts from the reopen.
	if b.Allow() {
		t.Error("reopened breaker should refuse until the next cool-down")
	}
	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Error("next probe should be admitted after the new cool-down")
	}
}

func TestAvailableDoesNotReserveProbe(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	// Available can be asked repeatedly without consuming the probe slot.
	for i := 0; i < 3; i++ {
		if !b.Available() {
			t.Fatal("breaker past cool-down should be available")
		}
	}
	if !b.Allow() {
		t.Fatal("probe slot should still be free after Available checks")
	}
	if b.Available() {
		t.Error("probe in flight should make the breaker unavailable")
	}
}

// A probe whose outcome never arrives (caller crashed, ticket evicted) must
// not wedge the provider: the slot frees up again after a cool-down.
func TestLostProbeOutcomeReclaimsSlot(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted after cool-down")
	}
	// The probe's outcome is never reported.
	if b.Allow() {
		t.Fatal("slot should be held while the probe is pending")
	}

	clock.Advance(29 * time.Second)
	if b.Allow() || b.Available() {
		t.Fatal("slot reclaimed before the probe cool-down elapsed")
	}

	clock.Advance(2 * time.Second)
	if !b.Available() {
		t.Error("abandoned probe should make the breaker available again")
	}
	if !b.Allow() {
		t.Fatal("abandoned probe slot should be handed to the next caller")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", b.State())
	}

	// The replacement probe behaves normally.
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("successful replacement probe should close, got %v", b.State())
	}
}

func TestWindowAgesOut(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	// Old failures age past the window; new successes dominate.
	clock.Advance(61 * time.Second)
	for i := 0; i < 5; i++ {
		b.RecordSuccess()
	}
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("aged-out failures should not count, got %v", b.State())
	}
}

func TestRegistryIsolatesProviders(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistryWithClock(testConfig(), clock.Now)

	bad := reg.For("provider-bad")
	good := reg.For("provider-good")
	for i := 0; i < 10; i++ {
		bad.RecordFailure()
		good.RecordSuccess()
	}

	if bad.State() != StateOpen {
		t.Errorf("failing provider should be OPEN, got %v", bad.State())
	}
	if good.State() != StateClosed {
		t.Errorf("healthy provider should stay CLOSED, got %v", good.State())
	}
	if n := reg.OpenCount(); n != 1 {
		t.Errorf("OpenCount = %d, want 1", n)
	}
}

func TestSnapshotAll(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistryWithClock(testConfig(), clock.Now)
	reg.For("a").RecordFailure()
	reg.For("b").RecordSuccess()

	snaps := reg.SnapshotAll()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	for _, s := range snaps {
		if s.Calls != 1 {
			t.Errorf("provider %s calls = %d, want 1", s.Provider, s.Calls)
		}
	}
}

func TestForReturnsSameBreaker(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	if reg.For("p") != reg.For("p") {
		t.Error("For should return the same breaker per provider")
	}
}
