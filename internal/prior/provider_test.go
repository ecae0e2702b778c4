package prior

import (
	"math"
	"testing"

	"github.com/arbiterlab/arbiter/internal/api"
)

func testTable() Table {
	return Table{
		Arms: map[string]Prior{
			"openai/gpt-large":  {Quality: 0.9, Latency: 0.7, Cost: 0.8, SuccessRate: 0.99},
			"openai/gpt-small":  {Quality: 0.6, Latency: 0.2, Cost: 0.1, SuccessRate: 0.98},
			"anthro/claude-med": {Quality: 0.8, Latency: 0.4, Cost: 0.5, SuccessRate: 0.99},
		},
		Families: map[string]Prior{
			"anthro": {Quality: 0.75, Latency: 0.45, Cost: 0.5, SuccessRate: 0.99},
		},
	}
}

func testFamilies() map[string]string {
	return map[string]string{
		"openai/gpt-large":  "openai",
		"openai/gpt-small":  "openai",
		"openai/gpt-tiny":   "openai",
		"anthro/claude-med": "anthro",
	}
}

func TestExactArmPrior(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())
	got := p.PriorsFor("openai/gpt-large")
	if got.Quality != 0.9 {
		t.Errorf("expected exact arm prior, got %+v", got)
	}
}

func TestFamilyFallback(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())

	// gpt-tiny has no arm record; its family average comes from the two
	// benchmarked openai arms.
	got := p.PriorsFor("openai/gpt-tiny")
	want := (0.9 + 0.6) / 2
	if math.Abs(got.Quality-want) > 1e-9 {
		t.Errorf("family fallback quality = %f, want %f", got.Quality, want)
	}
}

func TestDeclaredFamilyWinsOverSynthesized(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())
	p.SetLevelEnabled(LevelArm, false)

	got := p.PriorsFor("anthro/claude-med")
	if got.Quality != 0.75 {
		t.Errorf("declared family record should win, got %+v", got)
	}
}

func TestGlobalFallback(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())

	got := p.PriorsFor("mystery/model")
	want := (0.9 + 0.6 + 0.8) / 3
	if math.Abs(got.Quality-want) > 1e-9 {
		t.Errorf("global fallback quality = %f, want %f", got.Quality, want)
	}
}

func TestEmptyTableUsesDefault(t *testing.T) {
	p := NewProvider(Table{}, nil)
	got := p.PriorsFor("anything")
	if got != DefaultGlobal() {
		t.Errorf("empty table should return DefaultGlobal, got %+v", got)
	}
	if (got == Prior{}) {
		t.Error("prior of last resort must be distinct from the zero value")
	}
}

func TestLookupIsIdempotent(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())
	first := p.PriorsFor("openai/gpt-tiny")
	for i := 0; i < 5; i++ {
		if got := p.PriorsFor("openai/gpt-tiny"); got != first {
			t.Fatalf("lookup mutated state: %+v != %+v", got, first)
		}
	}
}

func TestBlend(t *testing.T) {
	w := api.RewardWeights{Quality: 0.6, Cost: 0.4}

	// Higher quality but worse cost loses to the balanced option under
	// these weights.
	a := Prior{Quality: 0.7, Cost: 0.5}.Blend(w)
	b := Prior{Quality: 0.9, Cost: 0.9}.Blend(w)
	if math.Abs(a-0.62) > 1e-9 {
		t.Errorf("blend(a) = %f, want 0.62", a)
	}
	if math.Abs(b-0.58) > 1e-9 {
		t.Errorf("blend(b) = %f, want 0.58", b)
	}
	if b >= a {
		t.Error("cost-heavy weights should prefer the cheaper option")
	}
}

func TestReload(t *testing.T) {
	p := NewProvider(testTable(), testFamilies())
	p.Reload(Table{
		Arms: map[string]Prior{
			"openai/gpt-large": {Quality: 0.1, Latency: 0.1, Cost: 0.1, SuccessRate: 0.5},
		},
	}, testFamilies())

	if got := p.PriorsFor("openai/gpt-large"); got.Quality != 0.1 {
		t.Errorf("reload did not take effect, got %+v", got)
	}
}
