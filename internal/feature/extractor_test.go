package feature

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/arbiterlab/arbiter/internal/api"
)

func TestExtractDimensionality(t *testing.T) {
	e := NewExtractor()
	x, err := e.Extract(api.RawContext{TenantID: "t1", Workspace: "w1"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(x) != api.FeatureDim {
		t.Errorf("expected %d dimensions, got %d", api.FeatureDim, len(x))
	}
	if x[0] != 1 {
		t.Errorf("bias dimension should be 1, got %f", x[0])
	}
}

func TestExtractDefaults(t *testing.T) {
	e := NewExtractor()
	x, err := e.Extract(api.RawContext{TenantID: "t1", Workspace: "w1"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	// Unspecified sensitivities default to neutral, not zero.
	if x[9] != 0.5 {
		t.Errorf("unspecified cost sensitivity should default to 0.5, got %f", x[9])
	}
	if x[10] != 0.5 {
		t.Errorf("unspecified latency sensitivity should default to 0.5, got %f", x[10])
	}
	// Missing timestamp zeroes the time-of-day dimensions.
	if x[12] != 0 || x[13] != 0 {
		t.Errorf("missing timestamp should zero time dims, got %f %f", x[12], x[13])
	}
}

func TestExtractNormalization(t *testing.T) {
	e := NewExtractor()
	raw := api.RawContext{
		TenantID:          "t1",
		Workspace:         "w1",
		PromptTokens:      1 << 20, // far over the ceiling
		MaxOutputTokens:   1 << 20,
		Temperature:       2.0,
		Streaming:         true,
		ToolCallCount:     100,
		AttachmentCount:   100,
		ConversationTurns: 10000,
		QualityFloor:      1.0,
		MaxCostUSD:        50,
		MaxLatencySeconds: 500,
	}
	x, err := e.Extract(raw)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	for i, v := range x {
		if v < -3 || v > 3 {
			t.Errorf("dim %d out of range: %f", i, v)
		}
	}
	for _, i := range []int{1, 2, 4, 5, 6, 7, 8, 11, 16, 17} {
		if x[i] != 1 {
			t.Errorf("dim %d should clamp to 1, got %f", i, x[i])
		}
	}
}

func TestExtractTimeOfDay(t *testing.T) {
	e := NewExtractor()
	raw := api.RawContext{
		TenantID:  "t1",
		Workspace: "w1",
		Timestamp: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	x, err := e.Extract(raw)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if math.Abs(x[12]-1) > 1e-9 {
		t.Errorf("sin(6h) should be 1, got %f", x[12])
	}
	if math.Abs(x[13]) > 1e-9 {
		t.Errorf("cos(6h) should be 0, got %f", x[13])
	}
}

func TestExtractRejectsMalformed(t *testing.T) {
	e := NewExtractor()
	cases := []struct {
		name string
		raw  api.RawContext
	}{
		{"nan temperature", api.RawContext{TenantID: "t", Temperature: math.NaN()}},
		{"inf cost cap", api.RawContext{TenantID: "t", MaxCostUSD: math.Inf(1)}},
		{"negative tokens", api.RawContext{TenantID: "t", PromptTokens: -1}},
		{"sensitivity over one", api.RawContext{TenantID: "t", CostSensitivity: 1.5}},
		{"negative quality floor", api.RawContext{TenantID: "t", QualityFloor: -0.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Extract(tc.raw)
			var inputErr *InputError
			if !errors.As(err, &inputErr) {
				t.Errorf("expected InputError, got %v", err)
			}
		})
	}
}

func TestExtractIsPure(t *testing.T) {
	e := NewExtractor()
	raw := api.RawContext{TenantID: "t1", Workspace: "w1", PromptTokens: 500}

	first, err := e.Extract(raw)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	// Repeated extraction without Observe must not drift.
	for i := 0; i < 10; i++ {
		x, err := e.Extract(raw)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		for d := range x {
			if x[d] != first[d] {
				t.Fatalf("dim %d drifted from %f to %f without Observe", d, first[d], x[d])
			}
		}
	}
}

func TestObserveFeedsTenantDims(t *testing.T) {
	e := NewExtractor()
	raw := api.RawContext{TenantID: "t1", Workspace: "w1", PromptTokens: 1000}

	before, _ := e.Extract(raw)
	if before[14] != 0 || before[15] != 0 {
		t.Fatalf("tenant dims should start at 0, got %f %f", before[14], before[15])
	}

	for i := 0; i < 5; i++ {
		e.Observe(raw)
	}

	// A prompt far above the tenant's history gets a positive z-score.
	big := raw
	big.PromptTokens = 30000
	after, _ := e.Extract(big)
	if after[14] <= 0 {
		t.Errorf("oversized prompt should have positive z-score, got %f", after[14])
	}
	if after[14] > 3 {
		t.Errorf("z-score should clamp at 3, got %f", after[14])
	}
	if after[15] <= 0 {
		t.Errorf("tenant rate dim should be positive after observations, got %f", after[15])
	}
}

func TestTenantIsolationInStats(t *testing.T) {
	e := NewExtractor()
	for i := 0; i < 5; i++ {
		e.Observe(api.RawContext{TenantID: "t1", PromptTokens: 1000})
	}

	// A different tenant sees no history.
	x, _ := e.Extract(api.RawContext{TenantID: "t2", Workspace: "w", PromptTokens: 30000})
	if x[14] != 0 || x[15] != 0 {
		t.Errorf("tenant t2 should have zero stats dims, got %f %f", x[14], x[15])
	}
}
