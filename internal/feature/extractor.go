package feature

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arbiterlab/arbiter/internal/api"
)

// InputError reports a malformed raw context field. It is the only error the
// extractor returns; missing fields never fail, they take defaults.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("malformed context field %q: %s", e.Field, e.Reason)
}

// Normalization ceilings. Values above the ceiling clamp to 1.
const (
	maxPromptTokens = 32768
	maxOutputTokens = 8192
	maxSystemTokens = 8192
	maxToolCalls    = 16
	maxAttachments  = 8
	maxTurns        = 256
	maxTemperature  = 2.0

	// Constraint ceilings for the two constraint dimensions.
	normLatencyCeiling = 30.0 // seconds
	normCostCeiling    = 1.0  // USD

	// Default for unspecified sensitivities (zero value means unspecified).
	neutralSensitivity = 0.5
)

// tenantStats keeps per-tenant rolling statistics used by the z-score
// dimensions. EMA with alpha 0.3, matching the rest of the system's
// online estimates.
type tenantStats struct {
	mu              sync.Mutex
	meanPromptTok   float64
	stdPromptTok    float64
	requestsPerMin  float64
	lastObservation time.Time
}

const emaAlpha = 0.3

// Extractor builds fixed-length normalized context vectors. Extract is a pure
// read; Observe feeds the rolling tenant statistics and is called separately
// after routing so extraction itself performs no mutation.
type Extractor struct {
	mu      sync.RWMutex
	tenants map[string]*tenantStats
}

func NewExtractor() *Extractor {
	return &Extractor{tenants: make(map[string]*tenantStats)}
}

// Extract converts a raw context into the fixed-length feature vector.
// Every dimension lands in [-3, 3]; most in [0, 1].
//
// Dimension map:
//
//	 0  bias (always 1)
//	 1  log-scaled prompt tokens
//	 2  log-scaled max output tokens
//	 3  log-scaled system prompt tokens
//	 4  temperature / 2
//	 5  streaming flag
//	 6  tool call count
//	 7  attachment count
//	 8  log-scaled conversation turns
//	 9  cost sensitivity (default 0.5)
//	10  latency sensitivity (default 0.5)
//	11  quality floor
//	12  sin(hour of day)
//	13  cos(hour of day)
//	14  prompt-size z-score vs tenant history
//	15  log-scaled tenant request rate
//	16  max-latency constraint (0 = unconstrained)
//	17  max-cost constraint (0 = unconstrained)
func (e *Extractor) Extract(raw api.RawContext) (api.FeatureVector, error) {
	if err := validate(raw); err != nil {
		return nil, err
	}

	x := make(api.FeatureVector, api.FeatureDim)
	x[0] = 1
	x[1] = logNorm(raw.PromptTokens, maxPromptTokens)
	x[2] = logNorm(raw.MaxOutputTokens, maxOutputTokens)
	x[3] = logNorm(raw.SystemPromptTokens, maxSystemTokens)
	x[4] = clamp01(raw.Temperature / maxTemperature)
	if raw.Streaming {
		x[5] = 1
	}
	x[6] = clamp01(float64(raw.ToolCallCount) / maxToolCalls)
	x[7] = clamp01(float64(raw.AttachmentCount) / maxAttachments)
	x[8] = logNorm(raw.ConversationTurns, maxTurns)
	x[9] = defaultSensitivity(raw.CostSensitivity)
	x[10] = defaultSensitivity(raw.LatencySensitivity)
	x[11] = clamp01(raw.QualityFloor)

	if !raw.Timestamp.IsZero() {
		h := float64(raw.Timestamp.UTC().Hour())
		x[12] = math.Sin(2 * math.Pi * h / 24)
		x[13] = math.Cos(2 * math.Pi * h / 24)
	}

	x[14], x[15] = e.tenantDims(raw.TenantID, raw.PromptTokens)

	x[16] = clamp01(raw.MaxLatencySeconds / normLatencyCeiling)
	x[17] = clamp01(raw.MaxCostUSD / normCostCeiling)

	return x, nil
}

// Observe updates the rolling tenant statistics with a routed request.
func (e *Extractor) Observe(raw api.RawContext) {
	if raw.TenantID == "" {
		return
	}
	s := e.getOrCreate(raw.TenantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	tok := float64(raw.PromptTokens)
	if s.lastObservation.IsZero() {
		s.meanPromptTok = tok
		s.stdPromptTok = 1
		s.requestsPerMin = 1
	} else {
		delta := tok - s.meanPromptTok
		s.meanPromptTok = emaAlpha*tok + (1-emaAlpha)*s.meanPromptTok
		s.stdPromptTok = math.Sqrt(emaAlpha*delta*delta + (1-emaAlpha)*s.stdPromptTok*s.stdPromptTok)

		gap := time.Since(s.lastObservation).Minutes()
		if gap > 0 {
			s.requestsPerMin = emaAlpha*(1/gap) + (1-emaAlpha)*s.requestsPerMin
		}
	}
	s.lastObservation = time.Now()
}

func (e *Extractor) tenantDims(tenantID string, promptTokens int) (zScore, rateNorm float64) {
	e.mu.RLock()
	s, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdPromptTok > 0 {
		zScore = (float64(promptTokens) - s.meanPromptTok) / s.stdPromptTok
		zScore = clampAbs(zScore, 3)
	}
	rateNorm = clamp01(math.Log1p(s.requestsPerMin) / math.Log1p(1000))
	return zScore, rateNorm
}

func (e *Extractor) getOrCreate(tenantID string) *tenantStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.tenants[tenantID]
	if !ok {
		s = &tenantStats{}
		e.tenants[tenantID] = s
	}
	return s
}

func validate(raw api.RawContext) error {
	checks := []struct {
		field string
		v     float64
	}{
		{"temperature", raw.Temperature},
		{"cost_sensitivity", raw.CostSensitivity},
		{"latency_sensitivity", raw.LatencySensitivity},
		{"quality_floor", raw.QualityFloor},
		{"max_cost_usd", raw.MaxCostUSD},
		{"max_latency_seconds", raw.MaxLatencySeconds},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return &InputError{Field: c.field, Reason: "not a finite number"}
		}
		if c.v < 0 {
			return &InputError{Field: c.field, Reason: "negative"}
		}
	}
	counts := []struct {
		field string
		v     int
	}{
		{"prompt_tokens", raw.PromptTokens},
		{"system_prompt_tokens", raw.SystemPromptTokens},
		{"max_output_tokens", raw.MaxOutputTokens},
		{"tool_call_count", raw.ToolCallCount},
		{"attachment_count", raw.AttachmentCount},
		{"conversation_turns", raw.ConversationTurns},
	}
	for _, c := range counts {
		if c.v < 0 {
			return &InputError{Field: c.field, Reason: "negative count"}
		}
	}
	for _, s := range []struct {
		field string
		v     float64
	}{
		{"cost_sensitivity", raw.CostSensitivity},
		{"latency_sensitivity", raw.LatencySensitivity},
		{"quality_floor", raw.QualityFloor},
	} {
		if s.v > 1 {
			return &InputError{Field: s.field, Reason: "outside [0, 1]"}
		}
	}
	return nil
}

func logNorm(v, ceiling int) float64 {
	if v <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(v)) / math.Log1p(float64(ceiling)))
}

func defaultSensitivity(v float64) float64 {
	if v == 0 {
		return neutralSensitivity
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampAbs(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
