package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// FeatureDim is the fixed dimensionality of every context vector.
const FeatureDim = 18

// FeatureVector is a fixed-length, per-dimension normalized context vector.
type FeatureVector []float64

// RawContext carries the unnormalized per-request signals the extractor
// consumes. Zero values are treated as "unspecified" and receive the
// documented defaults in the feature package.
type RawContext struct {
	TenantID  string    `json:"tenant_id"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	PromptTokens       int     `json:"prompt_tokens,omitempty"`
	SystemPromptTokens int     `json:"system_prompt_tokens,omitempty"`
	MaxOutputTokens    int     `json:"max_output_tokens,omitempty"`
	Temperature        float64 `json:"temperature,omitempty"`
	Streaming          bool    `json:"streaming,omitempty"`
	ToolCallCount      int     `json:"tool_call_count,omitempty"`
	AttachmentCount    int     `json:"attachment_count,omitempty"`
	ConversationTurns  int     `json:"conversation_turns,omitempty"`

	// Caller-declared preferences, all in [0, 1].
	CostSensitivity    float64 `json:"cost_sensitivity,omitempty"`
	LatencySensitivity float64 `json:"latency_sensitivity,omitempty"`
	QualityFloor       float64 `json:"quality_floor,omitempty"`

	// Hard constraints. Zero means unconstrained.
	MaxCostUSD        float64 `json:"max_cost_usd,omitempty"`
	MaxLatencySeconds float64 `json:"max_latency_seconds,omitempty"`
}

// RouteRequest is the inbound routing request.
type RouteRequest struct {
	RequestID string     `json:"request_id,omitempty"`
	Context   RawContext `json:"context"`

	// Model restricts candidates to arms serving this model id ("" = any).
	Model string `json:"model,omitempty"`

	// ProviderOptions are opaque caller options that must match exactly for
	// a cache hit (e.g. response format, safety settings).
	ProviderOptions map[string]string `json:"provider_options,omitempty"`

	// Embedding of the prompt, used for semantic cache lookup. Empty slice
	// disables the cache for this request.
	Embedding []float64 `json:"embedding,omitempty"`

	// SimilarityThreshold overrides the configured cache threshold when > 0.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
}

// RouteDecision is the result of routing a single request.
type RouteDecision struct {
	RequestID       string  `json:"request_id"`
	ArmID           string  `json:"arm_id,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	PredictedReward float64 `json:"predicted_reward,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`

	// CacheHit short-circuits the provider call; CachedResponse carries the
	// stored response body.
	CacheHit       bool   `json:"cache_hit"`
	CachedResponse []byte `json:"cached_response,omitempty"`
}

// Outcome reports the observed result of a routed provider call.
type Outcome struct {
	RequestID      string  `json:"request_id"`
	ArmID          string  `json:"arm_id"`
	Quality        float64 `json:"quality"` // [0, 1]
	LatencySeconds float64 `json:"latency_seconds"`
	CostUSD        float64 `json:"cost_usd"`
	Success        bool    `json:"success"`

	// Response, when non-empty and the call succeeded, is stored in the
	// semantic cache under the original request's embedding.
	Response []byte `json:"response,omitempty"`
}

// Severity is the system-wide backpressure level.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityActive
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "NORMAL"
	case SeverityWarning:
		return "WARNING"
	case SeverityActive:
		return "ACTIVE"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// BackpressureSignal is the coordinator's answer to an admission query.
type BackpressureSignal struct {
	Severity     Severity  `json:"severity"`
	OpenCircuits int       `json:"open_circuits"`
	Load         float64   `json:"load"`
	RetryAt      time.Time `json:"retry_at,omitempty"`
}

// AdmissionDecision is returned to callers before routing.
type AdmissionDecision struct {
	Allowed           bool     `json:"allowed"`
	Severity          Severity `json:"severity"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

// RewardWeights define the linear blend of the observed outcome into a scalar
// reward. Weights must sum to 1.
type RewardWeights struct {
	Quality float64 `json:"quality" yaml:"quality"`
	Cost    float64 `json:"cost" yaml:"cost"`
	Latency float64 `json:"latency" yaml:"latency"`
	Success float64 `json:"success" yaml:"success"`
}

// Blend computes the scalar reward from normalized outcome components.
// normCost and normLatency are in [0, 1] where 1 is worst.
func (w RewardWeights) Blend(quality, normCost, normLatency float64, success bool) float64 {
	s := 0.0
	if success {
		s = 1.0
	}
	r := w.Quality*quality + w.Cost*(1-normCost) + w.Latency*(1-normLatency) + w.Success*s
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Sum returns the total of all weights, used for validation.
func (w RewardWeights) Sum() float64 {
	return w.Quality + w.Cost + w.Latency + w.Success
}

// DefaultRewardWeights reflect a quality-first deployment.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{Quality: 0.5, Cost: 0.2, Latency: 0.2, Success: 0.1}
}

// HashOptions produces a stable digest of provider options for cache keying.
func HashOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(opts[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
