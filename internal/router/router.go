// Package router composes feature extraction, the semantic cache, the
// bandit, circuit breakers, and backpressure into the routing engine. The
// engine is transport-agnostic; the HTTP layer in cmd/server is a thin
// wrapper over Route, RecordOutcome, and Admission.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlab/arbiter/internal/api"
	"github.com/arbiterlab/arbiter/internal/arm"
	"github.com/arbiterlab/arbiter/internal/backpressure"
	"github.com/arbiterlab/arbiter/internal/bandit"
	"github.com/arbiterlab/arbiter/internal/breaker"
	"github.com/arbiterlab/arbiter/internal/feature"
	"github.com/arbiterlab/arbiter/internal/metrics"
	"github.com/arbiterlab/arbiter/internal/semcache"
	"github.com/arbiterlab/arbiter/internal/store"
	"github.com/arbiterlab/arbiter/pkg/otel"
)

var (
	// ErrNoEligibleArm mirrors the bandit error for callers that only import
	// this package.
	ErrNoEligibleArm = bandit.ErrNoEligibleArm

	// ErrUnknownOutcome is returned for an outcome whose request id has no
	// in-flight ticket, including duplicates of an already-applied outcome.
	ErrUnknownOutcome = errors.New("outcome references no in-flight request")
)

// ticketLimit bounds the in-flight ticket table. Outcomes for requests
// evicted past this limit are dropped as unknown.
const ticketLimit = 65536

// Config holds the engine knobs that do not belong to a component.
type Config struct {
	RewardWeights api.RewardWeights
	// NormCostUSD and NormLatencySeconds are the worst-case ceilings used to
	// normalize observed cost and latency into [0, 1] for the reward blend.
	NormCostUSD        float64
	NormLatencySeconds float64
}

// ticket pins the feature vector and cache key of an in-flight request so
// its outcome updates exactly the arm and context that were selected.
type ticket struct {
	ArmID    string
	Provider string
	Raw      api.RawContext
	Features api.FeatureVector

	CacheKey    semcache.Key
	Embedding   []float64
	HasCacheKey bool
	SelectedAt  time.Time
}

// Engine is the routing core.
type Engine struct {
	cfg         Config
	extractor   *feature.Extractor
	cache       *semcache.Cache
	bandit      *bandit.Router
	arms        *arm.Registry
	breakers    *breaker.Registry
	coordinator *backpressure.Coordinator
	load        *backpressure.LoadEstimator
	metrics     *metrics.Metrics
	log         logrus.FieldLogger

	tickets *lru.Cache[string, ticket]
}

// Deps are the engine's collaborators, constructed and wired by cmd/server.
type Deps struct {
	Extractor   *feature.Extractor
	Cache       *semcache.Cache
	Bandit      *bandit.Router
	Arms        *arm.Registry
	Breakers    *breaker.Registry
	Coordinator *backpressure.Coordinator
	Load        *backpressure.LoadEstimator
	Metrics     *metrics.Metrics
	Log         logrus.FieldLogger
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.NormCostUSD <= 0 {
		cfg.NormCostUSD = 1.0
	}
	if cfg.NormLatencySeconds <= 0 {
		cfg.NormLatencySeconds = 30.0
	}
	tickets, err := lru.New[string, ticket](ticketLimit)
	if err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Engine{
		cfg:         cfg,
		extractor:   deps.Extractor,
		cache:       deps.Cache,
		bandit:      deps.Bandit,
		arms:        deps.Arms,
		breakers:    deps.Breakers,
		coordinator: deps.Coordinator,
		load:        deps.Load,
		metrics:     deps.Metrics,
		log:         deps.Log,
		tickets:     tickets,
	}, nil
}

// Route answers a routing request: cache first, then bandit selection over
// the arms that pass model, constraint, and circuit filters.
func (e *Engine) Route(ctx context.Context, req api.RouteRequest) (api.RouteDecision, error) {
	started := time.Now()
	e.load.Acquire()
	defer func() {
		e.load.Release()
		e.metrics.RouteLatencySeconds.Observe(time.Since(started).Seconds())
	}()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := otel.StartSpan(ctx, "router", "route",
		otel.TenantAttributes(req.Context.TenantID, req.Context.Workspace)...)
	defer span.End()

	e.metrics.RoutesTotal.Inc()
	if req.Context.TenantID != "" {
		e.metrics.RoutesByTenant.WithLabelValues(req.Context.TenantID).Inc()
	}

	x, err := e.extractor.Extract(req.Context)
	if err != nil {
		e.metrics.InputErrors.Inc()
		otel.RecordError(span, err, "context rejected")
		return api.RouteDecision{}, err
	}

	decision := api.RouteDecision{RequestID: req.RequestID}

	cacheKey, cacheable := e.cacheKey(req)
	if cacheable {
		entry, err := e.cache.Lookup(ctx, cacheKey, req.Embedding, req.SimilarityThreshold)
		switch {
		case err == nil && entry != nil:
			e.metrics.CacheHits.Inc()
			span.SetAttributes(otel.AttrCacheHit.Bool(true))
			decision.CacheHit = true
			decision.CachedResponse = entry.Response
			e.extractor.Observe(req.Context)
			return decision, nil
		case errors.Is(err, semcache.ErrUnavailable):
			// Degraded cache never fails the route.
			e.metrics.CacheErrors.Inc()
		case err != nil:
			e.metrics.CacheErrors.Inc()
			e.log.WithError(err).Warn("cache lookup rejected key, routing without cache")
			cacheable = false
		default:
			e.metrics.CacheMisses.Inc()
		}
	}

	selection, chosen, err := e.selectArm(req, x)
	if err != nil {
		e.metrics.NoEligibleArm.Inc()
		otel.RecordError(span, err, "no eligible arm")
		return api.RouteDecision{}, err
	}

	t := ticket{
		ArmID:      selection.ArmID,
		Provider:   chosen.Provider,
		Raw:        req.Context,
		Features:   x,
		SelectedAt: started,
	}
	if cacheable {
		t.CacheKey = cacheKey
		t.Embedding = req.Embedding
		t.HasCacheKey = true
	}
	e.tickets.Add(req.RequestID, t)

	e.metrics.SelectionsByArm.WithLabelValues(selection.ArmID).Inc()
	e.extractor.Observe(req.Context)
	span.SetAttributes(otel.RoutingAttributes(selection.ArmID, chosen.Provider, selection.Predicted, selection.Confidence)...)

	decision.ArmID = selection.ArmID
	decision.Provider = chosen.Provider
	decision.Model = chosen.Model
	decision.PredictedReward = selection.Predicted
	decision.Confidence = selection.Confidence
	return decision, nil
}

// selectArm runs candidate filtering and bandit selection, retrying without
// an arm whose breaker refuses the call at the last moment. Available is
// checked first so a HALF_OPEN circuit's single probe slot is only reserved
// for the arm that actually wins selection.
func (e *Engine) selectArm(req api.RouteRequest, x api.FeatureVector) (bandit.Selection, *arm.Arm, error) {
	candidates := make(map[string]*arm.Arm)
	ids := make([]string, 0, 8)
	for _, a := range e.arms.Active(req.Model) {
		if !e.breakers.For(a.Provider).Available() {
			continue
		}
		if e.violatesConstraints(a.ID, req.Context) {
			continue
		}
		candidates[a.ID] = a
		ids = append(ids, a.ID)
	}

	for len(ids) > 0 {
		sel, err := e.bandit.Select(x, ids)
		if err != nil {
			return bandit.Selection{}, nil, err
		}
		chosen := candidates[sel.ArmID]
		if e.breakers.For(chosen.Provider).Allow() {
			return sel, chosen, nil
		}
		// Lost the probe race; retry without this arm.
		next := ids[:0]
		for _, id := range ids {
			if id != sel.ArmID {
				next = append(next, id)
			}
		}
		ids = next
	}
	return bandit.Selection{}, nil, ErrNoEligibleArm
}

// violatesConstraints drops arms whose observed running means exceed the
// caller's hard caps. Arms without history always pass; their priors are
// the bandit's concern, not an admission filter.
func (e *Engine) violatesConstraints(armID string, raw api.RawContext) bool {
	stats, ok := e.bandit.Stats(armID)
	if !ok || stats.Pulls == 0 {
		return false
	}
	if raw.MaxCostUSD > 0 && stats.MeanCost > raw.MaxCostUSD {
		return true
	}
	if raw.MaxLatencySeconds > 0 && stats.MeanLatency > raw.MaxLatencySeconds {
		return true
	}
	return false
}

// RecordOutcome applies one observed outcome to the learned state. The
// in-flight ticket is consumed first, so a duplicate report is a no-op that
// returns ErrUnknownOutcome instead of double-counting the reward.
func (e *Engine) RecordOutcome(ctx context.Context, out api.Outcome) error {
	e.metrics.OutcomesTotal.Inc()

	t, ok := e.tickets.Get(out.RequestID)
	if !ok || (out.ArmID != "" && out.ArmID != t.ArmID) {
		e.metrics.OutcomesDropped.Inc()
		e.log.WithFields(logrus.Fields{
			"request_id": out.RequestID,
			"arm_id":     out.ArmID,
		}).Warn("dropping outcome with no matching in-flight request")
		return ErrUnknownOutcome
	}
	e.tickets.Remove(out.RequestID)

	reward := e.cfg.RewardWeights.Blend(
		out.Quality,
		clamp01(out.CostUSD/e.cfg.NormCostUSD),
		clamp01(out.LatencySeconds/e.cfg.NormLatencySeconds),
		out.Success,
	)
	e.metrics.RewardObserved.Observe(reward)

	if err := e.bandit.Update(t.ArmID, t.Features, bandit.Observation{
		Reward:         reward,
		LatencySeconds: out.LatencySeconds,
		CostUSD:        out.CostUSD,
		Success:        out.Success,
	}); err != nil {
		return fmt.Errorf("apply outcome to arm %s: %w", t.ArmID, err)
	}

	b := e.breakers.For(t.Provider)
	result := "failure"
	if out.Success {
		b.RecordSuccess()
		result = "success"
	} else {
		before := b.State()
		b.RecordFailure()
		if before != breaker.StateOpen && b.State() == breaker.StateOpen {
			e.metrics.CircuitOpensByProvider.WithLabelValues(t.Provider).Inc()
		}
	}
	e.metrics.OutcomesByArm.WithLabelValues(t.ArmID, result).Inc()

	if out.Success && len(out.Response) > 0 && t.HasCacheKey {
		if err := e.cache.Store(ctx, t.CacheKey, t.Embedding, out.Response, 0); err != nil {
			// Cache degradation never fails the outcome path.
			e.metrics.CacheErrors.Inc()
		}
	}
	return nil
}

// Admission answers the pre-routing admission query and refreshes the
// backpressure gauges as a side effect.
func (e *Engine) Admission() api.AdmissionDecision {
	sig := e.coordinator.Signal()
	e.metrics.BackpressureSeverity.Set(float64(sig.Severity))
	e.metrics.OpenCircuits.Set(float64(sig.OpenCircuits))

	dec := e.coordinator.Admission()
	if !dec.Allowed {
		e.metrics.AdmissionRejected.Inc()
	}
	return dec
}

// Signal exposes the raw backpressure signal for the health endpoint.
func (e *Engine) Signal() api.BackpressureSignal {
	return e.coordinator.Signal()
}

// SaveSnapshot exports the learned arm state into the store.
func (e *Engine) SaveSnapshot(ctx context.Context, st store.Store) error {
	snap := &store.Snapshot{
		SavedAt: time.Now(),
		Arms:    e.bandit.Export(),
	}
	return st.Save(ctx, snap)
}

// LoadSnapshot restores learned state from the store. A missing snapshot is
// not an error; arms simply start from priors.
func (e *Engine) LoadSnapshot(ctx context.Context, st store.Store) (int, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, nil
	}
	return e.bandit.Restore(snap.Arms), nil
}

// StartSnapshots saves the learned state on the given interval until the
// context is cancelled.
func (e *Engine) StartSnapshots(ctx context.Context, st store.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.SaveSnapshot(ctx, st); err != nil {
					e.log.WithError(err).Warn("periodic arm snapshot failed")
				}
			}
		}
	}()
}

// cacheKey derives the scoped cache key, reporting false when the request
// cannot be cached (no embedding or missing tenant scope).
func (e *Engine) cacheKey(req api.RouteRequest) (semcache.Key, bool) {
	if e.cache == nil || len(req.Embedding) == 0 {
		return semcache.Key{}, false
	}
	key, err := e.cache.BuildKey(
		req.Context.TenantID,
		req.Context.Workspace,
		req.Model,
		api.HashOptions(req.ProviderOptions),
		req.Embedding,
	)
	if err != nil {
		return semcache.Key{}, false
	}
	return key, true
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
