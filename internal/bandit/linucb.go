// Package bandit implements the linear contextual bandit (LinUCB) that
// selects among arms. Each arm keeps a weight vector theta and a confidence
// covariance A; the selected arm maximizes theta·x plus an exploration bonus
// alpha*sqrt(x' A^-1 x). Arms with too little history seed theta from the
// cold-start prior instead of zero, and their point estimate keeps leaning
// on that prior until MinObservations pulls have been recorded.
//
// Every arm owns its own lock, so updates to different arms never contend.
// A single request's select-then-update is deliberately not atomic: other
// requests may select with slightly stale parameters in between, which
// bandit convergence tolerates.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/arbiterlab/arbiter/internal/api"
	"github.com/arbiterlab/arbiter/internal/prior"
)

// ErrNoEligibleArm is returned when the candidate set is empty after
// filtering, so the caller can fail fast or queue.
var ErrNoEligibleArm = errors.New("no eligible arm among candidates")

// Config holds the bandit hyperparameters.
type Config struct {
	// Alpha scales the exploration bonus.
	Alpha float64
	// MinObservations is the pull count below which an arm's prediction
	// leans on its cold-start prior, fading linearly toward the learned
	// estimate as observations accumulate.
	MinObservations int64
	// Dim is the feature vector dimensionality.
	Dim int
}

func DefaultConfig() Config {
	return Config{Alpha: 0.4, MinObservations: 10, Dim: api.FeatureDim}
}

// PriorSource supplies cold-start estimates for unseen arms.
type PriorSource interface {
	PriorsFor(armID string) prior.Prior
}

// Observation is one observed outcome fed back into an arm.
type Observation struct {
	Reward         float64
	LatencySeconds float64
	CostUSD        float64
	Success        bool
}

// Selection is the result of choosing an arm.
type Selection struct {
	ArmID string
	// Predicted is the point estimate theta·x, blended with the arm's
	// prior while its pull count is below MinObservations.
	Predicted float64
	// Bound is Predicted plus the exploration bonus (the maximized score).
	Bound float64
	// Confidence shrinks toward 0 as the exploration bonus grows.
	Confidence float64
}

// ArmStats summarizes one arm's learned state.
type ArmStats struct {
	Pulls       int64
	MeanReward  float64
	MeanLatency float64
	MeanCost    float64
	Successes   int64
}

// State is the serializable form of an arm's parameters, consumed by the
// persistence layer.
type State struct {
	ArmID       string    `json:"arm_id"`
	Dim         int       `json:"dim"`
	B           []float64 `json:"b"`
	Cov         []float64 `json:"cov"` // row-major upper triangle included
	Pulls       int64     `json:"pulls"`
	MeanReward  float64   `json:"mean_reward"`
	MeanLatency float64   `json:"mean_latency"`
	MeanCost    float64   `json:"mean_cost"`
	Successes   int64     `json:"successes"`
}

type armState struct {
	mu sync.Mutex

	id    string
	a     *mat.SymDense // confidence covariance, starts at identity
	b     *mat.VecDense
	theta *mat.VecDense
	chol  mat.Cholesky
	dirty bool

	// priorBlend is the blended cold-start estimate mixed into predictions
	// while pulls < MinObservations.
	priorBlend float64

	pulls       int64
	meanReward  float64
	meanLatency float64
	meanCost    float64
	successes   int64
}

// Router owns the per-arm learned state.
type Router struct {
	cfg     Config
	weights api.RewardWeights
	priors  PriorSource

	mu   sync.RWMutex
	arms map[string]*armState
}

func New(cfg Config, weights api.RewardWeights, priors PriorSource) *Router {
	if cfg.Dim <= 0 {
		cfg.Dim = api.FeatureDim
	}
	return &Router{
		cfg:     cfg,
		weights: weights,
		priors:  priors,
		arms:    make(map[string]*armState),
	}
}

// Select picks the candidate arm maximizing the upper confidence bound.
// Ties break toward the lower observed mean latency. The returned arm is
// always a member of candidates; an empty candidate set yields
// ErrNoEligibleArm.
func (r *Router) Select(x api.FeatureVector, candidates []string) (Selection, error) {
	if len(x) != r.cfg.Dim {
		return Selection{}, fmt.Errorf("feature vector has %d dimensions, want %d", len(x), r.cfg.Dim)
	}
	if len(candidates) == 0 {
		return Selection{}, ErrNoEligibleArm
	}

	xv := mat.NewVecDense(len(x), x)

	var best Selection
	bestLatency := math.MaxFloat64
	found := false
	for _, id := range candidates {
		arm := r.getOrCreate(id)
		pred, bonus, latency := arm.score(xv, r.cfg.Alpha, r.cfg.MinObservations)
		bound := pred + bonus

		replace := !found || bound > best.Bound
		if found && math.Abs(bound-best.Bound) < 1e-12 {
			replace = latency < bestLatency
		}
		if replace {
			best = Selection{
				ArmID:      id,
				Predicted:  pred,
				Bound:      bound,
				Confidence: 1 / (1 + bonus),
			}
			bestLatency = latency
			found = true
		}
	}
	return best, nil
}

// Update applies one observed reward to an arm with a rank-1 covariance
// update. Updates commute, so out-of-order application across requests is
// safe.
func (r *Router) Update(armID string, x api.FeatureVector, obs Observation) error {
	if len(x) != r.cfg.Dim {
		return fmt.Errorf("feature vector has %d dimensions, want %d", len(x), r.cfg.Dim)
	}
	arm := r.getOrCreate(armID)
	xv := mat.NewVecDense(len(x), x)

	arm.mu.Lock()
	defer arm.mu.Unlock()

	arm.a.SymRankOne(arm.a, 1, xv)
	arm.b.AddScaledVec(arm.b, obs.Reward, xv)
	arm.dirty = true

	arm.pulls++
	n := float64(arm.pulls)
	arm.meanReward += (obs.Reward - arm.meanReward) / n
	arm.meanLatency += (obs.LatencySeconds - arm.meanLatency) / n
	arm.meanCost += (obs.CostUSD - arm.meanCost) / n
	if obs.Success {
		arm.successes++
	}
	return nil
}

// Stats returns observed running statistics for an arm.
func (r *Router) Stats(armID string) (ArmStats, bool) {
	r.mu.RLock()
	arm, ok := r.arms[armID]
	r.mu.RUnlock()
	if !ok {
		return ArmStats{}, false
	}
	arm.mu.Lock()
	defer arm.mu.Unlock()
	return ArmStats{
		Pulls:       arm.pulls,
		MeanReward:  arm.meanReward,
		MeanLatency: arm.meanLatency,
		MeanCost:    arm.meanCost,
		Successes:   arm.successes,
	}, true
}

// Export serializes every arm's learned parameters.
func (r *Router) Export() map[string]State {
	r.mu.RLock()
	ids := make([]string, 0, len(r.arms))
	for id := range r.arms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[string]State, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		arm, ok := r.arms[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		arm.mu.Lock()
		d := r.cfg.Dim
		st := State{
			ArmID:       id,
			Dim:         d,
			B:           append([]float64(nil), arm.b.RawVector().Data...),
			Cov:         make([]float64, d*d),
			Pulls:       arm.pulls,
			MeanReward:  arm.meanReward,
			MeanLatency: arm.meanLatency,
			MeanCost:    arm.meanCost,
			Successes:   arm.successes,
		}
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				st.Cov[i*d+j] = arm.a.At(i, j)
			}
		}
		arm.mu.Unlock()
		out[id] = st
	}
	return out
}

// Restore installs previously exported state. Snapshots with a mismatched
// dimensionality are skipped so a changed feature layout degrades to
// cold-start priors instead of corrupting the model.
func (r *Router) Restore(states map[string]State) int {
	restored := 0
	for id, st := range states {
		if st.Dim != r.cfg.Dim || len(st.B) != st.Dim || len(st.Cov) != st.Dim*st.Dim {
			continue
		}
		arm := &armState{
			id:    id,
			a:     mat.NewSymDense(st.Dim, nil),
			b:     mat.NewVecDense(st.Dim, append([]float64(nil), st.B...)),
			theta: mat.NewVecDense(st.Dim, nil),
			dirty: true,

			pulls:       st.Pulls,
			meanReward:  st.MeanReward,
			meanLatency: st.MeanLatency,
			meanCost:    st.MeanCost,
			successes:   st.Successes,
		}
		if r.priors != nil {
			arm.priorBlend = r.priors.PriorsFor(id).Blend(r.weights)
		}
		for i := 0; i < st.Dim; i++ {
			for j := i; j < st.Dim; j++ {
				arm.a.SetSym(i, j, st.Cov[i*st.Dim+j])
			}
		}
		r.mu.Lock()
		r.arms[id] = arm
		r.mu.Unlock()
		restored++
	}
	return restored
}

func (r *Router) getOrCreate(armID string) *armState {
	r.mu.RLock()
	arm, ok := r.arms[armID]
	r.mu.RUnlock()
	if ok {
		return arm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if arm, ok = r.arms[armID]; ok {
		return arm
	}

	arm = &armState{
		id:    armID,
		a:     identity(r.cfg.Dim),
		b:     mat.NewVecDense(r.cfg.Dim, nil),
		theta: mat.NewVecDense(r.cfg.Dim, nil),
		dirty: true,
	}

	// Cold-start seeding: one pseudo-observation on the bias dimension
	// worth the blended prior reward. With A = I this makes theta·x equal
	// the prior estimate for any context until real rewards arrive.
	if r.priors != nil {
		p := r.priors.PriorsFor(armID)
		arm.priorBlend = p.Blend(r.weights)
		arm.b.SetVec(0, arm.priorBlend)
		arm.meanLatency = p.Latency
		arm.meanCost = p.Cost
	}

	r.arms[armID] = arm
	return arm
}

// score computes the point estimate, exploration bonus, and mean latency
// under the arm's lock. Below minObs pulls the point estimate is a linear
// blend of the cold-start prior and theta·x, so the prior's influence fades
// over the configured observation horizon instead of vanishing on the first
// update.
func (s *armState) score(xv *mat.VecDense, alpha float64, minObs int64) (pred, bonus, latency float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		if ok := s.chol.Factorize(s.a); !ok {
			// A is positive definite by construction (identity plus rank-1
			// terms); a failed factorization means numeric trouble, so fall
			// back to the identity prior.
			s.a = identity(s.b.Len())
			s.chol.Factorize(s.a)
		}
		if err := s.chol.SolveVecTo(s.theta, s.b); err != nil {
			s.theta.Zero()
		}
		s.dirty = false
	}

	pred = mat.Dot(s.theta, xv)
	if minObs > 0 && s.pulls < minObs {
		w := 1 - float64(s.pulls)/float64(minObs)
		pred = w*s.priorBlend + (1-w)*pred
	}

	var y mat.VecDense
	if err := s.chol.SolveVecTo(&y, xv); err == nil {
		if q := mat.Dot(xv, &y); q > 0 {
			bonus = alpha * math.Sqrt(q)
		}
	}
	return pred, bonus, s.meanLatency
}

func identity(d int) *mat.SymDense {
	a := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		a.SetSym(i, i, 1)
	}
	return a
}
