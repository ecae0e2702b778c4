// Package arm maintains the registry of selectable backend provider/model
// options. Arms are created at config load or registered dynamically; they
// are never destroyed while configured, only deactivated.
package arm

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrArmNotFound  = errors.New("arm not found")
	ErrInvalidArmID = errors.New("invalid arm ID")
	ErrDuplicateArm = errors.New("arm already registered")
)

// Arm describes one backend provider/model option.
type Arm struct {
	ID       string `json:"id" yaml:"id"`
	Family   string `json:"family" yaml:"family"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	Active       bool      `json:"active" yaml:"active"`
	RegisteredAt time.Time `json:"registered_at" yaml:"-"`
}

// Registry is the fixed set of arms sharing the process lifetime.
type Registry struct {
	mu   sync.RWMutex
	arms map[string]*Arm
}

func NewRegistry() *Registry {
	return &Registry{arms: make(map[string]*Arm)}
}

// Register adds a new arm. Arms default to active.
func (r *Registry) Register(a *Arm) error {
	if a.ID == "" {
		return ErrInvalidArmID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.arms[a.ID]; exists {
		return ErrDuplicateArm
	}
	cp := *a
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now()
	}
	r.arms[a.ID] = &cp
	return nil
}

// Get retrieves an arm by ID regardless of its active flag.
func (r *Registry) Get(id string) (*Arm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arms[id]
	if !ok {
		return nil, ErrArmNotFound
	}
	cp := *a
	return &cp, nil
}

// Active returns the active arms, optionally restricted to one model id,
// sorted by ID for deterministic candidate ordering.
func (r *Registry) Active(model string) []*Arm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Arm, 0, len(r.arms))
	for _, a := range r.arms {
		if !a.Active {
			continue
		}
		if model != "" && a.Model != model {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every registered arm, active or not.
func (r *Registry) All() []*Arm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Arm, 0, len(r.arms))
	for _, a := range r.arms {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive flips an arm's availability without discarding learned state.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arms[id]
	if !ok {
		return ErrArmNotFound
	}
	a.Active = active
	return nil
}

// Update applies a mutation to an arm under the registry lock.
func (r *Registry) Update(id string, fn func(*Arm)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arms[id]
	if !ok {
		return ErrArmNotFound
	}
	fn(a)
	return nil
}

// Families returns the arm ID -> family mapping consumed by the prior
// provider's fallback chain.
func (r *Registry) Families() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.arms))
	for id, a := range r.arms {
		out[id] = a.Family
	}
	return out
}
