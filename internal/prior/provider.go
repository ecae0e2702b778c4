// Package prior supplies informed initial reward estimates for arms that do
// not yet have enough observed history. Estimates come from a static
// benchmark table loaded at startup; lookup falls back from the exact arm to
// its family average to the global average, and always returns a value.
package prior

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arbiterlab/arbiter/internal/api"
)

// Prior holds normalized expected performance for an arm or family.
// Latency and Cost are normalized to [0, 1] where 1 is worst.
type Prior struct {
	Quality     float64 `yaml:"quality" json:"quality"`
	Latency     float64 `yaml:"latency" json:"latency"`
	Cost        float64 `yaml:"cost" json:"cost"`
	SuccessRate float64 `yaml:"success_rate" json:"success_rate"`
}

// Blend collapses a prior into the scalar reward the bandit optimizes,
// using the same weights applied to observed outcomes.
func (p Prior) Blend(w api.RewardWeights) float64 {
	return w.Quality*p.Quality + w.Cost*(1-p.Cost) + w.Latency*(1-p.Latency) + w.Success*p.SuccessRate
}

// DefaultGlobal is the prior of last resort when the benchmark table is
// empty. Deliberately distinct from the zero value so an accidental zero
// sentinel is detectable.
func DefaultGlobal() Prior {
	return Prior{Quality: 0.5, Latency: 0.5, Cost: 0.5, SuccessRate: 0.95}
}

// Level identifies one step of the fallback chain. Levels can be disabled
// individually so each fallback step is testable in isolation.
type Level int

const (
	LevelArm Level = iota
	LevelFamily
	LevelGlobal
)

// Table is the on-disk benchmark format.
type Table struct {
	Arms     map[string]Prior `yaml:"arms"`
	Families map[string]Prior `yaml:"families"`
}

// Provider answers PriorsFor lookups. Immutable between Reload calls.
type Provider struct {
	mu          sync.RWMutex
	arms        map[string]Prior
	families    map[string]Prior
	armFamilies map[string]string // arm id -> family
	global      Prior
	disabled    map[Level]bool
}

// NewProvider builds a provider from a benchmark table and the arm->family
// mapping declared in the arm registry. Family records absent from the table
// are synthesized by averaging their member arms; the global average covers
// everything else.
func NewProvider(table Table, armFamilies map[string]string) *Provider {
	p := &Provider{disabled: make(map[Level]bool)}
	p.install(table, armFamilies)
	return p
}

// Load reads a YAML benchmark table from disk.
func Load(path string, armFamilies map[string]string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read benchmark table: %w", err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse benchmark table %s: %w", path, err)
	}
	return NewProvider(table, armFamilies), nil
}

// Reload replaces the table out of band.
func (p *Provider) Reload(table Table, armFamilies map[string]string) {
	p.install(table, armFamilies)
}

func (p *Provider) install(table Table, armFamilies map[string]string) {
	arms := make(map[string]Prior, len(table.Arms))
	for id, pr := range table.Arms {
		arms[id] = pr
	}

	families := make(map[string]Prior, len(table.Families))
	for f, pr := range table.Families {
		families[f] = pr
	}

	famCopy := make(map[string]string, len(armFamilies))
	members := make(map[string][]Prior)
	for armID, fam := range armFamilies {
		famCopy[armID] = fam
		if pr, ok := arms[armID]; ok {
			members[fam] = append(members[fam], pr)
		}
	}
	// Synthesize family averages for families with benchmarked members but
	// no declared record.
	for fam, prs := range members {
		if _, ok := families[fam]; !ok {
			families[fam] = average(prs)
		}
	}

	global := DefaultGlobal()
	if len(arms) > 0 {
		all := make([]Prior, 0, len(arms))
		for _, pr := range arms {
			all = append(all, pr)
		}
		global = average(all)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.arms = arms
	p.families = families
	p.armFamilies = famCopy
	p.global = global
}

// PriorsFor returns the best available prior for the arm. It never fails:
// an unknown arm with an unknown family still gets the global average.
func (p *Provider) PriorsFor(armID string) Prior {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.disabled[LevelArm] {
		if pr, ok := p.arms[armID]; ok {
			return pr
		}
	}
	if !p.disabled[LevelFamily] {
		if fam, ok := p.armFamilies[armID]; ok {
			if pr, ok := p.families[fam]; ok {
				return pr
			}
		}
	}
	if !p.disabled[LevelGlobal] {
		return p.global
	}
	return DefaultGlobal()
}

// SetLevelEnabled toggles one step of the fallback chain.
func (p *Provider) SetLevelEnabled(level Level, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[level] = !enabled
}

func average(prs []Prior) Prior {
	var out Prior
	n := float64(len(prs))
	for _, pr := range prs {
		out.Quality += pr.Quality / n
		out.Latency += pr.Latency / n
		out.Cost += pr.Cost / n
		out.SuccessRate += pr.SuccessRate / n
	}
	return out
}
