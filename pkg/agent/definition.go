// Package agent drives a run from pending to terminal: a step machine
// that observes history, builds model context, decides, acts through
// the tool layer, and commits its progress so any pod can resume it.
package agent

import (
	"github.com/runforge/runforge/pkg/tools"
)

// Defaults applied when a definition leaves fields unset.
const (
	DefaultMaxSteps    = 20
	DefaultTokenBudget = 150000
	DefaultMaxTokens   = 4096
)

// Definition is one agent persona: prompt, model settings, limits, and
// tool policy. Loaded from configuration at startup.
type Definition struct {
	ID           string       `yaml:"id"`
	SystemPrompt string       `yaml:"system_prompt"`
	Model        string       `yaml:"model"`
	MaxTokens    int          `yaml:"max_tokens"`
	Temperature  *float64     `yaml:"temperature"`
	MaxSteps     int          `yaml:"max_steps"`
	TokenBudget  int          `yaml:"token_budget"`
	Policy       tools.Policy `yaml:"policy"`

	// CanDelegate exposes the delegation primitives to this agent.
	CanDelegate bool `yaml:"can_delegate"`
}

// withDefaults returns a copy with unset limits filled in.
func (d Definition) withDefaults() Definition {
	if d.MaxSteps <= 0 {
		d.MaxSteps = DefaultMaxSteps
	}
	if d.TokenBudget <= 0 {
		d.TokenBudget = DefaultTokenBudget
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = DefaultMaxTokens
	}
	return d
}

// Resolver maps an agent id to its definition.
type Resolver interface {
	Resolve(agentID string) (Definition, bool)
}

// StaticResolver is a map-backed Resolver.
type StaticResolver map[string]Definition

// Resolve implements Resolver.
func (r StaticResolver) Resolve(agentID string) (Definition, bool) {
	d, ok := r[agentID]
	return d, ok
}
