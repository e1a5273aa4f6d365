// Package config loads and validates the runtime's configuration: the
// agent registry, tool overrides, masking patterns, and the queue,
// server, and model provider settings.
package config

import (
	"time"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/masking"
)

// Config is the umbrella configuration object returned by Initialize
// and threaded through startup wiring.
type Config struct {
	configDir string

	Server    *ServerConfig
	LLM       *LLMConfig
	Queue     *QueueConfig
	Retention *RetentionConfig

	Agents  *AgentRegistry
	Tools   map[string]ToolOverride
	Masking []masking.PatternConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Stats contains counts of loaded components for startup logging.
type Stats struct {
	Agents   int
	Tools    int
	Patterns int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	s := Stats{Tools: len(c.Tools), Patterns: len(c.Masking)}
	if c.Agents != nil {
		s.Agents = c.Agents.Len()
	}
	return s
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "stub". The stub provider exists for
	// local development without credentials.
	Provider string `yaml:"provider"`

	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultLLMConfig returns the built-in provider defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:   "anthropic",
		APIKeyEnv:  "ANTHROPIC_API_KEY",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// ToolOverride adjusts a code-registered tool's execution contract
// without redeploying. Only set fields are applied.
type ToolOverride struct {
	RequiresApproval *bool         `yaml:"requires_approval,omitempty"`
	RiskLevel        string        `yaml:"risk_level,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// AgentRegistry is the loaded agent catalog. It implements
// agent.Resolver for the step machine.
type AgentRegistry struct {
	agents map[string]agent.Definition
}

// Resolve implements agent.Resolver.
func (r *AgentRegistry) Resolve(agentID string) (agent.Definition, bool) {
	d, ok := r.agents[agentID]
	return d, ok
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int { return len(r.agents) }

// IDs returns the registered agent ids.
func (r *AgentRegistry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
