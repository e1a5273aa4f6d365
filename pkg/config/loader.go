package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/masking"
	"github.com/runforge/runforge/pkg/tools"
)

// fileYAML is the complete runforge.yaml structure.
type fileYAML struct {
	Server    *ServerConfig               `yaml:"server"`
	LLM       *LLMConfig                  `yaml:"llm"`
	Queue     *QueueConfig                `yaml:"queue"`
	Retention *RetentionConfig            `yaml:"retention"`
	Agents    map[string]agent.Definition `yaml:"agents"`
	Tools     map[string]ToolOverride     `yaml:"tools"`
	Masking   struct {
		Patterns []masking.PatternConfig `yaml:"patterns"`
	} `yaml:"masking"`
}

// Initialize loads runforge.yaml from configDir, expands environment
// references, fills defaults, and validates the result.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.InfoContext(ctx, "initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.InfoContext(ctx, "configuration initialized",
		"agents", stats.Agents,
		"tool_overrides", stats.Tools,
		"masking_patterns", stats.Patterns)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "runforge.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	var parsed fileYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &parsed); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %w", ErrInvalidYAML, err)}
	}

	cfg := &Config{
		configDir: configDir,
		Server:    parsed.Server,
		LLM:       parsed.LLM,
		Queue:     parsed.Queue,
		Retention: parsed.Retention,
		Tools:     parsed.Tools,
		Masking:   parsed.Masking.Patterns,
	}
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.LLM == nil {
		cfg.LLM = &LLMConfig{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.Retention == nil {
		cfg.Retention = &RetentionConfig{}
	}

	// Unset fields fall back to built-in defaults.
	if err := mergo.Merge(cfg.Server, DefaultServerConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge server defaults: %w", err)
	}
	if err := mergo.Merge(cfg.LLM, DefaultLLMConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge llm defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Queue, DefaultQueueConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge queue defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Retention, DefaultRetentionConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge retention defaults: %w", err)
	}

	agents := make(map[string]agent.Definition, len(parsed.Agents))
	for id, def := range parsed.Agents {
		def.ID = id
		agents[id] = def
	}
	cfg.Agents = &AgentRegistry{agents: agents}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Agents.Len() == 0 {
		return NewValidationError("agents", "", "", "at least one agent must be configured")
	}
	for _, id := range cfg.Agents.IDs() {
		def, _ := cfg.Agents.Resolve(id)
		if def.SystemPrompt == "" {
			return NewValidationError("agent", id, "system_prompt", "must not be empty")
		}
		if def.MaxSteps < 0 {
			return NewValidationError("agent", id, "max_steps", "must not be negative")
		}
		if def.TokenBudget < 0 {
			return NewValidationError("agent", id, "token_budget", "must not be negative")
		}
		if def.Temperature != nil && (*def.Temperature < 0 || *def.Temperature > 1) {
			return NewValidationError("agent", id, "temperature", "must be within [0, 1]")
		}
	}

	for name, ov := range cfg.Tools {
		switch ov.RiskLevel {
		case "", tools.RiskLow, tools.RiskMedium, tools.RiskHigh:
		default:
			return NewValidationError("tool", name, "risk_level",
				"must be one of low, medium, high")
		}
		if ov.Timeout < 0 {
			return NewValidationError("tool", name, "timeout", "must not be negative")
		}
	}

	switch cfg.LLM.Provider {
	case "anthropic", "stub":
	default:
		return NewValidationError("llm", cfg.LLM.Provider, "provider",
			"must be anthropic or stub")
	}

	q := cfg.Queue
	if q.WorkerCount <= 0 {
		return NewValidationError("queue", "", "worker_count", "must be positive")
	}
	if q.OrphanThreshold <= q.HeartbeatInterval {
		return NewValidationError("queue", "", "orphan_threshold",
			"must exceed heartbeat_interval")
	}

	return nil
}

// ApplyToolOverride overlays a configured override onto tool metadata.
func ApplyToolOverride(meta tools.Metadata, ov ToolOverride) tools.Metadata {
	if ov.RequiresApproval != nil {
		meta.RequiresApproval = *ov.RequiresApproval
	}
	if ov.RiskLevel != "" {
		meta.RiskLevel = ov.RiskLevel
	}
	if ov.Timeout > 0 {
		meta.Timeout = ov.Timeout
	}
	return meta
}
