package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/tools"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runforge.yaml"), []byte(content), 0o600))
	return dir
}

const minimalConfig = `
agents:
  assistant:
    system_prompt: "You are helpful."
`

func TestInitializeMinimalConfig(t *testing.T) {
	dir := writeConfig(t, minimalConfig)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// Defaults fill everything not set.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, 15*time.Second, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.RunRetention)

	def, ok := cfg.Agents.Resolve("assistant")
	require.True(t, ok)
	assert.Equal(t, "assistant", def.ID, "agent id comes from the map key")
	assert.Equal(t, "You are helpful.", def.SystemPrompt)
}

func TestInitializeOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9090
queue:
  worker_count: 2
  heartbeat_interval: 5s
  orphan_threshold: 30s
llm:
  provider: stub
agents:
  solo:
    system_prompt: "prompt"
    max_steps: 3
    policy:
      denied:
        - run_command
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, 2, cfg.Queue.WorkerCount)
	assert.Equal(t, "stub", cfg.LLM.Provider)

	def, _ := cfg.Agents.Resolve("solo")
	assert.Equal(t, 3, def.MaxSteps)
	assert.Equal(t, []string{"run_command"}, def.Policy.Denied)
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("TEST_AGENT_PROMPT", "from the environment")
	dir := writeConfig(t, `
agents:
  assistant:
    system_prompt: "{{.TEST_AGENT_PROMPT}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	def, _ := cfg.Agents.Resolve("assistant")
	assert.Equal(t, "from the environment", def.SystemPrompt)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "agents: [\n  broken")
	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no agents", `server: {port: 8080}`},
		{"empty system prompt", `
agents:
  bad:
    model: something
`},
		{"temperature out of range", `
agents:
  bad:
    system_prompt: p
    temperature: 1.5
`},
		{"negative max steps", `
agents:
  bad:
    system_prompt: p
    max_steps: -1
`},
		{"bad tool risk level", `
agents:
  ok:
    system_prompt: p
tools:
  hammer:
    risk_level: extreme
`},
		{"bad llm provider", `
llm:
  provider: openai
agents:
  ok:
    system_prompt: p
`},
		{"orphan threshold below heartbeat", `
queue:
  heartbeat_interval: 1m
  orphan_threshold: 30s
agents:
  ok:
    system_prompt: p
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeConfig(t, tc.content)
			_, err := Initialize(context.Background(), dir)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestToolOverridesParsed(t *testing.T) {
	dir := writeConfig(t, `
agents:
  ok:
    system_prompt: p
tools:
  run_command:
    requires_approval: true
    risk_level: high
    timeout: 90s
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	ov, ok := cfg.Tools["run_command"]
	require.True(t, ok)
	require.NotNil(t, ov.RequiresApproval)
	assert.True(t, *ov.RequiresApproval)
	assert.Equal(t, tools.RiskHigh, ov.RiskLevel)
	assert.Equal(t, 90*time.Second, ov.Timeout)
}

func TestApplyToolOverride(t *testing.T) {
	meta := tools.Metadata{
		Name:             "run_command",
		RiskLevel:        tools.RiskMedium,
		RequiresApproval: false,
		Timeout:          time.Minute,
	}

	no := false
	out := ApplyToolOverride(meta, ToolOverride{
		RequiresApproval: &no,
		RiskLevel:        tools.RiskHigh,
	})
	assert.False(t, out.RequiresApproval)
	assert.Equal(t, tools.RiskHigh, out.RiskLevel)
	assert.Equal(t, time.Minute, out.Timeout, "zero timeout leaves the original")

	// Unset fields leave metadata untouched.
	same := ApplyToolOverride(meta, ToolOverride{})
	assert.Equal(t, meta, same)
}

func TestMaskingPatternsParsed(t *testing.T) {
	dir := writeConfig(t, `
agents:
  ok:
    system_prompt: p
masking:
  patterns:
    - name: internal_token
      pattern: "itok_[a-z0-9]+"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, cfg.Masking, 1)
	assert.Equal(t, "internal_token", cfg.Masking[0].Name)

	stats := cfg.Stats()
	assert.Equal(t, 1, stats.Agents)
	assert.Equal(t, 1, stats.Patterns)
}
