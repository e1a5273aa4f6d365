package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/models"
)

func TestApplyLLMConfig(t *testing.T) {
	def := testDef()

	applyLLMConfig(&def, json.RawMessage(`{"model":"claude-haiku-4-5","max_tokens":1024}`))
	assert.Equal(t, "claude-haiku-4-5", def.Model)
	assert.Equal(t, 1024, def.MaxTokens)
	assert.Nil(t, def.Temperature)

	applyLLMConfig(&def, json.RawMessage(`{"temperature":0.2}`))
	require.NotNil(t, def.Temperature)
	assert.Equal(t, 0.2, *def.Temperature)

	// Empty and malformed overlays change nothing.
	before := def
	applyLLMConfig(&def, nil)
	applyLLMConfig(&def, json.RawMessage(`not json`))
	assert.Equal(t, before, def)
}

func TestToLLMMessageToolResult(t *testing.T) {
	id := "c1"
	m := toLLMMessage(&models.RunMessage{
		Role:       models.RoleTool,
		Content:    "ERROR: tool exploded",
		ToolCallID: &id,
	})
	assert.Equal(t, "tool", m.Role)
	assert.Equal(t, "c1", m.ToolResultID)
	assert.True(t, m.ToolResultError)

	ok := toLLMMessage(&models.RunMessage{
		Role:       models.RoleTool,
		Content:    "42 degrees",
		ToolCallID: &id,
	})
	assert.False(t, ok.ToolResultError)
}

func TestToLLMMessageCarriesToolCalls(t *testing.T) {
	m := toLLMMessage(&models.RunMessage{
		Role:    models.RoleAssistant,
		Content: "checking",
		ToolCalls: []models.ToolCallRef{
			{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)},
		},
	})
	require.Len(t, m.ToolCalls, 1)
	assert.Equal(t, "c1", m.ToolCalls[0].ID)
	assert.Equal(t, "search", m.ToolCalls[0].Name)
}

func TestAnsweredAndUnansweredCalls(t *testing.T) {
	history := []llm.Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "search"},
			{ID: "c2", Name: "search"},
			{ID: "c3", Name: ToolDispatchSubtasks},
		}},
		{Role: "tool", Content: "found it", ToolResultID: "c1"},
	}

	answered := answeredCallIDs(history)
	assert.True(t, answered["c1"])
	assert.False(t, answered["c2"])

	open := unansweredCalls(history, answered)
	require.Len(t, open, 2)
	assert.Equal(t, "c2", open[0].ID)
	assert.Equal(t, "c3", open[1].ID)
}

func TestRetrievalQuery(t *testing.T) {
	history := []llm.Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: "follow-up"},
		{Role: "tool", Content: "data"},
	}
	assert.Equal(t, "follow-up", retrievalQuery(history, "fallback"))
	assert.Equal(t, "fallback", retrievalQuery(nil, "fallback"))
	assert.Equal(t, "fallback", retrievalQuery([]llm.Message{
		{Role: "assistant", Content: "only assistant"},
	}, "fallback"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "lon", truncate("longer", 3))
}
