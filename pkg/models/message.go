package models

import (
	"encoding/json"
	"time"
)

// MessageRole is the conversational role of a run message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCallRef is one tool invocation recorded on an assistant message.
type ToolCallRef struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// RunMessage is one reconstructed model turn. Ordinal is strictly
// increasing per (run, agent) with no gaps; the store assigns it.
type RunMessage struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	AgentID    string        `json:"agent_id"`
	StepID     string        `json:"step_id"`
	Ordinal    int           `json:"ordinal"`
	Role       MessageRole   `json:"role"`
	Content    string        `json:"content"`
	ToolCallID *string       `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
	Scope      Scope         `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}
