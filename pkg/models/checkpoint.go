package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is a resumable snapshot of agent state, committed once per
// (run, step). The latest checkpoint for (run, agent) is the row with the
// highest id.
type Checkpoint struct {
	ID      int64           `json:"id"`
	RunID   string          `json:"run_id"`
	AgentID string          `json:"agent_id"`
	StepID  string          `json:"step_id"`
	State   json.RawMessage `json:"state"`
	Scope   Scope           `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckpointState is the structured content of Checkpoint.State. It is
// stored as opaque JSON; this struct is the runtime's own schema for it.
type CheckpointState struct {
	Step           int             `json:"step"`
	Plan           string          `json:"plan,omitempty"`
	WorkingSummary string          `json:"working_summary,omitempty"`
	ToolState      json.RawMessage `json:"tool_state,omitempty"`
	ContextCursor  int64           `json:"context_cursor"`
	MessageOrdinal int             `json:"message_ordinal"`
	UsedTokens     int             `json:"used_tokens,omitempty"`
}
