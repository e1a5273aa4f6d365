package events

import "encoding/json"

// Typed payloads for the event log. One struct per event type; the
// recorder marshals these into Event.Payload. Field names are the wire
// contract and must stay stable across versions.

// RunStartedPayload is the payload of run.started.
type RunStartedPayload struct {
	Input   string `json:"input"`
	AgentID string `json:"agent_id"`
	Resumed bool   `json:"resumed,omitempty"`
}

// RunCompletedPayload is the payload of run.completed.
type RunCompletedPayload struct {
	Output string `json:"output"`
	Steps  int    `json:"steps"`
}

// RunFailedPayload is the payload of run.failed.
type RunFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunCancelledPayload is the payload of run.cancelled.
type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RunSuspendedPayload is the payload of run.suspended.
type RunSuspendedPayload struct {
	Reason string `json:"reason"`
	// ToolCallID is set when the reason is awaiting_approval.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ChildRunIDs is set when the reason is awaiting_children.
	ChildRunIDs []string `json:"child_run_ids,omitempty"`
}

// ChildOutcome summarizes one settled child in a fan-in resume.
type ChildOutcome struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// RunResumedPayload is the payload of run.resumed. Children is set when
// the resume follows swarm fan-in.
type RunResumedPayload struct {
	Reason   string         `json:"reason"`
	Children []ChildOutcome `json:"children,omitempty"`
}

// StepPayload is the payload of step.started and step.completed.
type StepPayload struct {
	Step int `json:"step"`
}

// LLMCalledPayload is the payload of llm.called.
type LLMCalledPayload struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// TokenPayload is the payload of llm.token. High frequency; excluded
// from streams unless the subscriber opts in.
type TokenPayload struct {
	Delta string `json:"delta"`
}

// ToolCalledPayload is the payload of tool.called.
type ToolCalledPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	Mutating   bool            `json:"mutating,omitempty"`
}

// ToolResultPayload is the payload of tool.result.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"` // "ok" or "error"
	Output     string `json:"output,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ToolBlockedPayload is the payload of tool.blocked.
type ToolBlockedPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Reason     string `json:"reason"`
}

// ApprovalRequestPayload is the payload of tool.requires_approval.
type ApprovalRequestPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	Reason     string          `json:"reason,omitempty"`
	RiskLevel  string          `json:"risk_level,omitempty"`
}

// ApprovalDecisionPayload is the payload of tool.approved and
// tool.rejected. ModifiedArgs, when present on an approval, replaces
// the original arguments at execution time.
type ApprovalDecisionPayload struct {
	ToolCallID   string          `json:"tool_call_id"`
	Approver     string          `json:"approver,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// BatchStartedPayload is the payload of tool.batch.started.
type BatchStartedPayload struct {
	ToolCallIDs []string `json:"tool_call_ids"`
	Parallel    bool     `json:"parallel"`
}

// BatchCompletedPayload is the payload of tool.batch.completed.
type BatchCompletedPayload struct {
	ToolCallIDs []string `json:"tool_call_ids"`
	Failed      int      `json:"failed,omitempty"`
}

// MemoryPayload is the payload of memory.written and memory.retrieved.
type MemoryPayload struct {
	Key     string `json:"key,omitempty"`
	Query   string `json:"query,omitempty"`
	Count   int    `json:"count,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// CheckpointSavedPayload is the payload of checkpoint.saved.
type CheckpointSavedPayload struct {
	Step   int    `json:"step"`
	StepID string `json:"step_id"`
}

// MessagePayload is the payload of the structured message.* events.
type MessagePayload struct {
	Text string `json:"text"`
	// Refs carries span ids of the events this message cites (evidence).
	Refs []string `json:"refs,omitempty"`
}

// UserInjectedPayload is the payload of user.injected.
type UserInjectedPayload struct {
	Text string `json:"text"`
}
