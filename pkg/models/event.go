package models

import (
	"encoding/json"
	"time"
)

// EventSchemaVersion is the current wire schema version for events.
const EventSchemaVersion = 1

// EventType discriminates event payloads. The set is closed; unknown types
// are rejected at append time.
type EventType string

// The closed event-type set.
const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunSuspended EventType = "run.suspended"
	EventRunResumed   EventType = "run.resumed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"

	EventLLMCalled EventType = "llm.called"
	EventLLMToken  EventType = "llm.token"

	EventToolCalled           EventType = "tool.called"
	EventToolResult           EventType = "tool.result"
	EventToolBlocked          EventType = "tool.blocked"
	EventToolRequiresApproval EventType = "tool.requires_approval"
	EventToolApproved         EventType = "tool.approved"
	EventToolRejected         EventType = "tool.rejected"
	EventToolBatchStarted     EventType = "tool.batch.started"
	EventToolBatchCompleted   EventType = "tool.batch.completed"

	EventMemoryWritten   EventType = "memory.written"
	EventMemoryRetrieved EventType = "memory.retrieved"

	EventCheckpointSaved EventType = "checkpoint.saved"

	EventMessageTask     EventType = "message.task"
	EventMessageProposal EventType = "message.proposal"
	EventMessageDecision EventType = "message.decision"
	EventMessageEvidence EventType = "message.evidence"
	EventMessageStatus   EventType = "message.status"

	EventUserInjected EventType = "user.injected"
)

// validEventTypes is the allow-list checked on append.
var validEventTypes = map[EventType]struct{}{
	EventRunStarted: {}, EventRunCompleted: {}, EventRunFailed: {},
	EventRunCancelled: {}, EventRunSuspended: {}, EventRunResumed: {},
	EventStepStarted: {}, EventStepCompleted: {},
	EventLLMCalled: {}, EventLLMToken: {},
	EventToolCalled: {}, EventToolResult: {}, EventToolBlocked: {},
	EventToolRequiresApproval: {}, EventToolApproved: {}, EventToolRejected: {},
	EventToolBatchStarted: {}, EventToolBatchCompleted: {},
	EventMemoryWritten: {}, EventMemoryRetrieved: {},
	EventCheckpointSaved: {},
	EventMessageTask:     {}, EventMessageProposal: {}, EventMessageDecision: {},
	EventMessageEvidence: {}, EventMessageStatus: {},
	EventUserInjected: {},
}

// Known reports whether t belongs to the closed event-type set.
func (t EventType) Known() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Terminal reports whether t closes a run's event stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// MessageType returns the structured-message subtype ("task", "decision",
// ...) for message.* events, or "" for all other types.
func (t EventType) MessageType() string {
	switch t {
	case EventMessageTask:
		return "task"
	case EventMessageProposal:
		return "proposal"
	case EventMessageDecision:
		return "decision"
	case EventMessageEvidence:
		return "evidence"
	case EventMessageStatus:
		return "status"
	}
	return ""
}

// Redaction marks whether an event payload had secret material replaced
// before it was appended. The log itself never inspects payloads.
type Redaction struct {
	ContainsSecrets bool `json:"contains_secrets"`
}

// Event is an immutable fact appended to a run's log. ID is assigned by
// storage, is strictly increasing per run, and defines the canonical
// replay order.
type Event struct {
	ID           int64           `json:"id"`
	V            int             `json:"v"`
	TS           time.Time       `json:"ts"`
	RunID        string          `json:"run_id"`
	SessionKey   string          `json:"session_key,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	StepID       string          `json:"step_id,omitempty"`
	SpanID       string          `json:"span_id"`
	ParentSpanID *string         `json:"parent_span_id,omitempty"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Redaction    Redaction       `json:"redaction"`
	GroupID      *string         `json:"group_id,omitempty"`
	MessageType  string          `json:"message_type,omitempty"`

	// Scope is persisted with the event but not serialized on the wire;
	// clients already proved scope to read the stream.
	Scope Scope `json:"-"`
}
