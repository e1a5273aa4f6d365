package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states. Transitions are guarded by conditional updates in
// the store; see store.Runs for the authoritative guards.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Suspend reasons recorded on running→suspended transitions.
const (
	SuspendReasonAwaitingApproval = "awaiting_approval"
	SuspendReasonAwaitingChildren = "awaiting_children"
)

// RunResult is the success payload of a completed run.
type RunResult struct {
	Output string `json:"output"`
}

// RunError is the failure payload of a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a single task execution: the unit of persistence, scheduling,
// and streaming.
type Run struct {
	ID         string `json:"run_id"`
	Scope      Scope  `json:"scope"`
	SessionKey string `json:"session_key"`
	GroupID    *string `json:"group_id,omitempty"`
	Input      string `json:"input"`
	AgentID    string `json:"agent_id"`

	LLMConfig            json.RawMessage `json:"llm_config,omitempty"`
	ParentRunID          *string         `json:"parent_run_id,omitempty"`
	DelegatedPermissions json.RawMessage `json:"delegated_permissions,omitempty"`

	Status        RunStatus `json:"status"`
	SuspendReason *string   `json:"suspend_reason,omitempty"`

	Result *RunResult `json:"result,omitempty"`
	Error  *RunError  `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`

	// PodID identifies the replica whose worker currently holds (or last
	// held) the run. Attribution only, never used for access decisions.
	PodID           *string    `json:"pod_id,omitempty"`
	LastHeartbeatAt *time.Time `json:"-"`
}

// SessionHistoryEntry is the trimmed view of a completed top-level run
// used to assemble conversational context for a session.
type SessionHistoryEntry struct {
	RunID  string `json:"run_id"`
	Input  string `json:"input"`
	Output string `json:"output"`
}
