package models

import (
	"encoding/json"
	"time"
)

// DependencyStatus tracks one parent→child delegation edge.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencyCompleted DependencyStatus = "completed"
	DependencyFailed    DependencyStatus = "failed"
)

// RunDependency is one edge in a swarm. The count of pending edges per
// parent, together with the parent's suspend state, governs resume
// eligibility: the parent resumes exactly when the last edge settles.
type RunDependency struct {
	ID          int64            `json:"id"`
	ParentRunID string           `json:"parent_run_id"`
	ChildRunID  string           `json:"child_run_id"`
	ToolCallID  string           `json:"tool_call_id"`
	RoleID      *string          `json:"role_id,omitempty"`
	Goal        string           `json:"goal"`
	Status      DependencyStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       *RunError        `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SwarmSummary aggregates dependency counts for a parent run.
type SwarmSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SwarmStatus is the read-only snapshot returned by the swarm status API.
type SwarmStatus struct {
	ParentRunID  string           `json:"parent_run_id"`
	ParentStatus RunStatus        `json:"parent_status"`
	Summary      SwarmSummary     `json:"summary"`
	Dependencies []*RunDependency `json:"dependencies"`
}
