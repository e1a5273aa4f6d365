// Package tools routes model-proposed tool calls: validation, policy,
// and scheduled execution. Handlers declare their execution contract in
// Metadata; the scheduler derives parallelism from it and never
// inspects handler internals.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Risk levels declared in tool metadata. High-risk tools are never
// parallelized and are candidates for the approval gate.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Metadata is a tool's execution contract.
type Metadata struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	InputSchema json.RawMessage `json:"input_schema" yaml:"input_schema"`

	// Mutating marks tools with side effects; mutating calls always run
	// serially.
	Mutating bool `json:"mutating" yaml:"mutating"`

	// SupportsParallel opts a read-only tool into the parallel lane.
	SupportsParallel bool `json:"supports_parallel" yaml:"supports_parallel"`

	RiskLevel string `json:"risk_level" yaml:"risk_level"`

	// RequiresApproval freezes calls behind the approval gate.
	RequiresApproval bool `json:"requires_approval" yaml:"requires_approval"`

	// Timeout overrides the scheduler's default per-call timeout.
	Timeout time.Duration `json:"-" yaml:"timeout"`
}

// Parallelizable reports whether a call to this tool may run in the
// parallel lane.
func (m Metadata) Parallelizable() bool {
	return !m.Mutating && m.SupportsParallel && m.RiskLevel != RiskHigh
}

// Result is one executed tool call's outcome.
type Result struct {
	ToolCallID string
	ToolName   string
	Output     string
	Err        error
	Duration   time.Duration
}

// Handler executes one tool. Implementations must honor ctx
// cancellation; the scheduler enforces timeouts through it.
type Handler interface {
	Metadata() Metadata
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Call is one proposed invocation, as it came from the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// WithMetadata wraps a handler with replacement metadata, letting
// configuration override a tool's declared contract.
func WithMetadata(h Handler, meta Metadata) Handler {
	return &overriddenHandler{inner: h, meta: meta}
}

type overriddenHandler struct {
	inner Handler
	meta  Metadata
}

func (o *overriddenHandler) Metadata() Metadata { return o.meta }

func (o *overriddenHandler) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return o.inner.Execute(ctx, args)
}
