package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID constructors. All ids are opaque strings; the prefixes exist for
// humans reading logs, not for parsing.

// NewRunID returns a fresh server-generated run id.
func NewRunID() string {
	return "run_" + compactUUID()
}

// NewSpanID returns a span id unique within a run.
func NewSpanID() string {
	return "sp_" + compactUUID()
}

// NewToolCallID returns an id for a synthesized tool call (delegation
// primitives, injected results). Model-proposed calls keep the model's id.
func NewToolCallID() string {
	return "call_" + compactUUID()
}

// StepID formats a step number as a stable, sortable step id.
func StepID(n int) string {
	return fmt.Sprintf("step_%04d", n)
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
