package models

import "fmt"

// Error codes surfaced to callers and recorded on failed runs and tool
// results. The taxonomy is closed; new codes are additions, not renames.
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeScopeMismatch = "SCOPE_MISMATCH"
	CodeNotFound      = "NOT_FOUND"
	CodeStorageError  = "STORAGE_ERROR"

	CodeToolError        = "TOOL_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeApprovalRejected = "APPROVAL_REJECTED"
	CodePolicyBlocked    = "POLICY_BLOCKED"

	CodeAgentError     = "AGENT_ERROR"
	CodeBudgetExceeded = "BUDGET_EXCEEDED"
	CodeMaxSteps       = "MAX_STEPS"

	CodeDelegationCycle = "DELEGATION_CYCLE"
	CodeChildFailed     = "CHILD_FAILED"

	CodeAlreadyResolved = "ALREADY_RESOLVED"
)

// CodedError carries a taxonomy code alongside a human-readable message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCodedError builds a CodedError with a formatted message.
func NewCodedError(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RunError converts the error to its persisted form.
func (e *CodedError) RunError() *RunError {
	return &RunError{Code: e.Code, Message: e.Message}
}
