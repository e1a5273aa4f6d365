// Package llm abstracts the model provider behind a single streaming
// call. The loop depends only on Client; the Anthropic implementation
// and the scripted stub used in tests are interchangeable.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoOutput is returned when a completed stream produced neither text
// nor tool calls.
var ErrNoOutput = errors.New("llm produced no output")

// Message is one turn of model input.
type Message struct {
	Role    string // "user", "assistant", "tool"
	Content string

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall
	// ToolResultID pairs a tool turn with the call it answers.
	ToolResultID string
	// ToolResultError marks a tool turn as a failed execution.
	ToolResultError bool
}

// ToolCall is a model-proposed tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one model invocation.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the assembled result of one streamed invocation.
type Completion struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StreamFunc receives text deltas as they arrive. May be nil. Errors
// from the callback abort the stream.
type StreamFunc func(delta string) error

// Client is the provider interface the loop calls.
type Client interface {
	// Invoke streams one completion. Deltas go to onDelta as they
	// arrive; the full completion is returned once the stream ends.
	Invoke(ctx context.Context, req Request, onDelta StreamFunc) (*Completion, error)
}
