package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubTurn is one scripted model response.
type StubTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// StubClient replays scripted turns in order. Used by loop tests to
// drive plan and act phases deterministically.
type StubClient struct {
	mu    sync.Mutex
	turns []StubTurn
	next  int

	// Requests records every request for assertions.
	Requests []Request
}

// NewStubClient creates a stub that replays the given turns.
func NewStubClient(turns ...StubTurn) *StubClient {
	return &StubClient{turns: turns}
}

// Invoke returns the next scripted turn, streaming its text one rune at
// a time through onDelta.
func (s *StubClient) Invoke(ctx context.Context, req Request, onDelta StreamFunc) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	if s.next >= len(s.turns) {
		s.mu.Unlock()
		return nil, fmt.Errorf("stub exhausted after %d turns", len(s.turns))
	}
	turn := s.turns[s.next]
	s.next++
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	if onDelta != nil {
		for _, r := range turn.Text {
			if err := onDelta(string(r)); err != nil {
				return nil, err
			}
		}
	}

	stop := "end_turn"
	if len(turn.ToolCalls) > 0 {
		stop = "tool_use"
	}
	return &Completion{
		Text:       turn.Text,
		ToolCalls:  turn.ToolCalls,
		StopReason: stop,
		Usage:      Usage{InputTokens: len(req.Messages) * 10, OutputTokens: len(turn.Text) / 4},
	}, nil
}

// Calls returns how many invocations the stub has served.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
