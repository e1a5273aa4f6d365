package agent

import (
	"fmt"
	"strings"

	"github.com/runforge/runforge/pkg/llm"
)

// toolOutputSummaryLimit is the length a raw tool output is cut to when
// the context is over budget.
const toolOutputSummaryLimit = 1024

// trimNotice replaces history dropped by the budget so the model knows
// the conversation is not complete.
const trimNotice = "[earlier conversation trimmed to fit the context budget]"

// estimateTokens is the rough chars/4 heuristic used for budget checks.
func estimateTokens(s string) int {
	return len(s) / 4
}

func messageTokens(m llm.Message) int {
	t := estimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		t += estimateTokens(tc.Name) + estimateTokens(string(tc.Arguments))
	}
	return t
}

// buildContext assembles the model request for one step. The system
// prompt and retrieved memory are never trimmed; history shrinks in two
// passes, first summarizing old raw tool output, then dropping oldest
// turns, until the request fits the budget.
func buildContext(def Definition, history []llm.Message, retrieved []MemoryItem, toolDefs []llm.ToolDef) llm.Request {
	system := def.SystemPrompt
	if len(retrieved) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nRelevant memory:\n")
		for _, item := range retrieved {
			fmt.Fprintf(&b, "- %s: %s\n", item.Key, item.Content)
		}
		system = b.String()
	}

	budget := def.TokenBudget - estimateTokens(system) - def.MaxTokens
	for _, td := range toolDefs {
		budget -= estimateTokens(td.Description) + estimateTokens(string(td.InputSchema))
	}

	messages := trimHistory(history, budget)

	return llm.Request{
		Model:       def.Model,
		System:      system,
		Messages:    messages,
		Tools:       toolDefs,
		MaxTokens:   def.MaxTokens,
		Temperature: def.Temperature,
	}
}

// trimHistory fits history into the budget. Tool outputs are summarized
// before whole turns are dropped; dropped turns are replaced with a
// single notice so the model knows context is partial.
func trimHistory(history []llm.Message, budget int) []llm.Message {
	total := 0
	for _, m := range history {
		total += messageTokens(m)
	}
	if total <= budget || len(history) == 0 {
		return history
	}

	// Pass 1: summarize old raw tool output, newest step excluded.
	trimmed := make([]llm.Message, len(history))
	copy(trimmed, history)
	for i := 0; i < len(trimmed)-1 && total > budget; i++ {
		m := &trimmed[i]
		if m.Role != "tool" || len(m.Content) <= toolOutputSummaryLimit {
			continue
		}
		total -= estimateTokens(m.Content)
		m.Content = m.Content[:toolOutputSummaryLimit] + "\n[output truncated]"
		total += estimateTokens(m.Content)
	}
	if total <= budget {
		return trimmed
	}

	// Pass 2: drop oldest turns. Never start the remaining history on a
	// tool result whose call was dropped.
	drop := 0
	for drop < len(trimmed)-1 && total > budget {
		total -= messageTokens(trimmed[drop])
		drop++
	}
	for drop < len(trimmed)-1 && trimmed[drop].Role == "tool" {
		total -= messageTokens(trimmed[drop])
		drop++
	}
	remaining := trimmed[drop:]

	out := make([]llm.Message, 0, len(remaining)+1)
	out = append(out, llm.Message{Role: "user", Content: trimNotice})
	out = append(out, remaining...)
	return out
}
