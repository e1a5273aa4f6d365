package agent

import (
	"encoding/json"

	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/models"
)

// ToolPostMessage is the structured-message primitive. Like the
// delegation tools it is intercepted by the loop and never reaches the
// scheduler: the call becomes a message.* event on the run's log, where
// sibling agents and observers read it under the message_type
// denormalization.
const ToolPostMessage = "post_message"

var messageEventTypes = map[string]models.EventType{
	"task":     models.EventMessageTask,
	"proposal": models.EventMessageProposal,
	"decision": models.EventMessageDecision,
	"evidence": models.EventMessageEvidence,
	"status":   models.EventMessageStatus,
}

func postMessageDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        ToolPostMessage,
		Description: "Post a structured message (task, proposal, decision, evidence, or status) to the run log for teammates and observers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {
					"type": "string",
					"enum": ["task", "proposal", "decision", "evidence", "status"]
				},
				"text": {"type": "string", "minLength": 1},
				"refs": {
					"type": "array",
					"items": {"type": "string"}
				}
			},
			"required": ["type", "text"]
		}`),
	}
}

// parsePostMessage converts a post_message call into its event type and
// payload.
func parsePostMessage(call llm.ToolCall) (models.EventType, events.MessagePayload, error) {
	var args struct {
		Type string   `json:"type"`
		Text string   `json:"text"`
		Refs []string `json:"refs"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", events.MessagePayload{}, models.NewCodedError(models.CodeInvalidInput,
			"invalid post_message arguments: %v", err)
	}
	eventType, ok := messageEventTypes[args.Type]
	if !ok {
		return "", events.MessagePayload{}, models.NewCodedError(models.CodeInvalidInput,
			"unknown message type %q", args.Type)
	}
	if args.Text == "" {
		return "", events.MessagePayload{}, models.NewCodedError(models.CodeInvalidInput,
			"post_message requires text")
	}
	return eventType, events.MessagePayload{Text: args.Text, Refs: args.Refs}, nil
}
