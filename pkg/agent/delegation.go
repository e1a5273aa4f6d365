package agent

import (
	"encoding/json"
	"fmt"

	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/swarm"
)

// Delegation primitives. These are intercepted by the loop and routed to
// the swarm coordinator; they never reach the tool scheduler.
const (
	ToolDispatchSubtasks = "dispatch_subtasks"
	ToolHandoffTo        = "handoff_to"
	ToolEscalateToGroup  = "escalate_to_group"
)

// IsDelegation reports whether a tool name is a delegation primitive.
func IsDelegation(name string) bool {
	switch name {
	case ToolDispatchSubtasks, ToolHandoffTo, ToolEscalateToGroup:
		return true
	}
	return false
}

// delegationDefs are the tool definitions offered to agents that may
// delegate.
func delegationDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        ToolDispatchSubtasks,
			Description: "Fan out independent subtasks to child agents and wait for all of them.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"subtasks": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"agent_id": {"type": "string"},
								"role_id": {"type": "string"},
								"goal": {"type": "string"}
							},
							"required": ["goal"]
						}
					}
				},
				"required": ["subtasks"]
			}`),
		},
		{
			Name:        ToolHandoffTo,
			Description: "Hand the task to a single specialist agent and wait for its result.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agent_id": {"type": "string"},
					"goal": {"type": "string"}
				},
				"required": ["agent_id", "goal"]
			}`),
		},
		{
			Name:        ToolEscalateToGroup,
			Description: "Escalate the task to a group of agents for independent takes.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agent_ids": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string"}
					},
					"goal": {"type": "string"}
				},
				"required": ["agent_ids", "goal"]
			}`),
		},
	}
}

// parseDelegation converts a delegation call's arguments into child
// specs. The calling agent's id is the default for subtasks that omit
// one.
func parseDelegation(call llm.ToolCall, defaultAgentID string) ([]swarm.ChildSpec, error) {
	switch call.Name {
	case ToolDispatchSubtasks:
		var args struct {
			Subtasks []struct {
				AgentID string `json:"agent_id"`
				RoleID  string `json:"role_id"`
				Goal    string `json:"goal"`
			} `json:"subtasks"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"invalid dispatch_subtasks arguments: %v", err)
		}
		if len(args.Subtasks) == 0 {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"dispatch_subtasks requires at least one subtask")
		}
		specs := make([]swarm.ChildSpec, 0, len(args.Subtasks))
		for _, st := range args.Subtasks {
			agentID := st.AgentID
			if agentID == "" {
				agentID = defaultAgentID
			}
			spec := swarm.ChildSpec{
				ToolCallID: call.ID,
				AgentID:    agentID,
				Goal:       st.Goal,
			}
			if st.RoleID != "" {
				roleID := st.RoleID
				spec.RoleID = &roleID
			}
			specs = append(specs, spec)
		}
		return specs, nil

	case ToolHandoffTo:
		var args struct {
			AgentID string `json:"agent_id"`
			Goal    string `json:"goal"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"invalid handoff_to arguments: %v", err)
		}
		if args.AgentID == "" || args.Goal == "" {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"handoff_to requires agent_id and goal")
		}
		return []swarm.ChildSpec{{
			ToolCallID: call.ID,
			AgentID:    args.AgentID,
			Goal:       args.Goal,
		}}, nil

	case ToolEscalateToGroup:
		var args struct {
			AgentIDs []string `json:"agent_ids"`
			Goal     string   `json:"goal"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"invalid escalate_to_group arguments: %v", err)
		}
		if len(args.AgentIDs) == 0 || args.Goal == "" {
			return nil, models.NewCodedError(models.CodeInvalidInput,
				"escalate_to_group requires agent_ids and goal")
		}
		specs := make([]swarm.ChildSpec, 0, len(args.AgentIDs))
		for _, id := range args.AgentIDs {
			specs = append(specs, swarm.ChildSpec{
				ToolCallID: call.ID,
				AgentID:    id,
				Goal:       args.Goal,
			})
		}
		return specs, nil
	}
	return nil, fmt.Errorf("%s is not a delegation primitive", call.Name)
}
