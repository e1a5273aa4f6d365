package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runforge/runforge/pkg/models"
)

// AppendMessages persists reconstructed model turns in one transaction,
// assigning contiguous ordinals after the current maximum. The loop is the
// run's single writer, so the max-ordinal read inside the transaction is
// race free.
func (s *Store) AppendMessages(ctx context.Context, msgs []*models.RunMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	runID, agentID := msgs[0].RunID, msgs[0].AgentID
	if runID == "" || agentID == "" {
		return fmt.Errorf("%w: messages require run and agent ids", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin message transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(ordinal), -1) + 1
		FROM run_messages
		WHERE run_id = $1 AND agent_id = $2`, runID, agentID).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to read message ordinal: %w", err)
	}

	for _, m := range msgs {
		var toolCalls []byte
		if len(m.ToolCalls) > 0 {
			toolCalls, err = json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
		}
		m.Ordinal = next
		next++
		err = tx.QueryRow(ctx, `
			INSERT INTO run_messages (run_id, agent_id, step_id, ordinal,
				role, content, tool_call_id, tool_calls,
				org_id, user_id, project_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`,
			m.RunID, m.AgentID, m.StepID, m.Ordinal,
			m.Role, m.Content, m.ToolCallID, toolCalls,
			m.Scope.OrgID, m.Scope.UserID, m.Scope.ProjectID).
			Scan(&m.ID, &m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append message ordinal %d: %w", m.Ordinal, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// ListMessages returns a run's reconstructed turns in ordinal order.
func (s *Store) ListMessages(ctx context.Context, runID, agentID string) ([]*models.RunMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, agent_id, step_id, ordinal, role, content,
		       tool_call_id, tool_calls,
		       org_id, user_id, project_id, created_at
		FROM run_messages
		WHERE run_id = $1 AND agent_id = $2
		ORDER BY ordinal`, runID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.RunMessage
	for rows.Next() {
		var m models.RunMessage
		var toolCalls []byte
		err := rows.Scan(&m.ID, &m.RunID, &m.AgentID, &m.StepID, &m.Ordinal,
			&m.Role, &m.Content, &m.ToolCallID, &toolCalls,
			&m.Scope.OrgID, &m.Scope.UserID, &m.Scope.ProjectID, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
