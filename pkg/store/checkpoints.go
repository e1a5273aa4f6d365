package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/runforge/runforge/pkg/models"
)

// SaveCheckpoint persists one snapshot for (run, agent, step). A second
// save for the same step replaces the first; a crash between the
// checkpoint and the step's side effects must not fork state.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.RunID == "" || cp.AgentID == "" || cp.StepID == "" {
		return fmt.Errorf("%w: checkpoint requires run, agent, and step ids", ErrInvalidInput)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO checkpoints (run_id, agent_id, step_id, state,
			org_id, user_id, project_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, agent_id, step_id)
		DO UPDATE SET state = EXCLUDED.state, created_at = now()
		RETURNING id, created_at`,
		cp.RunID, cp.AgentID, cp.StepID, cp.State,
		cp.Scope.OrgID, cp.Scope.UserID, cp.Scope.ProjectID).
		Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for run %s step %s: %w", cp.RunID, cp.StepID, err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for (run, agent), or
// ErrNotFound when the run has never checkpointed.
func (s *Store) LatestCheckpoint(ctx context.Context, runID, agentID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, agent_id, step_id, state,
		       org_id, user_id, project_id, created_at
		FROM checkpoints
		WHERE run_id = $1 AND agent_id = $2
		ORDER BY id DESC
		LIMIT 1`, runID, agentID).
		Scan(&cp.ID, &cp.RunID, &cp.AgentID, &cp.StepID, &cp.State,
			&cp.Scope.OrgID, &cp.Scope.UserID, &cp.Scope.ProjectID, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return &cp, nil
}
