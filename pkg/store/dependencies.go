package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/runforge/runforge/pkg/models"
)

const dependencyColumns = `id, parent_run_id, child_run_id, tool_call_id,
	role_id, goal, status, result, error, created_at, completed_at`

// CreateDependency records one delegation edge. Each child belongs to
// exactly one parent; a duplicate child is an input error.
func (s *Store) CreateDependency(ctx context.Context, dep *models.RunDependency) error {
	if dep.ParentRunID == "" || dep.ChildRunID == "" {
		return fmt.Errorf("%w: dependency requires parent and child run ids", ErrInvalidInput)
	}
	if dep.Status == "" {
		dep.Status = models.DependencyPending
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO run_dependencies (parent_run_id, child_run_id, tool_call_id,
			role_id, goal, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		dep.ParentRunID, dep.ChildRunID, dep.ToolCallID,
		dep.RoleID, dep.Goal, dep.Status).
		Scan(&dep.ID, &dep.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create dependency %s -> %s: %w",
			dep.ParentRunID, dep.ChildRunID, err)
	}
	return nil
}

// FanIn is the outcome of settling one dependency edge under the sibling
// lock: the edge itself plus the parent's remaining pending count observed
// in the same transaction.
type FanIn struct {
	Dependency   *models.RunDependency
	ParentRunID  string
	PendingCount int
}

// CompleteDependencyAtomic settles the edge for a terminal child and
// counts the parent's remaining pending edges, all under row locks on the
// parent's full sibling set. Two children finishing concurrently serialize
// here, so exactly one caller observes the count reach zero.
//
// Returns ErrNotFound when the child has no edge (a top-level run) and
// ErrConflict when the edge was already settled.
func (s *Store) CompleteDependencyAtomic(ctx context.Context, childRunID string, status models.DependencyStatus, result json.RawMessage, depErr *models.RunError) (*FanIn, error) {
	if status != models.DependencyCompleted && status != models.DependencyFailed {
		return nil, fmt.Errorf("%w: dependency can only settle to completed or failed", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fan-in transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var parentRunID string
	var edgeStatus models.DependencyStatus
	err = tx.QueryRow(ctx, `
		SELECT parent_run_id, status FROM run_dependencies
		WHERE child_run_id = $1
		FOR UPDATE`, childRunID).Scan(&parentRunID, &edgeStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock dependency edge: %w", err)
	}
	if edgeStatus != models.DependencyPending {
		return nil, fmt.Errorf("%w: dependency for child %s already %s",
			ErrConflict, childRunID, edgeStatus)
	}

	// Lock the whole sibling set so concurrent settlements serialize and
	// the pending count below is exact.
	_, err = tx.Exec(ctx, `
		SELECT 1 FROM run_dependencies
		WHERE parent_run_id = $1
		ORDER BY id
		FOR UPDATE`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock sibling set: %w", err)
	}

	var errJSON []byte
	if depErr != nil {
		errJSON, err = json.Marshal(depErr)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dependency error: %w", err)
		}
	}
	row := tx.QueryRow(ctx, `
		UPDATE run_dependencies
		SET status = $2, result = $3, error = $4, completed_at = now()
		WHERE child_run_id = $1
		RETURNING `+dependencyColumns,
		childRunID, status, result, errJSON)
	dep, err := scanDependency(row)
	if err != nil {
		return nil, err
	}

	var pending int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM run_dependencies
		WHERE parent_run_id = $1 AND status = $2`,
		parentRunID, models.DependencyPending).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending siblings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit fan-in: %w", err)
	}
	return &FanIn{Dependency: dep, ParentRunID: parentRunID, PendingCount: pending}, nil
}

// PendingDependencyCount returns the number of unsettled edges under a
// parent.
func (s *Store) PendingDependencyCount(ctx context.Context, parentRunID string) (int, error) {
	var pending int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM run_dependencies
		WHERE parent_run_id = $1 AND status = $2`,
		parentRunID, models.DependencyPending).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending dependencies: %w", err)
	}
	return pending, nil
}

// ListDependencies returns a parent's edges in creation order.
func (s *Store) ListDependencies(ctx context.Context, parentRunID string) ([]*models.RunDependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dependencyColumns+`
		FROM run_dependencies
		WHERE parent_run_id = $1
		ORDER BY id`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*models.RunDependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// GetDependencyByChild returns the edge a child settles, if any.
func (s *Store) GetDependencyByChild(ctx context.Context, childRunID string) (*models.RunDependency, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dependencyColumns+`
		FROM run_dependencies
		WHERE child_run_id = $1`, childRunID)
	return scanDependency(row)
}

// GetSwarmStatus assembles the swarm snapshot for a parent run visible
// under the given scope.
func (s *Store) GetSwarmStatus(ctx context.Context, parentRunID string, scope models.Scope) (*models.SwarmStatus, error) {
	parent, err := s.GetRun(ctx, parentRunID, scope)
	if err != nil {
		return nil, err
	}
	deps, err := s.ListDependencies(ctx, parentRunID)
	if err != nil {
		return nil, err
	}
	status := &models.SwarmStatus{
		ParentRunID:  parentRunID,
		ParentStatus: parent.Status,
		Dependencies: deps,
	}
	for _, dep := range deps {
		status.Summary.Total++
		switch dep.Status {
		case models.DependencyPending:
			status.Summary.Pending++
		case models.DependencyCompleted:
			status.Summary.Completed++
		case models.DependencyFailed:
			status.Summary.Failed++
		}
	}
	return status, nil
}

func scanDependency(row pgx.Row) (*models.RunDependency, error) {
	var dep models.RunDependency
	err := row.Scan(&dep.ID, &dep.ParentRunID, &dep.ChildRunID, &dep.ToolCallID,
		&dep.RoleID, &dep.Goal, &dep.Status, &dep.Result, &dep.Error,
		&dep.CreatedAt, &dep.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dependency: %w", err)
	}
	return &dep, nil
}
