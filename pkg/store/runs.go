package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runforge/runforge/pkg/models"
)

const runColumns = `run_id, org_id, user_id, project_id, session_key, group_id,
	input, agent_id, llm_config, parent_run_id, delegated_permissions,
	status, suspend_reason, result, error,
	created_at, started_at, ended_at, cancelled_at, suspended_at,
	pod_id, last_heartbeat_at`

// CreateRunParams carries everything needed to persist a new run. The run
// id is generated server side; callers never pick their own.
type CreateRunParams struct {
	Scope                models.Scope
	SessionKey           string
	GroupID              *string
	Input                string
	AgentID              string
	LLMConfig            json.RawMessage
	ParentRunID          *string
	DelegatedPermissions json.RawMessage
}

// CreateRun inserts a new run in status pending and returns it.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*models.Run, error) {
	if !p.Scope.Valid() {
		return nil, fmt.Errorf("%w: scope requires org and user", ErrInvalidInput)
	}
	if p.Input == "" {
		return nil, fmt.Errorf("%w: input is required", ErrInvalidInput)
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}

	run := &models.Run{
		ID:                   models.NewRunID(),
		Scope:                p.Scope,
		SessionKey:           p.SessionKey,
		GroupID:              p.GroupID,
		Input:                p.Input,
		AgentID:              p.AgentID,
		LLMConfig:            p.LLMConfig,
		ParentRunID:          p.ParentRunID,
		DelegatedPermissions: p.DelegatedPermissions,
		Status:               models.RunStatusPending,
		CreatedAt:            time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, org_id, user_id, project_id, session_key, group_id,
			input, agent_id, llm_config, parent_run_id, delegated_permissions,
			status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.Scope.OrgID, run.Scope.UserID, run.Scope.ProjectID,
		run.SessionKey, run.GroupID, run.Input, run.AgentID, run.LLMConfig,
		run.ParentRunID, run.DelegatedPermissions, run.Status, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run visible under the given scope.
func (s *Store) GetRun(ctx context.Context, runID string, scope models.Scope) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE run_id = $1 AND org_id = $2 AND user_id = $3
		  AND project_id IS NOT DISTINCT FROM $4`,
		runID, scope.OrgID, scope.UserID, scope.ProjectID)
	return scanRun(row)
}

// GetRunByID fetches a run without a scope check. Reserved for runtime
// internals (workers, the swarm coordinator) that operate on runs they
// already own; API handlers must use GetRun.
func (s *Store) GetRunByID(ctx context.Context, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// ClaimNextPending atomically claims the oldest pending run for the given
// pod and moves it to running. Returns ErrNotFound when no pending run is
// available. SKIP LOCKED keeps competing workers from blocking on the
// same row.
func (s *Store) ClaimNextPending(ctx context.Context, podID string) (*models.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var runID string
	err = tx.QueryRow(ctx, `
		SELECT run_id FROM runs
		WHERE status = $1
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, models.RunStatusPending).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending run: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE runs
		SET status = $2, pod_id = $3, last_heartbeat_at = now(),
		    started_at = COALESCE(started_at, now())
		WHERE run_id = $1
		RETURNING `+runColumns, runID, models.RunStatusRunning, podID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return run, nil
}

// ClaimRunning transitions a specific run from pending to running. Used
// when a worker resumes a run it was handed directly rather than through
// the queue sweep. Returns ErrConflict if the run is not pending.
func (s *Store) ClaimRunning(ctx context.Context, runID, podID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE runs
		SET status = $2, pod_id = $3, last_heartbeat_at = now(),
		    started_at = COALESCE(started_at, now())
		WHERE run_id = $1 AND status = $4
		RETURNING `+runColumns,
		runID, models.RunStatusRunning, podID, models.RunStatusPending)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, s.conflictOrNotFound(ctx, runID)
	}
	return run, err
}

// MarkWaiting moves a running run to waiting (an LLM call or tool batch is
// in flight and the loop is parked on IO).
func (s *Store) MarkWaiting(ctx context.Context, runID string) error {
	return s.transition(ctx, runID, models.RunStatusRunning, models.RunStatusWaiting, "")
}

// ResumeFromWaiting moves a waiting run back to running.
func (s *Store) ResumeFromWaiting(ctx context.Context, runID string) error {
	return s.transition(ctx, runID, models.RunStatusWaiting, models.RunStatusRunning, "")
}

// MarkSuspended parks a running run with the given reason. The worker slot
// is released after this succeeds.
func (s *Store) MarkSuspended(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, suspend_reason = $3, suspended_at = now(),
		    pod_id = NULL, last_heartbeat_at = NULL
		WHERE run_id = $1 AND status = $4`,
		runID, models.RunStatusSuspended, reason, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to suspend run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, runID)
	}
	return nil
}

// ResumeFromSuspended moves a suspended run back to pending so a worker
// can pick it up. Returns ErrConflict if the run is not suspended, which
// callers rely on for exactly-once resume.
func (s *Store) ResumeFromSuspended(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, suspend_reason = NULL, suspended_at = NULL
		WHERE run_id = $1 AND status = $3`,
		runID, models.RunStatusPending, models.RunStatusSuspended)
	if err != nil {
		return fmt.Errorf("failed to resume run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, runID)
	}
	return nil
}

// Complete finishes a run successfully with the given output.
func (s *Store) Complete(ctx context.Context, runID string, result *models.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, result = $3, ended_at = now(),
		    pod_id = NULL, last_heartbeat_at = NULL
		WHERE run_id = $1 AND status = ANY($4)`,
		runID, models.RunStatusCompleted, resultJSON,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusWaiting})
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, runID)
	}
	return nil
}

// Fail finishes a run with a structured error.
func (s *Store) Fail(ctx context.Context, runID string, runErr *models.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, error = $3, ended_at = now(),
		    pod_id = NULL, last_heartbeat_at = NULL
		WHERE run_id = $1 AND status = ANY($4)`,
		runID, models.RunStatusFailed, errJSON,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusWaiting, models.RunStatusPending})
	if err != nil {
		return fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, runID)
	}
	return nil
}

// Cancel moves a non-terminal run to cancelled. Cancelling a run that is
// already terminal is a no-op; the stored outcome is preserved.
func (s *Store) Cancel(ctx context.Context, runID string, scope models.Scope) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE runs
		SET status = $2, cancelled_at = now(), ended_at = now(),
		    suspend_reason = NULL, pod_id = NULL, last_heartbeat_at = NULL
		WHERE run_id = $1 AND org_id = $3 AND user_id = $4
		  AND project_id IS NOT DISTINCT FROM $5
		  AND status = ANY($6)
		RETURNING `+runColumns,
		runID, models.RunStatusCancelled,
		scope.OrgID, scope.UserID, scope.ProjectID,
		[]models.RunStatus{
			models.RunStatusPending, models.RunStatusRunning,
			models.RunStatusWaiting, models.RunStatusSuspended,
		})
	run, err := scanRun(row)
	if !errors.Is(err, ErrNotFound) {
		return run, err
	}
	// Either not visible or already terminal. Terminal is idempotent.
	existing, getErr := s.GetRun(ctx, runID, scope)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Status.Terminal() {
		return existing, nil
	}
	return nil, fmt.Errorf("%w: run %s is %s", ErrConflict, runID, existing.Status)
}

// Heartbeat refreshes the liveness timestamp for a claimed run.
func (s *Store) Heartbeat(ctx context.Context, runID, podID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET last_heartbeat_at = now()
		WHERE run_id = $1 AND pod_id = $2
		  AND status = ANY($3)`,
		runID, podID,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusWaiting})
	if err != nil {
		return fmt.Errorf("failed to heartbeat run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueOrphans returns stale claimed runs to pending. A run is orphaned
// when its heartbeat is older than the threshold, which means the pod that
// claimed it died mid-execution. Requeueing is safe because the loop
// resumes from its last checkpoint.
func (s *Store) RequeueOrphans(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE runs
		SET status = $1, pod_id = NULL, last_heartbeat_at = NULL
		WHERE status = ANY($2)
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at < now() - $3::interval
		RETURNING run_id`,
		models.RunStatusPending,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusWaiting},
		staleAfter.String())
	if err != nil {
		return nil, fmt.Errorf("failed to requeue orphaned runs: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// RequeueStartupOrphans returns runs still claimed by this pod to pending.
// Called once at startup: any claim surviving a restart is stale by
// definition.
func (s *Store) RequeueStartupOrphans(ctx context.Context, podID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE runs
		SET status = $1, pod_id = NULL, last_heartbeat_at = NULL
		WHERE pod_id = $2 AND status = ANY($3)
		RETURNING run_id`,
		models.RunStatusPending, podID,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusWaiting})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// DeleteExpiredRuns removes terminal top-level runs whose run ended
// before the retention window, in batches. Events, messages,
// checkpoints, and child runs go with them through cascading deletes.
func (s *Store) DeleteExpiredRuns(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs
			WHERE status IN ($1, $2, $3)
			  AND parent_run_id IS NULL
			  AND ended_at IS NOT NULL
			  AND ended_at < now() - $4::interval
			LIMIT $5
		)`,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled,
		olderThan.String(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPending returns the queue depth across all pods.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = $1`, models.RunStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending runs: %w", err)
	}
	return n, nil
}

// ListSessionHistory returns completed top-level runs for a session key in
// chronological order, visible under the given scope.
func (s *Store) ListSessionHistory(ctx context.Context, scope models.Scope, sessionKey string, limit int) ([]models.SessionHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, input, result
		FROM runs
		WHERE session_key = $1 AND status = $2 AND parent_run_id IS NULL
		  AND org_id = $3 AND user_id = $4
		  AND project_id IS NOT DISTINCT FROM $5
		ORDER BY ended_at
		LIMIT $6`,
		sessionKey, models.RunStatusCompleted,
		scope.OrgID, scope.UserID, scope.ProjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	defer rows.Close()

	var entries []models.SessionHistoryEntry
	for rows.Next() {
		var e models.SessionHistoryEntry
		var resultJSON []byte
		if err := rows.Scan(&e.RunID, &e.Input, &resultJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if len(resultJSON) > 0 {
			var r models.RunResult
			if err := json.Unmarshal(resultJSON, &r); err == nil {
				e.Output = r.Output
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListChildren returns the direct children of a run, visible under the
// given scope, in creation order.
func (s *Store) ListChildren(ctx context.Context, parentRunID string, scope models.Scope) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE parent_run_id = $1 AND org_id = $2 AND user_id = $3
		  AND project_id IS NOT DISTINCT FROM $4
		ORDER BY created_at`,
		parentRunID, scope.OrgID, scope.UserID, scope.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ParentChain returns the ancestry of a run from its immediate parent up
// to the root. Used for delegation cycle and depth checks.
func (s *Store) ParentChain(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT run_id, parent_run_id, 1 AS depth
			FROM runs WHERE run_id = $1
			UNION ALL
			SELECT r.run_id, r.parent_run_id, chain.depth + 1
			FROM runs r
			JOIN chain ON r.run_id = chain.parent_run_id
			WHERE chain.depth < 64
		)
		SELECT run_id FROM chain WHERE run_id <> $1 ORDER BY depth`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk parent chain: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) transition(ctx context.Context, runID string, from, to models.RunStatus, _ string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2 WHERE run_id = $1 AND status = $3`,
		runID, to, from)
	if err != nil {
		return fmt.Errorf("failed to transition run %s to %s: %w", runID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, runID)
	}
	return nil
}

// conflictOrNotFound disambiguates a zero-row guarded update: the run is
// either missing entirely or in a state the transition does not allow.
func (s *Store) conflictOrNotFound(ctx context.Context, runID string) error {
	var status models.RunStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect run %s: %w", runID, err)
	}
	return fmt.Errorf("%w: run %s is %s", ErrConflict, runID, status)
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	err := row.Scan(
		&r.ID, &r.Scope.OrgID, &r.Scope.UserID, &r.Scope.ProjectID,
		&r.SessionKey, &r.GroupID, &r.Input, &r.AgentID, &r.LLMConfig,
		&r.ParentRunID, &r.DelegatedPermissions,
		&r.Status, &r.SuspendReason, &r.Result, &r.Error,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.CancelledAt, &r.SuspendedAt,
		&r.PodID, &r.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return &r, nil
}

func scanRunRows(rows pgx.Rows) (*models.Run, error) {
	return scanRun(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
