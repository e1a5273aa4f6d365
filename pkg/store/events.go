package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/runforge/runforge/pkg/models"
)

const eventColumns = `id, v, ts, run_id, org_id, user_id, project_id,
	session_key, agent_id, step_id, span_id, parent_span_id,
	type, payload, contains_secrets, group_id, message_type`

// InsertEventTx appends one event inside the caller's transaction and
// returns the storage-assigned id. The recorder uses this to coalesce the
// append with its NOTIFY in a single commit.
func (s *Store) InsertEventTx(ctx context.Context, tx pgx.Tx, e *models.Event) (int64, error) {
	if e.RunID == "" {
		return 0, fmt.Errorf("%w: event requires run_id", ErrInvalidInput)
	}
	if e.SpanID == "" {
		return 0, fmt.Errorf("%w: event requires span_id", ErrInvalidInput)
	}
	if !e.Type.Known() {
		return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.V == 0 {
		e.V = models.EventSchemaVersion
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	e.MessageType = e.Type.MessageType()

	err := tx.QueryRow(ctx, `
		INSERT INTO events (v, ts, run_id, org_id, user_id, project_id,
			session_key, agent_id, step_id, span_id, parent_span_id,
			type, payload, contains_secrets, group_id, message_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		e.V, e.TS, e.RunID, e.Scope.OrgID, e.Scope.UserID, e.Scope.ProjectID,
		nullable(e.SessionKey), nullable(e.AgentID), nullable(e.StepID),
		e.SpanID, e.ParentSpanID,
		e.Type, e.Payload, e.Redaction.ContainsSecrets, e.GroupID,
		nullable(e.MessageType)).Scan(&e.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
			pgErr.ConstraintName == "events_decision_per_tool_call" {
			return 0, fmt.Errorf("%w: tool call %s", ErrAlreadyResolved, decisionToolCallID(e))
		}
		return 0, fmt.Errorf("failed to append event %s for run %s: %w", e.Type, e.RunID, err)
	}
	return e.ID, nil
}

// decisionToolCallID extracts the tool_call_id of a decision event for
// error reporting.
func decisionToolCallID(e *models.Event) string {
	var body struct {
		ToolCallID string `json:"tool_call_id"`
	}
	_ = json.Unmarshal(e.Payload, &body)
	return body.ToolCallID
}

// ReadPageParams selects a slice of a run's event log.
type ReadPageParams struct {
	RunID   string
	Scope   models.Scope
	AfterID int64
	Limit   int
	// ExcludeTypes filters noisy event types (llm.token) out of the page.
	ExcludeTypes []models.EventType
}

// EventPage is one cursor step through a run's log.
type EventPage struct {
	Events     []*models.Event
	NextCursor int64
	HasMore    bool
}

// ReadEventPage returns events with id > AfterID in ascending id order.
// Paging to exhaustion yields every event exactly once: ids are assigned
// at insert, but same-run appends hold a per-run advisory lock until
// commit (see Recorder.AppendMany), so a run's events become visible in
// id order and the cursor never skips.
func (s *Store) ReadEventPage(ctx context.Context, p ReadPageParams) (*EventPage, error) {
	if err := s.checkRunScope(ctx, p.RunID, p.Scope); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	exclude := make([]string, 0, len(p.ExcludeTypes))
	for _, t := range p.ExcludeTypes {
		exclude = append(exclude, string(t))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE run_id = $1 AND id > $2
		  AND NOT (type = ANY($3))
		ORDER BY id
		LIMIT $4`,
		p.RunID, p.AfterID, exclude, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to read event page: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event page: %w", err)
	}

	page := &EventPage{NextCursor: p.AfterID}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	page.Events = events
	if n := len(events); n > 0 {
		page.NextCursor = events[n-1].ID
	}
	return page, nil
}

// EventsSince returns all events with id > afterID without scope checks.
// Used by the stream relay for catch-up after the caller already proved
// scope on subscribe.
func (s *Store) EventsSince(ctx context.Context, runID string, afterID int64) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE run_id = $1 AND id > $2
		ORDER BY id`, runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events since %d: %w", afterID, err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventBySpan fetches one event by its span id. Used to resolve the
// run id recorded in a NOTIFY payload back to a full event.
func (s *Store) GetEventBySpan(ctx context.Context, runID, spanID string) (*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE run_id = $1 AND span_id = $2`, runID, spanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get event by span: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

// PendingApproval is a tool call frozen behind the approval gate: a
// tool.requires_approval event with no recorded decision.
type PendingApproval struct {
	EventID    int64           `json:"event_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	Reason     string          `json:"reason"`
	RiskLevel  string          `json:"risk_level"`
}

// PendingApprovals derives unresolved approval requests from the event
// log. There is no separate approvals table; the log is the source of
// truth and resolution is itself an appended event.
func (s *Store) PendingApprovals(ctx context.Context, runID string) ([]PendingApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT req.id, req.payload
		FROM events req
		WHERE req.run_id = $1 AND req.type = $2
		  AND NOT EXISTS (
			SELECT 1 FROM events dec
			WHERE dec.run_id = req.run_id
			  AND dec.type = ANY($3)
			  AND dec.payload->>'tool_call_id' = req.payload->>'tool_call_id'
		  )
		ORDER BY req.id`,
		runID, models.EventToolRequiresApproval,
		[]models.EventType{models.EventToolApproved, models.EventToolRejected})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var pending []PendingApproval
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan pending approval: %w", err)
		}
		var p PendingApproval
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode approval payload: %w", err)
		}
		p.EventID = id
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// ApprovalDecision is a resolved approval the loop has not acted on yet:
// a tool.approved or tool.rejected event with no later tool.result for
// the same tool call.
type ApprovalDecision struct {
	EventID      int64
	ToolCallID   string
	Approved     bool
	Reason       string
	ModifiedArgs json.RawMessage
}

// UnappliedDecisions returns decisions a resumed loop must apply, in
// decision order.
func (s *Store) UnappliedDecisions(ctx context.Context, runID string) ([]ApprovalDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dec.id, dec.type, dec.payload
		FROM events dec
		WHERE dec.run_id = $1 AND dec.type = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM events res
			WHERE res.run_id = dec.run_id
			  AND res.type = $3
			  AND res.id > dec.id
			  AND res.payload->>'tool_call_id' = dec.payload->>'tool_call_id'
		  )
		ORDER BY dec.id`,
		runID,
		[]models.EventType{models.EventToolApproved, models.EventToolRejected},
		models.EventToolResult)
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied decisions: %w", err)
	}
	defer rows.Close()

	var decisions []ApprovalDecision
	for rows.Next() {
		var d ApprovalDecision
		var typ models.EventType
		var payload []byte
		if err := rows.Scan(&d.EventID, &typ, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var body struct {
			ToolCallID   string          `json:"tool_call_id"`
			Reason       string          `json:"reason"`
			ModifiedArgs json.RawMessage `json:"modified_args"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("failed to decode decision payload: %w", err)
		}
		d.ToolCallID = body.ToolCallID
		d.Reason = body.Reason
		d.ModifiedArgs = body.ModifiedArgs
		d.Approved = typ == models.EventToolApproved
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ApprovalRequest returns the original requires_approval payload for a
// tool call, resolved or not.
func (s *Store) ApprovalRequest(ctx context.Context, runID, toolCallID string) (*PendingApproval, error) {
	var id int64
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, payload FROM events
		WHERE run_id = $1 AND type = $2
		  AND payload->>'tool_call_id' = $3
		ORDER BY id
		LIMIT 1`, runID, models.EventToolRequiresApproval, toolCallID).Scan(&id, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	var p PendingApproval
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode approval payload: %w", err)
	}
	p.EventID = id
	return &p, nil
}

// ApprovalRequested reports whether a requires_approval event was ever
// appended for the tool call, resolved or not.
func (s *Store) ApprovalRequested(ctx context.Context, runID, toolCallID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE run_id = $1 AND type = $2
			  AND payload->>'tool_call_id' = $3
		)`, runID, models.EventToolRequiresApproval, toolCallID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check approval request: %w", err)
	}
	return exists, nil
}

// HasTerminalEvent reports whether the run's log is closed.
func (s *Store) HasTerminalEvent(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events WHERE run_id = $1 AND type = ANY($2)
		)`, runID,
		[]models.EventType{
			models.EventRunCompleted, models.EventRunFailed, models.EventRunCancelled,
		}).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check terminal event: %w", err)
	}
	return exists, nil
}

// UserInjectionsSince returns user.injected events appended after the
// given cursor. The observe phase folds these into the next step.
func (s *Store) UserInjectionsSince(ctx context.Context, runID string, afterID int64) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE run_id = $1 AND id > $2 AND type = $3
		ORDER BY id`, runID, afterID, models.EventUserInjected)
	if err != nil {
		return nil, fmt.Errorf("failed to read user injections: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastEventID returns the highest event id for a run, or 0 for an empty
// log.
func (s *Store) LastEventID(ctx context.Context, runID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM events WHERE run_id = $1`, runID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get last event id: %w", err)
	}
	return id, nil
}

// checkRunScope verifies the run exists and is visible under scope.
func (s *Store) checkRunScope(ctx context.Context, runID string, scope models.Scope) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE run_id = $1 AND org_id = $2 AND user_id = $3
			  AND project_id IS NOT DISTINCT FROM $4
		)`, runID, scope.OrgID, scope.UserID, scope.ProjectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run scope: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func scanEvent(rows pgx.Rows) (*models.Event, error) {
	var e models.Event
	var sessionKey, agentID, stepID, messageType *string
	err := rows.Scan(
		&e.ID, &e.V, &e.TS, &e.RunID,
		&e.Scope.OrgID, &e.Scope.UserID, &e.Scope.ProjectID,
		&sessionKey, &agentID, &stepID, &e.SpanID, &e.ParentSpanID,
		&e.Type, &e.Payload, &e.Redaction.ContainsSecrets,
		&e.GroupID, &messageType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	e.SessionKey = deref(sessionKey)
	e.AgentID = deref(agentID)
	e.StepID = deref(stepID)
	e.MessageType = deref(messageType)
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
