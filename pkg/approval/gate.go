// Package approval implements the human-in-the-loop gate. State lives
// entirely in the event log: a pending approval is a
// tool.requires_approval event with no decision event, and resolving
// appends the decision plus the run's resume transition. There is no
// in-memory continuation; the resumed loop re-derives what to do from
// the log.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// Gate suspends runs on approval-required tool calls and resolves
// decisions.
type Gate struct {
	store    *store.Store
	recorder *events.Recorder
}

// NewGate creates a Gate.
func NewGate(st *store.Store, recorder *events.Recorder) *Gate {
	return &Gate{store: st, recorder: recorder}
}

// Freeze suspends a run behind the gate: one tool.requires_approval
// event per call, then a single running→suspended transition. The
// caller (the loop) returns its worker slot after this succeeds.
func (g *Gate) Freeze(ctx context.Context, run *models.Run, stepID string, reqs []events.ApprovalRequestPayload) error {
	if len(reqs) == 0 {
		return models.NewCodedError(models.CodeInvalidInput, "freeze requires at least one call")
	}
	for _, req := range reqs {
		if _, err := g.recorder.Emit(ctx, run, models.EventToolRequiresApproval, stepID, req); err != nil {
			return err
		}
	}
	if err := g.store.MarkSuspended(ctx, run.ID, models.SuspendReasonAwaitingApproval); err != nil {
		return err
	}
	if _, err := g.recorder.Emit(ctx, run, models.EventRunSuspended, stepID, events.RunSuspendedPayload{
		Reason:     models.SuspendReasonAwaitingApproval,
		ToolCallID: reqs[0].ToolCallID,
	}); err != nil {
		return err
	}
	slog.Info("run suspended awaiting approval",
		"run_id", run.ID, "calls", len(reqs))
	return nil
}

// Decision is an operator's answer to a pending approval. ModifiedArgs
// on an approval replaces the call's arguments at execution time.
type Decision struct {
	ToolCallID   string
	Approve      bool
	Approver     string
	Reason       string
	ModifiedArgs json.RawMessage
}

// Resolve records a decision and requeues the run. The first decision
// for a tool call wins; later ones fail with ALREADY_RESOLVED. Scope is
// checked before anything is written.
func (g *Gate) Resolve(ctx context.Context, runID string, scope models.Scope, d Decision) error {
	run, err := g.store.GetRun(ctx, runID, scope)
	if err != nil {
		return err
	}

	pending, err := g.store.PendingApprovals(ctx, runID)
	if err != nil {
		return err
	}
	var match *store.PendingApproval
	for i := range pending {
		if pending[i].ToolCallID == d.ToolCallID {
			match = &pending[i]
			break
		}
	}
	if match == nil {
		// Distinguish never-requested from already-decided.
		decided, derr := g.store.UnappliedDecisions(ctx, runID)
		if derr != nil {
			return derr
		}
		for _, dec := range decided {
			if dec.ToolCallID == d.ToolCallID {
				return fmt.Errorf("%w: tool call %s", store.ErrAlreadyResolved, d.ToolCallID)
			}
		}
		if requested, rerr := g.store.ApprovalRequested(ctx, runID, d.ToolCallID); rerr != nil {
			return rerr
		} else if requested {
			return fmt.Errorf("%w: tool call %s", store.ErrAlreadyResolved, d.ToolCallID)
		}
		return fmt.Errorf("%w: no pending approval for tool call %s", store.ErrNotFound, d.ToolCallID)
	}

	decisionType := models.EventToolRejected
	if d.Approve {
		decisionType = models.EventToolApproved
	}
	// The pending check above is advisory only. The unique index on
	// decision events is the real guard: of two concurrent resolves for
	// the same tool call, the loser's append fails with ALREADY_RESOLVED.
	if _, err := g.recorder.Emit(ctx, run, decisionType, "", events.ApprovalDecisionPayload{
		ToolCallID:   d.ToolCallID,
		Approver:     d.Approver,
		Reason:       d.Reason,
		ModifiedArgs: d.ModifiedArgs,
	}); err != nil {
		return err
	}

	// Resume only once every frozen call has a decision. A run
	// cancelled while suspended keeps its decision events but does not
	// resume.
	remaining, err := g.store.PendingApprovals(ctx, runID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	if err := g.store.ResumeFromSuspended(ctx, runID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Warn("approval resolved but run not resumable",
				"run_id", runID, "tool_call_id", d.ToolCallID, "error", err)
			return nil
		}
		return err
	}
	if _, err := g.recorder.Emit(ctx, run, models.EventRunResumed, "", events.RunResumedPayload{
		Reason: models.SuspendReasonAwaitingApproval,
	}); err != nil {
		return err
	}
	slog.Info("approval resolved",
		"run_id", runID, "tool_call_id", d.ToolCallID, "approved", d.Approve)
	return nil
}

// Pending lists a run's unresolved approvals under the caller's scope.
func (g *Gate) Pending(ctx context.Context, runID string, scope models.Scope) ([]store.PendingApproval, error) {
	if _, err := g.store.GetRun(ctx, runID, scope); err != nil {
		return nil, err
	}
	return g.store.PendingApprovals(ctx, runID)
}
