// Package swarm coordinates delegated child runs. A parent delegates by
// creating child runs with dependency edges and suspending itself; the
// last child to settle its edge resumes the parent. The fan-in count
// runs under sibling row locks in storage, so exactly one settlement
// observes zero pending edges no matter how children race.
package swarm

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

// MaxDelegationDepth bounds the parent chain. Depth counts edges from
// the root; a root run delegating once produces children at depth 1.
const MaxDelegationDepth = 3

// ChildSpec describes one child run to delegate.
type ChildSpec struct {
	ToolCallID string
	AgentID    string
	RoleID     *string
	Goal       string
	// Permissions delegated to the child; never broader than the
	// parent's own.
	Permissions json.RawMessage
}

// Coordinator creates delegations and settles fan-in.
type Coordinator struct {
	store    *store.Store
	recorder *events.Recorder
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st *store.Store, recorder *events.Recorder) *Coordinator {
	return &Coordinator{store: st, recorder: recorder}
}

// Delegate creates the child runs and their edges, then suspends the
// parent awaiting children. Children inherit the parent's scope and
// session key. Returns the created child run ids in spec order.
func (c *Coordinator) Delegate(ctx context.Context, parent *models.Run, stepID string, specs []ChildSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, models.NewCodedError(models.CodeInvalidInput, "delegation requires at least one child")
	}
	if err := c.checkDepth(ctx, parent); err != nil {
		return nil, err
	}

	childIDs := make([]string, 0, len(specs))
	for _, spec := range specs {
		child, err := c.store.CreateRun(ctx, store.CreateRunParams{
			Scope:                parent.Scope,
			SessionKey:           parent.SessionKey,
			GroupID:              parent.GroupID,
			Input:                spec.Goal,
			AgentID:              spec.AgentID,
			LLMConfig:            parent.LLMConfig,
			ParentRunID:          &parent.ID,
			DelegatedPermissions: spec.Permissions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create child run: %w", err)
		}
		if err := c.store.CreateDependency(ctx, &models.RunDependency{
			ParentRunID: parent.ID,
			ChildRunID:  child.ID,
			ToolCallID:  spec.ToolCallID,
			RoleID:      spec.RoleID,
			Goal:        spec.Goal,
		}); err != nil {
			return nil, err
		}
		childIDs = append(childIDs, child.ID)
	}

	if err := c.store.MarkSuspended(ctx, parent.ID, models.SuspendReasonAwaitingChildren); err != nil {
		return nil, err
	}
	if _, err := c.recorder.Emit(ctx, parent, models.EventRunSuspended, stepID, events.RunSuspendedPayload{
		Reason:      models.SuspendReasonAwaitingChildren,
		ChildRunIDs: childIDs,
	}); err != nil {
		return nil, err
	}

	// Children may settle between their creation and the suspend commit
	// above; those settlements find the parent not yet suspended and do
	// not resume it. Re-check so a fully settled swarm resumes here.
	if err := c.ResumeIfSettled(ctx, parent.ID); err != nil {
		return nil, err
	}

	slog.Info("delegated to swarm",
		"parent_run_id", parent.ID, "children", len(childIDs))
	return childIDs, nil
}

// NotifyTerminal settles a terminal child's edge and resumes the parent
// when it was the last pending one. No-op for top-level runs. Safe to
// call more than once for the same child; only the first settlement
// counts.
func (c *Coordinator) NotifyTerminal(ctx context.Context, child *models.Run) error {
	status := models.DependencyCompleted
	var result json.RawMessage
	var depErr *models.RunError

	switch child.Status {
	case models.RunStatusCompleted:
		if child.Result != nil {
			b, err := json.Marshal(child.Result)
			if err != nil {
				return fmt.Errorf("failed to marshal child result: %w", err)
			}
			result = b
		}
	case models.RunStatusFailed:
		status = models.DependencyFailed
		depErr = child.Error
		if depErr == nil {
			depErr = &models.RunError{Code: models.CodeAgentError, Message: "child run failed"}
		}
	case models.RunStatusCancelled:
		status = models.DependencyFailed
		depErr = &models.RunError{Code: models.CodeChildFailed, Message: "child run was cancelled"}
	default:
		return models.NewCodedError(models.CodeInvalidInput,
			"child %s is not terminal (%s)", child.ID, child.Status)
	}

	fanIn, err := c.store.CompleteDependencyAtomic(ctx, child.ID, status, result, depErr)
	if errors.Is(err, store.ErrNotFound) {
		return nil // top-level run, nothing to settle
	}
	if errors.Is(err, store.ErrConflict) {
		slog.Debug("dependency already settled", "child_run_id", child.ID)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("settled swarm dependency",
		"parent_run_id", fanIn.ParentRunID, "child_run_id", child.ID,
		"status", status, "pending", fanIn.PendingCount)

	if fanIn.PendingCount > 0 {
		return nil
	}
	return c.resumeParent(ctx, fanIn.ParentRunID)
}

// ResumeIfSettled resumes a suspended parent whose edges are all settled
// already. Covers the window where every child finished before the
// parent's suspend committed, leaving no settlement to trigger the
// resume.
func (c *Coordinator) ResumeIfSettled(ctx context.Context, parentRunID string) error {
	pending, err := c.store.PendingDependencyCount(ctx, parentRunID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	return c.resumeParent(ctx, parentRunID)
}

// resumeParent moves the suspended parent back to pending. The guarded
// transition makes resume exactly-once even if two settlements both
// observe zero pending (possible when NotifyTerminal is retried).
func (c *Coordinator) resumeParent(ctx context.Context, parentRunID string) error {
	parent, err := c.store.GetRunByID(ctx, parentRunID)
	if err != nil {
		return err
	}
	if parent.Status != models.RunStatusSuspended ||
		parent.SuspendReason == nil ||
		*parent.SuspendReason != models.SuspendReasonAwaitingChildren {
		// Parent was cancelled or already resumed.
		return nil
	}

	if err := c.store.ResumeFromSuspended(ctx, parentRunID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	deps, err := c.store.ListDependencies(ctx, parentRunID)
	if err != nil {
		return err
	}
	outcomes := make([]events.ChildOutcome, 0, len(deps))
	for _, dep := range deps {
		outcome := events.ChildOutcome{RunID: dep.ChildRunID, Status: string(dep.Status)}
		if dep.Error != nil {
			outcome.ErrorCode = dep.Error.Code
		}
		if len(dep.Result) > 0 {
			var r models.RunResult
			if json.Unmarshal(dep.Result, &r) == nil {
				outcome.Output = r.Output
			}
		}
		outcomes = append(outcomes, outcome)
	}
	if _, err := c.recorder.Emit(ctx, parent, models.EventRunResumed, "", events.RunResumedPayload{
		Reason:   models.SuspendReasonAwaitingChildren,
		Children: outcomes,
	}); err != nil {
		return err
	}
	slog.Info("resumed parent after fan-in", "parent_run_id", parentRunID)
	return nil
}

// CancelChildren best-effort cancels the pending and in-flight children
// of a cancelled parent.
func (c *Coordinator) CancelChildren(ctx context.Context, parent *models.Run) error {
	deps, err := c.store.ListDependencies(ctx, parent.ID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, dep := range deps {
		if dep.Status != models.DependencyPending {
			continue
		}
		if _, err := c.store.Cancel(ctx, dep.ChildRunID, parent.Scope); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to cancel child run",
				"child_run_id", dep.ChildRunID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Results assembles the settled edges of a parent for folding into its
// resumed context.
func (c *Coordinator) Results(ctx context.Context, parentRunID string) ([]*models.RunDependency, error) {
	return c.store.ListDependencies(ctx, parentRunID)
}

// checkDepth rejects delegation that would exceed MaxDelegationDepth.
// Children always get fresh run ids, so the chain cannot cycle; depth is
// the only guard needed.
func (c *Coordinator) checkDepth(ctx context.Context, parent *models.Run) error {
	chain, err := c.store.ParentChain(ctx, parent.ID)
	if err != nil {
		return err
	}
	if len(chain)+1 >= MaxDelegationDepth {
		return models.NewCodedError(models.CodeDelegationCycle,
			"delegation depth limit %d reached", MaxDelegationDepth)
	}
	return nil
}
