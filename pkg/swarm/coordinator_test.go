package swarm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
	"github.com/runforge/runforge/pkg/swarm"
	testdb "github.com/runforge/runforge/test/database"
)

type swarmFixture struct {
	store *store.Store
	coord *swarm.Coordinator
	scope models.Scope
}

func newSwarmFixture(t *testing.T) *swarmFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	st := store.New(client.Pool())
	recorder := events.NewRecorder(st, events.NewBus(), nil, "pod-test")
	project := "proj-1"
	return &swarmFixture{
		store: st,
		coord: swarm.NewCoordinator(st, recorder),
		scope: models.Scope{OrgID: "org-1", UserID: "user-1", ProjectID: &project},
	}
}

func (f *swarmFixture) runningRun(t *testing.T, input string) *models.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.store.CreateRun(ctx, store.CreateRunParams{
		Scope:      f.scope,
		SessionKey: "sess-1",
		Input:      input,
		AgentID:    "assistant",
	})
	require.NoError(t, err)
	run, err = f.store.ClaimRunning(ctx, run.ID, "pod-test")
	require.NoError(t, err)
	return run
}

// completeChild drives a child run to completed and notifies the swarm,
// the way the worker does after its executor returns.
func (f *swarmFixture) completeChild(t *testing.T, childID, output string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.ClaimRunning(ctx, childID, "pod-test")
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, childID, &models.RunResult{Output: output}))
	child, err := f.store.GetRunByID(ctx, childID)
	require.NoError(t, err)
	require.NoError(t, f.coord.NotifyTerminal(ctx, child))
}

func TestDelegateCreatesChildrenAndSuspends(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "research and summarize")

	roleID := "critic"
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "find sources"},
		{ToolCallID: "call-2", AgentID: "researcher", RoleID: &roleID, Goal: "check claims"},
	})
	require.NoError(t, err)
	require.Len(t, childIDs, 2)

	got, err := f.store.GetRun(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, got.Status)
	require.NotNil(t, got.SuspendReason)
	assert.Equal(t, models.SuspendReasonAwaitingChildren, *got.SuspendReason)

	for i, childID := range childIDs {
		child, err := f.store.GetRun(ctx, childID, f.scope)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPending, child.Status)
		require.NotNil(t, child.ParentRunID)
		assert.Equal(t, parent.ID, *child.ParentRunID)
		assert.Equal(t, parent.SessionKey, child.SessionKey)
		if i == 1 {
			assert.Equal(t, "check claims", child.Input)
		}
	}

	deps, err := f.coord.Results(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	require.NotNil(t, deps[1].RoleID)
	assert.Equal(t, "critic", *deps[1].RoleID)
}

func TestDelegateRequiresChildren(t *testing.T) {
	f := newSwarmFixture(t)
	parent := f.runningRun(t, "nothing to do")

	_, err := f.coord.Delegate(context.Background(), parent, "step-1", nil)
	var coded *models.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, models.CodeInvalidInput, coded.Code)
}

func TestDelegateDepthLimit(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()

	// Build a chain root -> mid -> leaf and try to delegate from leaf.
	root := f.runningRun(t, "root goal")
	midIDs, err := f.coord.Delegate(ctx, root, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "mid goal"},
	})
	require.NoError(t, err)

	mid, err := f.store.ClaimRunning(ctx, midIDs[0], "pod-test")
	require.NoError(t, err)
	leafIDs, err := f.coord.Delegate(ctx, mid, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-2", AgentID: "researcher", Goal: "leaf goal"},
	})
	require.NoError(t, err)

	leaf, err := f.store.ClaimRunning(ctx, leafIDs[0], "pod-test")
	require.NoError(t, err)
	_, err = f.coord.Delegate(ctx, leaf, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-3", AgentID: "researcher", Goal: "too deep"},
	})
	var coded *models.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, models.CodeDelegationCycle, coded.Code)
}

func TestResumeIfSettledCoversPreSuspendFinish(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "delegate fast children")

	// Children settle while the parent is still running, i.e. before its
	// suspend commits. Their notifications find nothing to resume.
	var childIDs []string
	for i, goal := range []string{"first", "second"} {
		child, err := f.store.CreateRun(ctx, store.CreateRunParams{
			Scope:       f.scope,
			SessionKey:  parent.SessionKey,
			Input:       goal,
			AgentID:     "researcher",
			ParentRunID: &parent.ID,
		})
		require.NoError(t, err)
		require.NoError(t, f.store.CreateDependency(ctx, &models.RunDependency{
			ParentRunID: parent.ID,
			ChildRunID:  child.ID,
			ToolCallID:  fmt.Sprintf("call-%d", i+1),
			Goal:        goal,
		}))
		childIDs = append(childIDs, child.ID)
	}
	for _, childID := range childIDs {
		f.completeChild(t, childID, "done early")
	}

	got, err := f.store.GetRunByID(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, got.Status,
		"settlements before the suspend must not resume")

	require.NoError(t, f.store.MarkSuspended(ctx, parent.ID, models.SuspendReasonAwaitingChildren))
	require.NoError(t, f.coord.ResumeIfSettled(ctx, parent.ID))

	got, err = f.store.GetRunByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Nil(t, got.SuspendReason)
}

func TestNotifyTerminalFanIn(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "fan out")
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "first"},
		{ToolCallID: "call-2", AgentID: "researcher", Goal: "second"},
	})
	require.NoError(t, err)

	f.completeChild(t, childIDs[0], "first answer")

	got, err := f.store.GetRun(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, got.Status, "one child still pending")

	f.completeChild(t, childIDs[1], "second answer")

	got, err = f.store.GetRun(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status, "last settlement resumes the parent")
	assert.Nil(t, got.SuspendReason)

	deps, err := f.coord.Results(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	for _, dep := range deps {
		assert.Equal(t, models.DependencyCompleted, dep.Status)
	}
	var result models.RunResult
	require.NoError(t, json.Unmarshal(deps[0].Result, &result))
	assert.Equal(t, "first answer", result.Output)
}

func TestNotifyTerminalFailedChild(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "fragile plan")
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "doomed"},
	})
	require.NoError(t, err)

	_, err = f.store.ClaimRunning(ctx, childIDs[0], "pod-test")
	require.NoError(t, err)
	require.NoError(t, f.store.Fail(ctx, childIDs[0], &models.RunError{Code: models.CodeToolError, Message: "boom"}))
	child, err := f.store.GetRunByID(ctx, childIDs[0])
	require.NoError(t, err)
	require.NoError(t, f.coord.NotifyTerminal(ctx, child))

	// Partial failure still resumes the parent; the edge carries the error.
	got, err := f.store.GetRun(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)

	deps, err := f.coord.Results(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, models.DependencyFailed, deps[0].Status)
	require.NotNil(t, deps[0].Error)
	assert.Equal(t, models.CodeToolError, deps[0].Error.Code)
}

func TestNotifyTerminalIdempotent(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "retry storm")
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "only child"},
	})
	require.NoError(t, err)

	_, err = f.store.ClaimRunning(ctx, childIDs[0], "pod-test")
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, childIDs[0], &models.RunResult{Output: "done"}))
	child, err := f.store.GetRunByID(ctx, childIDs[0])
	require.NoError(t, err)

	require.NoError(t, f.coord.NotifyTerminal(ctx, child))
	require.NoError(t, f.coord.NotifyTerminal(ctx, child), "retried notification is harmless")

	got, err := f.store.GetRun(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
}

func TestNotifyTerminalTopLevelRun(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	run := f.runningRun(t, "no parent")
	require.NoError(t, f.store.Complete(ctx, run.ID, &models.RunResult{Output: "fin"}))
	run, err := f.store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)

	assert.NoError(t, f.coord.NotifyTerminal(ctx, run))
}

func TestNotifyTerminalRejectsLiveChild(t *testing.T) {
	f := newSwarmFixture(t)
	parent := f.runningRun(t, "eager")
	childIDs, err := f.coord.Delegate(context.Background(), parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "still going"},
	})
	require.NoError(t, err)

	child, err := f.store.GetRunByID(context.Background(), childIDs[0])
	require.NoError(t, err)
	err = f.coord.NotifyTerminal(context.Background(), child)
	var coded *models.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, models.CodeInvalidInput, coded.Code)
}

func TestCancelChildrenCascades(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "abort mission")
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "first"},
		{ToolCallID: "call-2", AgentID: "researcher", Goal: "second"},
	})
	require.NoError(t, err)

	// One child already finished; only the pending one is cancelled.
	f.completeChild(t, childIDs[0], "done early")

	cancelled, err := f.store.Cancel(ctx, parent.ID, f.scope)
	require.NoError(t, err)
	require.NoError(t, f.coord.CancelChildren(ctx, cancelled))

	first, err := f.store.GetRun(ctx, childIDs[0], f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, first.Status)

	second, err := f.store.GetRun(ctx, childIDs[1], f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, second.Status)
}

func TestCancelledChildSettlesAsFailed(t *testing.T) {
	f := newSwarmFixture(t)
	ctx := context.Background()
	parent := f.runningRun(t, "flaky child")
	childIDs, err := f.coord.Delegate(ctx, parent, "step-1", []swarm.ChildSpec{
		{ToolCallID: "call-1", AgentID: "researcher", Goal: "cut short"},
	})
	require.NoError(t, err)

	child, err := f.store.Cancel(ctx, childIDs[0], f.scope)
	require.NoError(t, err)
	require.NoError(t, f.coord.NotifyTerminal(ctx, child))

	deps, err := f.coord.Results(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, models.DependencyFailed, deps[0].Status)
	require.NotNil(t, deps[0].Error)
	assert.Equal(t, models.CodeChildFailed, deps[0].Error.Code)
}
