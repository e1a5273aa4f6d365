package approval_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
	testdb "github.com/runforge/runforge/test/database"
)

type gateFixture struct {
	store *store.Store
	gate  *approval.Gate
	scope models.Scope
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	st := store.New(client.Pool())
	recorder := events.NewRecorder(st, events.NewBus(), nil, "pod-test")
	project := "proj-1"
	return &gateFixture{
		store: st,
		gate:  approval.NewGate(st, recorder),
		scope: models.Scope{OrgID: "org-1", UserID: "user-1", ProjectID: &project},
	}
}

// frozenRun creates a running run and freezes it behind the given calls.
func (f *gateFixture) frozenRun(t *testing.T, calls ...string) *models.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.store.CreateRun(ctx, store.CreateRunParams{
		Scope:      f.scope,
		SessionKey: "sess-1",
		Input:      "deploy the service",
		AgentID:    "operator",
	})
	require.NoError(t, err)
	run, err = f.store.ClaimRunning(ctx, run.ID, "pod-test")
	require.NoError(t, err)

	reqs := make([]events.ApprovalRequestPayload, 0, len(calls))
	for _, id := range calls {
		reqs = append(reqs, events.ApprovalRequestPayload{
			ToolCallID: id,
			ToolName:   "run_command",
			Arguments:  json.RawMessage(`{"command":"kubectl apply"}`),
			RiskLevel:  "high",
		})
	}
	require.NoError(t, f.gate.Freeze(ctx, run, "step-1", reqs))
	return run
}

func TestFreezeSuspendsRun(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1", "call-2")

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, got.Status)
	require.NotNil(t, got.SuspendReason)
	assert.Equal(t, models.SuspendReasonAwaitingApproval, *got.SuspendReason)

	pending, err := f.gate.Pending(ctx, run.ID, f.scope)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "call-1", pending[0].ToolCallID)
	assert.Equal(t, "run_command", pending[0].ToolName)
}

func TestFreezeRequiresCalls(t *testing.T) {
	f := newGateFixture(t)
	run := &models.Run{ID: "run_x", Scope: f.scope}

	err := f.gate.Freeze(context.Background(), run, "step-1", nil)
	var coded *models.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, models.CodeInvalidInput, coded.Code)
}

func TestResolveApproveResumesRun(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	err := f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1",
		Approve:    true,
		Approver:   "ops@example.com",
	})
	require.NoError(t, err)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status, "resumed run requeues")
	assert.Nil(t, got.SuspendReason)

	decisions, err := f.store.UnappliedDecisions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Approved)
	assert.Equal(t, "call-1", decisions[0].ToolCallID)
}

func TestResolveRejectRecordsReason(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	err := f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1",
		Approve:    false,
		Approver:   "ops@example.com",
		Reason:     "wrong cluster",
	})
	require.NoError(t, err)

	decisions, err := f.store.UnappliedDecisions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Approved)
	assert.Equal(t, "wrong cluster", decisions[0].Reason)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status, "rejection still resumes the loop")
}

func TestResolveWaitsForAllCalls(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1", "call-2")

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: true,
	}))

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, got.Status, "one call still undecided")

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-2", Approve: false, Reason: "no",
	}))

	got, err = f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
}

func TestResolveIdempotence(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: true,
	}))

	err := f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: false,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved, "first decision wins")

	err = f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-unknown", Approve: true,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveConcurrentDuplicateDecisions(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	// Racing resolves for the same call: exactly one decision lands, the
	// rest fail with ALREADY_RESOLVED on the unique decision index.
	const resolvers = 6
	errs := make(chan error, resolvers)
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			errs <- f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
				ToolCallID: "call-1", Approve: approve,
			})
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, store.ErrAlreadyResolved)
		}
	}
	assert.Equal(t, 1, won)

	decisions, err := f.store.UnappliedDecisions(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestResolveCarriesModifiedArgs(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID:   "call-1",
		Approve:      true,
		ModifiedArgs: json.RawMessage(`{"command":"kubectl diff"}`),
	}))

	decisions, err := f.store.UnappliedDecisions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.JSONEq(t, `{"command":"kubectl diff"}`, string(decisions[0].ModifiedArgs))
}

func TestResolveScopeChecked(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	other := models.Scope{OrgID: "org-2", UserID: "user-1"}
	err := f.gate.Resolve(ctx, run.ID, other, approval.Decision{
		ToolCallID: "call-1", Approve: true,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.gate.Pending(ctx, run.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveAfterCancelDoesNotResume(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	run := f.frozenRun(t, "call-1")

	_, err := f.store.Cancel(ctx, run.ID, f.scope)
	require.NoError(t, err)

	// The decision lands in the log but the terminal run stays put.
	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: true,
	}))

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
}
