package agent_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
	"github.com/runforge/runforge/pkg/swarm"
	"github.com/runforge/runforge/pkg/tools"
	testdb "github.com/runforge/runforge/test/database"
)

type testTool struct {
	meta  tools.Metadata
	calls atomic.Int64
	fn    func(ctx context.Context, args json.RawMessage) (string, error)
}

func (h *testTool) Metadata() tools.Metadata { return h.meta }

func (h *testTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	h.calls.Add(1)
	if h.fn != nil {
		return h.fn(ctx, args)
	}
	return "ok", nil
}

func echoTool() *testTool {
	return &testTool{
		meta: tools.Metadata{
			Name:             "echo",
			Description:      "Echo the input back.",
			InputSchema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			SupportsParallel: true,
			RiskLevel:        tools.RiskLow,
		},
		fn: func(_ context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			return "echo: " + a.Text, nil
		},
	}
}

func deployTool() *testTool {
	return &testTool{
		meta: tools.Metadata{
			Name:             "deploy",
			Description:      "Roll out a release.",
			InputSchema:      json.RawMessage(`{"type":"object"}`),
			Mutating:         true,
			RiskLevel:        tools.RiskHigh,
			RequiresApproval: true,
		},
	}
}

type loopFixture struct {
	store *store.Store
	gate  *approval.Gate
	coord *swarm.Coordinator
	loop  *agent.Loop
	scope models.Scope
}

func newLoopFixture(t *testing.T, client llm.Client, agents agent.StaticResolver,
	handlers ...tools.Handler) *loopFixture {
	t.Helper()

	client2 := testdb.NewTestClient(t)
	st := store.New(client2.Pool())
	recorder := events.NewRecorder(st, events.NewBus(), nil, "pod-test")

	router := tools.NewRouter()
	for _, h := range handlers {
		require.NoError(t, router.Register(h))
	}
	scheduler := tools.NewScheduler(router, 2, 5*time.Second)
	gate := approval.NewGate(st, recorder)
	coord := swarm.NewCoordinator(st, recorder)

	project := "proj-1"
	return &loopFixture{
		store: st,
		gate:  gate,
		coord: coord,
		loop:  agent.NewLoop(st, recorder, client, router, scheduler, gate, coord, agents, nil),
		scope: models.Scope{OrgID: "org-1", UserID: "user-1", ProjectID: &project},
	}
}

func defaultAgents() agent.StaticResolver {
	return agent.StaticResolver{
		"assistant": {
			ID:           "assistant",
			SystemPrompt: "You are a helpful assistant.",
			Model:        "stub-model",
		},
	}
}

// claimedRun creates a run and claims it, the way a worker hands runs to
// the loop.
func (f *loopFixture) claimedRun(t *testing.T, agentID, input string) *models.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.store.CreateRun(ctx, store.CreateRunParams{
		Scope:      f.scope,
		SessionKey: "sess-1",
		Input:      input,
		AgentID:    agentID,
	})
	require.NoError(t, err)
	run, err = f.store.ClaimRunning(ctx, run.ID, "pod-test")
	require.NoError(t, err)
	return run
}

// reclaim picks a requeued run back up for a second loop invocation.
func (f *loopFixture) reclaim(t *testing.T, runID string) *models.Run {
	t.Helper()
	run, err := f.store.ClaimRunning(context.Background(), runID, "pod-test")
	require.NoError(t, err)
	return run
}

func (f *loopFixture) eventTypes(t *testing.T, runID string) []models.EventType {
	t.Helper()
	page, err := f.store.ReadEventPage(context.Background(), store.ReadPageParams{
		RunID: runID, Scope: f.scope, Limit: 500,
	})
	require.NoError(t, err)
	typs := make([]models.EventType, 0, len(page.Events))
	for _, e := range page.Events {
		typs = append(typs, e.Type)
	}
	return typs
}

func TestLoopCompletesTextOnlyRun(t *testing.T) {
	stub := llm.NewStubClient(llm.StubTurn{Text: "All done."})
	f := newLoopFixture(t, stub, defaultAgents())
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "say hello")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "All done.", got.Result.Output)

	typs := f.eventTypes(t, run.ID)
	assert.Contains(t, typs, models.EventRunStarted)
	assert.Contains(t, typs, models.EventStepStarted)
	assert.Contains(t, typs, models.EventLLMCalled)
	assert.Contains(t, typs, models.EventStepCompleted)
	assert.Contains(t, typs, models.EventRunCompleted)

	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[len(msgs)-1].Role)

	cp, err := f.store.LatestCheckpoint(ctx, run.ID, "assistant")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.State)
}

func TestLoopStreamsTokens(t *testing.T) {
	stub := llm.NewStubClient(llm.StubTurn{Text: "hi"})
	f := newLoopFixture(t, stub, defaultAgents())
	run := f.claimedRun(t, "assistant", "stream please")

	_, err := f.loop.Execute(context.Background(), run)
	require.NoError(t, err)

	page, err := f.store.ReadEventPage(context.Background(), store.ReadPageParams{
		RunID: run.ID, Scope: f.scope, Limit: 500,
	})
	require.NoError(t, err)
	tokens := 0
	for _, e := range page.Events {
		if e.Type == models.EventLLMToken {
			tokens++
		}
	}
	assert.Equal(t, 2, tokens, "one llm.token per streamed rune")
}

func TestLoopExecutesToolCalls(t *testing.T) {
	echo := echoTool()
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
		}}},
		llm.StubTurn{Text: "The echo said hi."},
	)
	f := newLoopFixture(t, stub, defaultAgents(), echo)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "use the echo tool")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)
	assert.Equal(t, int64(1), echo.calls.Load())
	assert.Equal(t, 2, stub.Calls())

	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	var toolMsg *models.RunMessage
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	require.NotNil(t, toolMsg.ToolCallID)
	assert.Equal(t, "call-1", *toolMsg.ToolCallID)
	assert.Equal(t, "echo: hi", toolMsg.Content)

	typs := f.eventTypes(t, run.ID)
	assert.Contains(t, typs, models.EventToolCalled)
	assert.Contains(t, typs, models.EventToolResult)
}

func TestLoopBatchEventSequence(t *testing.T) {
	echo := echoTool()
	write := &testTool{
		meta: tools.Metadata{
			Name:        "write_note",
			Description: "Persist a note.",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Mutating:    true,
			RiskLevel:   tools.RiskLow,
		},
	}
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "write_note", Arguments: json.RawMessage(`{}`)},
			{ID: "c2", Name: "echo", Arguments: json.RawMessage(`{"text":"a"}`)},
			{ID: "c3", Name: "echo", Arguments: json.RawMessage(`{"text":"b"}`)},
		}},
		llm.StubTurn{Text: "Done."},
	)
	f := newLoopFixture(t, stub, defaultAgents(), echo, write)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "note then read")

	_, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)

	page, err := f.store.ReadEventPage(ctx, store.ReadPageParams{
		RunID: run.ID, Scope: f.scope, Limit: 500,
	})
	require.NoError(t, err)

	batchStarted, firstCalled := -1, -1
	var resultOrder []string
	for i, e := range page.Events {
		switch e.Type {
		case models.EventToolBatchStarted:
			batchStarted = i
		case models.EventToolCalled:
			if firstCalled < 0 {
				firstCalled = i
			}
		case models.EventToolResult:
			var p events.ToolResultPayload
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			resultOrder = append(resultOrder, p.ToolCallID)
		}
	}

	require.GreaterOrEqual(t, batchStarted, 0)
	require.GreaterOrEqual(t, firstCalled, 0)
	assert.Less(t, batchStarted, firstCalled,
		"tool.called events belong inside the batch envelope")

	// Parallel reads surface before the mutating call's result.
	assert.Equal(t, []string{"c2", "c3", "c1"}, resultOrder)
}

func TestLoopPostsStructuredMessages(t *testing.T) {
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: agent.ToolPostMessage,
			Arguments: json.RawMessage(`{"type":"status","text":"halfway there","refs":["span-1"]}`),
		}}},
		llm.StubTurn{Text: "Finished."},
	)
	f := newLoopFixture(t, stub, defaultAgents())
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "report progress")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)

	page, err := f.store.ReadEventPage(ctx, store.ReadPageParams{
		RunID: run.ID, Scope: f.scope, Limit: 500,
	})
	require.NoError(t, err)
	var msg *models.Event
	for _, e := range page.Events {
		if e.Type == models.EventMessageStatus {
			msg = e
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, "status", msg.MessageType)
	var payload events.MessagePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "halfway there", payload.Text)
	assert.Equal(t, []string{"span-1"}, payload.Refs)
}

func TestLoopRejectsUnknownMessageType(t *testing.T) {
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: agent.ToolPostMessage,
			Arguments: json.RawMessage(`{"type":"gossip","text":"psst"}`),
		}}},
		llm.StubTurn{Text: "Understood."},
	)
	f := newLoopFixture(t, stub, defaultAgents())
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "post something odd")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)

	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	var toolMsg *models.RunMessage
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "ERROR:")
	assert.Contains(t, toolMsg.Content, "gossip")
}

func TestLoopSuspendsForApprovalAndResumes(t *testing.T) {
	deploy := deployTool()
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "deploy", Arguments: json.RawMessage(`{}`),
		}}},
		llm.StubTurn{Text: "Deployed."},
	)
	f := newLoopFixture(t, stub, defaultAgents(), deploy)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "ship it")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeSuspended, outcome)
	assert.Equal(t, int64(0), deploy.calls.Load(), "frozen call must not run")

	pending, err := f.gate.Pending(ctx, run.ID, f.scope)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "call-1", pending[0].ToolCallID)

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: true, Approver: "ops@example.com",
	}))

	outcome, err = f.loop.Execute(ctx, f.reclaim(t, run.ID))
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)
	assert.Equal(t, int64(1), deploy.calls.Load(), "approved call runs exactly once")

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Deployed.", got.Result.Output)
}

func TestLoopRejectedApprovalBecomesToolError(t *testing.T) {
	deploy := deployTool()
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "deploy", Arguments: json.RawMessage(`{}`),
		}}},
		llm.StubTurn{Text: "Understood, not deploying."},
	)
	f := newLoopFixture(t, stub, defaultAgents(), deploy)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "ship it")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	require.Equal(t, agent.OutcomeSuspended, outcome)

	require.NoError(t, f.gate.Resolve(ctx, run.ID, f.scope, approval.Decision{
		ToolCallID: "call-1", Approve: false, Reason: "not during the freeze window",
	}))

	outcome, err = f.loop.Execute(ctx, f.reclaim(t, run.ID))
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)
	assert.Equal(t, int64(0), deploy.calls.Load(), "rejected call never runs")

	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != nil && *m.ToolCallID == "call-1" {
			found = true
			assert.Contains(t, m.Content, "ERROR:")
			assert.Contains(t, m.Content, "not during the freeze window")
		}
	}
	assert.True(t, found, "rejection surfaces to the model as a tool error")
}

func TestLoopBlocksDeniedTool(t *testing.T) {
	echo := echoTool()
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
		}}},
		llm.StubTurn{Text: "That tool is off limits."},
	)
	agents := defaultAgents()
	def := agents["assistant"]
	def.Policy = tools.Policy{Denied: []string{"echo"}}
	agents["assistant"] = def

	f := newLoopFixture(t, stub, agents, echo)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "try the tool")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)
	assert.Equal(t, int64(0), echo.calls.Load())

	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != nil && *m.ToolCallID == "call-1" {
			found = true
			assert.Contains(t, m.Content, "ERROR:")
		}
	}
	assert.True(t, found)
}

func TestLoopFailsOnMaxSteps(t *testing.T) {
	echo := echoTool()
	call := llm.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"again"}`)}
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{call}},
		llm.StubTurn{ToolCalls: []llm.ToolCall{{ID: "call-2", Name: call.Name, Arguments: call.Arguments}}},
		llm.StubTurn{ToolCalls: []llm.ToolCall{{ID: "call-3", Name: call.Name, Arguments: call.Arguments}}},
	)
	agents := defaultAgents()
	def := agents["assistant"]
	def.MaxSteps = 2
	agents["assistant"] = def

	f := newLoopFixture(t, stub, agents, echo)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "loop forever")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeFailed, outcome)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.CodeMaxSteps, got.Error.Code)
}

func TestLoopFailsOnUnknownAgent(t *testing.T) {
	stub := llm.NewStubClient()
	f := newLoopFixture(t, stub, defaultAgents())
	ctx := context.Background()
	run := f.claimedRun(t, "ghost", "who am I")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeFailed, outcome)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.CodeAgentError, got.Error.Code)
	assert.Zero(t, stub.Calls())
}

func TestLoopDelegatesAndResumesWithChildResults(t *testing.T) {
	stub := llm.NewStubClient(
		llm.StubTurn{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Name: agent.ToolDispatchSubtasks,
			Arguments: json.RawMessage(`{"subtasks":[
				{"agent_id":"researcher","goal":"find sources"},
				{"agent_id":"researcher","goal":"check claims"}
			]}`),
		}}},
		llm.StubTurn{Text: "Both subtasks are in."},
	)
	agents := defaultAgents()
	def := agents["assistant"]
	def.CanDelegate = true
	agents["assistant"] = def
	agents["researcher"] = agent.Definition{
		ID: "researcher", SystemPrompt: "You research.", Model: "stub-model",
	}

	f := newLoopFixture(t, stub, agents)
	ctx := context.Background()
	run := f.claimedRun(t, "assistant", "research and summarize")

	outcome, err := f.loop.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeSuspended, outcome)

	got, err := f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	require.NotNil(t, got.SuspendReason)
	assert.Equal(t, models.SuspendReasonAwaitingChildren, *got.SuspendReason)

	// Children settle out of band; the last one resumes the parent.
	deps, err := f.coord.Results(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	for _, dep := range deps {
		_, err = f.store.ClaimRunning(ctx, dep.ChildRunID, "pod-test")
		require.NoError(t, err)
		require.NoError(t, f.store.Complete(ctx, dep.ChildRunID,
			&models.RunResult{Output: "child result " + dep.Goal}))
		child, err := f.store.GetRunByID(ctx, dep.ChildRunID)
		require.NoError(t, err)
		require.NoError(t, f.coord.NotifyTerminal(ctx, child))
	}

	got, err = f.store.GetRun(ctx, run.ID, f.scope)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)

	outcome, err = f.loop.Execute(ctx, f.reclaim(t, run.ID))
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, outcome)

	// The delegation call was answered with the children's outcomes.
	msgs, err := f.store.ListMessages(ctx, run.ID, "assistant")
	require.NoError(t, err)
	var toolMsg *models.RunMessage
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != nil && *m.ToolCallID == "call-1" {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "find sources")
	assert.Contains(t, toolMsg.Content, "check claims")
}
