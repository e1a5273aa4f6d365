package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
	"github.com/runforge/runforge/pkg/swarm"
	"github.com/runforge/runforge/pkg/tools"
)

const (
	// workingSummaryLimit caps the assistant text carried in checkpoints.
	workingSummaryLimit = 500

	memoryRetrieveLimit = 5
	sessionSeedLimit    = 10
)

// Outcome tells the worker how a loop invocation ended. Suspended runs
// stay parked until an approval decision or child fan-in requeues them;
// everything else is terminal for the run.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeSuspended
)

// Loop is the per-run step machine. One invocation drives a claimed run
// until it completes, fails, or suspends; every step commits messages
// and a checkpoint first, so a crashed pod loses at most the step in
// flight.
type Loop struct {
	store     *store.Store
	recorder  *events.Recorder
	client    llm.Client
	router    *tools.Router
	scheduler *tools.Scheduler
	gate      *approval.Gate
	swarm     *swarm.Coordinator
	agents    Resolver
	memory    Memory
	logger    *slog.Logger
}

// NewLoop wires the step machine. memory may be nil; the retrieve phase
// is skipped without it.
func NewLoop(st *store.Store, rec *events.Recorder, client llm.Client,
	router *tools.Router, scheduler *tools.Scheduler, gate *approval.Gate,
	coordinator *swarm.Coordinator, agents Resolver, memory Memory) *Loop {
	return &Loop{
		store:     st,
		recorder:  rec,
		client:    client,
		router:    router,
		scheduler: scheduler,
		gate:      gate,
		swarm:     coordinator,
		agents:    agents,
		memory:    memory,
		logger:    slog.Default().With("component", "agent.loop"),
	}
}

type loopState struct {
	step    int
	cursor  int64
	summary string
	used    int
}

// Execute drives run until it reaches a terminal status or suspends.
// The Outcome is meaningful only when the returned error is nil; a
// non-nil error means the run's status was not settled here. A context
// error means the pod is shutting down or the run was cancelled, and
// the caller decides what happens to the claim.
func (l *Loop) Execute(ctx context.Context, run *models.Run) (Outcome, error) {
	def, ok := l.agents.Resolve(run.AgentID)
	if !ok {
		return l.fail(ctx, run, "",
			models.NewCodedError(models.CodeAgentError, "unknown agent %q", run.AgentID))
	}
	def = def.withDefaults()
	applyLLMConfig(&def, run.LLMConfig)

	st := &loopState{step: 1}
	resumed, err := l.restoreCheckpoint(ctx, run, st)
	if err != nil {
		return OutcomeFailed, err
	}

	msgs, err := l.store.ListMessages(ctx, run.ID, run.AgentID)
	if err != nil {
		return OutcomeFailed, err
	}
	history := toLLMHistory(msgs)

	if resumed {
		history, err = l.reconcile(ctx, run, st, history)
		if err != nil {
			return OutcomeFailed, err
		}
	} else {
		history, err = l.seedHistory(ctx, run)
		if err != nil {
			return OutcomeFailed, err
		}
		if _, err := l.recorder.Emit(ctx, run, models.EventRunStarted, models.StepID(0),
			events.RunStartedPayload{Input: run.Input, AgentID: run.AgentID}); err != nil {
			return OutcomeFailed, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return OutcomeSuspended, err
		}
		if st.step > def.MaxSteps {
			return l.fail(ctx, run, "",
				models.NewCodedError(models.CodeMaxSteps, "step limit %d reached", def.MaxSteps))
		}

		outcome, done, err := l.runStep(ctx, run, def, st, &history)
		if done || err != nil {
			return outcome, err
		}
		st.step++
	}
}

// runStep executes one observe/retrieve/decide/act/commit/reflect cycle.
// done is true when the run reached a terminal status or suspended.
func (l *Loop) runStep(ctx context.Context, run *models.Run, def Definition,
	st *loopState, history *[]llm.Message) (Outcome, bool, error) {

	stepID := models.StepID(st.step)
	if _, err := l.recorder.Emit(ctx, run, models.EventStepStarted, stepID,
		events.StepPayload{Step: st.step}); err != nil {
		return OutcomeFailed, true, err
	}

	// Observe: fold operator text injected since the last committed step.
	if err := l.foldInjections(ctx, run, stepID, st.cursor, history); err != nil {
		return OutcomeFailed, true, err
	}

	// Retrieve.
	var retrieved []MemoryItem
	if l.memory != nil {
		query := retrievalQuery(*history, run.Input)
		items, err := l.memory.Retrieve(ctx, run.Scope, query, memoryRetrieveLimit)
		if err != nil {
			l.logger.WarnContext(ctx, "memory retrieval failed",
				"run_id", run.ID, "error", err)
		} else if len(items) > 0 {
			retrieved = items
			if _, err := l.recorder.Emit(ctx, run, models.EventMemoryRetrieved, stepID,
				events.MemoryPayload{Query: query, Count: len(items)}); err != nil {
				return OutcomeFailed, true, err
			}
		}
	}

	// Decide.
	req := buildContext(def, *history, retrieved, l.toolDefs(def))
	started := time.Now()
	completion, err := l.client.Invoke(ctx, req, func(delta string) error {
		_, err := l.recorder.Emit(ctx, run, models.EventLLMToken, stepID,
			events.TokenPayload{Delta: delta})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeSuspended, true, ctx.Err()
		}
		out, ferr := l.fail(ctx, run, stepID,
			models.NewCodedError(models.CodeAgentError, "model call failed: %v", err))
		return out, true, ferr
	}
	if _, err := l.recorder.Emit(ctx, run, models.EventLLMCalled, stepID, events.LLMCalledPayload{
		Model:        req.Model,
		InputTokens:  completion.Usage.InputTokens,
		OutputTokens: completion.Usage.OutputTokens,
		StopReason:   completion.StopReason,
		DurationMS:   time.Since(started).Milliseconds(),
	}); err != nil {
		return OutcomeFailed, true, err
	}
	st.used += completion.Usage.InputTokens + completion.Usage.OutputTokens

	asst := l.newMessage(run, stepID, models.RoleAssistant, completion.Text)
	for _, tc := range completion.ToolCalls {
		asst.ToolCalls = append(asst.ToolCalls, models.ToolCallRef{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	pending := []*models.RunMessage{asst}
	*history = append(*history, llm.Message{
		Role: "assistant", Content: completion.Text, ToolCalls: completion.ToolCalls,
	})

	// Act.
	var (
		delegCall    *llm.ToolCall
		approvalReqs []events.ApprovalRequestPayload
		execCalls    []tools.Call
	)
	for i := range completion.ToolCalls {
		call := completion.ToolCalls[i]
		if call.Name == ToolPostMessage {
			m, err := l.postMessage(ctx, run, stepID, call)
			if err != nil {
				return OutcomeFailed, true, err
			}
			pending = append(pending, m)
			continue
		}
		if IsDelegation(call.Name) {
			switch {
			case !def.CanDelegate:
				m, err := l.refuseCall(ctx, run, stepID, call, models.CodePolicyBlocked,
					"delegation is not permitted for this agent")
				if err != nil {
					return OutcomeFailed, true, err
				}
				pending = append(pending, m)
			case delegCall != nil:
				m, err := l.refuseCall(ctx, run, stepID, call, models.CodeInvalidInput,
					"only one delegation call is allowed per step")
				if err != nil {
					return OutcomeFailed, true, err
				}
				pending = append(pending, m)
			default:
				delegCall = &call
			}
			continue
		}

		tc := tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
		disp, checkErr := l.router.Check(tc, def.Policy)
		switch disp {
		case tools.DispositionBlocked:
			m, err := l.blockCall(ctx, run, stepID, call, checkErr)
			if err != nil {
				return OutcomeFailed, true, err
			}
			pending = append(pending, m)
		case tools.DispositionRequiresApproval:
			meta, _ := l.router.Get(call.Name)
			approvalReqs = append(approvalReqs, events.ApprovalRequestPayload{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Arguments:  call.Arguments,
				Reason:     "approval required by policy",
				RiskLevel:  meta.RiskLevel,
			})
		default:
			execCalls = append(execCalls, tc)
		}
	}

	// A delegation mixed with frozen calls would leave the delegation
	// call unanswerable after resume; refuse it up front.
	if delegCall != nil && len(approvalReqs) > 0 {
		m, err := l.refuseCall(ctx, run, stepID, *delegCall, models.CodeInvalidInput,
			"delegation cannot be combined with calls requiring approval")
		if err != nil {
			return OutcomeFailed, true, err
		}
		pending = append(pending, m)
		delegCall = nil
	}

	if len(execCalls) > 0 {
		toolMsgs, execErr := l.executeCalls(ctx, run, stepID, execCalls)
		pending = append(pending, toolMsgs...)
		if execErr != nil {
			// Cancellation mid-batch: commit what we have so the resumed
			// loop does not repeat finished calls, then hand back.
			if cerr := l.commit(ctx, run, stepID, st, pending, completion.Text); cerr != nil {
				return OutcomeFailed, true, cerr
			}
			return OutcomeSuspended, true, execErr
		}
	}
	appendToHistory(history, pending[1:])

	// Commit before any suspension so the resumed loop sees this turn.
	if err := l.commit(ctx, run, stepID, st, pending, completion.Text); err != nil {
		return OutcomeFailed, true, err
	}
	if _, err := l.recorder.Emit(ctx, run, models.EventStepCompleted, stepID,
		events.StepPayload{Step: st.step}); err != nil {
		return OutcomeFailed, true, err
	}

	if len(approvalReqs) > 0 {
		if err := l.gate.Freeze(ctx, run, stepID, approvalReqs); err != nil {
			return OutcomeFailed, true, err
		}
		return OutcomeSuspended, true, nil
	}
	if delegCall != nil {
		suspended, err := l.delegate(ctx, run, stepID, *delegCall, history)
		if err != nil {
			return OutcomeFailed, true, err
		}
		if suspended {
			return OutcomeSuspended, true, nil
		}
		return 0, false, nil
	}

	// Reflect.
	if len(completion.ToolCalls) == 0 {
		out, err := l.complete(ctx, run, def, st, completion.Text)
		return out, true, err
	}
	if st.used > def.TokenBudget {
		out, err := l.fail(ctx, run, stepID, models.NewCodedError(models.CodeBudgetExceeded,
			"token budget %d exhausted after %d tokens", def.TokenBudget, st.used))
		return out, true, err
	}
	return 0, false, nil
}

// restoreCheckpoint loads the latest checkpoint into st. Returns true
// when the run is a resumption.
func (l *Loop) restoreCheckpoint(ctx context.Context, run *models.Run, st *loopState) (bool, error) {
	cp, err := l.store.LatestCheckpoint(ctx, run.ID, run.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var state models.CheckpointState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	st.step = state.Step + 1
	st.cursor = state.ContextCursor
	st.summary = state.WorkingSummary
	st.used = state.UsedTokens
	return true, nil
}

// seedHistory persists the opening turns of a fresh run: prior session
// turns for top-level runs, then the input itself.
func (l *Loop) seedHistory(ctx context.Context, run *models.Run) ([]llm.Message, error) {
	var seed []*models.RunMessage
	if run.ParentRunID == nil && run.SessionKey != "" {
		prior, err := l.store.ListSessionHistory(ctx, run.Scope, run.SessionKey, sessionSeedLimit)
		if err != nil {
			return nil, err
		}
		for _, entry := range prior {
			seed = append(seed,
				l.newMessage(run, models.StepID(0), models.RoleUser, entry.Input),
				l.newMessage(run, models.StepID(0), models.RoleAssistant, entry.Output))
		}
	}
	seed = append(seed, l.newMessage(run, models.StepID(0), models.RoleUser, run.Input))
	if err := l.store.AppendMessages(ctx, seed); err != nil {
		return nil, err
	}
	return toLLMHistory(seed), nil
}

// reconcile brings a resumed run's history up to date before the next
// decide: applies approval decisions made while suspended, folds child
// results in as the delegation call's answer, and re-runs calls a crash
// left unanswered.
func (l *Loop) reconcile(ctx context.Context, run *models.Run, st *loopState,
	history []llm.Message) ([]llm.Message, error) {

	since, err := l.store.EventsSince(ctx, run.ID, st.cursor)
	if err != nil {
		return nil, err
	}
	sawResume := false
	for _, e := range since {
		if e.Type == models.EventRunResumed {
			sawResume = true
			break
		}
	}
	if !sawResume {
		// Requeued after a stale heartbeat; nothing emitted the resume.
		if _, err := l.recorder.Emit(ctx, run, models.EventRunResumed, models.StepID(st.step),
			events.RunResumedPayload{Reason: "recovered"}); err != nil {
			return nil, err
		}
	}

	stepID := models.StepID(st.step)
	answered := answeredCallIDs(history)

	// Approval decisions recorded while the run was suspended.
	decisions, err := l.store.UnappliedDecisions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if answered[d.ToolCallID] {
			continue
		}
		m, err := l.applyDecision(ctx, run, stepID, d)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if err := l.store.AppendMessages(ctx, []*models.RunMessage{m}); err != nil {
			return nil, err
		}
		appendToHistory(&history, []*models.RunMessage{m})
		answered[d.ToolCallID] = true
	}

	// Remaining unanswered calls: delegation fan-in and crash leftovers.
	for _, call := range unansweredCalls(history, answered) {
		var m *models.RunMessage
		if IsDelegation(call.Name) {
			m, err = l.foldChildren(ctx, run, stepID, call)
		} else {
			var msgs []*models.RunMessage
			msgs, err = l.executeCalls(ctx, run, stepID,
				[]tools.Call{{ID: call.ID, Name: call.Name, Arguments: call.Arguments}})
			if len(msgs) > 0 {
				m = msgs[0]
			}
		}
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if err := l.store.AppendMessages(ctx, []*models.RunMessage{m}); err != nil {
			return nil, err
		}
		appendToHistory(&history, []*models.RunMessage{m})
	}
	return history, nil
}

// applyDecision turns one approval decision into an executed call or a
// rejection result.
func (l *Loop) applyDecision(ctx context.Context, run *models.Run, stepID string,
	d store.ApprovalDecision) (*models.RunMessage, error) {

	req, err := l.store.ApprovalRequest(ctx, run.ID, d.ToolCallID)
	if errors.Is(err, store.ErrNotFound) {
		l.logger.WarnContext(ctx, "decision without matching request",
			"run_id", run.ID, "tool_call_id", d.ToolCallID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !d.Approved {
		reason := d.Reason
		if reason == "" {
			reason = "rejected by operator"
		}
		if _, err := l.recorder.Emit(ctx, run, models.EventToolResult, stepID, events.ToolResultPayload{
			ToolCallID: d.ToolCallID,
			ToolName:   req.ToolName,
			Status:     "error",
			ErrorCode:  models.CodeApprovalRejected,
			Output:     reason,
		}); err != nil {
			return nil, err
		}
		m := l.newMessage(run, stepID, models.RoleTool, "ERROR: "+reason)
		m.ToolCallID = &d.ToolCallID
		return m, nil
	}

	args := req.Arguments
	if len(d.ModifiedArgs) > 0 {
		args = d.ModifiedArgs
	}
	msgs, err := l.executeCalls(ctx, run, stepID,
		[]tools.Call{{ID: d.ToolCallID, Name: req.ToolName, Arguments: args}})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// foldChildren answers a delegation call with the settled outcomes of
// its children.
func (l *Loop) foldChildren(ctx context.Context, run *models.Run, stepID string,
	call llm.ToolCall) (*models.RunMessage, error) {

	deps, err := l.swarm.Results(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var outcomes []events.ChildOutcome
	for _, dep := range deps {
		if dep.ToolCallID != call.ID {
			continue
		}
		oc := events.ChildOutcome{RunID: dep.ChildRunID, Status: string(dep.Status)}
		if len(dep.Result) > 0 {
			var res models.RunResult
			if json.Unmarshal(dep.Result, &res) == nil {
				oc.Output = res.Output
			}
		}
		if dep.Error != nil {
			oc.ErrorCode = dep.Error.Code
		}
		outcomes = append(outcomes, oc)
	}

	var content string
	if len(outcomes) == 0 {
		content = "ERROR: delegation produced no child results"
	} else {
		body, err := json.Marshal(outcomes)
		if err != nil {
			return nil, err
		}
		content = string(body)
	}
	m := l.newMessage(run, stepID, models.RoleTool, content)
	m.ToolCallID = &call.ID
	return m, nil
}

// delegate parses and launches a delegation call. Parse and cycle
// failures become tool results the model sees next step instead of
// failing the run.
func (l *Loop) delegate(ctx context.Context, run *models.Run, stepID string,
	call llm.ToolCall, history *[]llm.Message) (bool, error) {

	specs, err := parseDelegation(call, run.AgentID)
	if err == nil {
		_, err = l.swarm.Delegate(ctx, run, stepID, specs)
		if err == nil {
			return true, nil
		}
	}

	var coded *models.CodedError
	code := models.CodeAgentError
	if errors.As(err, &coded) {
		code = coded.Code
	}
	m, rerr := l.refuseCall(ctx, run, stepID, call, code, err.Error())
	if rerr != nil {
		return false, rerr
	}
	if rerr := l.store.AppendMessages(ctx, []*models.RunMessage{m}); rerr != nil {
		return false, rerr
	}
	appendToHistory(history, []*models.RunMessage{m})
	return false, nil
}

// executeCalls runs validated calls through the scheduler, emitting the
// call and result events and returning the tool turns in the scheduler's
// completion order. The batch emitter records tool.called after
// tool.batch.started, so the log reads started, called, results,
// completed.
func (l *Loop) executeCalls(ctx context.Context, run *models.Run, stepID string,
	calls []tools.Call) ([]*models.RunMessage, error) {

	results, ctxErr := l.scheduler.ExecuteBatch(ctx, calls,
		&batchEmitter{loop: l, run: run, stepID: stepID, calls: calls})

	msgs := make([]*models.RunMessage, 0, len(results))
	for _, res := range results {
		payload := events.ToolResultPayload{
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
			Status:     "ok",
			Output:     res.Output,
			DurationMS: res.Duration.Milliseconds(),
		}
		content := res.Output
		if res.Err != nil {
			payload.Status = "error"
			payload.Output = res.Err.Error()
			var coded *models.CodedError
			if errors.As(res.Err, &coded) {
				payload.ErrorCode = coded.Code
			} else {
				payload.ErrorCode = models.CodeToolError
			}
			content = "ERROR: " + res.Err.Error()
		}
		if _, err := l.recorder.Emit(ctx, run, models.EventToolResult, stepID, payload); err != nil {
			return msgs, err
		}
		id := res.ToolCallID
		m := l.newMessage(run, stepID, models.RoleTool, content)
		m.ToolCallID = &id
		msgs = append(msgs, m)
	}
	return msgs, ctxErr
}

// postMessage records a structured message.* event for a post_message
// call and returns the acknowledging tool turn. Malformed calls become
// error tool results the model sees next step.
func (l *Loop) postMessage(ctx context.Context, run *models.Run, stepID string,
	call llm.ToolCall) (*models.RunMessage, error) {

	eventType, payload, err := parsePostMessage(call)
	if err != nil {
		var coded *models.CodedError
		code := models.CodeInvalidInput
		if errors.As(err, &coded) {
			code = coded.Code
		}
		return l.refuseCall(ctx, run, stepID, call, code, err.Error())
	}
	if _, err := l.recorder.Emit(ctx, run, eventType, stepID, payload); err != nil {
		return nil, err
	}
	m := l.newMessage(run, stepID, models.RoleTool, "posted")
	m.ToolCallID = &call.ID
	return m, nil
}

// blockCall records a policy or validation refusal as both events and a
// synthetic error result the model can react to.
func (l *Loop) blockCall(ctx context.Context, run *models.Run, stepID string,
	call llm.ToolCall, cause error) (*models.RunMessage, error) {

	code := models.CodeToolError
	msg := "call blocked"
	var coded *models.CodedError
	if errors.As(cause, &coded) {
		code, msg = coded.Code, coded.Message
	} else if cause != nil {
		msg = cause.Error()
	}

	if _, err := l.recorder.Emit(ctx, run, models.EventToolBlocked, stepID, events.ToolBlockedPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Reason:     msg,
	}); err != nil {
		return nil, err
	}
	return l.refuseCall(ctx, run, stepID, call, code, msg)
}

// refuseCall emits an error tool.result for a call that never ran and
// returns the matching tool turn.
func (l *Loop) refuseCall(ctx context.Context, run *models.Run, stepID string,
	call llm.ToolCall, code, msg string) (*models.RunMessage, error) {

	if _, err := l.recorder.Emit(ctx, run, models.EventToolResult, stepID, events.ToolResultPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Status:     "error",
		ErrorCode:  code,
		Output:     msg,
	}); err != nil {
		return nil, err
	}
	id := call.ID
	m := l.newMessage(run, stepID, models.RoleTool, "ERROR: "+msg)
	m.ToolCallID = &id
	return m, nil
}

// foldInjections appends operator-injected text as user turns.
func (l *Loop) foldInjections(ctx context.Context, run *models.Run, stepID string,
	afterID int64, history *[]llm.Message) error {

	injected, err := l.store.UserInjectionsSince(ctx, run.ID, afterID)
	if err != nil {
		return err
	}
	var msgs []*models.RunMessage
	for _, e := range injected {
		var p events.UserInjectedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.Text == "" {
			continue
		}
		msgs = append(msgs, l.newMessage(run, stepID, models.RoleUser, p.Text))
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := l.store.AppendMessages(ctx, msgs); err != nil {
		return err
	}
	appendToHistory(history, msgs)
	return nil
}

// commit persists the step's turns and checkpoint. The cursor records
// the last event already reflected in context, so resume reconciliation
// only scans what came after.
func (l *Loop) commit(ctx context.Context, run *models.Run, stepID string,
	st *loopState, msgs []*models.RunMessage, assistantText string) error {

	if err := l.store.AppendMessages(ctx, msgs); err != nil {
		return err
	}
	if assistantText != "" {
		st.summary = truncate(assistantText, workingSummaryLimit)
	}

	cursor, err := l.store.LastEventID(ctx, run.ID)
	if err != nil {
		return err
	}
	st.cursor = cursor

	state, err := json.Marshal(models.CheckpointState{
		Step:           st.step,
		WorkingSummary: st.summary,
		ContextCursor:  st.cursor,
		MessageOrdinal: msgs[len(msgs)-1].Ordinal,
		UsedTokens:     st.used,
	})
	if err != nil {
		return err
	}
	cp := &models.Checkpoint{
		RunID:   run.ID,
		AgentID: run.AgentID,
		StepID:  stepID,
		State:   state,
		Scope:   run.Scope,
	}
	if err := l.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	_, err = l.recorder.Emit(ctx, run, models.EventCheckpointSaved, stepID,
		events.CheckpointSavedPayload{Step: st.step, StepID: stepID})
	return err
}

// complete finishes a successful run: terminal status, terminal event,
// and an optional memory write.
func (l *Loop) complete(ctx context.Context, run *models.Run, def Definition,
	st *loopState, output string) (Outcome, error) {

	if err := l.store.Complete(ctx, run.ID, &models.RunResult{Output: output}); err != nil {
		return OutcomeFailed, err
	}
	if _, err := l.recorder.Emit(ctx, run, models.EventRunCompleted, models.StepID(st.step),
		events.RunCompletedPayload{Output: output, Steps: st.step}); err != nil {
		return OutcomeCompleted, err
	}

	if l.memory != nil {
		item := MemoryItem{
			Key:     "run:" + run.ID,
			Content: truncate(output, workingSummaryLimit),
		}
		if err := l.memory.Write(ctx, run.Scope, item); err != nil {
			l.logger.WarnContext(ctx, "memory write failed", "run_id", run.ID, "error", err)
		} else if _, err := l.recorder.Emit(ctx, run, models.EventMemoryWritten, models.StepID(st.step),
			events.MemoryPayload{Key: item.Key, Summary: item.Content}); err != nil {
			return OutcomeCompleted, err
		}
	}
	return OutcomeCompleted, nil
}

// fail marks the run failed and emits the terminal event.
func (l *Loop) fail(ctx context.Context, run *models.Run, stepID string,
	coded *models.CodedError) (Outcome, error) {

	if err := l.store.Fail(ctx, run.ID, coded.RunError()); err != nil {
		return OutcomeFailed, err
	}
	if _, err := l.recorder.Emit(ctx, run, models.EventRunFailed, stepID,
		events.RunFailedPayload{Code: coded.Code, Message: coded.Message}); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeFailed, nil
}

// toolDefs assembles the model-visible tool surface: policy-filtered
// registered tools, the message primitive, and the delegation primitives
// when permitted.
func (l *Loop) toolDefs(def Definition) []llm.ToolDef {
	views := l.router.Defs(def.Policy)
	defs := make([]llm.ToolDef, 0, len(views)+4)
	for _, v := range views {
		defs = append(defs, llm.ToolDef{
			Name:        v.Name,
			Description: v.Description,
			InputSchema: v.InputSchema,
		})
	}
	defs = append(defs, postMessageDef())
	if def.CanDelegate {
		defs = append(defs, delegationDefs()...)
	}
	return defs
}

func (l *Loop) newMessage(run *models.Run, stepID string, role models.MessageRole,
	content string) *models.RunMessage {
	return &models.RunMessage{
		RunID:   run.ID,
		AgentID: run.AgentID,
		StepID:  stepID,
		Role:    role,
		Content: content,
		Scope:   run.Scope,
	}
}

// batchEmitter records batch lifecycle events on behalf of the scheduler.
type batchEmitter struct {
	loop   *Loop
	run    *models.Run
	stepID string
	calls  []tools.Call
}

func (b *batchEmitter) BatchStarted(ctx context.Context, callIDs []string, parallel bool) {
	if _, err := b.loop.recorder.Emit(ctx, b.run, models.EventToolBatchStarted, b.stepID,
		events.BatchStartedPayload{ToolCallIDs: callIDs, Parallel: parallel}); err != nil {
		b.loop.logger.WarnContext(ctx, "batch event emit failed",
			"run_id", b.run.ID, "error", err)
	}
	for _, call := range b.calls {
		meta, _ := b.loop.router.Get(call.Name)
		if _, err := b.loop.recorder.Emit(ctx, b.run, models.EventToolCalled, b.stepID,
			events.ToolCalledPayload{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Arguments:  call.Arguments,
				Mutating:   meta.Mutating,
			}); err != nil {
			b.loop.logger.WarnContext(ctx, "batch event emit failed",
				"run_id", b.run.ID, "error", err)
		}
	}
}

func (b *batchEmitter) BatchCompleted(ctx context.Context, callIDs []string, failed int) {
	if _, err := b.loop.recorder.Emit(ctx, b.run, models.EventToolBatchCompleted, b.stepID,
		events.BatchCompletedPayload{ToolCallIDs: callIDs, Failed: failed}); err != nil {
		b.loop.logger.WarnContext(ctx, "batch event emit failed",
			"run_id", b.run.ID, "error", err)
	}
}

// applyLLMConfig overlays per-run model overrides onto the definition.
func applyLLMConfig(def *Definition, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var cfg struct {
		Model       string   `json:"model"`
		MaxTokens   int      `json:"max_tokens"`
		Temperature *float64 `json:"temperature"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return
	}
	if cfg.Model != "" {
		def.Model = cfg.Model
	}
	if cfg.MaxTokens > 0 {
		def.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		def.Temperature = cfg.Temperature
	}
}

// toLLMHistory converts persisted turns to the model wire shape.
func toLLMHistory(msgs []*models.RunMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toLLMMessage(m))
	}
	return out
}

func toLLMMessage(m *models.RunMessage) llm.Message {
	msg := llm.Message{Role: string(m.Role), Content: m.Content}
	if m.Role == models.RoleTool && m.ToolCallID != nil {
		msg.ToolResultID = *m.ToolCallID
		msg.ToolResultError = len(m.Content) >= 6 && m.Content[:6] == "ERROR:"
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	return msg
}

func appendToHistory(history *[]llm.Message, msgs []*models.RunMessage) {
	for _, m := range msgs {
		*history = append(*history, toLLMMessage(m))
	}
}

// answeredCallIDs collects tool call ids that already have a result turn.
func answeredCallIDs(history []llm.Message) map[string]bool {
	answered := make(map[string]bool)
	for _, m := range history {
		if m.ToolResultID != "" {
			answered[m.ToolResultID] = true
		}
	}
	return answered
}

// unansweredCalls returns proposed calls with no result turn yet, in
// proposal order.
func unansweredCalls(history []llm.Message, answered map[string]bool) []llm.ToolCall {
	var open []llm.ToolCall
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				open = append(open, tc)
			}
		}
	}
	return open
}

// retrievalQuery picks the newest user text as the memory query.
func retrievalQuery(history []llm.Message, fallback string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" && history[i].Content != "" {
			return history[i].Content
		}
	}
	return fallback
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
