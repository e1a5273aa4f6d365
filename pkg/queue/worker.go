package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// RunRegistry is the subset of WorkerPool used by Worker for cancel
// registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// Worker polls for pending runs, claims them, and hands them to the
// executor under a heartbeat.
type Worker struct {
	id       string
	podID    string
	store    *store.Store
	config   *config.QueueConfig
	executor Executor
	notifier TerminalNotifier
	recorder *events.Recorder
	pool     RunRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. recorder may be nil; timeout
// failures are then recorded in storage only.
func NewWorker(id, podID string, st *store.Store, cfg *config.QueueConfig,
	executor Executor, notifier TerminalNotifier, recorder *events.Recorder,
	pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		config:       cfg,
		executor:     executor,
		notifier:     notifier,
		recorder:     recorder,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for its current run to settle.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("run processing error", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending run and executes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	run, err := w.store.ClaimNextPending(ctx, w.podID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoRunsAvailable
	}
	if err != nil {
		return err
	}

	log := slog.With("run_id", run.ID, "worker_id", w.id)
	log.Info("run claimed", "agent_id", run.AgentID, "resumed", run.StartedAt != nil)

	w.setStatus(WorkerStatusWorking, run.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	w.pool.RegisterRun(run.ID, cancelRun)
	defer w.pool.UnregisterRun(run.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(runCtx)
	go w.runHeartbeat(heartbeatCtx, run.ID)

	outcome, execErr := w.executor.Execute(runCtx, run)
	stopHeartbeat()

	// The run's own context may be dead; terminal writes use a fresh one.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinish()

	switch {
	case execErr == nil:
		if outcome != agent.OutcomeSuspended {
			w.notifyParent(finishCtx, run.ID)
		}
		log.Info("run settled", "outcome", outcome)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		if err := w.failTimedOut(finishCtx, run.ID); err != nil {
			log.Error("failed to mark timed-out run", "error", err)
			return err
		}
		w.notifyParent(finishCtx, run.ID)
		log.Warn("run timed out", "timeout", w.config.RunTimeout)

	case errors.Is(execErr, context.Canceled):
		// Either the API cancelled the run or the pod is shutting down.
		// A cancelled run is already terminal in storage; a shutdown
		// leaves the claim for the startup sweep to requeue.
		current, err := w.store.GetRunByID(finishCtx, run.ID)
		if err == nil && current.Status == models.RunStatusCancelled {
			w.notifyParent(finishCtx, run.ID)
			log.Info("run cancelled")
		} else {
			log.Info("run interrupted by shutdown, leaving claim for recovery")
		}

	default:
		// Infrastructure failure mid-step. The checkpoint protects
		// progress; stopping the heartbeat lets the orphan scan requeue.
		log.Error("run execution error, leaving claim for recovery", "error", execErr)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()
	return nil
}

// runHeartbeat refreshes the claim while the executor works.
func (w *Worker) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, runID, w.podID); err != nil {
				slog.Warn("heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// failTimedOut marks a run that exceeded the per-invocation timeout.
func (w *Worker) failTimedOut(ctx context.Context, runID string) error {
	coded := models.NewCodedError(models.CodeTimeout,
		"run exceeded timeout %s", w.config.RunTimeout)
	err := w.store.Fail(ctx, runID, coded.RunError())
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Already settled by a racing transition.
		return nil
	}
	if err != nil {
		return err
	}
	if w.recorder != nil {
		run, ferr := w.store.GetRunByID(ctx, runID)
		if ferr != nil {
			return ferr
		}
		if _, ferr := w.recorder.Emit(ctx, run, models.EventRunFailed, "",
			events.RunFailedPayload{Code: coded.Code, Message: coded.Message}); ferr != nil {
			return ferr
		}
	}
	return nil
}

// notifyParent settles the fan-in edge when a terminal run has a parent.
func (w *Worker) notifyParent(ctx context.Context, runID string) {
	if w.notifier == nil {
		return
	}
	run, err := w.store.GetRunByID(ctx, runID)
	if err != nil {
		slog.Warn("terminal notification skipped, run fetch failed",
			"run_id", runID, "error", err)
		return
	}
	if !run.Status.Terminal() || run.ParentRunID == nil {
		return
	}
	if err := w.notifier.NotifyTerminal(ctx, run); err != nil {
		slog.Error("terminal notification failed",
			"run_id", runID, "parent_run_id", *run.ParentRunID, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
