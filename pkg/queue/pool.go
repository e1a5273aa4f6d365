package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/store"
)

// WorkerPool manages a pod's queue workers and the orphan sweeper.
type WorkerPool struct {
	podID    string
	store    *store.Store
	config   *config.QueueConfig
	executor Executor
	notifier TerminalNotifier
	recorder *events.Recorder
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Run cancel registry: run_id → cancel function, for API-triggered
	// cancellation of runs executing on this pod.
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	orphans orphanState
}

// NewWorkerPool wires a pool. notifier and recorder may be nil when
// swarm fan-in or event recording is not in play (tests).
func NewWorkerPool(podID string, st *store.Store, cfg *config.QueueConfig,
	executor Executor, notifier TerminalNotifier, recorder *events.Recorder) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		store:      st,
		config:     cfg,
		executor:   executor,
		notifier:   notifier,
		recorder:   recorder,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start requeues this pod's startup orphans, then spawns the workers
// and the orphan sweeper. Safe to call once; repeats are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("worker pool already started", "pod_id", p.podID)
		return nil
	}
	p.started = true

	requeued, err := p.store.RequeueStartupOrphans(ctx, p.podID)
	if err != nil {
		return fmt.Errorf("startup orphan sweep failed: %w", err)
	}
	if len(requeued) > 0 {
		slog.Warn("requeued runs left claimed by previous instance",
			"pod_id", p.podID, "count", len(requeued), "run_ids", requeued)
	}

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := NewWorker(workerID, p.podID, p.store, p.config, p.executor, p.notifier, p.recorder, p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	return nil
}

// Stop signals all workers and waits for them. Workers finish their
// current run before exiting.
func (p *WorkerPool) Stop() {
	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("waiting for active runs to settle",
			"count", len(active), "run_ids", active)
	}

	for _, w := range p.workers {
		w.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("worker pool stopped", "pod_id", p.podID)
}

// RegisterRun stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun triggers context cancellation for a run executing on this
// pod. Returns false when the run is not held here.
func (p *WorkerPool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the pool's current health.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	queueDepth, dbErr := p.store.CountPending(ctx)

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, w := range p.workers {
		workerStats[i] = w.Health()
		if workerStats[i].Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	h := &PoolHealth{
		IsHealthy:       len(p.workers) > 0 && dbErr == nil,
		DBReachable:     dbErr == nil,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastScan,
		OrphansRequeued: requeued,
	}
	if dbErr != nil {
		h.DBError = dbErr.Error()
	}
	return h
}

func (p *WorkerPool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
