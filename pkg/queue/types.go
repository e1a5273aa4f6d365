// Package queue claims pending runs and drives them through the agent
// loop: a bounded worker pool per pod, heartbeats for orphan detection,
// and recovery sweeps that requeue runs whose pod went silent.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no pending runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")
)

// Executor drives one claimed run until it settles or suspends. The
// agent loop is the production implementation; tests substitute stubs.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) (agent.Outcome, error)
}

// TerminalNotifier receives runs that reached a terminal status, so
// child completions can settle their parent's fan-in.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, run *models.Run) error
}

// PoolHealth reports the worker pool's state for the health endpoint.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`

	LastOrphanScan  time.Time `json:"last_orphan_scan"`
	OrphansRequeued int       `json:"orphans_requeued"`
}

// WorkerHealth reports a single worker's state.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
