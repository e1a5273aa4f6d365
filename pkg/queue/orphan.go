package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks sweep metrics for the health endpoint.
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanScan periodically requeues runs whose heartbeat went stale.
// All pods run this independently; the guarded requeue makes repeats
// harmless, and checkpoints make re-execution safe.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scanOnce(ctx)
		}
	}
}

func (p *WorkerPool) scanOnce(ctx context.Context) {
	requeued, err := p.store.RequeueOrphans(ctx, p.config.OrphanThreshold)
	if err != nil {
		slog.Error("orphan scan failed", "pod_id", p.podID, "error", err)
		return
	}
	if len(requeued) > 0 {
		slog.Warn("requeued orphaned runs",
			"pod_id", p.podID, "count", len(requeued), "run_ids", requeued)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += len(requeued)
	p.orphans.mu.Unlock()
}
