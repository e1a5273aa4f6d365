// Package cleanup enforces data retention: terminal runs past the
// retention window are deleted in batches, taking their event logs,
// messages, checkpoints, and child runs with them.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/store"
)

// Service is the background retention sweeper. Deletes are idempotent
// and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{config: cfg, store: st}
}

// Start launches the background sweep loop. No-op when retention is
// disabled.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.config.RunRetention <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("retention sweeper started",
		"run_retention", s.config.RunRetention,
		"interval", s.config.SweepInterval)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes expired runs batch by batch until a batch comes back
// short, so one slow pass cannot monopolize the pool.
func (s *Service) sweep(ctx context.Context) {
	total := 0
	for {
		n, err := s.store.DeleteExpiredRuns(ctx, s.config.RunRetention, s.config.BatchSize)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			return
		}
		total += n
		if n < s.config.BatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("retention sweep deleted expired runs", "count", total)
	}
}
