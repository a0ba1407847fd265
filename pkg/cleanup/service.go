// Package cleanup provides data retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/forge-run/forge/pkg/config"
	"github.com/forge-run/forge/pkg/store"
)

// Service periodically prunes aged sync-log entries. The log is ordering
// metadata, not the source of truth, so pruning old entries never affects
// task state. All operations are idempotent.
type Service struct {
	config *config.RetentionConfig
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"sync_log_retention", s.config.SyncLogRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.pruneSyncLog(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneSyncLog(ctx)
		}
	}
}

func (s *Service) pruneSyncLog(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.SyncLogRetention)
	count, err := s.store.PruneSyncLog(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: sync log prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned sync log entries", "count", count)
	}
}
