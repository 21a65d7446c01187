// Package scheduler runs the periodic maintenance jobs: backend agent
// re-registration, backend health pings, and sweeping the in-process
// context fallback cache.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/easydatahq/agent-gateway/internal/bridge"
	"github.com/easydatahq/agent-gateway/internal/contextstore"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// Scheduler manages the gateway's cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	bridge *bridge.Client
	store  *contextstore.Store
	logger *slog.Logger
}

// New creates a scheduler. bridgeClient may be nil when no backend is
// configured; backend jobs are then skipped.
func New(bridgeClient *bridge.Client, store *contextstore.Store) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		bridge: bridgeClient,
		store:  store,
		logger: logging.WithComponent("scheduler"),
	}
	s.scheduleJobs()
	return s
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) scheduleJobs() {
	// fallback entries expire lazily on read; sweep keeps the map from
	// growing when users never come back
	s.mustAdd("@every 5m", func() {
		if n := s.store.Sweep(); n > 0 {
			s.logger.Info("swept expired context entries", "count", n)
		}
	})

	if s.bridge == nil {
		return
	}

	s.mustAdd("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.bridge.RegisterAgent(ctx); err != nil {
			s.logger.Warn("agent re-registration failed", "error", err)
		}
	})

	s.mustAdd("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.bridge.Health(ctx); err != nil {
			s.logger.Warn("backend health check failed", "error", err)
		}
	})
}

func (s *Scheduler) mustAdd(spec string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "spec", spec, "error", err)
	}
}
