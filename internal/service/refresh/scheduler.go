package refresh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs refresh passes on a cron schedule. Passes never overlap;
// a tick that arrives while a pass is running is skipped.
type Scheduler struct {
	svc    *Service
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler for svc.
func NewScheduler(svc *Service, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		svc:    svc,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the refresh pass under schedule ("@every 1m", "*/5 * * * *")
// and starts the cron loop. Passes stop when ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(schedule, func() { s.runPass(ctx) }); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.running = true
	s.cron.Start()
	s.logger.Info("refresh scheduler started", "schedule", schedule)
	return nil
}

// Stop stops the cron loop and waits for a running pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) runPass(ctx context.Context) {
	results, err := s.svc.RefreshAll(ctx)
	if err != nil {
		s.logger.Warn("refresh pass failed", "error", err)
		return
	}
	built, failed := 0, 0
	for _, r := range results {
		switch r.Action {
		case ActionBuilt:
			built++
		case ActionFailed:
			failed++
		}
	}
	s.logger.Debug("refresh pass finished", "tables", len(results), "built", built, "failed", failed)
}
