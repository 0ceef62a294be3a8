/*
scheduler.go - Stale booking sweeper

PURPOSE:
  A booking that crashed between reserving the slot and confirming or
  reverting it stays in "pending booking" with the student's payment
  consumed. The sweeper periodically reverts such sessions (slot freed,
  payment order marked refund_due) once they are older than OlderThan.

DESIGN:
  - robfig/cron schedule (default "@every 5m")
  - overlapping runs are skipped; panics are recovered and logged
  - RunNow triggers an immediate pass (startup, tests)

USAGE:
  sweeper := NewSweepScheduler(svc, "@every 5m", 15*time.Minute, logger)
  if err := sweeper.Start(); err != nil { ... }
  defer sweeper.Stop()
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// StaleSweeper is the part of marketplace.Service the scheduler drives.
type StaleSweeper interface {
	SweepStaleBookings(ctx context.Context, olderThan time.Duration) (int, error)
}

type SweepScheduler struct {
	Sweeper   StaleSweeper
	Schedule  string
	OlderThan time.Duration
	Logger    *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
}

func NewSweepScheduler(sweeper StaleSweeper, schedule string, olderThan time.Duration, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &SweepScheduler{
		Sweeper:   sweeper,
		Schedule:  schedule,
		OlderThan: olderThan,
		Logger:    logger,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
	}
}

func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.Schedule, func() { s.RunNow(context.Background()) }); err != nil {
		return fmt.Errorf("schedule stale booking sweep %q: %w", s.Schedule, err)
	}
	s.cron.Start()
	s.Logger.Info("sweeper started", "component", "scheduler", "schedule", s.Schedule, "older_than", s.OlderThan)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.Logger.Info("sweeper stopped", "component", "scheduler")
}

// RunNow sweeps once and returns the number of reverted bookings.
func (s *SweepScheduler) RunNow(ctx context.Context) int {
	reverted, err := s.Sweeper.SweepStaleBookings(ctx, s.OlderThan)
	if err != nil {
		s.Logger.Error("stale booking sweep failed", "component", "scheduler", "error", err)
		return reverted
	}
	if reverted > 0 {
		s.Logger.Warn("stale bookings reverted", "component", "scheduler", "count", reverted)
	}
	return reverted
}
