// Package scheduler runs periodic maintenance of the run history.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/db/repository"
)

// RetentionScheduler deletes history older than the retention window on a
// cron schedule.
type RetentionScheduler struct {
	runs      repository.RunRepository
	retention time.Duration
	schedule  cron.Schedule
	logger    *zap.Logger

	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionScheduler creates a scheduler from the history settings.
func NewRetentionScheduler(runs repository.RunRepository, cfg *config.HistoryConfig, logger *zap.Logger) (*RetentionScheduler, error) {
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("retention_days must be positive, got %d", cfg.RetentionDays)
	}
	schedule, err := cron.ParseStandard(cfg.RetentionCron)
	if err != nil {
		return nil, fmt.Errorf("failed to parse retention cron %q: %w", cfg.RetentionCron, err)
	}

	return &RetentionScheduler{
		runs:         runs,
		retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		schedule:     schedule,
		logger:       logger.With(zap.String("component", "retention_scheduler")),
		pollInterval: 30 * time.Second,
		now:          time.Now,
	}, nil
}

// Start starts the scheduler loop.
func (s *RetentionScheduler) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	s.nextRun = s.schedule.Next(s.now())
	next := s.nextRun
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("Retention scheduler started",
		zap.Duration("retention", s.retention),
		zap.Time("next_run", next),
	)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *RetentionScheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.logger.Info("Retention scheduler stopped")
	return nil
}

// NextRun returns when the next purge is due.
func (s *RetentionScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *RetentionScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

// tick purges when the next run is due and schedules the following one.
func (s *RetentionScheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Retention purge failed", zap.Error(err))
	}
}

// RunOnce deletes every run older than the retention window.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.runs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	s.logger.Info("Purged run history",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}
