package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/db/repository"
)

// mockRunRepository records DeleteOlderThan calls.
type mockRunRepository struct {
	repository.NoOpRunRepository
	cutoffs   []time.Time
	deleted   int64
	deleteErr error
}

func (m *mockRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.deleted, nil
}

func newTestScheduler(t *testing.T, repo *mockRunRepository, now time.Time) *RetentionScheduler {
	t.Helper()
	cfg := &config.HistoryConfig{RetentionDays: 30, RetentionCron: "0 3 * * *"}
	s, err := NewRetentionScheduler(repo, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestNewRetentionScheduler_RejectsBadConfig(t *testing.T) {
	repo := &mockRunRepository{}
	_, err := NewRetentionScheduler(repo, &config.HistoryConfig{RetentionDays: 30, RetentionCron: "every day"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewRetentionScheduler(repo, &config.HistoryConfig{RetentionDays: 0, RetentionCron: "0 3 * * *"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRunOnce_UsesRetentionCutoff(t *testing.T) {
	now := time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC)
	repo := &mockRunRepository{deleted: 12}
	s := newTestScheduler(t, repo, now)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	require.Len(t, repo.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -30), repo.cutoffs[0])
}

func TestRunOnce_WrapsRepositoryError(t *testing.T) {
	repo := &mockRunRepository{deleteErr: errors.New("disk full")}
	s := newTestScheduler(t, repo, time.Now())

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTick_OnlyPurgesWhenDue(t *testing.T) {
	now := time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC)
	repo := &mockRunRepository{}
	s := newTestScheduler(t, repo, now)
	s.now = func() time.Time { return now }
	s.nextRun = s.schedule.Next(now)
	assert.Equal(t, time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC), s.NextRun())

	s.tick(context.Background())
	assert.Empty(t, repo.cutoffs)

	now = now.Add(time.Hour)
	s.tick(context.Background())
	assert.Len(t, repo.cutoffs, 1)
	assert.Equal(t, time.Date(2024, 6, 16, 3, 0, 0, 0, time.UTC), s.NextRun())

	s.tick(context.Background())
	assert.Len(t, repo.cutoffs, 1)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, &mockRunRepository{}, time.Now())
	require.NoError(t, s.Start())
	assert.False(t, s.NextRun().IsZero())
	require.NoError(t, s.Stop())
}
