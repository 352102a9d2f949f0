package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ellio/internal/metrics"
	"ellio/internal/repo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStatsStore struct {
	mu         sync.Mutex
	peak       int64
	milestones map[int64]time.Time
	failPeak   bool
}

func newMemStatsStore() *memStatsStore {
	return &memStatsStore{milestones: make(map[int64]time.Time)}
}

func (s *memStatsStore) LoadPresenceStats(ctx context.Context) (*repo.PresenceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &repo.PresenceStats{PeakCount: s.peak}
	for _, threshold := range Ladder {
		if at, ok := s.milestones[threshold]; ok {
			out.Milestones = append(out.Milestones, repo.Milestone{Threshold: threshold, ReachedAt: at})
		}
	}
	return out, nil
}

func (s *memStatsStore) RecordPeak(ctx context.Context, count int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPeak {
		return 0, errors.New("store down")
	}
	if count > s.peak {
		s.peak = count
	}
	return s.peak, nil
}

func (s *memStatsStore) RecordMilestone(ctx context.Context, threshold int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.milestones[threshold]; ok {
		return false, nil
	}
	s.milestones[threshold] = at
	return true, nil
}

func TestObserveRecordsMilestonesOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStatsStore()
	stats := NewStats(store, metrics.NewUnregistered(), discardLogger())
	now := time.Now()

	for i := 0; i < 3; i++ {
		stats.Observe(ctx, 250, now.Add(time.Duration(i)*time.Second))
	}
	snap := stats.Snapshot()
	require.Len(t, snap.Milestones, 2)
	require.Equal(t, int64(100), snap.Milestones[0].Threshold)
	require.Equal(t, int64(200), snap.Milestones[1].Threshold)
	require.Equal(t, now, snap.Milestones[0].ReachedAt)
	require.Len(t, store.milestones, 2)
}

func TestPeakIsMonotone(t *testing.T) {
	ctx := context.Background()
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())
	now := time.Now()

	counts := []int64{3, 9, 4, 0, 7, 12, 1}
	var maxSeen int64
	for i, c := range counts {
		snap := stats.Observe(ctx, c, now.Add(time.Duration(i)*time.Second))
		if c > maxSeen {
			maxSeen = c
		}
		require.Equal(t, c, snap.Online)
		require.Equal(t, maxSeen, snap.Peak)
	}
	require.Equal(t, now.Add(5*time.Second), *stats.Snapshot().PeakAt)
}

func TestLoadSeedsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStatsStore()
	store.peak = 640
	store.milestones[100] = time.Unix(100, 0)
	store.milestones[200] = time.Unix(200, 0)
	store.milestones[500] = time.Unix(500, 0)

	stats := NewStats(store, metrics.NewUnregistered(), discardLogger())
	require.NoError(t, stats.Load(ctx))

	snap := stats.Observe(ctx, 150, time.Now())
	require.Equal(t, int64(640), snap.Peak)
	require.Len(t, snap.Milestones, 3)
	require.Equal(t, time.Unix(100, 0), snap.Milestones[0].ReachedAt)
}

func TestStoreFailureDoesNotLoseMemoryState(t *testing.T) {
	store := newMemStatsStore()
	store.failPeak = true
	stats := NewStats(store, metrics.NewUnregistered(), discardLogger())

	snap := stats.Observe(context.Background(), 120, time.Now())
	require.Equal(t, int64(120), snap.Peak)
	require.Len(t, snap.Milestones, 1)
	require.Len(t, store.milestones, 1)
}

func TestRiseAndFallKeepsPeakAndCrossedMilestonesOnly(t *testing.T) {
	ctx := context.Background()
	store := newMemStatsStore()
	stats := NewStats(store, metrics.NewUnregistered(), discardLogger())
	now := time.Now()

	for i, count := range []int64{0, 150, 450, 150} {
		stats.Observe(ctx, count, now.Add(time.Duration(i)*time.Second))
	}

	snap := stats.Snapshot()
	require.Equal(t, int64(150), snap.Online)
	require.Equal(t, int64(450), snap.Peak)
	require.Len(t, snap.Milestones, 2)
	require.Equal(t, int64(100), snap.Milestones[0].Threshold)
	require.Equal(t, int64(200), snap.Milestones[1].Threshold)

	loaded, err := store.LoadPresenceStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(450), loaded.PeakCount)
	require.Len(t, loaded.Milestones, 2)
	for _, m := range loaded.Milestones {
		require.NotEqual(t, int64(500), m.Threshold)
	}
}
