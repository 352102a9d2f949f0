package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ellio/internal/metrics"
	"ellio/internal/repo"
)

// Ladder lists the online-count thresholds recorded as milestones.
var Ladder = []int64{100, 200, 500, 1000, 2000, 5000}

// StatsStore persists the peak and milestones. The online count itself is never stored.
type StatsStore interface {
	LoadPresenceStats(ctx context.Context) (*repo.PresenceStats, error)
	RecordPeak(ctx context.Context, count int64, at time.Time) (int64, error)
	RecordMilestone(ctx context.Context, threshold int64, at time.Time) (bool, error)
}

// Snapshot is a point-in-time view of the aggregates.
type Snapshot struct {
	Online     int64            `json:"online"`
	Peak       int64            `json:"peak"`
	PeakAt     *time.Time       `json:"peak_at,omitempty"`
	Milestones []repo.Milestone `json:"milestones"`
}

// Stats holds the aggregates shared by every tracker of this process.
type Stats struct {
	mu         sync.Mutex
	online     int64
	peak       int64
	peakAt     *time.Time
	milestones []repo.Milestone

	store   StatsStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStats returns empty aggregates. store may be nil to keep everything in memory.
func NewStats(store StatsStore, m *metrics.Metrics, logger *slog.Logger) *Stats {
	return &Stats{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "presence_stats"),
	}
}

// Load seeds peak and milestones from the store.
func (s *Stats) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadPresenceStats(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored.PeakCount > s.peak {
		s.peak = stored.PeakCount
		s.peakAt = stored.PeakAt
	}
	for _, m := range stored.Milestones {
		if !s.hasMilestone(m.Threshold) {
			s.milestones = append(s.milestones, m)
		}
	}
	s.metrics.PresencePeak.Set(float64(s.peak))
	return nil
}

// Observe records a freshly computed online count. The peak only ever grows and each
// ladder threshold is recorded at most once, however often the same count is observed.
func (s *Stats) Observe(ctx context.Context, count int64, now time.Time) Snapshot {
	s.mu.Lock()
	s.online = count
	raised := false
	if count > s.peak {
		s.peak = count
		at := now
		s.peakAt = &at
		raised = true
	}
	var crossed []repo.Milestone
	for _, threshold := range Ladder {
		if count >= threshold && !s.hasMilestone(threshold) {
			m := repo.Milestone{Threshold: threshold, ReachedAt: now}
			s.milestones = append(s.milestones, m)
			crossed = append(crossed, m)
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.PresenceOnline.Set(float64(count))
	if raised {
		s.metrics.PresencePeak.Set(float64(count))
	}
	for _, m := range crossed {
		s.logger.Info("presence milestone reached", "threshold", m.Threshold, "online", count)
	}
	s.persist(ctx, raised, count, now, crossed)
	return snap
}

// Snapshot returns the current aggregates.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stats) snapshotLocked() Snapshot {
	snap := Snapshot{
		Online:     s.online,
		Peak:       s.peak,
		Milestones: append([]repo.Milestone{}, s.milestones...),
	}
	if s.peakAt != nil {
		at := *s.peakAt
		snap.PeakAt = &at
	}
	return snap
}

func (s *Stats) hasMilestone(threshold int64) bool {
	for _, m := range s.milestones {
		if m.Threshold == threshold {
			return true
		}
	}
	return false
}

// persist writes changes through to the store. Failures are logged only; the in-memory
// aggregates stay authoritative until the next successful write.
func (s *Stats) persist(ctx context.Context, raised bool, count int64, now time.Time, crossed []repo.Milestone) {
	if s.store == nil || (!raised && len(crossed) == 0) {
		return
	}
	if raised {
		if _, err := s.store.RecordPeak(ctx, count, now); err != nil {
			s.metrics.Errors.WithLabelValues("presence").Inc()
			s.logger.Warn("persist presence peak failed", "error", err)
		}
	}
	for _, m := range crossed {
		if _, err := s.store.RecordMilestone(ctx, m.Threshold, m.ReachedAt); err != nil {
			s.metrics.Errors.WithLabelValues("presence").Inc()
			s.logger.Warn("persist presence milestone failed", "threshold", m.Threshold, "error", err)
		}
	}
}
