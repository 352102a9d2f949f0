package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LoadPresenceStats returns the durable peak and every milestone reached so far.
func (r *PostgresRepository) LoadPresenceStats(ctx context.Context) (*PresenceStats, error) {
	var stats PresenceStats
	err := r.pool.QueryRow(ctx, `SELECT peak_count, peak_at FROM presence_stats WHERE id = 1`).Scan(&stats.PeakCount, &stats.PeakAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load presence peak: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT threshold, reached_at FROM presence_milestones ORDER BY threshold`)
	if err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Threshold, &m.ReachedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		stats.Milestones = append(stats.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return &stats, nil
}

// RecordPeak raises the stored peak to count if it is higher and returns the resulting peak.
func (r *PostgresRepository) RecordPeak(ctx context.Context, count int64, at time.Time) (int64, error) {
	const q = `
INSERT INTO presence_stats (id, peak_count, peak_at)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET
    peak_at = CASE WHEN EXCLUDED.peak_count > presence_stats.peak_count THEN EXCLUDED.peak_at ELSE presence_stats.peak_at END,
    peak_count = GREATEST(presence_stats.peak_count, EXCLUDED.peak_count)
RETURNING peak_count;
`
	var peak int64
	if err := r.pool.QueryRow(ctx, q, count, at).Scan(&peak); err != nil {
		return 0, fmt.Errorf("record peak: %w", err)
	}
	return peak, nil
}

// RecordMilestone stores threshold once. It reports whether this call inserted it.
func (r *PostgresRepository) RecordMilestone(ctx context.Context, threshold int64, at time.Time) (bool, error) {
	ct, err := r.pool.Exec(ctx, `INSERT INTO presence_milestones (threshold, reached_at) VALUES ($1, $2) ON CONFLICT (threshold) DO NOTHING`, threshold, at)
	if err != nil {
		return false, fmt.Errorf("record milestone: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}
