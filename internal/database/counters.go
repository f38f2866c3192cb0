// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbeckett/guildpulse/internal/models"
)

// CounterStore persists the hourly activity counters. Counters are only
// ever incremented; the durable count for a bucket is the sum of every
// successfully applied increment.
type CounterStore struct {
	pool *Pool
}

// NewCounterStore returns a store backed by the given pool.
func NewCounterStore(pool *Pool) *CounterStore {
	return &CounterStore{pool: pool}
}

const incrementCounterSQL = `
	INSERT INTO message_activity (guild_id, user_id, day, hour, message_count)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (guild_id, user_id, day, hour)
	DO UPDATE SET message_count = message_activity.message_count + EXCLUDED.message_count`

// IncrementBatch applies a snapshot using a single pool handle. Each key
// is an independent atomic increment; on a mid-batch failure the keys not
// yet confirmed (including the failed one) are returned as residue for
// the caller to merge back and retry.
func (s *CounterStore) IncrementBatch(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	if len(snap) == 0 {
		return nil, nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		// Nothing was applied; the whole snapshot is residue.
		return snap, fmt.Errorf("failed to acquire handle for counter batch: %w", err)
	}
	defer s.pool.Release(h)

	// Deterministic ordering keeps increments for the same key applied
	// in the order their snapshots were taken.
	keys := make([]models.CounterKey, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.GuildID != b.GuildID {
			return a.GuildID < b.GuildID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		return a.Hour < b.Hour
	})

	for i, k := range keys {
		if _, err := h.ExecContext(ctx, incrementCounterSQL,
			k.GuildID, k.UserID, k.Day, k.Hour, snap[k]); err != nil {
			residue := make(models.Snapshot, len(keys)-i)
			for _, rk := range keys[i:] {
				residue[rk] = snap[rk]
			}
			return residue, fmt.Errorf("counter increment failed after %d of %d keys: %w", i, len(keys), err)
		}
	}
	return nil, nil
}

// BucketCount reads the durable count for one bucket.
func (s *CounterStore) BucketCount(ctx context.Context, key models.CounterKey) (int64, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	var count int64
	err = h.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(message_count), 0) FROM message_activity
		 WHERE guild_id = ? AND user_id = ? AND day = ? AND hour = ?`,
		key.GuildID, key.UserID, key.Day, key.Hour).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read bucket count: %w", err)
	}
	return count, nil
}

// DayTotal is one day's message volume within a report window.
type DayTotal struct {
	Day   time.Time
	Count int64
}

// ActivityTotals returns per-day message totals for a guild over
// [start, end), ordered by day ascending. Days with no activity are
// absent from the result.
func (s *CounterStore) ActivityTotals(ctx context.Context, guildID int64, start, end time.Time) ([]DayTotal, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.QueryContext(ctx,
		`SELECT day, SUM(message_count) FROM message_activity
		 WHERE guild_id = ? AND day >= ? AND day < ?
		 GROUP BY day ORDER BY day`,
		guildID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity totals: %w", err)
	}
	defer rows.Close()

	var totals []DayTotal
	for rows.Next() {
		var dt DayTotal
		if err := rows.Scan(&dt.Day, &dt.Count); err != nil {
			return nil, fmt.Errorf("failed to scan day total: %w", err)
		}
		totals = append(totals, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity totals iteration failed: %w", err)
	}
	return totals, nil
}

// TopContributors returns the highest-volume members for a guild over
// [start, end), joined against the members table for display names.
func (s *CounterStore) TopContributors(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.ContributorStat, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.QueryContext(ctx,
		`SELECT a.user_id,
		        COALESCE(NULLIF(m.nickname, ''), m.username, CAST(a.user_id AS VARCHAR)),
		        SUM(a.message_count) AS total
		 FROM message_activity a
		 LEFT JOIN members m ON m.guild_id = a.guild_id AND m.user_id = a.user_id
		 WHERE a.guild_id = ? AND a.day >= ? AND a.day < ?
		 GROUP BY a.user_id, m.nickname, m.username
		 ORDER BY total DESC
		 LIMIT ?`,
		guildID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top contributors: %w", err)
	}
	defer rows.Close()

	var stats []models.ContributorStat
	for rows.Next() {
		var cs models.ContributorStat
		if err := rows.Scan(&cs.UserID, &cs.DisplayName, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		stats = append(stats, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top contributors iteration failed: %w", err)
	}
	return stats, nil
}
