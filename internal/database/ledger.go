// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package database

import (
	"context"
	"fmt"

	"github.com/mbeckett/guildpulse/internal/models"
)

// Ledger is the persisted record of delivered report periods. Rows are
// inserted after a confirmed dispatch success and never mutated; the
// (guild_id, period_key) primary key is what prevents duplicate sends
// across ticks and process restarts.
type Ledger struct {
	pool *Pool
}

// NewLedger returns a ledger backed by the given pool.
func NewLedger(pool *Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Exists reports whether a delivery record exists for (guild, period).
func (l *Ledger) Exists(ctx context.Context, guildID int64, periodKey string) (bool, error) {
	h, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer l.pool.Release(h)

	var count int
	err = h.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_reports WHERE guild_id = ? AND period_key = ?`,
		guildID, periodKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery record: %w", err)
	}
	return count > 0, nil
}

// Record writes a delivery record. A concurrent or repeated write for
// the same (guild, period) is a no-op rather than an error.
func (l *Ledger) Record(ctx context.Context, rec models.DeliveryRecord) error {
	h, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`INSERT INTO sent_reports (guild_id, period_key, sent_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (guild_id, period_key) DO NOTHING`,
		rec.GuildID, rec.PeriodKey, rec.SentAt)
	if err != nil {
		return fmt.Errorf("failed to write delivery record for guild %d period %s: %w",
			rec.GuildID, rec.PeriodKey, err)
	}
	return nil
}
