// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbeckett/guildpulse/internal/logging"
	"github.com/mbeckett/guildpulse/internal/models"
)

// ScheduleStore reads and writes per-guild report schedules. The admin
// surface writes schedules out of band; the scheduler only lists them,
// so changes take effect on the next tick without coordination.
type ScheduleStore struct {
	pool *Pool
}

// NewScheduleStore returns a store backed by the given pool.
func NewScheduleStore(pool *Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

// Upsert inserts or replaces a guild's schedule.
func (s *ScheduleStore) Upsert(ctx context.Context, sc models.ScheduleConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`INSERT INTO report_schedules (guild_id, channel_url, frequencies, report_types, weekly_day, monthly_day)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (guild_id)
		 DO UPDATE SET channel_url = EXCLUDED.channel_url,
		               frequencies = EXCLUDED.frequencies,
		               report_types = EXCLUDED.report_types,
		               weekly_day = EXCLUDED.weekly_day,
		               monthly_day = EXCLUDED.monthly_day`,
		sc.GuildID, sc.ChannelURL,
		joinFrequencies(sc.Frequencies), joinReportTypes(sc.ReportTypes),
		sc.WeeklyDay, sc.MonthlyDay)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule for guild %d: %w", sc.GuildID, err)
	}
	return nil
}

// List returns every guild schedule. Rows that fail validation are
// skipped so one malformed schedule cannot starve the rest.
func (s *ScheduleStore) List(ctx context.Context) ([]models.ScheduleConfig, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.QueryContext(ctx,
		`SELECT guild_id, channel_url, frequencies, report_types, weekly_day, monthly_day
		 FROM report_schedules ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.ScheduleConfig
	for rows.Next() {
		var (
			sc          models.ScheduleConfig
			frequencies string
			reportTypes string
		)
		if err := rows.Scan(&sc.GuildID, &sc.ChannelURL, &frequencies, &reportTypes,
			&sc.WeeklyDay, &sc.MonthlyDay); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		sc.Frequencies = splitFrequencies(frequencies)
		sc.ReportTypes = splitReportTypes(reportTypes)
		if err := sc.Validate(); err != nil {
			logging.Warn().Err(err).
				Int64("guild_id", sc.GuildID).
				Msg("skipping invalid schedule row, guild will not receive reports until fixed")
			continue
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule iteration failed: %w", err)
	}
	return schedules, nil
}

func joinFrequencies(fs []models.Frequency) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		parts = append(parts, string(f))
	}
	return strings.Join(parts, ",")
}

func splitFrequencies(s string) []models.Frequency {
	var fs []models.Frequency
	for _, part := range strings.Split(s, ",") {
		switch models.Frequency(strings.TrimSpace(part)) {
		case models.FrequencyWeekly:
			fs = append(fs, models.FrequencyWeekly)
		case models.FrequencyMonthly:
			fs = append(fs, models.FrequencyMonthly)
		}
	}
	return fs
}

func joinReportTypes(ts []models.ReportType) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

func splitReportTypes(s string) []models.ReportType {
	var ts []models.ReportType
	for _, part := range strings.Split(s, ",") {
		switch models.ReportType(strings.TrimSpace(part)) {
		case models.ReportActivity:
			ts = append(ts, models.ReportActivity)
		case models.ReportJoins:
			ts = append(ts, models.ReportJoins)
		case models.ReportDepartures:
			ts = append(ts, models.ReportDepartures)
		}
	}
	return ts
}
