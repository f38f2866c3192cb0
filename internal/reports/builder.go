// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/mbeckett/guildpulse/internal/database"
	"github.com/mbeckett/guildpulse/internal/models"
)

const (
	topContributorLimit = 5
	memberListLimit     = 25
)

// ActivityReader reads aggregated message counters for a window.
type ActivityReader interface {
	ActivityTotals(ctx context.Context, guildID int64, start, end time.Time) ([]database.DayTotal, error)
	TopContributors(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.ContributorStat, error)
}

// MembershipReader reads membership changes for a window.
type MembershipReader interface {
	JoinedBetween(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.Member, error)
	DepartedBetween(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.Member, error)
}

// Builder compiles a structured report for one guild and period. Only
// requested sections with content are included; a report whose every
// requested section is empty comes back with IsEmpty() true and is
// never dispatched.
type Builder struct {
	activity   ActivityReader
	membership MembershipReader
}

// NewBuilder returns a builder over the given readers.
func NewBuilder(activity ActivityReader, membership MembershipReader) *Builder {
	return &Builder{activity: activity, membership: membership}
}

// Build assembles the report for sc's guild covering the period ending
// at now.
func (b *Builder) Build(ctx context.Context, sc models.ScheduleConfig, freq models.Frequency, now time.Time) (*models.Report, error) {
	start, end := Window(freq, now)
	report := &models.Report{
		GuildID:     sc.GuildID,
		Frequency:   freq,
		PeriodKey:   PeriodKey(freq, now),
		PeriodStart: start,
		PeriodEnd:   end,
	}

	for _, rt := range sc.ReportTypes {
		switch rt {
		case models.ReportActivity:
			section, err := b.buildActivity(ctx, sc.GuildID, start, end)
			if err != nil {
				return nil, fmt.Errorf("failed to build activity section for guild %d: %w", sc.GuildID, err)
			}
			report.Activity = section
		case models.ReportJoins:
			joined, err := b.membership.JoinedBetween(ctx, sc.GuildID, start, end, memberListLimit)
			if err != nil {
				return nil, fmt.Errorf("failed to build joins section for guild %d: %w", sc.GuildID, err)
			}
			if len(joined) > 0 {
				report.Joins = &models.JoinsSection{Count: len(joined), Members: joined}
			}
		case models.ReportDepartures:
			departed, err := b.membership.DepartedBetween(ctx, sc.GuildID, start, end, memberListLimit)
			if err != nil {
				return nil, fmt.Errorf("failed to build departures section for guild %d: %w", sc.GuildID, err)
			}
			if len(departed) > 0 {
				report.Departures = &models.DeparturesSection{Count: len(departed), Members: departed}
			}
		}
	}

	return report, nil
}

// buildActivity summarizes message volume, returning nil when the
// window saw no messages at all.
func (b *Builder) buildActivity(ctx context.Context, guildID int64, start, end time.Time) (*models.ActivitySection, error) {
	totals, err := b.activity.ActivityTotals(ctx, guildID, start, end)
	if err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		return nil, nil
	}

	var total int64
	peak := totals[0]
	for _, dt := range totals {
		total += dt.Count
		if dt.Count > peak.Count {
			peak = dt
		}
	}
	if total == 0 {
		return nil, nil
	}

	contributors, err := b.activity.TopContributors(ctx, guildID, start, end, topContributorLimit)
	if err != nil {
		return nil, err
	}

	windowDays := end.Sub(start).Hours() / 24
	return &models.ActivitySection{
		TotalMessages:   total,
		DailyAverage:    float64(total) / windowDays,
		PeakDay:         peak.Day,
		PeakDayMessages: peak.Count,
		TopContributors: contributors,
	}, nil
}
