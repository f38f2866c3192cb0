// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package reports compiles per-guild activity reports and schedules
// their idempotent delivery.
package reports

import (
	"fmt"
	"time"

	"github.com/mbeckett/guildpulse/internal/models"
)

// Report windows, matching the cadence of each frequency.
const (
	weeklyWindowDays  = 7
	monthlyWindowDays = 30
)

// PeriodKey derives the idempotency key for the period ending at now.
// Keys are calendar-derived so every tick within the same due day (and
// any tick after a crash and restart) computes the same key.
func PeriodKey(freq models.Frequency, now time.Time) string {
	switch freq {
	case models.FrequencyMonthly:
		return monthlyPeriodKey(now)
	default:
		return weeklyPeriodKey(now)
	}
}

// weeklyPeriodKey labels the ISO week that ended within the last seven
// days, e.g. "2026-W34".
func weeklyPeriodKey(now time.Time) string {
	year, week := now.UTC().AddDate(0, 0, -weeklyWindowDays).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// monthlyPeriodKey labels the previous calendar month, e.g. "2026-07".
func monthlyPeriodKey(now time.Time) string {
	prev := now.UTC().AddDate(0, -1, 0)
	return fmt.Sprintf("%04d-%02d", prev.Year(), int(prev.Month()))
}

// Window returns the [start, end) report window ending at the current
// UTC midnight, so every tick on the due day reads the same data.
func Window(freq models.Frequency, now time.Time) (time.Time, time.Time) {
	ts := now.UTC()
	end := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	days := weeklyWindowDays
	if freq == models.FrequencyMonthly {
		days = monthlyWindowDays
	}
	return end.AddDate(0, 0, -days), end
}

// IsDue reports whether a schedule's frequency falls due today (UTC).
// Weekly compares the weekday numbered 0 = Monday through 6 = Sunday;
// monthly compares the day of month, which schedules restrict to 1-28
// so it exists in every month.
func IsDue(sc models.ScheduleConfig, freq models.Frequency, now time.Time) bool {
	if !sc.HasFrequency(freq) {
		return false
	}
	ts := now.UTC()
	switch freq {
	case models.FrequencyWeekly:
		// time.Weekday numbers Sunday 0; schedules number Monday 0.
		return (int(ts.Weekday())+6)%7 == sc.WeeklyDay
	case models.FrequencyMonthly:
		return ts.Day() == sc.MonthlyDay
	default:
		return false
	}
}
