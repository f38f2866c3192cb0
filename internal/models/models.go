// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package models defines the shared domain types: activity events and
// counters, guild members, report schedules, compiled reports and the
// delivery ledger records.
package models

import (
	"fmt"
	"time"
)

// Frequency identifies a report cadence.
type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ReportType identifies a report section.
type ReportType string

const (
	ReportActivity   ReportType = "activity"
	ReportJoins      ReportType = "joins"
	ReportDepartures ReportType = "departures"
)

// ActivityEvent is a single member activity observation pushed by the
// gateway intake. It is transient: merged into a counter and discarded.
type ActivityEvent struct {
	GuildID   int64     `json:"guild_id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects events the buffer must drop rather than aggregate.
func (e ActivityEvent) Validate() error {
	if e.GuildID <= 0 {
		return fmt.Errorf("activity event: invalid guild_id %d", e.GuildID)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("activity event: invalid user_id %d", e.UserID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("activity event: zero timestamp")
	}
	return nil
}

// CounterKey identifies one hourly activity bucket.
type CounterKey struct {
	GuildID int64
	UserID  int64
	Day     time.Time // truncated to midnight UTC
	Hour    int       // 0-23
}

// KeyFor derives the bucket key for an event. All bucketing is UTC.
func KeyFor(e ActivityEvent) CounterKey {
	ts := e.Timestamp.UTC()
	return CounterKey{
		GuildID: e.GuildID,
		UserID:  e.UserID,
		Day:     time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		Hour:    ts.Hour(),
	}
}

// Snapshot is a drained buffer state handed to the persister: bucket key
// to pending increment count.
type Snapshot map[CounterKey]int64

// Member is a tracked guild member row.
type Member struct {
	GuildID  int64      `json:"guild_id"`
	UserID   int64      `json:"user_id"`
	Username string     `json:"username"`
	Nickname string     `json:"nickname,omitempty"`
	JoinDate time.Time  `json:"join_date"`
	LeftDate *time.Time `json:"left_date,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	IsActive bool       `json:"is_active"`
}

// DisplayName prefers the nickname when one is set.
func (m Member) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

// ScheduleConfig is a guild's report schedule. Written by the external
// admin surface; this service only reads it.
type ScheduleConfig struct {
	GuildID     int64        `json:"guild_id"`
	ChannelURL  string       `json:"channel_url"`
	Frequencies []Frequency  `json:"frequencies"`
	ReportTypes []ReportType `json:"report_types"`

	// WeeklyDay is the delivery weekday, 0 (Monday) through 6 (Sunday).
	WeeklyDay int `json:"weekly_day"`

	// MonthlyDay is the delivery day of month, 1 through 28 so that it
	// exists in every month.
	MonthlyDay int `json:"monthly_day"`
}

// HasFrequency reports whether the schedule includes f.
func (s ScheduleConfig) HasFrequency(f Frequency) bool {
	for _, have := range s.Frequencies {
		if have == f {
			return true
		}
	}
	return false
}

// Validate checks the day bounds the admin surface should already enforce.
func (s ScheduleConfig) Validate() error {
	if s.GuildID <= 0 {
		return fmt.Errorf("schedule: invalid guild_id %d", s.GuildID)
	}
	if s.ChannelURL == "" {
		return fmt.Errorf("schedule: empty channel_url for guild %d", s.GuildID)
	}
	if s.WeeklyDay < 0 || s.WeeklyDay > 6 {
		return fmt.Errorf("schedule: weekly_day %d out of range [0,6]", s.WeeklyDay)
	}
	if s.MonthlyDay < 1 || s.MonthlyDay > 28 {
		return fmt.Errorf("schedule: monthly_day %d out of range [1,28]", s.MonthlyDay)
	}
	return nil
}

// ContributorStat is one entry in the top-contributors ranking.
type ContributorStat struct {
	UserID       int64  `json:"user_id"`
	DisplayName  string `json:"display_name"`
	MessageCount int64  `json:"message_count"`
}

// ActivitySection summarizes message volume for the report window.
type ActivitySection struct {
	TotalMessages   int64             `json:"total_messages"`
	DailyAverage    float64           `json:"daily_average"`
	PeakDay         time.Time         `json:"peak_day"`
	PeakDayMessages int64             `json:"peak_day_messages"`
	TopContributors []ContributorStat `json:"top_contributors"`
}

// JoinsSection lists members who joined during the window.
type JoinsSection struct {
	Count   int      `json:"count"`
	Members []Member `json:"members"`
}

// DeparturesSection lists members who left during the window.
type DeparturesSection struct {
	Count   int      `json:"count"`
	Members []Member `json:"members"`
}

// Report is a compiled per-guild report for one period. Section pointers
// are nil when the section was not requested or had no content.
type Report struct {
	GuildID     int64     `json:"guild_id"`
	Frequency   Frequency `json:"frequency"`
	PeriodKey   string    `json:"period_key"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Activity   *ActivitySection   `json:"activity,omitempty"`
	Joins      *JoinsSection      `json:"joins,omitempty"`
	Departures *DeparturesSection `json:"departures,omitempty"`
}

// IsEmpty reports whether every section is absent. Empty reports are
// never dispatched.
func (r *Report) IsEmpty() bool {
	return r.Activity == nil && r.Joins == nil && r.Departures == nil
}

// DeliveryRecord marks a (guild, period) report as delivered. Created
// once after a confirmed dispatch success and never mutated.
type DeliveryRecord struct {
	GuildID   int64     `json:"guild_id"`
	PeriodKey string    `json:"period_key"`
	SentAt    time.Time `json:"sent_at"`
}
