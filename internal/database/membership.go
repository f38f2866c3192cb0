// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbeckett/guildpulse/internal/models"
)

// MemberStore tracks guild membership: joins, departures, rejoin
// reactivation, name changes and last-seen timestamps.
type MemberStore struct {
	pool *Pool
}

// NewMemberStore returns a store backed by the given pool.
func NewMemberStore(pool *Pool) *MemberStore {
	return &MemberStore{pool: pool}
}

// RecordJoin upserts a member on join. A rejoining member is
// reactivated with the new join date and a cleared left date.
func (s *MemberStore) RecordJoin(ctx context.Context, m models.Member) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`INSERT INTO members (guild_id, user_id, username, nickname, join_date, left_date, last_seen, is_active)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL, TRUE)
		 ON CONFLICT (guild_id, user_id)
		 DO UPDATE SET username = EXCLUDED.username,
		               nickname = EXCLUDED.nickname,
		               join_date = EXCLUDED.join_date,
		               left_date = NULL,
		               is_active = TRUE`,
		m.GuildID, m.UserID, m.Username, nullable(m.Nickname), m.JoinDate)
	if err != nil {
		return fmt.Errorf("failed to record join for user %d in guild %d: %w", m.UserID, m.GuildID, err)
	}
	return nil
}

// RecordDeparture marks a member inactive with their departure time.
// Unknown members are ignored.
func (s *MemberStore) RecordDeparture(ctx context.Context, guildID, userID int64, when time.Time) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`UPDATE members SET is_active = FALSE, left_date = ?
		 WHERE guild_id = ? AND user_id = ?`,
		when, guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to record departure for user %d in guild %d: %w", userID, guildID, err)
	}
	return nil
}

// UpdateNames refreshes the username and nickname of a known member.
func (s *MemberStore) UpdateNames(ctx context.Context, guildID, userID int64, username, nickname string) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`UPDATE members SET username = ?, nickname = ?
		 WHERE guild_id = ? AND user_id = ?`,
		username, nullable(nickname), guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to update names for user %d in guild %d: %w", userID, guildID, err)
	}
	return nil
}

// TouchLastSeen records when a member was last observed online.
func (s *MemberStore) TouchLastSeen(ctx context.Context, guildID, userID int64, when time.Time) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.ExecContext(ctx,
		`UPDATE members SET last_seen = ?
		 WHERE guild_id = ? AND user_id = ?`,
		when, guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to update last_seen for user %d in guild %d: %w", userID, guildID, err)
	}
	return nil
}

// JoinedBetween returns active members who joined during [start, end),
// newest first, capped at limit.
func (s *MemberStore) JoinedBetween(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.Member, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.QueryContext(ctx,
		`SELECT guild_id, user_id, username, COALESCE(nickname, ''), join_date, left_date, last_seen, is_active
		 FROM members
		 WHERE guild_id = ? AND is_active AND join_date >= ? AND join_date < ?
		 ORDER BY join_date DESC
		 LIMIT ?`,
		guildID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query joins: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// DepartedBetween returns members whose departure falls in [start, end),
// most recent first, capped at limit.
func (s *MemberStore) DepartedBetween(ctx context.Context, guildID int64, start, end time.Time, limit int) ([]models.Member, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.QueryContext(ctx,
		`SELECT guild_id, user_id, username, COALESCE(nickname, ''), join_date, left_date, last_seen, is_active
		 FROM members
		 WHERE guild_id = ? AND NOT is_active AND left_date >= ? AND left_date < ?
		 ORDER BY left_date DESC
		 LIMIT ?`,
		guildID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query departures: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func scanMembers(rows *sql.Rows) ([]models.Member, error) {
	var members []models.Member
	for rows.Next() {
		var (
			m        models.Member
			leftDate sql.NullTime
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&m.GuildID, &m.UserID, &m.Username, &m.Nickname,
			&m.JoinDate, &leftDate, &lastSeen, &m.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if leftDate.Valid {
			t := leftDate.Time
			m.LeftDate = &t
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			m.LastSeen = &t
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("member iteration failed: %w", err)
	}
	return members, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
