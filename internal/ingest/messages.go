// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package ingest

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mbeckett/guildpulse/internal/models"
)

// Intake bus topics.
const (
	TopicActivity = "activity.events"
	TopicMembers  = "member.events"
)

// MemberEventType discriminates member lifecycle messages.
type MemberEventType string

const (
	MemberJoined   MemberEventType = "joined"
	MemberLeft     MemberEventType = "left"
	MemberUpdated  MemberEventType = "updated"
	MemberPresence MemberEventType = "presence"
)

// MemberEvent is a member lifecycle observation from the gateway intake.
type MemberEvent struct {
	Type      MemberEventType `json:"type"`
	GuildID   int64           `json:"guild_id"`
	UserID    int64           `json:"user_id"`
	Username  string          `json:"username,omitempty"`
	Nickname  string          `json:"nickname,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate rejects events the member handler must drop.
func (e MemberEvent) Validate() error {
	switch e.Type {
	case MemberJoined, MemberLeft, MemberUpdated, MemberPresence:
	default:
		return fmt.Errorf("member event: unknown type %q", e.Type)
	}
	if e.GuildID <= 0 {
		return fmt.Errorf("member event: invalid guild_id %d", e.GuildID)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("member event: invalid user_id %d", e.UserID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("member event: zero timestamp")
	}
	if e.Type == MemberJoined && e.Username == "" {
		return fmt.Errorf("member event: joined without username")
	}
	return nil
}

// encodeMessage marshals a payload into a bus message with a fresh ID.
func encodeMessage(payload interface{}) (*message.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return message.NewMessage(uuid.NewString(), data), nil
}

func decodeActivity(msg *message.Message) (models.ActivityEvent, error) {
	var event models.ActivityEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return event, fmt.Errorf("decode activity event: %w", err)
	}
	return event, nil
}

func decodeMember(msg *message.Message) (MemberEvent, error) {
	var event MemberEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return event, fmt.Errorf("decode member event: %w", err)
	}
	return event, nil
}
