// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbeckett/guildpulse/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (s *recordingSink) Ingest(event models.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordingMembers struct {
	mu         sync.Mutex
	joins      []models.Member
	departures int
	updates    int
	touches    int
	failJoins  int
}

func (m *recordingMembers) RecordJoin(_ context.Context, member models.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failJoins > 0 {
		m.failJoins--
		return errors.New("storage unavailable")
	}
	m.joins = append(m.joins, member)
	return nil
}

func (m *recordingMembers) RecordDeparture(_ context.Context, guildID, userID int64, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.departures++
	return nil
}

func (m *recordingMembers) UpdateNames(_ context.Context, guildID, userID int64, username, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return nil
}

func (m *recordingMembers) TouchLastSeen(_ context.Context, guildID, userID int64, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return nil
}

func (m *recordingMembers) joinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joins)
}

func testConfig() Config {
	return Config{
		QueueSize:     16,
		RetryCount:    3,
		RetryInterval: 5 * time.Millisecond,
		CloseTimeout:  2 * time.Second,
	}
}

func startPipeline(t *testing.T, sink ActivitySink, members MemberStore) *Pipeline {
	t.Helper()
	p, err := NewPipeline(testConfig(), sink, members, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("pipeline run: %v", err)
		}
	}()
	<-p.Running()

	t.Cleanup(func() {
		cancel()
		if err := p.Close(); err != nil {
			t.Errorf("pipeline close: %v", err)
		}
	})
	return p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestActivityEventsReachSink(t *testing.T) {
	sink := &recordingSink{}
	p := startPipeline(t, sink, &recordingMembers{})

	ts := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := models.ActivityEvent{GuildID: 42, UserID: int64(i + 1), Timestamp: ts}
		if err := p.PublishActivity(event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, func() bool { return sink.count() == 5 }, "expected 5 events at sink")
}

func TestMalformedActivityEventDropped(t *testing.T) {
	sink := &recordingSink{}
	p := startPipeline(t, sink, &recordingMembers{})

	// Zero guild fails validation and must be dropped without wedging
	// the topic.
	bad := models.ActivityEvent{GuildID: 0, UserID: 1, Timestamp: time.Now()}
	if err := p.PublishActivity(bad); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	good := models.ActivityEvent{GuildID: 42, UserID: 1, Timestamp: time.Now()}
	if err := p.PublishActivity(good); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool { return sink.count() == 1 }, "expected only the valid event at sink")
}

func TestMemberLifecycleEvents(t *testing.T) {
	members := &recordingMembers{}
	p := startPipeline(t, &recordingSink{}, members)

	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	events := []MemberEvent{
		{Type: MemberJoined, GuildID: 42, UserID: 7, Username: "newbie", Timestamp: ts},
		{Type: MemberPresence, GuildID: 42, UserID: 7, Timestamp: ts.Add(time.Minute)},
		{Type: MemberUpdated, GuildID: 42, UserID: 7, Username: "newbie", Nickname: "Newt", Timestamp: ts.Add(2 * time.Minute)},
		{Type: MemberLeft, GuildID: 42, UserID: 7, Timestamp: ts.Add(3 * time.Minute)},
	}
	for _, event := range events {
		if err := p.PublishMember(event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, func() bool {
		members.mu.Lock()
		defer members.mu.Unlock()
		return len(members.joins) == 1 && members.touches == 1 && members.updates == 1 && members.departures == 1
	}, "expected all lifecycle events applied")

	members.mu.Lock()
	joined := members.joins[0]
	members.mu.Unlock()
	if !joined.IsActive {
		t.Error("joined member should be active")
	}
	if joined.Username != "newbie" {
		t.Errorf("unexpected username %q", joined.Username)
	}
}

func TestMemberStorageFailureIsRetried(t *testing.T) {
	members := &recordingMembers{failJoins: 2}
	p := startPipeline(t, &recordingSink{}, members)

	event := MemberEvent{Type: MemberJoined, GuildID: 42, UserID: 7, Username: "newbie", Timestamp: time.Now()}
	if err := p.PublishMember(event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool { return members.joinCount() == 1 }, "expected join applied after retries")
}

func TestMemberEventValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name    string
		event   MemberEvent
		wantErr bool
	}{
		{"valid join", MemberEvent{Type: MemberJoined, GuildID: 1, UserID: 2, Username: "u", Timestamp: ts}, false},
		{"valid presence", MemberEvent{Type: MemberPresence, GuildID: 1, UserID: 2, Timestamp: ts}, false},
		{"unknown type", MemberEvent{Type: "banned", GuildID: 1, UserID: 2, Timestamp: ts}, true},
		{"zero guild", MemberEvent{Type: MemberLeft, GuildID: 0, UserID: 2, Timestamp: ts}, true},
		{"zero user", MemberEvent{Type: MemberLeft, GuildID: 1, UserID: 0, Timestamp: ts}, true},
		{"zero timestamp", MemberEvent{Type: MemberLeft, GuildID: 1, UserID: 2}, true},
		{"join without username", MemberEvent{Type: MemberJoined, GuildID: 1, UserID: 2, Timestamp: ts}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
