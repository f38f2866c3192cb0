// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/mbeckett/guildpulse/internal/models"
)

func sampleReport() *models.Report {
	left := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	return &models.Report{
		GuildID:     42,
		Frequency:   models.FrequencyWeekly,
		PeriodKey:   "2026-W34",
		PeriodStart: time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Activity: &models.ActivitySection{
			TotalMessages:   49,
			DailyAverage:    7.0,
			PeakDay:         time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
			PeakDayMessages: 32,
			TopContributors: []models.ContributorStat{
				{UserID: 1, DisplayName: "Ace", MessageCount: 30},
				{UserID: 2, DisplayName: "brook", MessageCount: 19},
			},
		},
		Joins: &models.JoinsSection{
			Count: 1,
			Members: []models.Member{
				{GuildID: 42, UserID: 9, Username: "newbie", JoinDate: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)},
			},
		},
		Departures: &models.DeparturesSection{
			Count: 1,
			Members: []models.Member{
				{GuildID: 42, UserID: 8, Username: "gone", LeftDate: &left},
			},
		},
	}
}

func TestDiscordSendSuccess(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewDiscordChannel(5 * time.Second)
	result, err := ch.Send(context.Background(), srv.URL, sampleReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.DeliveredAt == nil {
		t.Error("expected DeliveredAt to be set")
	}

	if len(received.Embeds) != 3 {
		t.Fatalf("expected 3 embeds, got %d", len(received.Embeds))
	}
	activity := received.Embeds[0]
	if activity.Color != colorActivity {
		t.Errorf("expected activity color %#x, got %#x", colorActivity, activity.Color)
	}
	if !strings.Contains(activity.Description, "49") {
		t.Errorf("activity embed missing total: %q", activity.Description)
	}
	if !strings.Contains(activity.Description, "Ace") {
		t.Errorf("activity embed missing contributor: %q", activity.Description)
	}
	if !strings.Contains(received.Embeds[1].Title, "New Members (1)") {
		t.Errorf("unexpected joins title: %q", received.Embeds[1].Title)
	}
	if !strings.Contains(received.Embeds[2].Title, "Departures (1)") {
		t.Errorf("unexpected departures title: %q", received.Embeds[2].Title)
	}
}

func TestDiscordSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ch := NewDiscordChannel(5 * time.Second)
	result, err := ch.Send(context.Background(), srv.URL, sampleReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorCode != ErrorCodeRateLimited {
		t.Errorf("expected %s, got %s", ErrorCodeRateLimited, result.ErrorCode)
	}
	if !result.IsTransient {
		t.Error("rate limiting should be transient")
	}
	if result.RetryAfter == nil || *result.RetryAfter != 3*time.Second {
		t.Errorf("expected RetryAfter 3s, got %v", result.RetryAfter)
	}
}

func TestDiscordSendChannelGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ch := NewDiscordChannel(5 * time.Second)
	result, err := ch.Send(context.Background(), srv.URL, sampleReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ErrorCode != ErrorCodeChannelGone {
		t.Errorf("expected %s, got %s", ErrorCodeChannelGone, result.ErrorCode)
	}
	if result.IsTransient {
		t.Error("deleted webhook should be permanent")
	}
}

func TestDiscordSendInvalidURL(t *testing.T) {
	ch := NewDiscordChannel(5 * time.Second)
	result, err := ch.Send(context.Background(), "not-a-url", sampleReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorCode != ErrorCodeInvalidConfig {
		t.Errorf("expected %s, got %s", ErrorCodeInvalidConfig, result.ErrorCode)
	}
	if result.IsTransient {
		t.Error("invalid config should be permanent")
	}
}

func TestDiscordDescriptionTruncation(t *testing.T) {
	report := sampleReport()
	report.Joins = nil
	report.Departures = nil
	many := make([]models.ContributorStat, 5)
	long := strings.Repeat("x", 1200)
	for i := range many {
		many[i] = models.ContributorStat{UserID: int64(i + 1), DisplayName: long, MessageCount: 10}
	}
	report.Activity.TopContributors = many

	ch := NewDiscordChannel(5 * time.Second)
	payload := ch.buildPayload(report)
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(payload.Embeds))
	}
	desc := payload.Embeds[0].Description
	if len(desc) > discordMaxDescription {
		t.Errorf("description exceeds limit: %d > %d", len(desc), discordMaxDescription)
	}
	if !strings.HasSuffix(desc, "...") {
		t.Error("expected truncation marker")
	}
}

func TestDiscordTruncationKeepsValidUTF8(t *testing.T) {
	report := sampleReport()
	report.Joins = nil
	report.Departures = nil
	// Multibyte nicknames positioned so a byte-offset cut would land
	// inside a rune.
	many := make([]models.ContributorStat, 5)
	long := strings.Repeat("日本語のニックネーム", 140)
	for i := range many {
		many[i] = models.ContributorStat{UserID: int64(i + 1), DisplayName: long, MessageCount: 10}
	}
	report.Activity.TopContributors = many

	ch := NewDiscordChannel(5 * time.Second)
	payload := ch.buildPayload(report)
	desc := payload.Embeds[0].Description
	if len(desc) > discordMaxDescription {
		t.Errorf("description exceeds limit: %d > %d", len(desc), discordMaxDescription)
	}
	if !utf8.ValidString(desc) {
		t.Error("truncated description is not valid UTF-8")
	}
	if !strings.HasSuffix(desc, "...") {
		t.Error("expected truncation marker")
	}
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://discord.com/api/webhooks/1/token", false},
		{"valid http", "http://localhost:8080/hook", false},
		{"empty", "", true},
		{"no scheme", "discord.com/api/webhooks/1/token", true},
		{"bad scheme", "ftp://discord.com/hook", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebhookURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
