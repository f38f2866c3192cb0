// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/mbeckett/guildpulse/internal/models"
)

// Discord payload limits.
const (
	discordMaxEmbeds      = 10
	discordMaxDescription = 4096
)

// Embed colors per section, matching Discord's common palette.
const (
	colorActivity   = 0x3498db
	colorJoins      = 0x2ecc71
	colorDepartures = 0xe74c3c
)

// DiscordChannel delivers reports as embed messages to a Discord
// webhook.
type DiscordChannel struct {
	client   *http.Client
	username string
}

// NewDiscordChannel creates the channel with the given request timeout.
func NewDiscordChannel(timeout time.Duration) *DiscordChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DiscordChannel{
		client:   &http.Client{Timeout: timeout},
		username: "Guildpulse",
	}
}

// Name returns the channel identifier.
func (c *DiscordChannel) Name() string {
	return "discord"
}

// MaxContentLength returns Discord's embed description limit.
func (c *DiscordChannel) MaxContentLength() int {
	return discordMaxDescription
}

// Validate checks the webhook URL shape.
func (c *DiscordChannel) Validate(channelURL string) error {
	if err := ValidateWebhookURL(channelURL); err != nil {
		return fmt.Errorf("invalid channel reference: %w", err)
	}
	return nil
}

// webhookPayload is the Discord webhook message structure.
type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedFooter struct {
	Text string `json:"text,omitempty"`
}

// Send posts the report to the webhook and classifies the outcome.
func (c *DiscordChannel) Send(ctx context.Context, channelURL string, report *models.Report) (*DeliveryResult, error) {
	result := &DeliveryResult{}

	if err := c.Validate(channelURL); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidConfig
		return result, nil
	}

	body, err := json.Marshal(c.buildPayload(report))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to marshal payload: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channelURL, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to send webhook: %v", err)
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientCode(result.ErrorCode)
		return result, nil
	}
	defer resp.Body.Close()

	result.ResponseCode = resp.StatusCode

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := time.Now()
		result.Success = true
		result.DeliveredAt = &now
		return result, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		respBody = []byte("(failed to read response)")
	}
	result.ErrorMessage = fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientCode(result.ErrorCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			// Discord returns Retry-After in seconds.
			if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
				result.RetryAfter = &seconds
			}
		}
	}

	return result, nil
}

// buildPayload renders the report sections as embeds.
func (c *DiscordChannel) buildPayload(report *models.Report) webhookPayload {
	payload := webhookPayload{Username: c.username}
	periodName := periodTitle(report)

	if report.Activity != nil {
		payload.Embeds = append(payload.Embeds, embed{
			Title:       fmt.Sprintf("%s Activity", periodName),
			Description: truncate(activityBody(report.Activity), discordMaxDescription),
			Color:       colorActivity,
			Timestamp:   report.PeriodEnd.Format(time.RFC3339),
			Footer:      &embedFooter{Text: "Guildpulse"},
		})
	}
	if report.Joins != nil {
		payload.Embeds = append(payload.Embeds, embed{
			Title:       fmt.Sprintf("%s New Members (%d)", periodName, report.Joins.Count),
			Description: truncate(memberList(report.Joins.Members, joinLine), discordMaxDescription),
			Color:       colorJoins,
			Footer:      &embedFooter{Text: "Guildpulse"},
		})
	}
	if report.Departures != nil {
		payload.Embeds = append(payload.Embeds, embed{
			Title:       fmt.Sprintf("%s Departures (%d)", periodName, report.Departures.Count),
			Description: truncate(memberList(report.Departures.Members, departureLine), discordMaxDescription),
			Color:       colorDepartures,
			Footer:      &embedFooter{Text: "Guildpulse"},
		})
	}

	if len(payload.Embeds) > discordMaxEmbeds {
		payload.Embeds = payload.Embeds[:discordMaxEmbeds]
	}
	return payload
}

func periodTitle(report *models.Report) string {
	if report.Frequency == models.FrequencyMonthly {
		return "Monthly"
	}
	return "Weekly"
}

func activityBody(a *models.ActivitySection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Total messages:** %d\n", a.TotalMessages)
	fmt.Fprintf(&b, "**Daily average:** %.1f\n", a.DailyAverage)
	fmt.Fprintf(&b, "**Peak day:** %s (%d messages)\n", a.PeakDay.Format("Mon, Jan 2"), a.PeakDayMessages)
	if len(a.TopContributors) > 0 {
		b.WriteString("\n**Top contributors**\n")
		for i, cs := range a.TopContributors {
			fmt.Fprintf(&b, "%d. %s: %d\n", i+1, cs.DisplayName, cs.MessageCount)
		}
	}
	return b.String()
}

func joinLine(m models.Member) string {
	return fmt.Sprintf("%s joined %s", m.DisplayName(), m.JoinDate.Format("Jan 2"))
}

func departureLine(m models.Member) string {
	line := m.DisplayName()
	if m.LeftDate != nil {
		line += fmt.Sprintf(" left %s", m.LeftDate.Format("Jan 2"))
	}
	if m.LastSeen != nil {
		line += fmt.Sprintf(" (last seen %s)", m.LastSeen.Format("Jan 2"))
	}
	return line
}

func memberList(members []models.Member, line func(models.Member) string) string {
	var b strings.Builder
	for _, m := range members {
		b.WriteString(line(m))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so the cut never leaves an invalid
	// UTF-8 tail in the embed.
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
