// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package delivery sends compiled reports to their outbound channels
// with bounded retries, exponential backoff and a global rate gate.
package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mbeckett/guildpulse/internal/models"
)

// Channel is an outbound report channel. The dispatcher treats the
// returned classification, not the raw error, to decide retry vs abandon.
type Channel interface {
	// Name returns the channel identifier.
	Name() string

	// Validate checks a channel reference before any send is attempted.
	Validate(channelURL string) error

	// Send attempts one delivery. A non-nil error means the attempt
	// could not even be classified; normal failures come back inside
	// the DeliveryResult.
	Send(ctx context.Context, channelURL string, report *models.Report) (*DeliveryResult, error)

	// MaxContentLength returns the per-section content limit, 0 for none.
	MaxContentLength() int
}

// DeliveryResult contains the classified outcome of one send attempt.
type DeliveryResult struct {
	// Success indicates the report was accepted by the channel.
	Success bool

	// DeliveredAt is when delivery succeeded.
	DeliveredAt *time.Time

	// ErrorMessage contains failure details.
	ErrorMessage string

	// ErrorCode is a machine-readable error code.
	ErrorCode string

	// IsTransient indicates the failure class is retryable.
	IsTransient bool

	// RetryAfter is the server-suggested retry delay (rate limiting).
	RetryAfter *time.Duration

	// ResponseCode is the HTTP response code for webhook channels.
	ResponseCode int
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig    = "INVALID_CONFIG"
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContentTooLarge  = "CONTENT_TOO_LARGE"
	ErrorCodeChannelGone      = "CHANNEL_GONE"
	ErrorCodeServerError      = "SERVER_ERROR"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeUnknown          = "UNKNOWN"
)

// ValidateWebhookURL validates an outbound webhook URL.
func ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	return nil
}

// classifyHTTPError classifies a transport-level error.
func classifyHTTPError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused") {
		return ErrorCodeConnectionFailed
	}
	return ErrorCodeUnknown
}

// classifyHTTPStatusCode classifies an HTTP status code.
func classifyHTTPStatusCode(code int) string {
	switch {
	case code == 401 || code == 403:
		return ErrorCodeAuthFailed
	case code == 404 || code == 410:
		return ErrorCodeChannelGone
	case code == 429:
		return ErrorCodeRateLimited
	case code == 413:
		return ErrorCodeContentTooLarge
	case code >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// isTransientCode returns true when the error class is worth a retry.
func isTransientCode(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
