// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mbeckett/guildpulse/internal/metrics"
	"github.com/mbeckett/guildpulse/internal/models"
)

var (
	// ErrPermanentFailure is returned when an attempt fails with a
	// non-retryable classification.
	ErrPermanentFailure = errors.New("permanent delivery failure")

	// ErrAttemptsExhausted is returned when every allowed attempt failed
	// transiently.
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
)

// DispatcherConfig bounds the retry loop and paces outbound traffic.
type DispatcherConfig struct {
	// MaxAttempts is the total attempt count per report, including the
	// first.
	MaxAttempts int

	// BaseBackoff is the wait before the first retry. Each further
	// retry doubles it.
	BaseBackoff time.Duration

	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration

	// MinInterval is the global floor between outbound attempts across
	// all guilds.
	MinInterval time.Duration
}

// DefaultDispatcherConfig returns production pacing.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		MinInterval: 60 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MinInterval <= 0 {
		c.MinInterval = def.MinInterval
	}
	return c
}

// Dispatcher runs the bounded retry loop around a Channel. One
// dispatcher instance is shared by all schedules so the rate gate is
// global.
type Dispatcher struct {
	cfg     DispatcherConfig
	channel Channel
	gate    *rate.Limiter
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher around the given channel.
func NewDispatcher(cfg DispatcherConfig, channel Channel, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		channel: channel,
		gate:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Send delivers the report, retrying transient failures with doubling
// backoff. It returns nil only when the channel confirmed acceptance.
func (d *Dispatcher) Send(ctx context.Context, channelURL string, report *models.Report) error {
	log := d.log.With().
		Int64("guild_id", report.GuildID).
		Str("period_key", report.PeriodKey).
		Logger()

	var lastResult *DeliveryResult
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.gate.Wait(ctx); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}

		start := time.Now()
		result, err := d.channel.Send(ctx, channelURL, report)
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			// Unclassifiable attempt errors abandon immediately.
			metrics.DeliveryAttempts.WithLabelValues("permanent").Inc()
			metrics.DeliveriesAbandoned.Inc()
			return fmt.Errorf("channel %s: %w", d.channel.Name(), err)
		}

		if result.Success {
			metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			log.Info().
				Int("attempt", attempt).
				Int("response_code", result.ResponseCode).
				Msg("Report delivered")
			return nil
		}

		lastResult = result
		if !result.IsTransient {
			metrics.DeliveryAttempts.WithLabelValues("permanent").Inc()
			metrics.DeliveriesAbandoned.Inc()
			log.Warn().
				Int("attempt", attempt).
				Str("error_code", result.ErrorCode).
				Str("error", result.ErrorMessage).
				Msg("Permanent delivery failure, abandoning")
			return fmt.Errorf("%w: %s (%s)", ErrPermanentFailure, result.ErrorCode, result.ErrorMessage)
		}

		metrics.DeliveryAttempts.WithLabelValues("transient").Inc()
		if attempt == d.cfg.MaxAttempts {
			break
		}

		delay := d.calculateBackoff(attempt, result)
		log.Warn().
			Int("attempt", attempt).
			Str("error_code", result.ErrorCode).
			Dur("backoff", delay).
			Msg("Transient delivery failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("delivery wait: %w", ctx.Err())
		}
	}

	metrics.DeliveriesAbandoned.Inc()
	log.Error().
		Int("attempts", d.cfg.MaxAttempts).
		Str("error_code", lastResult.ErrorCode).
		Msg("Delivery abandoned after exhausting attempts")
	return fmt.Errorf("%w after %d attempts: %s", ErrAttemptsExhausted, d.cfg.MaxAttempts, lastResult.ErrorCode)
}

// calculateBackoff doubles the base delay per completed attempt, capped
// at the configured maximum. A server-provided retry hint overrides the
// schedule when it is longer.
func (d *Dispatcher) calculateBackoff(attempt int, result *DeliveryResult) time.Duration {
	delay := d.cfg.BaseBackoff * (1 << uint(attempt-1))
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	if result.RetryAfter != nil && *result.RetryAfter > delay {
		delay = *result.RetryAfter
	}
	return delay
}
