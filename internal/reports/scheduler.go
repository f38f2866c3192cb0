// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package reports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbeckett/guildpulse/internal/logging"
	"github.com/mbeckett/guildpulse/internal/metrics"
	"github.com/mbeckett/guildpulse/internal/models"
)

// ScheduleLister supplies the guild schedules to evaluate each tick.
type ScheduleLister interface {
	List(ctx context.Context) ([]models.ScheduleConfig, error)
}

// DeliveryLedger records which (guild, period) reports were delivered.
// It is the source of truth for "already sent"; process memory never is.
type DeliveryLedger interface {
	Exists(ctx context.Context, guildID int64, periodKey string) (bool, error)
	Record(ctx context.Context, rec models.DeliveryRecord) error
}

// ReportBuilder compiles the report for a due period.
type ReportBuilder interface {
	Build(ctx context.Context, sc models.ScheduleConfig, freq models.Frequency, now time.Time) (*models.Report, error)
}

// ReportDispatcher delivers a compiled report to its channel.
type ReportDispatcher interface {
	Send(ctx context.Context, channelURL string, report *models.Report) error
}

// SchedulerConfig holds configuration for the report scheduler.
type SchedulerConfig struct {
	// TickInterval is how often due schedules are evaluated.
	TickInterval time.Duration

	// ExecutionTimeout is the maximum time for one guild's
	// build-and-deliver run.
	ExecutionTimeout time.Duration

	// Enabled controls whether the scheduler is active.
	Enabled bool
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:     time.Hour,
		ExecutionTimeout: 5 * time.Minute,
		Enabled:          true,
	}
}

// Scheduler evaluates guild schedules on a fixed tick and drives the
// build-deliver-record pipeline for each due period. Dueness is
// idempotent under repeated ticks and restarts: the ledger is checked
// before any work and written only after a confirmed delivery.
type Scheduler struct {
	schedules  ScheduleLister
	ledger     DeliveryLedger
	builder    ReportBuilder
	dispatcher ReportDispatcher
	logger     zerolog.Logger
	config     SchedulerConfig

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a report scheduler with defaults applied for
// zero config values.
func NewScheduler(
	schedules ScheduleLister,
	ledger DeliveryLedger,
	builder ReportBuilder,
	dispatcher ReportDispatcher,
	config SchedulerConfig,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = def.ExecutionTimeout
	}

	return &Scheduler{
		schedules:  schedules,
		ledger:     ledger,
		builder:    builder,
		dispatcher: dispatcher,
		logger:     logging.With().Str("component", "report-scheduler").Logger(),
		config:     config,
		now:        time.Now,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if !s.config.Enabled {
		s.logger.Info().Msg("report scheduler disabled")
		go func() {
			defer close(s.doneCh)
			<-s.stopCh
		}()
		return nil
	}

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Msg("starting report scheduler")

	go s.run(ctx)
	return nil
}

// Stop stops the scheduler loop and waits for the current tick to end.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info().Msg("report scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Run immediately on start so a restart inside a due day does not
	// wait a whole tick; the ledger makes the rerun safe.
	s.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick evaluates every guild schedule once. Failures are isolated per
// guild and frequency: one guild's error never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	metrics.SchedulerTicks.Inc()
	now := s.now()

	schedules, err := s.schedules.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list schedules")
		return
	}
	if len(schedules) == 0 {
		s.logger.Debug().Msg("no schedules configured")
		return
	}

	for _, sc := range schedules {
		for _, freq := range []models.Frequency{models.FrequencyWeekly, models.FrequencyMonthly} {
			if !IsDue(sc, freq, now) {
				continue
			}
			if err := s.deliverDue(ctx, sc, freq, now); err != nil {
				metrics.SchedulerGuildErrors.Inc()
				s.logger.Error().Err(err).
					Int64("guild_id", sc.GuildID).
					Str("frequency", string(freq)).
					Msg("report delivery failed, other guilds unaffected")
			}
		}
	}
}

// deliverDue runs the ledger-check, build, dispatch, ledger-write
// pipeline for one due (guild, frequency).
func (s *Scheduler) deliverDue(ctx context.Context, sc models.ScheduleConfig, freq models.Frequency, now time.Time) (err error) {
	// A panic anywhere in one guild's pipeline must not take down the
	// tick loop.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in delivery pipeline for guild %d: %v", sc.GuildID, r)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.config.ExecutionTimeout)
	defer cancel()

	periodKey := PeriodKey(freq, now)
	logger := s.logger.With().
		Int64("guild_id", sc.GuildID).
		Str("frequency", string(freq)).
		Str("period_key", periodKey).
		Logger()

	sent, err := s.ledger.Exists(execCtx, sc.GuildID, periodKey)
	if err != nil {
		return fmt.Errorf("ledger check failed: %w", err)
	}
	if sent {
		metrics.ReportsSkippedDedup.Inc()
		logger.Debug().Msg("period already delivered, skipping")
		return nil
	}

	report, err := s.builder.Build(execCtx, sc, freq, now)
	if err != nil {
		metrics.ReportsBuilt.WithLabelValues(string(freq), "error").Inc()
		return fmt.Errorf("report build failed: %w", err)
	}

	if report.IsEmpty() {
		// Left undelivered on purpose: no ledger write, so content
		// arriving later in the period can still be delivered.
		metrics.ReportsBuilt.WithLabelValues(string(freq), "empty").Inc()
		logger.Info().Msg("report empty, nothing to deliver")
		return nil
	}
	metrics.ReportsBuilt.WithLabelValues(string(freq), "content").Inc()

	if err := s.dispatcher.Send(execCtx, sc.ChannelURL, report); err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// The delivery record is written strictly after a confirmed send.
	rec := models.DeliveryRecord{GuildID: sc.GuildID, PeriodKey: periodKey, SentAt: s.now().UTC()}
	if err := s.ledger.Record(execCtx, rec); err != nil {
		// The report went out but the marker write failed; the next
		// tick may resend. At-least-once here is the accepted tradeoff,
		// the ledger guarantee is at-most-once per recorded period.
		return fmt.Errorf("delivery record write failed after successful send: %w", err)
	}

	logger.Info().Msg("report delivered")
	return nil
}
