// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Guildpulse aggregates Discord member activity into hourly counters
// and delivers scheduled weekly and monthly reports to guild webhooks.
//
// Configuration is layered: defaults, then an optional YAML file found
// via CONFIG_PATH or the standard locations, then environment
// variables. See internal/config for the full surface.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeckett/guildpulse/internal/activity"
	"github.com/mbeckett/guildpulse/internal/api"
	"github.com/mbeckett/guildpulse/internal/config"
	"github.com/mbeckett/guildpulse/internal/database"
	"github.com/mbeckett/guildpulse/internal/delivery"
	"github.com/mbeckett/guildpulse/internal/ingest"
	"github.com/mbeckett/guildpulse/internal/logging"
	"github.com/mbeckett/guildpulse/internal/reports"
	"github.com/mbeckett/guildpulse/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Int("pool_size", cfg.Database.PoolSize).
		Dur("flush_interval", cfg.Buffer.FlushInterval).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Starting Guildpulse")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Open(startupCtx, cfg.Database)
	startupCancel()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	logging.Info().Msg("Database initialized")

	// Stores share the fixed-size connection pool.
	counters := database.NewCounterStore(db.Pool())
	members := database.NewMemberStore(db.Pool())
	ledger := database.NewLedger(db.Pool())
	schedules := database.NewScheduleStore(db.Pool())

	// Aggregation path: buffer drains through the breaker-guarded
	// persister into the counter store.
	persister := activity.NewPersister(activity.DefaultPersisterConfig(), counters)
	buffer := activity.NewBuffer(activity.BufferConfig{
		FlushInterval: cfg.Buffer.FlushInterval,
		MaxKeys:       cfg.Buffer.MaxKeys,
	}, persister)

	pipeline, err := ingest.NewPipeline(ingest.Config{
		QueueSize:     cfg.Ingest.QueueSize,
		RetryCount:    cfg.Ingest.RetryCount,
		RetryInterval: cfg.Ingest.RetryInterval,
		CloseTimeout:  cfg.Ingest.CloseTimeout,
	}, buffer, members, logging.Logger())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create intake pipeline")
	}

	// Reporting path: scheduler checks the ledger, builds sections and
	// dispatches through the rate-gated webhook channel.
	channel := delivery.NewDiscordChannel(cfg.Delivery.Timeout)
	dispatcher := delivery.NewDispatcher(delivery.DispatcherConfig{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseBackoff: cfg.Delivery.BaseBackoff,
		MaxBackoff:  cfg.Delivery.MaxBackoff,
		MinInterval: cfg.Delivery.MinInterval,
	}, channel, logging.Logger())
	builder := reports.NewBuilder(counters, members)
	scheduler := reports.NewScheduler(schedules, ledger, builder, dispatcher, reports.SchedulerConfig{
		TickInterval:     cfg.Scheduler.TickInterval,
		ExecutionTimeout: cfg.Scheduler.ExecutionTimeout,
		Enabled:          cfg.Scheduler.Enabled,
	})

	health := api.NewHealthHandler(db, buffer, persister, cfg.Buffer.BacklogCeiling, logging.Logger())
	server := api.NewServer(api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Timeout: cfg.Server.Timeout,
	}, health, logging.Logger())

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddTrackingService(supervisor.NewStartStopService("activity-buffer", buffer))
	tree.AddTrackingService(supervisor.NewRunnerService("intake-pipeline", pipeline))
	tree.AddReportingService(supervisor.NewContextStartService("report-scheduler", scheduler))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.Timeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree exited with error")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree failed")
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	// The buffer's Stop already flushed; closing the pool drains the
	// remaining handles before the database handle goes away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := db.Close(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Error closing database")
	}

	logging.Info().Msg("Shutdown complete")
}
