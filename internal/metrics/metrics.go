// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package metrics provides Prometheus instrumentation for:
//   - activity buffer fill level and flush cycles
//   - connection pool acquisition and exhaustion
//   - report builds, deliveries and dedup skips
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Buffer metrics
	BufferKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buffer_live_keys",
			Help: "Current number of distinct aggregation keys in the live buffer",
		},
	)

	BufferEventsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_events_ingested_total",
			Help: "Total number of activity events merged into the buffer",
		},
	)

	BufferFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buffer_flushes_total",
			Help: "Total number of buffer flushes by trigger",
		},
		[]string{"trigger"}, // "timer", "size", "shutdown"
	)

	BufferFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buffer_flush_duration_seconds",
			Help:    "Duration of buffer flush cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BufferResidueKeys = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_residue_keys_total",
			Help: "Total keys returned unapplied by the persister and merged back",
		},
	)

	// Connection pool metrics
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_pool_acquires_total",
			Help: "Total pool acquisitions by outcome",
		},
		[]string{"outcome"}, // "ok", "timeout", "recycle_failed", "closed"
	)

	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a free pool handle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
	)

	PoolHandlesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_handles_in_use",
			Help: "Current number of checked-out pool handles",
		},
	)

	PoolRecycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_pool_handle_recycles_total",
			Help: "Total broken handles replaced during acquire",
		},
	)

	// Persister metrics
	PersistBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_batches_total",
			Help: "Total snapshot batches applied by outcome",
		},
		[]string{"outcome"}, // "ok", "partial", "failed"
	)

	PersistKeysApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_keys_applied_total",
			Help: "Total counter keys durably incremented",
		},
	)

	PersistBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persist_breaker_open",
			Help: "1 when the storage circuit breaker is open, 0 otherwise",
		},
	)

	// Report metrics
	ReportsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_built_total",
			Help: "Total reports compiled by outcome",
		},
		[]string{"frequency", "outcome"}, // outcome: "content", "empty", "error"
	)

	ReportsSkippedDedup = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reports_skipped_dedup_total",
			Help: "Total report periods skipped because a delivery record exists",
		},
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // "success", "transient", "permanent"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "End-to-end delivery duration including retries and rate gating",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	DeliveriesAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_abandoned_total",
			Help: "Total deliveries abandoned after exhausting all attempts",
		},
	)

	// Ingest metrics
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total intake messages processed by topic and outcome",
		},
		[]string{"topic", "outcome"}, // outcome: "ok", "dropped", "error"
	)

	IngestPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_published_total",
			Help: "Total messages published to the intake bus by topic",
		},
		[]string{"topic"},
	)

	// Scheduler metrics
	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total scheduler evaluation ticks",
		},
	)

	SchedulerGuildErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_guild_errors_total",
			Help: "Total per-guild scheduling failures (isolated, non-fatal)",
		},
	)
)

// ObserveFlush records one flush cycle.
func ObserveFlush(trigger string, keys int, start time.Time) {
	BufferFlushes.WithLabelValues(trigger).Inc()
	BufferFlushDuration.Observe(time.Since(start).Seconds())
	PersistKeysApplied.Add(float64(keys))
}
