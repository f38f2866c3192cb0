// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package activity implements the in-memory activity buffer and the
// persister that drains it into durable storage.
package activity

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

// Applier durably applies a buffer snapshot. Keys that could not be
// confirmed are returned as residue for the buffer to merge back.
type Applier interface {
	Apply(ctx context.Context, snap models.Snapshot) (models.Snapshot, error)
}

// BufferConfig configures the buffer's flush policy.
type BufferConfig struct {
	// FlushInterval is the periodic flush cadence. Default: 30s.
	FlushInterval time.Duration

	// MaxKeys triggers an immediate out-of-band flush once the live
	// mapping holds this many distinct keys. Default: 10000.
	MaxKeys int

	// FlushTimeout bounds a single flush cycle. Default: 30s.
	FlushTimeout time.Duration
}

// DefaultBufferConfig returns the default flush policy.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		FlushInterval: 30 * time.Second,
		MaxKeys:       10000,
		FlushTimeout:  30 * time.Second,
	}
}

// Buffer aggregates activity events in memory, keyed by
// (guild, user, day, hour), and flushes to the applier on a timer or
// when the distinct-key ceiling is hit. Failed snapshots are carried
// over and merged ahead of the next cycle, giving at-least-once
// persistence.
type Buffer struct {
	cfg     BufferConfig
	applier Applier
	log     zerolog.Logger

	// mu guards only the live mapping; the swap on flush is the sole
	// full-exclusion operation.
	mu   sync.Mutex
	live models.Snapshot

	// flushMu serializes flush cycles so snapshots are applied in the
	// order they were taken, and guards carry.
	flushMu sync.Mutex
	carry   models.Snapshot

	kick chan struct{} // size-trigger signal, capacity 1

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBuffer creates a buffer with defaults applied for zero values.
func NewBuffer(cfg BufferConfig, applier Applier) *Buffer {
	def := DefaultBufferConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Buffer{
		cfg:     cfg,
		applier: applier,
		log:     logging.With().Str("component", "buffer").Logger(),
		live:    make(models.Snapshot),
		kick:    make(chan struct{}, 1),
	}
}

// Ingest merges one event into the live mapping. Malformed events are
// dropped and logged, never propagated. Safe for concurrent producers.
func (b *Buffer) Ingest(event models.ActivityEvent) {
	if err := event.Validate(); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed activity event")
		return
	}
	key := models.KeyFor(event)

	b.mu.Lock()
	b.live[key]++
	size := len(b.live)
	b.mu.Unlock()

	metrics.BufferEventsIngested.Inc()
	metrics.BufferKeys.Set(float64(size))

	if size >= b.cfg.MaxKeys {
		select {
		case b.kick <- struct{}{}:
		default: // a size flush is already pending
		}
	}
}

// Backlog returns the number of distinct keys awaiting persistence,
// including carried residue. Used as the degradation health signal.
func (b *Buffer) Backlog() int {
	b.mu.Lock()
	n := len(b.live)
	b.mu.Unlock()
	b.flushMu.Lock()
	n += len(b.carry)
	b.flushMu.Unlock()
	return n
}

// Start launches the flush loop.
func (b *Buffer) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return fmt.Errorf("buffer already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run()
	b.log.Info().
		Dur("flush_interval", b.cfg.FlushInterval).
		Int("max_keys", b.cfg.MaxKeys).
		Msg("buffer started")
	return nil
}

// Stop halts the flush loop and performs one final forced flush with a
// bounded deadline so shutdown cannot hang on a storage outage.
func (b *Buffer) Stop() error {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	done := b.doneCh
	b.runMu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()
	if err := b.flush(ctx, "shutdown"); err != nil {
		b.log.Error().Err(err).Msg("final flush failed, pending counters lost to shutdown")
		return err
	}
	b.log.Info().Msg("buffer stopped")
	return nil
}

// run serializes all flushes in one goroutine so snapshots are applied
// in the order they were taken.
func (b *Buffer) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flushWithTimeout("timer")
		case <-b.kick:
			b.flushWithTimeout("size")
			// Restart the timer so a size flush does not double up
			// with an imminent timer flush.
			ticker.Reset(b.cfg.FlushInterval)
		}
	}
}

func (b *Buffer) flushWithTimeout(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()
	if err := b.flush(ctx, trigger); err != nil {
		b.log.Warn().Err(err).Str("trigger", trigger).Msg("flush failed, residue carried to next cycle")
	}
}

// flush swaps the live mapping for an empty one, merges any carried
// residue ahead of the fresh snapshot, and hands the result to the
// applier. Ingestion after the swap starts a new mapping and is
// unaffected by the in-flight flush.
func (b *Buffer) flush(ctx context.Context, trigger string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	snap := b.live
	b.live = make(models.Snapshot)
	b.mu.Unlock()

	// Residue increments predate the fresh snapshot; merging keeps one
	// combined count per key so ordering per key is preserved.
	if len(b.carry) > 0 {
		for k, n := range b.carry {
			snap[k] += n
		}
		b.carry = nil
	}

	if len(snap) == 0 {
		metrics.BufferKeys.Set(0)
		return nil
	}

	start := time.Now()
	residue, err := b.applier.Apply(ctx, snap)
	applied := len(snap) - len(residue)
	metrics.ObserveFlush(trigger, applied, start)

	if len(residue) > 0 {
		b.carry = residue
		metrics.BufferResidueKeys.Add(float64(len(residue)))
	}

	b.mu.Lock()
	metrics.BufferKeys.Set(float64(len(b.live)))
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush (%s) applied %d of %d keys: %w", trigger, applied, len(snap), err)
	}

	b.log.Debug().
		Str("trigger", trigger).
		Int("keys", applied).
		Dur("took", time.Since(start)).
		Msg("flushed activity snapshot")
	return nil
}

// Flush forces an immediate flush. Intended for tests and operational
// tooling; concurrent with the run loop it still preserves per-key
// ordering because counts merge additively.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, "forced")
}
