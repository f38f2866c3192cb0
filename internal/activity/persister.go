// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package activity

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mbeckett/guildpulse/internal/logging"
	"github.com/mbeckett/guildpulse/internal/metrics"
	"github.com/mbeckett/guildpulse/internal/models"
)

// CounterWriter is the storage primitive the persister drives: apply a
// snapshot as atomic increments, returning unconfirmed keys as residue.
type CounterWriter interface {
	IncrementBatch(ctx context.Context, snap models.Snapshot) (models.Snapshot, error)
}

// PersisterConfig configures the storage circuit breaker.
type PersisterConfig struct {
	// FailureThreshold is how many consecutive failed batches open the
	// breaker. Default: 5.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	OpenTimeout time.Duration
}

// DefaultPersisterConfig returns the default breaker settings.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Persister durably applies buffer snapshots through a circuit breaker.
// While the breaker is open, snapshots come straight back as residue so
// the buffer carries them instead of hammering a dead store. Retry is
// unbounded by design: the only backpressure is the buffer's own
// size-triggered flush, and a persistent outage degrades to buffer
// growth surfaced via the health endpoint.
type Persister struct {
	writer  CounterWriter
	breaker *gobreaker.CircuitBreaker[models.Snapshot]
}

// NewPersister creates a persister with defaults applied for zero values.
func NewPersister(cfg PersisterConfig, writer CounterWriter) *Persister {
	def := DefaultPersisterConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	log := logging.With().Str("component", "persister").Logger()
	settings := gobreaker.Settings{
		Name:    "counter-storage",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.PersistBreakerState.Set(1)
			} else {
				metrics.PersistBreakerState.Set(0)
			}
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("storage breaker state change")
		},
	}

	return &Persister{
		writer:  writer,
		breaker: gobreaker.NewCircuitBreaker[models.Snapshot](settings),
	}
}

// Apply persists a snapshot. Residue is every key not confirmed durable:
// the batch remainder on a partial failure, or the whole snapshot when
// the breaker is open or the store unreachable.
func (p *Persister) Apply(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	if len(snap) == 0 {
		return nil, nil
	}

	// residue is captured outside the breaker because Execute discards
	// results on error, and a partial residue must never be widened to
	// the whole snapshot (re-applying confirmed keys would double count).
	var residue models.Snapshot
	_, err := p.breaker.Execute(func() (models.Snapshot, error) {
		var ierr error
		residue, ierr = p.writer.IncrementBatch(ctx, snap)
		return nil, ierr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.PersistBatches.WithLabelValues("failed").Inc()
			return snap, err
		}
		if len(residue) > 0 && len(residue) < len(snap) {
			metrics.PersistBatches.WithLabelValues("partial").Inc()
		} else {
			metrics.PersistBatches.WithLabelValues("failed").Inc()
		}
		return residue, err
	}

	metrics.PersistBatches.WithLabelValues("ok").Inc()
	return nil, nil
}

// BreakerState exposes the breaker state for health reporting.
func (p *Persister) BreakerState() gobreaker.State {
	return p.breaker.State()
}
