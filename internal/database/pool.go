// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbeckett/guildpulse/internal/logging"
	"github.com/mbeckett/guildpulse/internal/metrics"
)

var (
	// ErrPoolExhausted is returned when no handle frees up within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned for acquisitions after Close has begun.
	ErrPoolClosed = errors.New("connection pool closed")
)

// PoolConfig configures the fixed-size connection pool.
type PoolConfig struct {
	// Size is the fixed number of handles. Default: 5.
	Size int

	// AcquireTimeout bounds how long Acquire waits for a free handle.
	// Default: 5s.
	AcquireTimeout time.Duration

	// PingTimeout bounds the liveness check on acquire. Default: 2s.
	PingTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

// Handle is a checked-out database connection. It is owned exclusively
// by one caller between Acquire and Release and must never be shared.
type Handle struct {
	// conn is nil when the underlying connection was lost and could not
	// be recycled yet; Acquire repairs it before handing the slot out.
	conn *sql.Conn
}

// ExecContext executes a statement on the held connection.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the held connection.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the held connection.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

// Pool is a fixed-size set of dedicated database connections. Callers
// acquire a handle, use it exclusively, and release it back. Broken
// handles are recycled transparently on acquire.
type Pool struct {
	db   *sql.DB
	cfg  PoolConfig
	free chan *Handle
	stop chan struct{} // closed when Close begins
}

// NewPool opens cfg.Size dedicated connections up front so that pool
// exhaustion is always a wait, never a hidden connection spawn.
func NewPool(ctx context.Context, db *sql.DB, cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()

	p := &Pool{
		db:   db,
		cfg:  cfg,
		free: make(chan *Handle, cfg.Size),
		stop: make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.drainOpened()
			return nil, fmt.Errorf("failed to open pool connection %d: %w", i+1, err)
		}
		p.free <- &Handle{conn: conn}
	}

	return p, nil
}

// Size returns the fixed pool capacity.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Acquire returns a live handle, waiting up to the configured acquire
// timeout (or ctx cancellation, whichever is sooner) for one to free up.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-p.stop:
		metrics.PoolAcquires.WithLabelValues("closed").Inc()
		return nil, ErrPoolClosed
	default:
	}

	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case h := <-p.free:
		metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
		if err := p.ensureLive(ctx, h); err != nil {
			// Return the dead slot so capacity is preserved; a later
			// acquire retries the recycle.
			p.free <- h
			metrics.PoolAcquires.WithLabelValues("recycle_failed").Inc()
			return nil, fmt.Errorf("failed to recycle pool handle: %w", err)
		}
		metrics.PoolAcquires.WithLabelValues("ok").Inc()
		metrics.PoolHandlesInUse.Inc()
		return h, nil
	case <-p.stop:
		metrics.PoolAcquires.WithLabelValues("closed").Inc()
		return nil, ErrPoolClosed
	case <-ctx.Done():
		metrics.PoolAcquires.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	case <-timer.C:
		metrics.PoolAcquires.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: no free handle after %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
	}
}

// Release returns a handle to the pool. The caller must not use the
// handle after releasing it.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	metrics.PoolHandlesInUse.Dec()
	// Capacity equals channel size, so this never blocks. Close drains
	// the channel, so releasing after shutdown starts is still safe.
	p.free <- h
}

// ensureLive pings the handle and replaces a broken connection.
func (p *Pool) ensureLive(ctx context.Context, h *Handle) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()

	if h.conn != nil {
		if err := h.conn.PingContext(pingCtx); err == nil {
			return nil
		}
		_ = h.conn.Close()
		h.conn = nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	h.conn = conn
	metrics.PoolRecycles.Inc()
	logging.Debug().Msg("recycled broken pool handle")
	return nil
}

// Close stops new acquisitions, waits for outstanding handles to be
// released (bounded by ctx), then closes every connection. Handles
// still outstanding at the deadline are abandoned and reported.
func (p *Pool) Close(ctx context.Context) error {
	select {
	case <-p.stop:
		return nil
	default:
		close(p.stop)
	}
	return p.closeHandles(ctx)
}

// drainOpened closes whatever connections made it into the free list
// during a partially failed construction.
func (p *Pool) drainOpened() {
	for {
		select {
		case h := <-p.free:
			if h.conn != nil {
				_ = h.conn.Close()
			}
		default:
			return
		}
	}
}

func (p *Pool) closeHandles(ctx context.Context) error {
	closed := 0
	for closed < p.cfg.Size {
		select {
		case h := <-p.free:
			if h.conn != nil {
				if err := h.conn.Close(); err != nil {
					logging.Warn().Err(err).Msg("error closing pool connection")
				}
			}
			closed++
		case <-ctx.Done():
			outstanding := p.cfg.Size - closed
			return fmt.Errorf("pool close deadline reached with %d handle(s) outstanding: %w",
				outstanding, ctx.Err())
		}
	}
	return nil
}
