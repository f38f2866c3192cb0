// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbeckett/guildpulse/internal/models"
)

// mockApplier records applied snapshots and can be programmed to fail.
type mockApplier struct {
	mu        sync.Mutex
	applied   []models.Snapshot
	totals    map[models.CounterKey]int64
	failNext  int  // fail this many whole batches
	residueOf bool // return half of each batch as residue once
}

func newMockApplier() *mockApplier {
	return &mockApplier{totals: make(map[models.CounterKey]int64)}
}

func (m *mockApplier) Apply(_ context.Context, snap models.Snapshot) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return snap, errors.New("storage unavailable")
	}

	if m.residueOf {
		m.residueOf = false
		residue := make(models.Snapshot)
		i := 0
		for k, n := range snap {
			if i%2 == 0 {
				residue[k] = n
			} else {
				m.totals[k] += n
			}
			i++
		}
		applied := make(models.Snapshot)
		for k, n := range snap {
			if _, held := residue[k]; !held {
				applied[k] = n
			}
		}
		m.applied = append(m.applied, applied)
		return residue, errors.New("batch interrupted")
	}

	cp := make(models.Snapshot, len(snap))
	for k, n := range snap {
		cp[k] = n
		m.totals[k] += n
	}
	m.applied = append(m.applied, cp)
	return nil, nil
}

func (m *mockApplier) totalFor(k models.CounterKey) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[k]
}

func (m *mockApplier) batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func event(guild, user int64, ts time.Time) models.ActivityEvent {
	return models.ActivityEvent{GuildID: guild, UserID: user, Timestamp: ts}
}

func TestIngestAndFlushDurableCount(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)

	ts := time.Date(2026, 8, 24, 14, 5, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		buf.Ingest(event(1, 2, ts))
	}

	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	key := models.KeyFor(event(1, 2, ts))
	if got := applier.totalFor(key); got != 3 {
		t.Errorf("durable count = %d, want 3", got)
	}
	if buf.Backlog() != 0 {
		t.Errorf("backlog = %d after successful flush, want 0", buf.Backlog())
	}
}

func TestDurableCountAcrossForcedMidSequenceFlushes(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)
	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	const n = 50
	for i := 0; i < n; i++ {
		buf.Ingest(event(7, 8, ts))
		if i%13 == 0 {
			if err := buf.Flush(context.Background()); err != nil {
				t.Fatalf("mid-sequence flush failed: %v", err)
			}
		}
	}
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}

	key := models.KeyFor(event(7, 8, ts))
	if got := applier.totalFor(key); got != n {
		t.Errorf("durable count = %d, want %d", got, n)
	}
}

func TestSizeTriggerFlushesBeforeTimer(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 10}, applier)
	if err := buf.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() { _ = buf.Stop() }()

	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	// Distinct users produce distinct keys up to the ceiling.
	for u := int64(1); u <= 10; u++ {
		buf.Ingest(event(1, u, ts))
	}

	deadline := time.After(2 * time.Second)
	for applier.batches() == 0 {
		select {
		case <-deadline:
			t.Fatal("size trigger did not flush before the (1h) timer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFailedFlushMergesResidueBack(t *testing.T) {
	applier := newMockApplier()
	applier.failNext = 1
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)
	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	buf.Ingest(event(1, 2, ts))
	buf.Ingest(event(1, 2, ts))

	if err := buf.Flush(context.Background()); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if buf.Backlog() != 1 {
		t.Errorf("backlog = %d after failed flush, want 1 carried key", buf.Backlog())
	}

	// New activity for the same key lands ahead of the retried residue.
	buf.Ingest(event(1, 2, ts))

	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}

	key := models.KeyFor(event(1, 2, ts))
	if got := applier.totalFor(key); got != 3 {
		t.Errorf("durable count = %d, want 3 (no drops, no double counts)", got)
	}
}

func TestPartialResidueIsNotReapplied(t *testing.T) {
	applier := newMockApplier()
	applier.residueOf = true
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)
	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	keys := make([]models.CounterKey, 4)
	for u := int64(1); u <= 4; u++ {
		buf.Ingest(event(1, u, ts))
		keys[u-1] = models.KeyFor(event(1, u, ts))
	}

	if err := buf.Flush(context.Background()); err == nil {
		t.Fatal("expected interrupted batch to report an error")
	}
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}

	for _, k := range keys {
		if got := applier.totalFor(k); got != 1 {
			t.Errorf("durable count for %v = %d, want exactly 1", k, got)
		}
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)

	buf.Ingest(models.ActivityEvent{GuildID: 0, UserID: 2, Timestamp: time.Now()})
	buf.Ingest(models.ActivityEvent{GuildID: 1, UserID: -3, Timestamp: time.Now()})
	buf.Ingest(models.ActivityEvent{GuildID: 1, UserID: 2})

	if buf.Backlog() != 0 {
		t.Errorf("backlog = %d, malformed events must not be aggregated", buf.Backlog())
	}
	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if applier.batches() != 0 {
		t.Error("empty buffer flush must not reach the applier")
	}
}

func TestConcurrentIngest(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 100000}, applier)
	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Ingest(event(1, 2, ts))
			}
		}()
	}
	wg.Wait()

	if err := buf.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	key := models.KeyFor(event(1, 2, ts))
	if got := applier.totalFor(key); got != producers*perProducer {
		t.Errorf("durable count = %d, want %d", got, producers*perProducer)
	}
}

func TestStopPerformsFinalFlush(t *testing.T) {
	applier := newMockApplier()
	buf := NewBuffer(BufferConfig{FlushInterval: time.Hour, MaxKeys: 1000}, applier)
	if err := buf.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	buf.Ingest(event(1, 2, ts))

	if err := buf.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	key := models.KeyFor(event(1, 2, ts))
	if got := applier.totalFor(key); got != 1 {
		t.Errorf("durable count after shutdown flush = %d, want 1", got)
	}
}
