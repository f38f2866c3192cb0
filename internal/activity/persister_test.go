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

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mbeckett/guildpulse/internal/models"
)

// mockWriter is a programmable CounterWriter.
type mockWriter struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	partial models.Snapshot // returned as residue when set
}

func (m *mockWriter) IncrementBatch(_ context.Context, snap models.Snapshot) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.partial != nil {
		return m.partial, errors.New("handle lost mid-batch")
	}
	if m.fail {
		return snap, errors.New("storage down")
	}
	return nil, nil
}

func (m *mockWriter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testSnapshot(n int) models.Snapshot {
	snap := make(models.Snapshot, n)
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		snap[models.CounterKey{GuildID: 1, UserID: int64(i + 1), Day: day, Hour: 9}] = 1
	}
	return snap
}

func TestPersisterAppliesSuccessfully(t *testing.T) {
	w := &mockWriter{}
	p := NewPersister(PersisterConfig{}, w)

	residue, err := p.Apply(context.Background(), testSnapshot(3))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(residue) != 0 {
		t.Errorf("residue = %v, want none", residue)
	}
	if w.callCount() != 1 {
		t.Errorf("writer calls = %d, want 1", w.callCount())
	}
}

func TestPersisterEmptySnapshotSkipsStorage(t *testing.T) {
	w := &mockWriter{}
	p := NewPersister(PersisterConfig{}, w)

	residue, err := p.Apply(context.Background(), models.Snapshot{})
	if err != nil || residue != nil {
		t.Errorf("empty snapshot: residue=%v err=%v, want nil/nil", residue, err)
	}
	if w.callCount() != 0 {
		t.Error("empty snapshot must not reach storage")
	}
}

func TestPersisterPartialResiduePassesThrough(t *testing.T) {
	snap := testSnapshot(4)
	partial := testSnapshot(2)
	w := &mockWriter{partial: partial}
	p := NewPersister(PersisterConfig{}, w)

	residue, err := p.Apply(context.Background(), snap)
	if err == nil {
		t.Fatal("expected mid-batch error")
	}
	if len(residue) != len(partial) {
		t.Errorf("residue size = %d, want the partial size %d (never the whole snapshot)",
			len(residue), len(partial))
	}
}

func TestPersisterBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &mockWriter{fail: true}
	p := NewPersister(PersisterConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, w)
	snap := testSnapshot(2)

	for i := 0; i < 3; i++ {
		if _, err := p.Apply(context.Background(), snap); err == nil {
			t.Fatalf("attempt %d: expected failure", i+1)
		}
	}

	if p.BreakerState() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after 3 consecutive failures", p.BreakerState())
	}

	// Open breaker fails fast with the full snapshot as residue and
	// without touching storage.
	before := w.callCount()
	residue, err := p.Apply(context.Background(), snap)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if len(residue) != len(snap) {
		t.Errorf("open-breaker residue = %d keys, want the whole snapshot (%d)", len(residue), len(snap))
	}
	if w.callCount() != before {
		t.Error("open breaker must not reach storage")
	}
}

func TestPersisterRecoversAfterBreakerTimeout(t *testing.T) {
	w := &mockWriter{fail: true}
	p := NewPersister(PersisterConfig{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond}, w)
	snap := testSnapshot(1)

	if _, err := p.Apply(context.Background(), snap); err == nil {
		t.Fatal("expected failure to open the breaker")
	}

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()

	time.Sleep(80 * time.Millisecond)

	residue, err := p.Apply(context.Background(), snap)
	if err != nil {
		t.Fatalf("half-open probe should succeed: %v", err)
	}
	if len(residue) != 0 {
		t.Errorf("residue = %v after recovery, want none", residue)
	}
}
