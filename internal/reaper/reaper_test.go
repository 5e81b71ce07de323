package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSweeper struct {
	mu         sync.Mutex
	calls      int
	thresholds []time.Duration
	result     []string
}

func (f *fakeSweeper) SweepStale(threshold time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.thresholds = append(f.thresholds, threshold)
	return f.result
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore implements only what the reaper calls.
type fakeStore struct {
	store.Store
	cutoffs []time.Time
	ids     []string
	err     error
}

func (f *fakeStore) DeleteStaleRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.ids, f.err
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Expected 5m interval, got %v", cfg.Interval)
	}
	if cfg.StaleAfter != time.Hour {
		t.Errorf("Expected 1h threshold, got %v", cfg.StaleAfter)
	}
}

func TestSweepNowRegistryOnly(t *testing.T) {
	sweeper := &fakeSweeper{result: []string{"a", "b"}}
	s := New(sweeper, nil, DefaultConfig(), discard)

	if removed := s.SweepNow(); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if sweeper.thresholds[0] != time.Hour {
		t.Errorf("Expected threshold 1h, got %v", sweeper.thresholds[0])
	}
}

func TestSweepNowWithStore(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sweeper := &fakeSweeper{result: []string{"live"}}
	st := &fakeStore{ids: []string{"stored-1", "stored-2"}}

	s := New(sweeper, st, Config{Interval: time.Minute, StaleAfter: 30 * time.Minute}, discard)
	s.now = func() time.Time { return now }

	if removed := s.SweepNow(); removed != 3 {
		t.Errorf("Expected 3 removed, got %d", removed)
	}
	if len(st.cutoffs) != 1 || !st.cutoffs[0].Equal(now.Add(-30*time.Minute)) {
		t.Errorf("Expected cutoff 30m before now, got %v", st.cutoffs)
	}
}

func TestSweepNowStoreError(t *testing.T) {
	sweeper := &fakeSweeper{result: []string{"live"}}
	st := &fakeStore{err: errors.New("disk full")}

	s := New(sweeper, st, DefaultConfig(), discard)

	// A failing store must not hide the live sweep.
	if removed := s.SweepNow(); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
}

func TestServiceStartStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(sweeper, nil, Config{Interval: 10 * time.Millisecond, StaleAfter: time.Hour}, discard)

	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.Calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if sweeper.Calls() < 2 {
		t.Errorf("Expected at least 2 sweeps, got %d", sweeper.Calls())
	}

	calls := sweeper.Calls()
	time.Sleep(30 * time.Millisecond)
	if sweeper.Calls() != calls {
		t.Error("No sweeps should run after Stop")
	}
}
