// Package reaper periodically removes rooms that have seen no signaling
// activity for longer than a threshold. Activity stands in for liveness: a
// pair whose media is flowing but who stopped signaling is reaped too.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
)

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		StaleAfter: time.Hour,
	}
}

// Sweeper removes stale live rooms and notifies whoever is still attached.
type Sweeper interface {
	SweepStale(threshold time.Duration) []string
}

type Service struct {
	sweeper Sweeper
	store   store.Store // optional
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(sweeper Sweeper, st store.Store, config Config, logger *slog.Logger) *Service {
	return &Service{
		sweeper: sweeper,
		store:   st,
		config:  config,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("reaper started", "interval", s.config.Interval, "stale_after", s.config.StaleAfter)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("reaper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow runs one sweep over the live registry and, when configured, the
// persisted store. It returns the number of rooms removed.
func (s *Service) SweepNow() int {
	removed := len(s.sweeper.SweepStale(s.config.StaleAfter))

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
		defer cancel()

		ids, err := s.store.DeleteStaleRooms(ctx, s.now().Add(-s.config.StaleAfter))
		if err != nil {
			s.logger.Error("pruning stored rooms failed", "err", err)
		}
		removed += len(ids)
	}

	if removed > 0 {
		s.logger.Info("removed stale rooms", "count", removed)
	}
	return removed
}
