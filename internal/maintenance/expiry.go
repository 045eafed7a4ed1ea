// Package maintenance runs scheduled upkeep of the license store.
package maintenance

import (
	"context"
	"errors"
	"sync"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// sweepActor is recorded on the audit entries written by the sweep.
const sweepActor = "expiry-sweeper"

// Expirer marks overdue licenses as expired.
type Expirer interface {
	ExpireOverdue(ctx context.Context, actorID string) (int, error)
}

// Inventory refreshes derived state after a sweep.
type Inventory interface {
	Collect(ctx context.Context) (map[license.Status]int, error)
}

// ExpiryScheduler runs the overdue license sweep on a cron schedule.
type ExpiryScheduler struct {
	expirer   Expirer
	inventory Inventory
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewExpiryScheduler creates a new expiry scheduler. inventory may be nil.
func NewExpiryScheduler(expirer Expirer, inventory Inventory, schedule string, logger zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		expirer:   expirer,
		inventory: inventory,
		schedule:  schedule,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "expiry").Logger(),
	}
}

// Start begins the sweep schedule.
func (s *ExpiryScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("expiry scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.runSweep(context.Background()) }); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Msg("expiry scheduler started")

	return nil
}

// Stop stops the scheduler. The returned context is done once a running sweep finishes.
func (s *ExpiryScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping expiry scheduler")
	return s.cron.Stop()
}

// RunNow runs one sweep immediately and returns the number of expired licenses.
func (s *ExpiryScheduler) RunNow(ctx context.Context) (int, error) {
	return s.runSweep(ctx)
}

func (s *ExpiryScheduler) runSweep(ctx context.Context) (int, error) {
	s.logger.Debug().Msg("starting expiry sweep")

	expired, err := s.expirer.ExpireOverdue(ctx, sweepActor)
	if err != nil {
		s.logger.Error().Err(err).Int("expired", expired).Msg("expiry sweep failed")
		return expired, err
	}

	s.logger.Info().
		Int("expired", expired).
		Msg("expiry sweep completed")

	if s.inventory != nil {
		if _, err := s.inventory.Collect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to refresh license inventory")
		}
	}

	return expired, nil
}
