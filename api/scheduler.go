/*
scheduler.go - Background sweep scheduler

PURPOSE:
  Periodically reclaims expired unredeemed tokens so stranded escrow
  flows back to buyers even when no operator calls /sweep_expired.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each tick is one bounded Sweeper invocation; sweep is idempotent,
    so overlapping manual sweeps are harmless
  - Stop() blocks until the goroutine has exited

USAGE:
  sched := api.NewSweepScheduler(sweeper, interval, log)
  sched.Start()
  defer sched.Stop()

SEE ALSO:
  - broker/sweep.go: The sweeper this drives
  - handlers.go: SweepExpired (manual trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus/bridge/broker"
)

// SweepScheduler triggers the sweeper on a fixed interval.
type SweepScheduler struct {
	Sweeper  *broker.Sweeper
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	log    zerolog.Logger
}

// NewSweepScheduler creates a scheduler. An interval of zero disables
// it: Start becomes a no-op.
func NewSweepScheduler(sweeper *broker.Sweeper, interval time.Duration, log zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:  sweeper,
		Interval: interval,
		stop:     make(chan struct{}),
		log:      log,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.log.Info().Msg("sweep scheduler disabled")
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Msg("sweep scheduler started")
}

// Stop stops the scheduler and waits for the current sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.Sweeper.SweepExpired(ctx, broker.DefaultSweepLimit, "scheduler"); err != nil {
		s.log.Error().Err(err).Msg("scheduled sweep failed")
	}
}
