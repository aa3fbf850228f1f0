/*
sweep.go - Sweep service (expired-token reclamation)

PURPOSE:
  Reclaims stranded escrow. Every expired, unredeemed token is
  deleted and its amount refunded from the buyer's escrow back to
  balance. No ledger row is written: sweep is not a settlement.

BATCHING:
  Work proceeds in bounded batches so one sweep can never pin a huge
  transaction. Batches repeat until one comes back short. Each batch
  skips token rows locked by in-flight settlements; a token that
  expires mid-settle is decided by commit order, and the losing side
  simply observes the row gone.

IDEMPOTENCY:
  Sweeping twice with no expiries in between reclaims zero the
  second time.
*/
package broker

import (
	"context"

	"github.com/rs/zerolog"
)

const (
	// DefaultSweepLimit bounds one sweep invocation when the caller
	// does not specify a limit.
	DefaultSweepLimit = 500

	// MaxSweepLimit is the hard per-invocation cap.
	MaxSweepLimit = 5000

	// sweepBatchSize bounds a single store transaction.
	sweepBatchSize = 100
)

// Sweeper implements sweep_expired.
type Sweeper struct {
	store Store
	clock Clock
	log   zerolog.Logger
}

// NewSweeper wires a sweeper.
func NewSweeper(store Store, clock Clock, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: store, clock: clock, log: log}
}

// SweepExpired reclaims up to limit expired tokens and returns the
// number reclaimed. A limit <= 0 means DefaultSweepLimit; anything
// above MaxSweepLimit is capped.
func (s *Sweeper) SweepExpired(ctx context.Context, limit int, triggeredBy string) (int, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	if limit > MaxSweepLimit {
		limit = MaxSweepLimit
	}

	total := 0
	for total < limit {
		batch := sweepBatchSize
		if remaining := limit - total; remaining < batch {
			batch = remaining
		}

		n, err := s.store.Sweep(ctx, s.clock.Now(), batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			break
		}
	}

	if total > 0 {
		s.log.Info().
			Int("swept", total).
			Str("triggered_by", triggeredBy).
			Msg("reclaimed expired escrow")
	}
	return total, nil
}
