/*
challenge.go - Dispute resolver over settled transactions

PURPOSE:
  Lets a buyer dispute a completed settlement by staking credits, and
  an operator rule on the dispute. This is a separate state machine
  over ledger rows only: a challenge never touches token state, which
  is always terminal by the time a ledger row exists.

STATE MACHINE (per ledger row):
  none -> pending            buyer opens, stake debited from balance
  pending -> valid           admin ruling: seller reputation -5
                             (floored at 0), stake refunded to buyer
  pending -> invalid         admin ruling: stake forfeited, seller
                             reputation unchanged

  Both resolutions stamp challenge_resolved_at; no further
  transitions exist. A row can be challenged at most once.

SEE ALSO:
  - store.go: OpenChallenge / ResolveChallenge contracts
  - types.go: ChallengeStake, SellerPenaltyValid
*/
package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ChallengeOpenRequest is a buyer-authenticated dispute filing.
type ChallengeOpenRequest struct {
	APIKey  string
	TokenID TokenID
	Reason  string
}

// ChallengeResolveRequest is an operator ruling. The admin key is
// checked by the transport layer before this service is reached.
type ChallengeResolveRequest struct {
	TokenID TokenID
	Outcome ChallengeOutcome
}

// ChallengeService implements the dispute endpoints.
type ChallengeService struct {
	store    Store
	resolver *Resolver
	clock    Clock
	log      zerolog.Logger
}

// NewChallengeService wires a challenge service.
func NewChallengeService(store Store, resolver *Resolver, clock Clock, log zerolog.Logger) *ChallengeService {
	return &ChallengeService{store: store, resolver: resolver, clock: clock, log: log}
}

// Open files a challenge against the settlement recorded for a
// token. The stake is debited from the buyer's balance in the same
// transaction that marks the row pending.
func (s *ChallengeService) Open(ctx context.Context, req ChallengeOpenRequest) (Credits, error) {
	buyerID, err := s.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		return 0, err
	}

	err = s.store.OpenChallenge(ctx, req.TokenID, buyerID, ChallengeStake, req.Reason, s.clock.Now())
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("buyer", string(buyerID)).
		Str("token", string(req.TokenID)).
		Int64("stake", int64(ChallengeStake)).
		Msg("challenge opened")
	return ChallengeStake, nil
}

// Resolve rules on a pending challenge.
func (s *ChallengeService) Resolve(ctx context.Context, req ChallengeResolveRequest) error {
	switch req.Outcome {
	case ChallengeOutcomeValid, ChallengeOutcomeInvalid:
	default:
		return fmt.Errorf("%w: outcome must be %q or %q",
			ErrChallengeState, ChallengeOutcomeValid, ChallengeOutcomeInvalid)
	}

	err := s.store.ResolveChallenge(ctx, req.TokenID, req.Outcome, SellerPenaltyValid, s.clock.Now())
	if err != nil {
		return err
	}

	s.log.Info().
		Str("token", string(req.TokenID)).
		Str("outcome", string(req.Outcome)).
		Msg("challenge resolved")
	return nil
}
