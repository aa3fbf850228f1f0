/*
settle.go - Settle service (verify)

PURPOSE:
  Redeems a token: authenticates the claimant seller, burns the token,
  moves escrow to seller earnings, bumps reputation, and appends the
  ledger row - all in one commit. A concurrent second redemption of
  the same token finds the row gone and reports ALREADY_USED.

POLICY DECISIONS (documented, configurable):
  - A token that never existed and a token already consumed produce
    the same ALREADY_USED answer. Intentional: distinguishing them
    would let third parties probe which token ids were ever valid.
  - An expired-but-unswept token reports EXPIRED by default. Set
    CollapseExpired to fold it into ALREADY_USED.
  - A seller mismatch does not consume the token by default; the
    bound seller can still redeem it. Set MismatchBurns to make a
    mismatch burn the token and refund the buyer's escrow.

SEE ALSO:
  - store.go: Settle transaction contract
  - sweep.go: Reclamation of tokens that were never redeemed
*/
package broker

import (
	"context"

	"github.com/rs/zerolog"
)

// VerifyCode classifies a failed verification for the caller.
type VerifyCode string

const (
	// CodeAlreadyUsed covers consumed and never-existed tokens.
	CodeAlreadyUsed VerifyCode = "ALREADY_USED"

	// CodeSellerMismatch means the claimant is not the bound seller.
	CodeSellerMismatch VerifyCode = "SELLER_MISMATCH"

	// CodeExpired means the token's TTL elapsed before redemption.
	CodeExpired VerifyCode = "EXPIRED"
)

// SettleConfig captures the policy decisions above.
type SettleConfig struct {
	// MismatchBurns makes a seller mismatch count against the
	// token's single-use life. Default false: token stays live.
	MismatchBurns bool

	// CollapseExpired reports expired tokens as ALREADY_USED instead
	// of the distinct EXPIRED code.
	CollapseExpired bool
}

// VerifyRequest is one authenticated verify call.
type VerifyRequest struct {
	SellerAPIKey string
	TokenID      TokenID
}

// VerifyResponse mirrors the wire body: Valid with BuyerID, or a
// specific failure code so callers can tell a retry-noop from a bug.
type VerifyResponse struct {
	Valid   bool
	BuyerID PrincipalID
	Code    VerifyCode
}

// SettleService implements verify.
type SettleService struct {
	store    Store
	resolver *Resolver
	clock    Clock
	cfg      SettleConfig
	log      zerolog.Logger
}

// NewSettleService wires a settle service.
func NewSettleService(store Store, resolver *Resolver, clock Clock, cfg SettleConfig, log zerolog.Logger) *SettleService {
	return &SettleService{store: store, resolver: resolver, clock: clock, cfg: cfg, log: log}
}

// Verify settles a token for the authenticated seller. At-most-once
// settlement is a direct consequence of single-row deletion under
// row-lock: whichever transaction deletes the row wins, every other
// caller observes SettleNotFound.
func (s *SettleService) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	sellerID, err := s.resolver.Resolve(ctx, req.SellerAPIKey)
	if err != nil {
		return VerifyResponse{}, err
	}

	res, err := s.store.Settle(ctx, SettleArgs{
		TokenID:        req.TokenID,
		SellerID:       sellerID,
		Now:            s.clock.Now(),
		BurnOnMismatch: s.cfg.MismatchBurns,
	})
	if err != nil {
		return VerifyResponse{}, err
	}

	switch res.Outcome {
	case SettleOK:
		s.log.Info().
			Str("seller", string(sellerID)).
			Str("buyer", string(res.BuyerID)).
			Int64("amount", int64(res.Amount)).
			Msg("settled token")
		return VerifyResponse{Valid: true, BuyerID: res.BuyerID}, nil
	case SettleSellerMismatch:
		return VerifyResponse{Code: CodeSellerMismatch}, nil
	case SettleExpired:
		if s.cfg.CollapseExpired {
			return VerifyResponse{Code: CodeAlreadyUsed}, nil
		}
		return VerifyResponse{Code: CodeExpired}, nil
	default:
		return VerifyResponse{Code: CodeAlreadyUsed}, nil
	}
}
