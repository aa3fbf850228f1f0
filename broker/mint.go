/*
mint.go - Mint service (request_access)

PURPOSE:
  Issues single-use access tokens. Authenticates the buyer, debits
  COST from balance into escrow, inserts the token, and returns it.
  Idempotent on the client-supplied key: the same (buyer, key) always
  yields the same token, no matter how many requests race.

IDEMPOTENCY:
  The service generates a candidate token id up front and hands the
  whole transition to Store.Mint in one transaction. If the key had
  already produced a token, the store returns that one and the
  candidate is discarded. There is no pre-check: a check followed by
  an unguarded insert races.

RETRIES:
  Serialization conflicts are retried internally with jittered
  backoff. Bounded: after maxMintAttempts the conflict surfaces as a
  retryable internal error; the client can safely retry because the
  transition either committed or it did not.

SEE ALSO:
  - store.go: Mint transaction contract
  - settle.go: The other half of the token lifecycle
*/
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxMintAttempts  = 3
	mintRetryBackoff = 25 * time.Millisecond
)

// MintRequest is one authenticated request_access call.
type MintRequest struct {
	APIKey         string
	SellerID       PrincipalID
	IdempotencyKey string
	TTL            time.Duration // zero means DefaultTTL
}

// MintResponse carries the issued (or replayed) token.
type MintResponse struct {
	TokenID  TokenID
	BuyerID  PrincipalID
	Replayed bool
}

// MintService implements request_access.
type MintService struct {
	store    Store
	resolver *Resolver
	clock    Clock
	log      zerolog.Logger
}

// NewMintService wires a mint service.
func NewMintService(store Store, resolver *Resolver, clock Clock, log zerolog.Logger) *MintService {
	return &MintService{store: store, resolver: resolver, clock: clock, log: log}
}

// RequestAccess mints a token for the authenticated buyer, escrowing
// Cost credits against the named seller.
func (s *MintService) RequestAccess(ctx context.Context, req MintRequest) (MintResponse, error) {
	buyerID, err := s.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		return MintResponse{}, err
	}
	if req.IdempotencyKey == "" {
		return MintResponse{}, ErrMissingIdempotencyKey
	}
	if req.SellerID == "" {
		return MintResponse{}, fmt.Errorf("%w: empty seller id", ErrPrincipalNotFound)
	}

	args := MintArgs{
		BuyerID:        buyerID,
		SellerID:       req.SellerID,
		Amount:         Cost,
		IdempotencyKey: req.IdempotencyKey,
		TokenID:        NewTokenID(),
		Now:            s.clock.Now(),
		TTL:            ClampTTL(req.TTL),
	}

	var res MintResult
	for attempt := 1; ; attempt++ {
		res, err = s.store.Mint(ctx, args)
		if err == nil || !IsRetryable(err) || attempt == maxMintAttempts {
			break
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("mint conflict, retrying")
		select {
		case <-ctx.Done():
			return MintResponse{}, ctx.Err()
		case <-time.After(jitter(mintRetryBackoff, attempt)):
		}
	}
	if err != nil {
		if IsClientError(err) {
			s.log.Debug().Err(err).Str("buyer", string(buyerID)).Msg("mint rejected")
		}
		return MintResponse{}, err
	}

	s.log.Info().
		Str("buyer", string(buyerID)).
		Str("seller", string(req.SellerID)).
		Bool("replayed", res.Replayed).
		Msg("locked escrow for token")

	return MintResponse{TokenID: res.TokenID, BuyerID: buyerID, Replayed: res.Replayed}, nil
}

// NewTokenID returns a fresh opaque token id: UUIDv4, URL-safe,
// 122 bits of entropy.
func NewTokenID() TokenID {
	return TokenID(uuid.NewString())
}

func jitter(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	return d + time.Duration(rand.Int63n(int64(d)))
}
