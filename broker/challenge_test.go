package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus/bridge/broker"
)

// =============================================================================
// CHALLENGE TESTS
// =============================================================================

// settleOne mints and settles a token so a ledger row exists.
func settleOne(t *testing.T, e *env, idemKey string) broker.TokenID {
	t.Helper()
	tok := e.mustMint(t, idemKey, 0)
	resp, err := e.settle.Verify(context.Background(), broker.VerifyRequest{SellerAPIKey: sellerKey, TokenID: tok})
	require.NoError(t, err)
	require.True(t, resp.Valid)
	return tok
}

func TestChallengeOpenStakesBuyer(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")

	stake, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{
		APIKey:  buyerKey,
		TokenID: tok,
		Reason:  "payload was empty",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.ChallengeStake, stake)

	// Stake debited from balance, row pending.
	buyer := e.snapshot(t, buyerID)
	assert.Equal(t, broker.Credits(89), buyer.Balance)

	entry, err := e.store.LedgerEntryByToken(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, entry.Challenged)
	assert.Equal(t, broker.ChallengePending, entry.ChallengeStatus)
	assert.Equal(t, broker.ChallengeStake, entry.ChallengeStake)
	assert.Equal(t, "payload was empty", entry.ChallengeReason)
}

func TestChallengeOpenTwiceRejected(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")

	_, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.NoError(t, err)

	_, err = e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.ErrorIs(t, err, broker.ErrChallengeState)

	// Staked once only.
	buyer := e.snapshot(t, buyerID)
	assert.Equal(t, broker.Credits(89), buyer.Balance)
}

func TestChallengeOpenWrongBuyer(t *testing.T) {
	e := newEnv(t)
	e.addPrincipal(t, "agent_buyer_02", "BUYER_KEY_2", 50)
	tok := settleOne(t, e, "k1")

	_, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{
		APIKey:  "BUYER_KEY_2",
		TokenID: tok,
	})
	require.ErrorIs(t, err, broker.ErrForbidden)
}

func TestChallengeOpenUnsettledToken(t *testing.T) {
	e := newEnv(t)
	tok := e.mustMint(t, "k1", 0) // live, never settled

	_, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.ErrorIs(t, err, broker.ErrLedgerEntryNotFound)
}

func TestChallengeResolveValid(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")
	_, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.NoError(t, err)

	err = e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok,
		Outcome: broker.ChallengeOutcomeValid,
	})
	require.NoError(t, err)

	// Seller reputation penalized (floored at zero), stake refunded.
	seller := e.snapshot(t, sellerID)
	assert.Equal(t, int64(0), seller.Reputation) // was 1, penalty 5, floor 0
	assert.Equal(t, broker.Credits(10), seller.TotalEarned, "earnings unaffected by reputation ruling")

	buyer := e.snapshot(t, buyerID)
	assert.Equal(t, broker.Credits(90), buyer.Balance)

	entry, err := e.store.LedgerEntryByToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, broker.ChallengeValid, entry.ChallengeStatus)
	assert.False(t, entry.ChallengeResolvedAt.IsZero())
}

func TestChallengeResolveInvalid(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")
	_, err := e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.NoError(t, err)

	err = e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok,
		Outcome: broker.ChallengeOutcomeInvalid,
	})
	require.NoError(t, err)

	// Stake forfeited, seller untouched.
	buyer := e.snapshot(t, buyerID)
	assert.Equal(t, broker.Credits(89), buyer.Balance)

	seller := e.snapshot(t, sellerID)
	assert.Equal(t, int64(1), seller.Reputation)

	entry, err := e.store.LedgerEntryByToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, broker.ChallengeInvalid, entry.ChallengeStatus)
}

func TestChallengeResolveRequiresPending(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")

	// Never challenged.
	err := e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok,
		Outcome: broker.ChallengeOutcomeValid,
	})
	require.ErrorIs(t, err, broker.ErrChallengeState)

	// Already resolved.
	_, err = e.challenge.Open(context.Background(), broker.ChallengeOpenRequest{APIKey: buyerKey, TokenID: tok})
	require.NoError(t, err)
	require.NoError(t, e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok, Outcome: broker.ChallengeOutcomeInvalid,
	}))
	err = e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok, Outcome: broker.ChallengeOutcomeValid,
	})
	require.ErrorIs(t, err, broker.ErrChallengeState)
}

func TestChallengeResolveBadOutcome(t *testing.T) {
	e := newEnv(t)
	tok := settleOne(t, e, "k1")

	err := e.challenge.Resolve(context.Background(), broker.ChallengeResolveRequest{
		TokenID: tok,
		Outcome: "maybe",
	})
	require.ErrorIs(t, err, broker.ErrChallengeState)
}

func TestChallengeOpenInsufficientStake(t *testing.T) {
	e := newEnv(t)
	e.addPrincipal(t, "agent_buyer_broke", "BROKE_KEY", 10)

	ctx := context.Background()
	resp, err := e.mint.RequestAccess(ctx, broker.MintRequest{
		APIKey:         "BROKE_KEY",
		SellerID:       sellerID,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	vr, err := e.settle.Verify(ctx, broker.VerifyRequest{SellerAPIKey: sellerKey, TokenID: resp.TokenID})
	require.NoError(t, err)
	require.True(t, vr.Valid)

	// Balance is now zero; the stake cannot be covered.
	_, err = e.challenge.Open(ctx, broker.ChallengeOpenRequest{APIKey: "BROKE_KEY", TokenID: resp.TokenID})
	require.ErrorIs(t, err, broker.ErrInsufficientFunds)

	entry, err := e.store.LedgerEntryByToken(ctx, resp.TokenID)
	require.NoError(t, err)
	assert.False(t, entry.Challenged)
}
