package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus/bridge/broker"
	"github.com/nexus/bridge/store/sqlite"
)

const (
	buyerID  = broker.PrincipalID("agent_buyer_01")
	sellerID = broker.PrincipalID("seller_01")
)

var now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.SavePrincipal(ctx, broker.Principal{
		ID: buyerID, APIKeyHash: broker.HashKey("BUYER_KEY_1"), Balance: 100, CreatedAt: now,
	}))
	require.NoError(t, st.SavePrincipal(ctx, broker.Principal{
		ID: sellerID, APIKeyHash: broker.HashKey("SELLER_KEY_1"), CreatedAt: now,
	}))
	return st
}

func mint(t *testing.T, st *sqlite.Store, idemKey string, ttl time.Duration) broker.TokenID {
	t.Helper()
	res, err := st.Mint(context.Background(), broker.MintArgs{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		Amount:         broker.Cost,
		IdempotencyKey: idemKey,
		TokenID:        broker.NewTokenID(),
		Now:            now,
		TTL:            ttl,
	})
	require.NoError(t, err)
	return res.TokenID
}

func TestMintSettleRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	tok := mint(t, st, "k1", broker.DefaultTTL)

	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(90), buyer.Balance)
	assert.Equal(t, broker.Credits(10), buyer.Escrow)

	res, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, broker.SettleOK, res.Outcome)
	assert.Equal(t, buyerID, res.BuyerID)
	assert.Equal(t, broker.Credits(10), res.Amount)

	buyer, err = st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(0), buyer.Escrow)

	seller, err := st.GetPrincipal(ctx, sellerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(10), seller.TotalEarned)
	assert.Equal(t, int64(1), seller.Reputation)

	entry, err := st.LedgerEntryByToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(10), entry.Amount)

	// Token gone; second settle reports not found.
	res, err = st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, broker.SettleNotFound, res.Outcome)
}

func TestMintReplaySameRow(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	first := mint(t, st, "k1", broker.DefaultTTL)

	res, err := st.Mint(ctx, broker.MintArgs{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		Amount:         broker.Cost,
		IdempotencyKey: "k1",
		TokenID:        broker.NewTokenID(),
		Now:            now,
		TTL:            broker.DefaultTTL,
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first, res.TokenID)

	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(90), buyer.Balance)
}

// The idempotency record survives token destruction, so a retry after
// settlement still replays instead of double-charging.
func TestMintReplayAfterSettle(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	tok := mint(t, st, "k1", broker.DefaultTTL)
	_, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)

	res, err := st.Mint(ctx, broker.MintArgs{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		Amount:         broker.Cost,
		IdempotencyKey: "k1",
		TokenID:        broker.NewTokenID(),
		Now:            now,
		TTL:            broker.DefaultTTL,
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, tok, res.TokenID)
}

func TestMintInsufficientFunds(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	_, err := st.Mint(ctx, broker.MintArgs{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		Amount:         broker.Credits(1000),
		IdempotencyKey: "k1",
		TokenID:        broker.NewTokenID(),
		Now:            now,
		TTL:            broker.DefaultTTL,
	})
	require.ErrorIs(t, err, broker.ErrInsufficientFunds)

	// Transaction rolled back in full.
	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(100), buyer.Balance)
	assert.Equal(t, broker.Credits(0), buyer.Escrow)
}

func TestSettleSellerMismatch(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.SavePrincipal(ctx, broker.Principal{
		ID: "seller_02", APIKeyHash: broker.HashKey("SELLER_KEY_2"), CreatedAt: now,
	}))

	tok := mint(t, st, "k1", broker.DefaultTTL)

	res, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: "seller_02", Now: now.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, broker.SettleSellerMismatch, res.Outcome)

	// Token intact for the bound seller.
	_, err = st.GetToken(ctx, tok)
	require.NoError(t, err)
}

func TestSettleExpired(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	tok := mint(t, st, "k1", broker.MinTTL)

	res, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(broker.MinTTL)})
	require.NoError(t, err)
	assert.Equal(t, broker.SettleExpired, res.Outcome)

	// Row stays; escrow unmoved until sweep.
	_, err = st.GetToken(ctx, tok)
	require.NoError(t, err)
	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(10), buyer.Escrow)
}

func TestSweepRefundsBatch(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mint(t, st, fmt.Sprintf("k%d", i), broker.MinTTL)
	}
	live := mint(t, st, "k-live", broker.MaxTTL)

	swept, err := st.Sweep(ctx, now.Add(time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	swept, err = st.Sweep(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	_, err = st.GetToken(ctx, live)
	require.NoError(t, err)

	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(90), buyer.Balance)
	assert.Equal(t, broker.Credits(10), buyer.Escrow)
}

func TestChallengeLifecycle(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	tok := mint(t, st, "k1", broker.DefaultTTL)
	_, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)

	err = st.OpenChallenge(ctx, tok, buyerID, broker.ChallengeStake, "bad payload", now.Add(2*time.Second))
	require.NoError(t, err)

	// Double open rejected, stake debited once.
	err = st.OpenChallenge(ctx, tok, buyerID, broker.ChallengeStake, "", now.Add(2*time.Second))
	require.ErrorIs(t, err, broker.ErrChallengeState)

	buyer, err := st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(89), buyer.Balance)

	err = st.ResolveChallenge(ctx, tok, broker.ChallengeOutcomeValid, broker.SellerPenaltyValid, now.Add(3*time.Second))
	require.NoError(t, err)

	buyer, err = st.GetPrincipal(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(90), buyer.Balance, "stake refunded")

	seller, err := st.GetPrincipal(ctx, sellerID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seller.Reputation, "penalty floored at zero")

	entry, err := st.LedgerEntryByToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, broker.ChallengeValid, entry.ChallengeStatus)
	assert.False(t, entry.ChallengeResolvedAt.IsZero())

	// Terminal state.
	err = st.ResolveChallenge(ctx, tok, broker.ChallengeOutcomeInvalid, broker.SellerPenaltyValid, now.Add(4*time.Second))
	require.ErrorIs(t, err, broker.ErrChallengeState)
}

func TestChallengeWrongBuyer(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.SavePrincipal(ctx, broker.Principal{
		ID: "agent_buyer_02", APIKeyHash: broker.HashKey("BUYER_KEY_2"), Balance: 50, CreatedAt: now,
	}))

	tok := mint(t, st, "k1", broker.DefaultTTL)
	_, err := st.Settle(ctx, broker.SettleArgs{TokenID: tok, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)

	err = st.OpenChallenge(ctx, tok, "agent_buyer_02", broker.ChallengeStake, "", now)
	require.ErrorIs(t, err, broker.ErrForbidden)
}

func TestPrincipalLookups(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	p, err := st.PrincipalByKeyHash(ctx, broker.HashKey("BUYER_KEY_1"))
	require.NoError(t, err)
	assert.Equal(t, buyerID, p.ID)

	_, err = st.PrincipalByKeyHash(ctx, broker.HashKey("NO_SUCH_KEY"))
	require.ErrorIs(t, err, broker.ErrUnauthenticated)

	_, err = st.GetPrincipal(ctx, "ghost")
	require.ErrorIs(t, err, broker.ErrPrincipalNotFound)
}

func TestSnapshotConsistency(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	settled := mint(t, st, "k1", broker.DefaultTTL)
	_, err := st.Settle(ctx, broker.SettleArgs{TokenID: settled, SellerID: sellerID, Now: now.Add(time.Second)})
	require.NoError(t, err)
	mint(t, st, "k2", broker.DefaultTTL)

	snap, err := st.Snapshot(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(80), snap.Balance)
	assert.Equal(t, broker.Credits(10), snap.Escrow)
	assert.Equal(t, 1, snap.LiveTokens)
	assert.Equal(t, broker.Credits(10), snap.LiveEscrowed)
	assert.Equal(t, broker.Credits(10), snap.SettledOut)

	// Conservation against the starting balance.
	assert.Equal(t, broker.Credits(100), snap.Balance+snap.Escrow+snap.SettledOut)

	sellerSnap, err := st.Snapshot(ctx, sellerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(10), sellerSnap.SettledIn)
}

// Concurrent writers serialize at BEGIN IMMEDIATE; the busy timeout
// absorbs contention so every mint lands.
func TestConcurrentMintsDistinctKeys(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.Mint(ctx, broker.MintArgs{
				BuyerID:        buyerID,
				SellerID:       sellerID,
				Amount:         broker.Cost,
				IdempotencyKey: fmt.Sprintf("k%d", i),
				TokenID:        broker.NewTokenID(),
				Now:            now,
				TTL:            broker.DefaultTTL,
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "mint %d", i)
	}

	snap, err := st.Snapshot(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, broker.Credits(0), snap.Balance)
	assert.Equal(t, broker.Credits(100), snap.Escrow)
	assert.Equal(t, workers, snap.LiveTokens)
}
