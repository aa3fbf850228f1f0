package broker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus/bridge/broker"
)

// =============================================================================
// SWEEP TESTS
// =============================================================================

func TestSweepRefundsExpiredEscrow(t *testing.T) {
	e := newEnv(t)
	tok := e.mustMint(t, "k1", 15*time.Second)

	e.clock.Advance(25 * time.Second)

	swept, err := e.sweeper.SweepExpired(context.Background(), 0, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// Token gone, escrow restored by exactly Cost, no ledger row.
	_, err = e.store.GetToken(context.Background(), tok)
	require.ErrorIs(t, err, broker.ErrTokenNotFound)

	buyer := e.snapshot(t, buyerID)
	assert.Equal(t, broker.Credits(100), buyer.Balance)
	assert.Equal(t, broker.Credits(0), buyer.Escrow)
	assert.Equal(t, broker.Credits(0), buyer.SettledOut)

	_, err = e.store.LedgerEntryByToken(context.Background(), tok)
	require.ErrorIs(t, err, broker.ErrLedgerEntryNotFound)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.mustMint(t, "k1", 15*time.Second)

	e.clock.Advance(25 * time.Second)

	swept, err := e.sweeper.SweepExpired(context.Background(), 0, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = e.sweeper.SweepExpired(context.Background(), 0, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestSweepIgnoresLiveTokens(t *testing.T) {
	e := newEnv(t)
	live := e.mustMint(t, "k-live", time.Hour)
	e.mustMint(t, "k-dead", 15*time.Second)

	e.clock.Advance(25 * time.Second)

	swept, err := e.sweeper.SweepExpired(context.Background(), 0, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = e.store.GetToken(context.Background(), live)
	require.NoError(t, err)
}

func TestSweepHonorsLimit(t *testing.T) {
	e := newEnv(t)
	e.addPrincipal(t, "agent_buyer_02", "BUYER_KEY_2", 1000)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := e.mint.RequestAccess(ctx, broker.MintRequest{
			APIKey:         "BUYER_KEY_2",
			SellerID:       sellerID,
			IdempotencyKey: fmt.Sprintf("k%d", i),
			TTL:            broker.MinTTL,
		})
		require.NoError(t, err)
	}
	e.clock.Advance(time.Minute)

	swept, err := e.sweeper.SweepExpired(ctx, 3, "test")
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	swept, err = e.sweeper.SweepExpired(ctx, 0, "test")
	require.NoError(t, err)
	assert.Equal(t, 4, swept)

	b := e.snapshot(t, "agent_buyer_02")
	assert.Equal(t, broker.Credits(1000), b.Balance)
	assert.Equal(t, broker.Credits(0), b.Escrow)
}

// A token that expires with a redemption in flight is decided by
// commit order: either the settlement lands (ledger row, escrow to
// seller) or the sweep does (escrow refunded). Never both, never
// neither once the dust settles.
func TestSweepVersusSettleRace(t *testing.T) {
	e := newEnv(t)

	ctx := context.Background()
	prevSettled := broker.Credits(0)
	for i := 0; i < 50; i++ {
		tok := e.mustMint(t, fmt.Sprintf("race-%d", i), broker.MinTTL)
		if i%2 == 0 {
			// Exactly at expiry: sweep should win.
			e.clock.Advance(broker.MinTTL)
		} else {
			// A hair before expiry: settle should win.
			e.clock.Advance(broker.MinTTL - time.Millisecond)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.settle.Verify(ctx, broker.VerifyRequest{SellerAPIKey: sellerKey, TokenID: tok})
		}()
		go func() {
			defer wg.Done()
			_, _ = e.sweeper.SweepExpired(ctx, 0, "race")
		}()
		wg.Wait()

		// Push past expiry and drain whatever row is left.
		e.clock.Advance(time.Second)
		_, err := e.sweeper.SweepExpired(ctx, 0, "drain")
		require.NoError(t, err)

		settled := broker.Credits(0)
		if entry, err := e.store.LedgerEntryByToken(ctx, tok); err == nil {
			settled = entry.Amount
		}

		buyer := e.snapshot(t, buyerID)
		assert.Equal(t, broker.Credits(0), buyer.Escrow, "escrow must never strand")
		assert.Equal(t, buyer.SettledOut, settled+prevSettled, "at most one settlement per token")
		prevSettled = buyer.SettledOut

		// Conservation: balance + escrow + settled-out always equals
		// the starting 100.
		assert.Equal(t, broker.Credits(100), buyer.Balance+buyer.Escrow+buyer.SettledOut)
	}
}
