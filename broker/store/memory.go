// Package store provides the in-memory broker.Store implementation.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/nexus/bridge/broker"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================
// One mutex serializes every operation, which trivially satisfies the
// single-transaction contract: no caller can observe partial state.

type Memory struct {
	mu           sync.Mutex
	principals   map[broker.PrincipalID]broker.Principal
	byKeyHash    map[string]broker.PrincipalID
	tokens       map[broker.TokenID]broker.Token
	idempotency  map[idemKey]broker.TokenID
	ledger       []broker.LedgerEntry
	nextLedgerID int64
}

type idemKey struct {
	BuyerID broker.PrincipalID
	Key     string
}

func NewMemory() *Memory {
	return &Memory{
		principals:   make(map[broker.PrincipalID]broker.Principal),
		byKeyHash:    make(map[string]broker.PrincipalID),
		tokens:       make(map[broker.TokenID]broker.Token),
		idempotency:  make(map[idemKey]broker.TokenID),
		nextLedgerID: 1,
	}
}

// =============================================================================
// TRANSACTIONAL OPERATIONS
// =============================================================================

// Mint executes the whole mint transition under the store lock.
func (m *Memory) Mint(_ context.Context, args broker.MintArgs) (broker.MintResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Replay check first: a replayed key must not touch funds.
	if prior, ok := m.idempotency[idemKey{args.BuyerID, args.IdempotencyKey}]; ok {
		return broker.MintResult{TokenID: prior, Replayed: true}, nil
	}

	if _, ok := m.principals[args.SellerID]; !ok {
		return broker.MintResult{}, broker.ErrPrincipalNotFound
	}
	buyer, ok := m.principals[args.BuyerID]
	if !ok {
		return broker.MintResult{}, broker.ErrPrincipalNotFound
	}
	if buyer.Balance < args.Amount {
		return broker.MintResult{}, &broker.InsufficientFundsError{
			BuyerID:   args.BuyerID,
			Available: buyer.Balance,
			Requested: args.Amount,
		}
	}

	buyer.Balance -= args.Amount
	buyer.Escrow += args.Amount
	m.principals[args.BuyerID] = buyer

	m.tokens[args.TokenID] = broker.Token{
		ID:             args.TokenID,
		BuyerID:        args.BuyerID,
		SellerID:       args.SellerID,
		Amount:         args.Amount,
		CreatedAt:      args.Now,
		ExpiresAt:      args.Now.Add(args.TTL),
		IdempotencyKey: args.IdempotencyKey,
	}
	m.idempotency[idemKey{args.BuyerID, args.IdempotencyKey}] = args.TokenID

	return broker.MintResult{TokenID: args.TokenID}, nil
}

// Settle executes the whole settle transition under the store lock.
func (m *Memory) Settle(_ context.Context, args broker.SettleArgs) (broker.SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[args.TokenID]
	if !ok {
		return broker.SettleResult{Outcome: broker.SettleNotFound}, nil
	}

	if tok.SellerID != args.SellerID {
		if args.BurnOnMismatch {
			m.burnAndRefundLocked(tok)
		}
		return broker.SettleResult{Outcome: broker.SettleSellerMismatch}, nil
	}

	if tok.Expired(args.Now) {
		// Left for sweep; no funds move here.
		return broker.SettleResult{Outcome: broker.SettleExpired}, nil
	}

	delete(m.tokens, tok.ID)

	buyer := m.principals[tok.BuyerID]
	buyer.Escrow = saturatingSub(buyer.Escrow, tok.Amount)
	m.principals[tok.BuyerID] = buyer

	seller := m.principals[tok.SellerID]
	seller.TotalEarned += tok.Amount
	seller.Reputation++
	m.principals[tok.SellerID] = seller

	m.ledger = append(m.ledger, broker.LedgerEntry{
		ID:        m.nextLedgerID,
		BuyerID:   tok.BuyerID,
		SellerID:  tok.SellerID,
		Amount:    tok.Amount,
		TokenID:   tok.ID,
		SettledAt: args.Now,
	})
	m.nextLedgerID++

	return broker.SettleResult{
		Outcome: broker.SettleOK,
		BuyerID: tok.BuyerID,
		Amount:  tok.Amount,
	}, nil
}

// Sweep executes one reclamation batch under the store lock.
func (m *Memory) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, tok := range m.tokens {
		if count >= limit {
			break
		}
		if !tok.Expired(now) {
			continue
		}
		m.burnAndRefundLocked(tok)
		count++
	}
	return count, nil
}

// burnAndRefundLocked deletes a token and returns its escrow to the
// buyer. Never writes a ledger row.
func (m *Memory) burnAndRefundLocked(tok broker.Token) {
	delete(m.tokens, tok.ID)
	buyer, ok := m.principals[tok.BuyerID]
	if !ok {
		return
	}
	buyer.Escrow = saturatingSub(buyer.Escrow, tok.Amount)
	buyer.Balance += tok.Amount
	m.principals[tok.BuyerID] = buyer
}

// OpenChallenge marks a ledger row pending and stakes the buyer.
func (m *Memory) OpenChallenge(_ context.Context, tokenID broker.TokenID, buyerID broker.PrincipalID, stake broker.Credits, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.ledgerIndexLocked(tokenID)
	if idx < 0 {
		return broker.ErrLedgerEntryNotFound
	}
	entry := &m.ledger[idx]

	if entry.BuyerID != buyerID {
		return broker.ErrForbidden
	}
	if entry.Challenged {
		return &broker.ChallengeStateError{TokenID: tokenID, Status: entry.ChallengeStatus}
	}

	buyer, ok := m.principals[buyerID]
	if !ok {
		return broker.ErrPrincipalNotFound
	}
	if buyer.Balance < stake {
		return &broker.InsufficientFundsError{BuyerID: buyerID, Available: buyer.Balance, Requested: stake}
	}
	buyer.Balance -= stake
	m.principals[buyerID] = buyer

	entry.Challenged = true
	entry.ChallengeStatus = broker.ChallengePending
	entry.ChallengeStake = stake
	entry.ChallengeReason = reason
	return nil
}

// ResolveChallenge rules on a pending challenge.
func (m *Memory) ResolveChallenge(_ context.Context, tokenID broker.TokenID, outcome broker.ChallengeOutcome, penalty int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.ledgerIndexLocked(tokenID)
	if idx < 0 {
		return broker.ErrLedgerEntryNotFound
	}
	entry := &m.ledger[idx]

	if !entry.Challenged || entry.ChallengeStatus != broker.ChallengePending {
		return &broker.ChallengeStateError{TokenID: tokenID, Status: entry.ChallengeStatus}
	}

	if outcome == broker.ChallengeOutcomeValid {
		seller := m.principals[entry.SellerID]
		seller.Reputation -= penalty
		if seller.Reputation < 0 {
			seller.Reputation = 0
		}
		m.principals[entry.SellerID] = seller

		buyer := m.principals[entry.BuyerID]
		buyer.Balance += entry.ChallengeStake
		m.principals[entry.BuyerID] = buyer

		entry.ChallengeStatus = broker.ChallengeValid
	} else {
		// Stake forfeited; seller untouched.
		entry.ChallengeStatus = broker.ChallengeInvalid
	}
	entry.ChallengeResolvedAt = now
	return nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (m *Memory) PrincipalByKeyHash(_ context.Context, hash string) (*broker.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKeyHash[hash]
	if !ok {
		return nil, broker.ErrUnauthenticated
	}
	p := m.principals[id]
	return &p, nil
}

func (m *Memory) GetPrincipal(_ context.Context, id broker.PrincipalID) (*broker.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return nil, broker.ErrPrincipalNotFound
	}
	return &p, nil
}

func (m *Memory) SavePrincipal(_ context.Context, p broker.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.principals[p.ID]; ok && prior.APIKeyHash != p.APIKeyHash {
		delete(m.byKeyHash, prior.APIKeyHash)
	}
	m.principals[p.ID] = p
	if p.APIKeyHash != "" {
		m.byKeyHash[p.APIKeyHash] = p.ID
	}
	return nil
}

func (m *Memory) GetToken(_ context.Context, id broker.TokenID) (*broker.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[id]
	if !ok {
		return nil, broker.ErrTokenNotFound
	}
	return &tok, nil
}

func (m *Memory) LedgerEntryByToken(_ context.Context, id broker.TokenID) (*broker.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.ledgerIndexLocked(id)
	if idx < 0 {
		return nil, broker.ErrLedgerEntryNotFound
	}
	entry := m.ledger[idx]
	return &entry, nil
}

func (m *Memory) Snapshot(_ context.Context, id broker.PrincipalID) (broker.PrincipalSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return broker.PrincipalSnapshot{}, broker.ErrPrincipalNotFound
	}

	snap := broker.PrincipalSnapshot{
		ID:          p.ID,
		Balance:     p.Balance,
		Escrow:      p.Escrow,
		TotalEarned: p.TotalEarned,
		Reputation:  p.Reputation,
	}
	for _, tok := range m.tokens {
		if tok.BuyerID == id {
			snap.LiveTokens++
			snap.LiveEscrowed += tok.Amount
		}
	}
	for _, entry := range m.ledger {
		if entry.BuyerID == id {
			snap.SettledOut += entry.Amount
		}
		if entry.SellerID == id {
			snap.SettledIn += entry.Amount
		}
	}
	return snap, nil
}

func (m *Memory) ledgerIndexLocked(tokenID broker.TokenID) int {
	for i := range m.ledger {
		if m.ledger[i].TokenID == tokenID {
			return i
		}
	}
	return -1
}

func saturatingSub(a, b broker.Credits) broker.Credits {
	if b > a {
		return 0
	}
	return a - b
}
