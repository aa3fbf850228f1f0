/*
types.go - Core domain types for the access broker

PURPOSE:
  Defines the four entities the broker tracks: principals (buyers and
  sellers), live tokens, idempotency records, and settled-transaction
  ledger entries. All state lives in a single transactional store;
  these types are the shared vocabulary between the services and the
  store implementations.

VALUE MODEL:
  Credits are whole, non-negative integers. There is no fractional
  unit and no currency dimension; every amount field in the system is
  denominated in credits.

TOKEN LIFECYCLE:
  A token is LIVE iff its row exists. Settle and Sweep both destroy
  the row; a destroyed token can never be resurrected. Settlement
  appends a ledger entry in the same commit; sweep never does.

SEE ALSO:
  - store.go: Transactional contract over these types
  - mint.go, settle.go, sweep.go: Services driving the lifecycle
*/
package broker

import "time"

// =============================================================================
// IDENTIFIERS AND AMOUNTS
// =============================================================================

// PrincipalID identifies a buyer or seller. Roles are not stored; a
// principal acts as buyer or seller depending on the endpoint it calls.
type PrincipalID string

// TokenID is an opaque, URL-safe, single-use capability identifier.
// Clients must never parse it.
type TokenID string

// Credits is the integer unit of value tracked by the broker.
type Credits int64

// =============================================================================
// PRINCIPAL
// =============================================================================

// Principal is a participant account. Balance is spendable; Escrow is
// locked pending settlement or sweep; TotalEarned and Reputation only
// ever grow through settlement (reputation can shrink through challenge
// resolution, floored at zero).
type Principal struct {
	ID          PrincipalID
	APIKeyHash  string // hex-encoded SHA-256 of the API key
	Balance     Credits
	Escrow      Credits
	TotalEarned Credits
	Reputation  int64
	CreatedAt   time.Time
}

// =============================================================================
// TOKEN
// =============================================================================

// Token is a single-use, time-bounded access capability bound to one
// buyer/seller pair. Amount equals the credits escrowed at mint.
type Token struct {
	ID             TokenID
	BuyerID        PrincipalID
	SellerID       PrincipalID
	Amount         Credits
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IdempotencyKey string
}

// Expired reports whether the token is past its expiry at the given
// instant. Expiry is inclusive: a token with ExpiresAt == now is dead.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

// IdempotencyRecord maps (buyer, client-chosen key) to the token that
// mint produced for it. Inserted in the same transaction as the token;
// retained at least as long as clients may retry, so it may outlive
// the token itself.
type IdempotencyRecord struct {
	BuyerID   PrincipalID
	Key       string
	TokenID   TokenID
	CreatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// ChallengeStatus is the dispute state of a settled transaction.
// The challenge resolver is a state machine over ledger rows only; it
// never touches token state.
type ChallengeStatus string

const (
	ChallengeNone    ChallengeStatus = ""
	ChallengePending ChallengeStatus = "pending"
	ChallengeValid   ChallengeStatus = "valid"
	ChallengeInvalid ChallengeStatus = "invalid"
)

// LedgerEntry records a completed settlement. The core columns are
// append-only; only the challenge columns may transition after insert
// (none -> pending -> valid|invalid).
type LedgerEntry struct {
	ID        int64
	BuyerID   PrincipalID
	SellerID  PrincipalID
	Amount    Credits
	TokenID   TokenID
	SettledAt time.Time

	Challenged          bool
	ChallengeStatus     ChallengeStatus
	ChallengeStake      Credits
	ChallengeReason     string
	ChallengeResolvedAt time.Time
}

// =============================================================================
// SERVICE CONSTANTS
// =============================================================================

const (
	// Cost is the fixed credit price of one access token.
	Cost Credits = 10

	// DefaultTTL applies when a mint request carries no ttl_seconds.
	DefaultTTL = 600 * time.Second

	// MinTTL and MaxTTL clamp client-supplied TTLs.
	MinTTL = 5 * time.Second
	MaxTTL = 3600 * time.Second

	// ChallengeStake is the credit amount a buyer locks to open a
	// challenge against a settled transaction.
	ChallengeStake Credits = 1

	// SellerPenaltyValid is the reputation deduction applied to a
	// seller when a challenge resolves as valid.
	SellerPenaltyValid int64 = 5
)

// ClampTTL maps a client-requested TTL onto [MinTTL, MaxTTL].
// Zero (absent) yields DefaultTTL.
func ClampTTL(requested time.Duration) time.Duration {
	switch {
	case requested == 0:
		return DefaultTTL
	case requested < MinTTL:
		return MinTTL
	case requested > MaxTTL:
		return MaxTTL
	default:
		return requested
	}
}
