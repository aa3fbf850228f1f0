/*
store.go - Transactional persistence contract for the broker

PURPOSE:
  Defines the interface between the services and the database. Every
  state transition of the token/escrow machine is one method here, and
  every method executes as a single atomic transaction. There is no
  read-compute-write across calls: a caller can never observe or
  produce partial state.

CONCURRENCY CONTRACT:
  Implementations MUST row-lock (SELECT ... FOR UPDATE or equivalent)
  every principal and token row they read and later write within the
  same transaction. Sweep MUST skip locked token rows rather than
  block behind in-flight settlements. Table-level locking is not
  acceptable.

WHY ONE-SHOT OPERATIONS:
  An earlier generation of this service performed each state change as
  several independent store round trips (read balance, write balance,
  insert token) with best-effort compensation on failure. That loses
  updates under concurrency. Pushing the whole transition into one
  transaction makes mint idempotent and settle at-most-once by
  construction.

IMPLEMENTATIONS:
  - broker/store/memory.go: mutex-serialized maps (tests/dev)
  - store/sqlite/sqlite.go: SQLite, BEGIN IMMEDIATE transactions
  - store/postgres/postgres.go: pgx, FOR UPDATE / SKIP LOCKED

SEE ALSO:
  - mint.go, settle.go, sweep.go, challenge.go: The only callers
*/
package broker

import (
	"context"
	"time"
)

// =============================================================================
// MINT
// =============================================================================

// MintArgs carries one complete mint transition. TokenID is generated
// by the service before the transaction; if the idempotency key has
// already produced a token, the store discards it and returns the
// prior one.
type MintArgs struct {
	BuyerID        PrincipalID
	SellerID       PrincipalID
	Amount         Credits
	IdempotencyKey string
	TokenID        TokenID
	Now            time.Time
	TTL            time.Duration
}

// MintResult reports the token bound to the idempotency key.
// Replayed is true when the key had already produced a token and no
// funds were moved by this call.
type MintResult struct {
	TokenID  TokenID
	Replayed bool
}

// =============================================================================
// SETTLE
// =============================================================================

// SettleOutcome is the terminal disposition of one settle attempt.
type SettleOutcome int

const (
	// SettleOK: token burned, escrow moved to the seller, ledger row
	// appended, all in the same commit.
	SettleOK SettleOutcome = iota

	// SettleNotFound: no live token row. Covers both never-existed
	// and already-consumed; the store cannot and must not tell them
	// apart.
	SettleNotFound

	// SettleSellerMismatch: the claimant is not the bound seller.
	// Unless BurnOnMismatch was set, the token remains live.
	SettleSellerMismatch

	// SettleExpired: the token's expiry has passed. The row is left
	// for sweep to reclaim; no funds moved.
	SettleExpired
)

// SettleArgs carries one settle attempt. BurnOnMismatch, when set,
// makes a seller mismatch consume the token: the row is deleted and
// escrow refunded to the buyer, with no ledger row.
type SettleArgs struct {
	TokenID        TokenID
	SellerID       PrincipalID
	Now            time.Time
	BurnOnMismatch bool
}

// SettleResult reports the outcome. BuyerID is set only on SettleOK.
type SettleResult struct {
	Outcome SettleOutcome
	BuyerID PrincipalID
	Amount  Credits
}

// =============================================================================
// CHALLENGE
// =============================================================================

// ChallengeOutcome is an admin ruling on a pending challenge.
type ChallengeOutcome string

const (
	ChallengeOutcomeValid   ChallengeOutcome = "valid"
	ChallengeOutcomeInvalid ChallengeOutcome = "invalid"
)

// =============================================================================
// SNAPSHOT - Read-only invariant report
// =============================================================================

// PrincipalSnapshot is a point-in-time view of one principal used by
// the invariant report and the property tests. Computed in a single
// read transaction so the numbers are mutually consistent.
type PrincipalSnapshot struct {
	ID           PrincipalID `json:"id"`
	Balance      Credits     `json:"balance"`
	Escrow       Credits     `json:"escrow_balance"`
	TotalEarned  Credits     `json:"total_earned"`
	Reputation   int64       `json:"reputation"`
	LiveTokens   int         `json:"live_tokens"`
	LiveEscrowed Credits     `json:"live_escrowed"` // sum of live token amounts as buyer
	SettledOut   Credits     `json:"settled_out"`   // sum of ledger amounts as buyer
	SettledIn    Credits     `json:"settled_in"`    // sum of ledger amounts as seller
}

// =============================================================================
// STORE
// =============================================================================

// Store is the single transactional backing for accounts, live
// tokens, idempotency records, and the settled-transaction ledger.
type Store interface {
	// Mint executes the whole mint transition atomically: idempotency
	// replay check,
	// balance check, debit balance / credit escrow, insert token and
	// idempotency record. Returns *InsufficientFundsError when the
	// buyer cannot cover Amount, ErrPrincipalNotFound when the seller
	// does not exist.
	Mint(ctx context.Context, args MintArgs) (MintResult, error)

	// Settle executes the whole settle transition atomically: row-lock
	// the token,
	// validate claimant and expiry, burn the token, move escrow to
	// seller earnings, bump reputation, append the ledger row.
	Settle(ctx context.Context, args SettleArgs) (SettleResult, error)

	// Sweep executes one bounded reclamation batch: delete up to limit
	// expired tokens, refunding each buyer's escrow, skipping rows
	// locked by in-flight settlements. Returns the number reclaimed.
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)

	// OpenChallenge atomically stakes `stake` from the buyer's
	// balance and marks the ledger row pending. Fails with
	// ErrLedgerEntryNotFound, ErrForbidden (caller is not the row's
	// buyer), ErrChallengeState (already challenged), or
	// *InsufficientFundsError.
	OpenChallenge(ctx context.Context, tokenID TokenID, buyerID PrincipalID, stake Credits, reason string, now time.Time) error

	// ResolveChallenge atomically rules on a pending challenge.
	// Valid: seller reputation is reduced by penalty (floored at
	// zero) and the stake refunded to the buyer. Invalid: the stake
	// is forfeited. Fails with ErrLedgerEntryNotFound or
	// ErrChallengeState (not pending).
	ResolveChallenge(ctx context.Context, tokenID TokenID, outcome ChallengeOutcome, penalty int64, now time.Time) error

	// PrincipalByKeyHash resolves a hex-encoded SHA-256 credential
	// hash. Returns ErrUnauthenticated when no principal matches.
	PrincipalByKeyHash(ctx context.Context, hash string) (*Principal, error)

	// GetPrincipal returns a principal by id, ErrPrincipalNotFound if
	// absent.
	GetPrincipal(ctx context.Context, id PrincipalID) (*Principal, error)

	// SavePrincipal inserts or replaces a principal. Provisioning and
	// top-ups only; never used on the request hot path.
	SavePrincipal(ctx context.Context, p Principal) error

	// GetToken returns a live token, ErrTokenNotFound if the row is
	// gone (settled, swept, or never minted).
	GetToken(ctx context.Context, id TokenID) (*Token, error)

	// LedgerEntryByToken returns the settlement recorded for a token,
	// ErrLedgerEntryNotFound if it was never settled.
	LedgerEntryByToken(ctx context.Context, id TokenID) (*LedgerEntry, error)

	// Snapshot returns a consistent invariant view of one principal.
	Snapshot(ctx context.Context, id PrincipalID) (PrincipalSnapshot, error)
}
