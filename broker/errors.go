/*
errors.go - Centralized error types for the broker domain

PURPOSE:
  All domain errors in one place for consistency and discoverability.
  The store implementations and services return these; the api package
  maps them onto HTTP status codes.

ERROR CATEGORIES:
  1. Authentication/authorization - unknown or unpermitted credential
  2. Precondition failures - insufficient funds, missing inputs
  3. Terminal token states - used, expired, mismatched seller
  4. Transient store failures - conflicts, timeouts (retryable)

USAGE:
  Callers branch with errors.Is():

    if errors.Is(err, broker.ErrInsufficientFunds) {
        // surface 402, no state changed
    }

SEE ALSO:
  - store.go: Store operations returning these errors
  - api/handlers.go: HTTP status mapping
*/
package broker

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthenticated is returned when a presented credential hash
	// matches no principal. No state change.
	ErrUnauthenticated = errors.New("unknown credential")

	// ErrForbidden is returned when a known principal is not permitted
	// to perform the requested action (wrong admin key, not the buyer
	// of a challenged transaction).
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientFunds is returned when a buyer's balance cannot
	// cover the requested debit. Expected business failure, not a bug.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPrincipalNotFound is returned when a referenced principal id
	// does not exist (e.g. an unknown seller_id at mint).
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrTokenNotFound is returned by Settle when no live token row
	// exists for the presented id. Deliberately indistinguishable from
	// "already consumed"; see SettleService.
	ErrTokenNotFound = errors.New("token not found")

	// ErrLedgerEntryNotFound is returned by challenge operations when
	// no settlement exists for the referenced token.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrChallengeState is returned when a challenge transition is not
	// legal from the row's current state (already challenged, or a
	// resolve on a non-pending challenge).
	ErrChallengeState = errors.New("illegal challenge state transition")

	// ErrMissingIdempotencyKey is returned when a mint request carries
	// no client idempotency key. Mint without one is never accepted.
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")

	// ErrConflict is returned when the store detects a serialization
	// conflict. Safe to retry: every mutation is single-transaction.
	ErrConflict = errors.New("store conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports how short a buyer's balance fell.
type InsufficientFundsError struct {
	BuyerID   PrincipalID
	Available Credits
	Requested Credits
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %d, requested %d",
		e.BuyerID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// ChallengeStateError reports the state that blocked a challenge
// transition.
type ChallengeStateError struct {
	TokenID TokenID
	Status  ChallengeStatus
}

func (e *ChallengeStateError) Error() string {
	return fmt.Sprintf("challenge on %s not possible in status %q", e.TokenID, e.Status)
}

func (e *ChallengeStateError) Unwrap() error {
	return ErrChallengeState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
// Every mutation is single-transaction, so retry is always safe.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's
// input rather than broker state or infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrPrincipalNotFound) ||
		errors.Is(err, ErrLedgerEntryNotFound) ||
		errors.Is(err, ErrChallengeState)
}
