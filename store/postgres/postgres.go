/*
Package postgres provides a PostgreSQL-backed implementation of broker.Store.

PURPOSE:
  Multi-node production store. Every broker.Store operation is one
  database transaction with explicit row locks:

  - Mint locks the buyer's principal row FOR UPDATE before the
    idempotency replay check, so concurrent mints under the same
    (buyer, key) serialize on the buyer row and the second caller
    sees the first caller's record.
  - Settle locks the token row FOR UPDATE; the delete decides the
    race, every loser observes the row gone.
  - Sweep selects expired tokens FOR UPDATE SKIP LOCKED so it never
    blocks behind, or starves, in-flight settlements.

  No read-compute-write ever spans two transactions; balance
  arithmetic happens inside single UPDATE statements.

ERROR MAPPING:
  Serialization failures (40001), deadlocks (40P01), and unique
  violations (23505, a lost idempotency race) map onto the retryable
  broker.ErrConflict; the services retry and the replay check then
  returns the winning token.

SEE ALSO:
  - broker/store.go: Interface definition and locking contract
  - store/sqlite: Single-node implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus/bridge/broker"
)

// Store implements broker.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		api_key_hash TEXT NOT NULL UNIQUE,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		escrow_balance BIGINT NOT NULL DEFAULT 0 CHECK (escrow_balance >= 0),
		total_earned BIGINT NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
		reputation BIGINT NOT NULL DEFAULT 0 CHECK (reputation >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL REFERENCES principals(id),
		seller_id TEXT NOT NULL REFERENCES principals(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		idempotency_key TEXT NOT NULL,
		UNIQUE(buyer_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		buyer_id TEXT NOT NULL,
		key TEXT NOT NULL,
		token_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (buyer_id, key)
	);

	CREATE TABLE IF NOT EXISTS ledger (
		id BIGSERIAL PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		token_id TEXT NOT NULL UNIQUE,
		settled_at TIMESTAMPTZ NOT NULL,
		challenged BOOLEAN NOT NULL DEFAULT FALSE,
		challenge_status TEXT NOT NULL DEFAULT '',
		challenge_stake BIGINT NOT NULL DEFAULT 0,
		challenge_reason TEXT NOT NULL DEFAULT '',
		challenge_resolved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_buyer ON ledger(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_seller ON ledger(seller_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL OPERATIONS
// =============================================================================

// Mint executes the whole mint transition in one transaction.
func (s *Store) Mint(ctx context.Context, args broker.MintArgs) (broker.MintResult, error) {
	var res broker.MintResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the buyer row first: all mints for one buyer serialize
		// here, so the replay check below is race-free.
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance FROM principals WHERE id = $1 FOR UPDATE`,
			args.BuyerID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}

		var prior string
		err = tx.QueryRow(ctx,
			`SELECT token_id FROM idempotency_keys WHERE buyer_id = $1 AND key = $2`,
			args.BuyerID, args.IdempotencyKey).Scan(&prior)
		if err == nil {
			res = broker.MintResult{TokenID: broker.TokenID(prior), Replayed: true}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var exists int
		err = tx.QueryRow(ctx,
			`SELECT 1 FROM principals WHERE id = $1`, args.SellerID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}

		if broker.Credits(balance) < args.Amount {
			return &broker.InsufficientFundsError{
				BuyerID:   args.BuyerID,
				Available: broker.Credits(balance),
				Requested: args.Amount,
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE principals SET balance = balance - $1, escrow_balance = escrow_balance + $1 WHERE id = $2`,
			args.Amount, args.BuyerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tokens (token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			args.TokenID, args.BuyerID, args.SellerID, args.Amount,
			args.Now, args.Now.Add(args.TTL), args.IdempotencyKey); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency_keys (buyer_id, key, token_id, created_at) VALUES ($1, $2, $3, $4)`,
			args.BuyerID, args.IdempotencyKey, args.TokenID, args.Now); err != nil {
			return err
		}

		res = broker.MintResult{TokenID: args.TokenID}
		return nil
	})
	return res, err
}

// Settle executes the whole settle transition in one transaction.
func (s *Store) Settle(ctx context.Context, args broker.SettleArgs) (broker.SettleResult, error) {
	var res broker.SettleResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			buyerID, sellerID string
			amount            int64
			expiresAt         time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT buyer_id, seller_id, amount, expires_at FROM tokens WHERE token_id = $1 FOR UPDATE`,
			args.TokenID).Scan(&buyerID, &sellerID, &amount, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			res = broker.SettleResult{Outcome: broker.SettleNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		if broker.PrincipalID(sellerID) != args.SellerID {
			if args.BurnOnMismatch {
				if err := burnAndRefund(ctx, tx, args.TokenID, buyerID, amount); err != nil {
					return err
				}
			}
			res = broker.SettleResult{Outcome: broker.SettleSellerMismatch}
			return nil
		}

		if !expiresAt.After(args.Now) {
			// Left for sweep; no funds move here.
			res = broker.SettleResult{Outcome: broker.SettleExpired}
			return nil
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM tokens WHERE token_id = $1`, args.TokenID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE principals SET escrow_balance = GREATEST(0, escrow_balance - $1) WHERE id = $2`,
			amount, buyerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE principals SET total_earned = total_earned + $1, reputation = reputation + 1 WHERE id = $2`,
			amount, sellerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger (buyer_id, seller_id, amount, token_id, settled_at) VALUES ($1, $2, $3, $4, $5)`,
			buyerID, sellerID, amount, args.TokenID, args.Now); err != nil {
			return err
		}

		res = broker.SettleResult{
			Outcome: broker.SettleOK,
			BuyerID: broker.PrincipalID(buyerID),
			Amount:  broker.Credits(amount),
		}
		return nil
	})
	return res, err
}

// Sweep executes one reclamation batch. SKIP LOCKED keeps it off the
// backs of in-flight settlements: a token mid-settle is simply not a
// candidate, and commit order decides who wins an expiry race.
func (s *Store) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT token_id, buyer_id, amount FROM tokens
			 WHERE expires_at <= $1
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`,
			now, limit)
		if err != nil {
			return err
		}

		type victim struct {
			tokenID string
			buyerID string
			amount  int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.tokenID, &v.buyerID, &v.amount); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, v := range victims {
			if err := burnAndRefund(ctx, tx, broker.TokenID(v.tokenID), v.buyerID, v.amount); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func burnAndRefund(ctx context.Context, tx pgx.Tx, tokenID broker.TokenID, buyerID string, amount int64) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM tokens WHERE token_id = $1`, tokenID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE principals
		 SET escrow_balance = GREATEST(0, escrow_balance - $1), balance = balance + $1
		 WHERE id = $2`,
		amount, buyerID)
	return err
}

// OpenChallenge stakes the buyer and marks the ledger row pending.
func (s *Store) OpenChallenge(ctx context.Context, tokenID broker.TokenID, buyerID broker.PrincipalID, stake broker.Credits, reason string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			rowBuyer   string
			challenged bool
			status     string
		)
		err := tx.QueryRow(ctx,
			`SELECT buyer_id, challenged, challenge_status FROM ledger WHERE token_id = $1 FOR UPDATE`,
			tokenID).Scan(&rowBuyer, &challenged, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrLedgerEntryNotFound
		}
		if err != nil {
			return err
		}
		if broker.PrincipalID(rowBuyer) != buyerID {
			return broker.ErrForbidden
		}
		if challenged {
			return &broker.ChallengeStateError{TokenID: tokenID, Status: broker.ChallengeStatus(status)}
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM principals WHERE id = $1 FOR UPDATE`, buyerID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}
		if broker.Credits(balance) < stake {
			return &broker.InsufficientFundsError{BuyerID: buyerID, Available: broker.Credits(balance), Requested: stake}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE principals SET balance = balance - $1 WHERE id = $2`, stake, buyerID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE ledger
			 SET challenged = TRUE, challenge_status = $1, challenge_stake = $2, challenge_reason = $3
			 WHERE token_id = $4`,
			broker.ChallengePending, stake, reason, tokenID)
		return err
	})
}

// ResolveChallenge rules on a pending challenge.
func (s *Store) ResolveChallenge(ctx context.Context, tokenID broker.TokenID, outcome broker.ChallengeOutcome, penalty int64, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			buyerID, sellerID string
			challenged        bool
			status            string
			stake             int64
		)
		err := tx.QueryRow(ctx,
			`SELECT buyer_id, seller_id, challenged, challenge_status, challenge_stake
			 FROM ledger WHERE token_id = $1 FOR UPDATE`,
			tokenID).Scan(&buyerID, &sellerID, &challenged, &status, &stake)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrLedgerEntryNotFound
		}
		if err != nil {
			return err
		}
		if !challenged || broker.ChallengeStatus(status) != broker.ChallengePending {
			return &broker.ChallengeStateError{TokenID: tokenID, Status: broker.ChallengeStatus(status)}
		}

		newStatus := broker.ChallengeInvalid
		if outcome == broker.ChallengeOutcomeValid {
			newStatus = broker.ChallengeValid
			if _, err := tx.Exec(ctx,
				`UPDATE principals SET reputation = GREATEST(0, reputation - $1) WHERE id = $2`,
				penalty, sellerID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE principals SET balance = balance + $1 WHERE id = $2`,
				stake, buyerID); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE ledger SET challenge_status = $1, challenge_resolved_at = $2 WHERE token_id = $3`,
			newStatus, now, tokenID)
		return err
	})
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (s *Store) PrincipalByKeyHash(ctx context.Context, hash string) (*broker.Principal, error) {
	p, err := s.scanPrincipal(ctx,
		`SELECT id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at
		 FROM principals WHERE api_key_hash = $1`, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrUnauthenticated
	}
	return p, err
}

func (s *Store) GetPrincipal(ctx context.Context, id broker.PrincipalID) (*broker.Principal, error) {
	p, err := s.scanPrincipal(ctx,
		`SELECT id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at
		 FROM principals WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrPrincipalNotFound
	}
	return p, err
}

func (s *Store) scanPrincipal(ctx context.Context, query string, arg any) (*broker.Principal, error) {
	var p broker.Principal
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.APIKeyHash, &p.Balance, &p.Escrow, &p.TotalEarned, &p.Reputation, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SavePrincipal(ctx context.Context, p broker.Principal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO principals (id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   api_key_hash = EXCLUDED.api_key_hash,
		   balance = EXCLUDED.balance,
		   escrow_balance = EXCLUDED.escrow_balance,
		   total_earned = EXCLUDED.total_earned,
		   reputation = EXCLUDED.reputation`,
		p.ID, p.APIKeyHash, p.Balance, p.Escrow, p.TotalEarned, p.Reputation, p.CreatedAt)
	return err
}

func (s *Store) GetToken(ctx context.Context, id broker.TokenID) (*broker.Token, error) {
	var tok broker.Token
	err := s.pool.QueryRow(ctx,
		`SELECT token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key
		 FROM tokens WHERE token_id = $1`, id).Scan(
		&tok.ID, &tok.BuyerID, &tok.SellerID, &tok.Amount, &tok.CreatedAt, &tok.ExpiresAt, &tok.IdempotencyKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) LedgerEntryByToken(ctx context.Context, id broker.TokenID) (*broker.LedgerEntry, error) {
	var (
		entry      broker.LedgerEntry
		resolvedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, buyer_id, seller_id, amount, token_id, settled_at,
		        challenged, challenge_status, challenge_stake, challenge_reason, challenge_resolved_at
		 FROM ledger WHERE token_id = $1`, id).Scan(
		&entry.ID, &entry.BuyerID, &entry.SellerID, &entry.Amount, &entry.TokenID, &entry.SettledAt,
		&entry.Challenged, &entry.ChallengeStatus, &entry.ChallengeStake, &entry.ChallengeReason, &resolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt != nil {
		entry.ChallengeResolvedAt = *resolvedAt
	}
	return &entry, nil
}

// Snapshot reads all invariant inputs inside one transaction so the
// numbers are mutually consistent.
func (s *Store) Snapshot(ctx context.Context, id broker.PrincipalID) (broker.PrincipalSnapshot, error) {
	var snap broker.PrincipalSnapshot
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, balance, escrow_balance, total_earned, reputation FROM principals WHERE id = $1`,
			id).Scan(&snap.ID, &snap.Balance, &snap.Escrow, &snap.TotalEarned, &snap.Reputation)
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM tokens WHERE buyer_id = $1`,
			id).Scan(&snap.LiveTokens, &snap.LiveEscrowed); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE buyer_id = $1`,
			id).Scan(&snap.SettledOut); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE seller_id = $1`,
			id).Scan(&snap.SettledIn)
	})
	return snap, err
}

// =============================================================================
// TRANSACTION PLUMBING
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

// mapErr translates lock/serialization contention and lost
// idempotency races into the retryable broker.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return fmt.Errorf("%w: %v", broker.ErrConflict, err)
		}
	}
	return err
}
