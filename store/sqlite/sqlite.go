/*
Package sqlite provides a SQLite-backed implementation of broker.Store.

PURPOSE:
  Single-node production store. Every broker.Store operation runs as
  one SQLite transaction opened in IMMEDIATE mode, which takes the
  write lock up front: concurrent writers serialize at BEGIN instead
  of failing mid-transaction, so each operation sees and produces
  only complete states.

TRANSACTION MODE:
  The DSN carries _txlock=immediate so database/sql BeginTx issues
  BEGIN IMMEDIATE. With a single writer at a time, SELECT inside a
  write transaction is as strong as SELECT ... FOR UPDATE on a
  row-locking engine. SQLITE_BUSY surfaces as broker.ErrConflict,
  which the services treat as retryable.

KEY TABLES:
  principals:        accounts (balance, escrow, earnings, reputation)
  tokens:            live single-use capabilities; rows are deleted
                     on settle/sweep, never updated
  idempotency_keys:  (buyer_id, key) -> token_id; outlives the token
  ledger:            append-only settlements + challenge columns

WAL MODE:
  Opened with WAL so readers never block behind the writer.

USAGE:
  st, err := sqlite.New("./data/bridge.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - broker/store.go: Interface definition and locking contract
  - store/postgres: Multi-node implementation with FOR UPDATE
  - broker/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nexus/bridge/broker"
)

// Store implements broker.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; IMMEDIATE transactions do the serializing.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		api_key_hash TEXT NOT NULL UNIQUE,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		escrow_balance INTEGER NOT NULL DEFAULT 0 CHECK (escrow_balance >= 0),
		total_earned INTEGER NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
		reputation INTEGER NOT NULL DEFAULT 0 CHECK (reputation >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL REFERENCES principals(id),
		seller_id TEXT NOT NULL REFERENCES principals(id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		UNIQUE(buyer_id, idempotency_key)
	);

	-- Sweep scans by expiry (hot path).
	CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);

	-- Retained past token destruction so late retries still replay.
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		buyer_id TEXT NOT NULL,
		key TEXT NOT NULL,
		token_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (buyer_id, key)
	);

	-- Append-only settlements. Only challenge columns ever change.
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		token_id TEXT NOT NULL UNIQUE,
		settled_at TEXT NOT NULL,
		challenged INTEGER NOT NULL DEFAULT 0,
		challenge_status TEXT NOT NULL DEFAULT '',
		challenge_stake INTEGER NOT NULL DEFAULT 0,
		challenge_reason TEXT NOT NULL DEFAULT '',
		challenge_resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_buyer ON ledger(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_seller ON ledger(seller_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL OPERATIONS
// =============================================================================

// Mint executes the whole mint transition in one IMMEDIATE transaction.
func (s *Store) Mint(ctx context.Context, args broker.MintArgs) (broker.MintResult, error) {
	var res broker.MintResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Replay check first: a replayed key must not touch funds.
		var prior string
		err := tx.QueryRowContext(ctx,
			`SELECT token_id FROM idempotency_keys WHERE buyer_id = ? AND key = ?`,
			args.BuyerID, args.IdempotencyKey).Scan(&prior)
		if err == nil {
			res = broker.MintResult{TokenID: broker.TokenID(prior), Replayed: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM principals WHERE id = ?`, args.SellerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}

		var balance int64
		err = tx.QueryRowContext(ctx,
			`SELECT balance FROM principals WHERE id = ?`, args.BuyerID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
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

		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET balance = balance - ?, escrow_balance = escrow_balance + ? WHERE id = ?`,
			args.Amount, args.Amount, args.BuyerID); err != nil {
			return err
		}

		expiresAt := args.Now.Add(args.TTL)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tokens (token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			args.TokenID, args.BuyerID, args.SellerID, args.Amount,
			fmtTime(args.Now), fmtTime(expiresAt), args.IdempotencyKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (buyer_id, key, token_id, created_at) VALUES (?, ?, ?, ?)`,
			args.BuyerID, args.IdempotencyKey, args.TokenID, fmtTime(args.Now)); err != nil {
			return err
		}

		res = broker.MintResult{TokenID: args.TokenID}
		return nil
	})
	return res, err
}

// Settle executes the whole settle transition in one IMMEDIATE transaction.
func (s *Store) Settle(ctx context.Context, args broker.SettleArgs) (broker.SettleResult, error) {
	var res broker.SettleResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			buyerID, sellerID string
			amount            int64
			expiresAt         string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT buyer_id, seller_id, amount, expires_at FROM tokens WHERE token_id = ?`,
			args.TokenID).Scan(&buyerID, &sellerID, &amount, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
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

		exp, err := parseTime(expiresAt)
		if err != nil {
			return err
		}
		if !exp.After(args.Now) {
			// Left for sweep; no funds move here.
			res = broker.SettleResult{Outcome: broker.SettleExpired}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tokens WHERE token_id = ?`, args.TokenID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET escrow_balance = MAX(0, escrow_balance - ?) WHERE id = ?`,
			amount, buyerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET total_earned = total_earned + ?, reputation = reputation + 1 WHERE id = ?`,
			amount, sellerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (buyer_id, seller_id, amount, token_id, settled_at) VALUES (?, ?, ?, ?, ?)`,
			buyerID, sellerID, amount, args.TokenID, fmtTime(args.Now)); err != nil {
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

// Sweep executes one reclamation batch in one IMMEDIATE transaction.
// With a single writer there are no locked rows to skip; the batch
// bound alone keeps the transaction short.
func (s *Store) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT token_id, buyer_id, amount FROM tokens WHERE expires_at <= ? LIMIT ?`,
			fmtTime(now), limit)
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
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

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

// burnAndRefund deletes a token and returns its escrow to the buyer's
// balance. Never writes a ledger row.
func burnAndRefund(ctx context.Context, tx *sql.Tx, tokenID broker.TokenID, buyerID string, amount int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE token_id = ?`, tokenID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE principals
		 SET escrow_balance = MAX(0, escrow_balance - ?), balance = balance + ?
		 WHERE id = ?`,
		amount, amount, buyerID)
	return err
}

// OpenChallenge stakes the buyer and marks the ledger row pending.
func (s *Store) OpenChallenge(ctx context.Context, tokenID broker.TokenID, buyerID broker.PrincipalID, stake broker.Credits, reason string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			rowBuyer   string
			challenged bool
			status     string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT buyer_id, challenged, challenge_status FROM ledger WHERE token_id = ?`,
			tokenID).Scan(&rowBuyer, &challenged, &status)
		if errors.Is(err, sql.ErrNoRows) {
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
		err = tx.QueryRowContext(ctx,
			`SELECT balance FROM principals WHERE id = ?`, buyerID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}
		if broker.Credits(balance) < stake {
			return &broker.InsufficientFundsError{BuyerID: buyerID, Available: broker.Credits(balance), Requested: stake}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET balance = balance - ? WHERE id = ?`, stake, buyerID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger
			 SET challenged = 1, challenge_status = ?, challenge_stake = ?, challenge_reason = ?
			 WHERE token_id = ?`,
			broker.ChallengePending, stake, reason, tokenID)
		return err
	})
}

// ResolveChallenge rules on a pending challenge.
func (s *Store) ResolveChallenge(ctx context.Context, tokenID broker.TokenID, outcome broker.ChallengeOutcome, penalty int64, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			buyerID, sellerID string
			challenged        bool
			status            string
			stake             int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT buyer_id, seller_id, challenged, challenge_status, challenge_stake
			 FROM ledger WHERE token_id = ?`,
			tokenID).Scan(&buyerID, &sellerID, &challenged, &status, &stake)
		if errors.Is(err, sql.ErrNoRows) {
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
			if _, err := tx.ExecContext(ctx,
				`UPDATE principals SET reputation = MAX(0, reputation - ?) WHERE id = ?`,
				penalty, sellerID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE principals SET balance = balance + ? WHERE id = ?`,
				stake, buyerID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET challenge_status = ?, challenge_resolved_at = ? WHERE token_id = ?`,
			newStatus, fmtTime(now), tokenID)
		return err
	})
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (s *Store) PrincipalByKeyHash(ctx context.Context, hash string) (*broker.Principal, error) {
	p, err := s.scanPrincipal(ctx,
		`SELECT id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at
		 FROM principals WHERE api_key_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrUnauthenticated
	}
	return p, err
}

func (s *Store) GetPrincipal(ctx context.Context, id broker.PrincipalID) (*broker.Principal, error) {
	p, err := s.scanPrincipal(ctx,
		`SELECT id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at
		 FROM principals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrPrincipalNotFound
	}
	return p, err
}

func (s *Store) scanPrincipal(ctx context.Context, query string, arg any) (*broker.Principal, error) {
	var (
		p         broker.Principal
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.APIKeyHash, &p.Balance, &p.Escrow, &p.TotalEarned, &p.Reputation, &createdAt)
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SavePrincipal(ctx context.Context, p broker.Principal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   api_key_hash = excluded.api_key_hash,
		   balance = excluded.balance,
		   escrow_balance = excluded.escrow_balance,
		   total_earned = excluded.total_earned,
		   reputation = excluded.reputation`,
		p.ID, p.APIKeyHash, p.Balance, p.Escrow, p.TotalEarned, p.Reputation, fmtTime(p.CreatedAt))
	return err
}

func (s *Store) GetToken(ctx context.Context, id broker.TokenID) (*broker.Token, error) {
	var (
		tok                  broker.Token
		createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key
		 FROM tokens WHERE token_id = ?`, id).Scan(
		&tok.ID, &tok.BuyerID, &tok.SellerID, &tok.Amount, &createdAt, &expiresAt, &tok.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if tok.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tok.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) LedgerEntryByToken(ctx context.Context, id broker.TokenID) (*broker.LedgerEntry, error) {
	var (
		entry      broker.LedgerEntry
		settledAt  string
		resolvedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, buyer_id, seller_id, amount, token_id, settled_at,
		        challenged, challenge_status, challenge_stake, challenge_reason, challenge_resolved_at
		 FROM ledger WHERE token_id = ?`, id).Scan(
		&entry.ID, &entry.BuyerID, &entry.SellerID, &entry.Amount, &entry.TokenID, &settledAt,
		&entry.Challenged, &entry.ChallengeStatus, &entry.ChallengeStake, &entry.ChallengeReason, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if entry.SettledAt, err = parseTime(settledAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		if entry.ChallengeResolvedAt, err = parseTime(resolvedAt.String); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

// Snapshot reads all invariant inputs inside one transaction so the
// numbers are mutually consistent.
func (s *Store) Snapshot(ctx context.Context, id broker.PrincipalID) (broker.PrincipalSnapshot, error) {
	var snap broker.PrincipalSnapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, balance, escrow_balance, total_earned, reputation FROM principals WHERE id = ?`,
			id).Scan(&snap.ID, &snap.Balance, &snap.Escrow, &snap.TotalEarned, &snap.Reputation)
		if errors.Is(err, sql.ErrNoRows) {
			return broker.ErrPrincipalNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM tokens WHERE buyer_id = ?`,
			id).Scan(&snap.LiveTokens, &snap.LiveEscrowed); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE buyer_id = ?`,
			id).Scan(&snap.SettledOut); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE seller_id = ?`,
			id).Scan(&snap.SettledIn)
	})
	return snap, err
}

// =============================================================================
// TRANSACTION PLUMBING
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr translates SQLite lock contention into the retryable
// broker.ErrConflict.
func mapErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", broker.ErrConflict, err)
		}
	}
	return err
}

// Fixed-width so lexicographic order on TEXT columns matches
// chronological order (expires_at range scans depend on this).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
