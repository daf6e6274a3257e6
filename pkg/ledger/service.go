// Package ledger owns every wallet mutation. All balance changes flow through
// one database transaction per logical operation, serialized per wallet by a
// row lock, and deduplicated by the caller-supplied reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DB is the slice of pgx the ledger needs. Both *pgxpool.Pool and a plain
// *pgx.Conn satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CeilingChecker asks the external limit service whether a subject may move
// the given amount within the period. A nil error means allowed.
type CeilingChecker interface {
	Check(ctx context.Context, subjectID string, amount decimal.Decimal, period string) error
}

// AuditRecorder receives one record per applied mutation. Implementations
// must not fail the mutation; errors are theirs to log.
type AuditRecorder interface {
	Mutation(ctx context.Context, actor, walletID string, txType TxType, amount decimal.Decimal, status TxStatus)
}

type Service struct {
	DB       DB
	Ceilings CeilingChecker
	Audit    AuditRecorder

	// EnforceCreditCeiling extends the ceiling check to credits; debits are
	// always checked.
	EnforceCreditCeiling bool
}

// MutationRequest carries one credit or debit. Reference is the domain
// idempotency key; Period scopes the ceiling check.
type MutationRequest struct {
	Actor       string
	WalletID    string
	Amount      decimal.Decimal
	Reference   string
	Description string
	Period      string
}

const walletColumns = `id, owner_id, COALESCE(agency_id, ''), currency, balance, status, created_at, updated_at`

const txColumns = `id, wallet_id, type, amount, currency, COALESCE(description, ''), reference, status, created_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.AgencyID, &w.Currency, &w.Balance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Currency, &t.Description, &t.Reference, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get loads a wallet snapshot without locking.
func (s *Service) Get(ctx context.Context, walletID string) (*Wallet, error) {
	return scanWallet(s.DB.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
}

// CreateWallet is idempotent on (owner, currency): an existing pair returns
// the existing wallet with created=false. Currency defaults to XAF. createdBy
// is the acting subject, recorded on the audit trail only.
func (s *Service) CreateWallet(ctx context.Context, ownerID, currency, agencyID, createdBy string) (*Wallet, bool, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "XAF"
	}
	existing, err := scanWallet(s.DB.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND currency = $2`, ownerID, currency))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	var agency any
	if agencyID != "" {
		agency = agencyID
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO wallets (id, owner_id, agency_id, currency, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, now(), now())
		RETURNING `+walletColumns, id, ownerID, agency, currency, WalletActive)
	w, err := scanWallet(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrWalletExists
		}
		return nil, false, fmt.Errorf("create wallet: %w", err)
	}
	if s.Audit != nil {
		s.Audit.Mutation(ctx, createdBy, w.ID, TxType("create"), decimal.Zero, TxCompleted)
	}
	return w, true, nil
}

// Credit applies a credit. Replaying a known reference returns the original
// transaction without touching the balance.
func (s *Service) Credit(ctx context.Context, req MutationRequest) (*Transaction, error) {
	return s.mutate(ctx, TxCredit, req)
}

// Debit applies a debit, failing with ErrInsufficientBalance when the wallet
// cannot cover the amount at the currency's minor-unit scale.
func (s *Service) Debit(ctx context.Context, req MutationRequest) (*Transaction, error) {
	return s.mutate(ctx, TxDebit, req)
}

func (s *Service) mutate(ctx context.Context, typ TxType, req MutationRequest) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, ErrReferenceRequired
	}
	period := req.Period
	if period == "" {
		period = "daily"
	}

	// Fast path: a known reference replays the original row with no lock.
	if existing, err := s.byReference(ctx, s.DB, req.Reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reference lookup: %w", err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, req.WalletID))
	if err != nil {
		return nil, err
	}

	// Re-check under the lock: a concurrent holder may have committed the
	// same reference while we waited.
	if existing, err := s.byReference(ctx, tx, req.Reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reference lookup: %w", err)
	}

	switch w.Status {
	case WalletActive:
	case WalletClosed:
		return nil, ErrWalletClosed
	default:
		return nil, ErrWalletNotActive
	}

	if s.Ceilings != nil && (typ == TxDebit || s.EnforceCreditCeiling) {
		if err := s.Ceilings.Check(ctx, req.Actor, req.Amount, period); err != nil {
			return nil, err
		}
	}

	scale := minorUnits(w.Currency)
	amount := req.Amount.Round(scale)
	balance := w.Balance.Round(scale)
	var newBalance decimal.Decimal
	if typ == TxDebit {
		if balance.Cmp(amount) < 0 {
			return nil, ErrInsufficientBalance
		}
		newBalance = balance.Sub(amount)
	} else {
		newBalance = balance.Add(amount)
	}

	entry := &Transaction{
		ID:          uuid.NewString(),
		WalletID:    w.ID,
		Type:        typ,
		Amount:      amount,
		Currency:    w.Currency,
		Description: req.Description,
		Reference:   req.Reference,
		Status:      TxCompleted,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount, currency, description, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.WalletID, entry.Type, entry.Amount, entry.Currency,
		entry.Description, entry.Reference, entry.Status, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a cross-wallet race on the reference. Roll back and hand
			// the caller the committed row.
			_ = tx.Rollback(ctx)
			existing, lookupErr := s.byReference(ctx, s.DB, req.Reference)
			if lookupErr != nil {
				return nil, fmt.Errorf("reference race lookup: %w", lookupErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = now() WHERE id = $2`, newBalance, w.ID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if s.Audit != nil {
		s.Audit.Mutation(ctx, req.Actor, w.ID, typ, amount, TxCompleted)
	}
	return entry, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Service) byReference(ctx context.Context, q querier, reference string) (*Transaction, error) {
	return scanTransaction(q.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = $1`, reference))
}

// SetStatus transitions a wallet. Closed wallets reject every further
// transition, including a repeated close.
func (s *Service) SetStatus(ctx context.Context, actor, walletID string, status WalletStatus) (*Wallet, error) {
	if !ValidWalletStatus(status) {
		return nil, fmt.Errorf("invalid wallet status %q", status)
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if err != nil {
		return nil, err
	}
	if w.Status == WalletClosed {
		return nil, ErrWalletClosed
	}
	if _, err := tx.Exec(ctx, `UPDATE wallets SET status = $1, updated_at = now() WHERE id = $2`, status, walletID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	w.Status = status
	if s.Audit != nil {
		s.Audit.Mutation(ctx, actor, w.ID, TxType("status:"+string(status)), decimal.Zero, TxCompleted)
	}
	return w, nil
}

// StatementFilter narrows a statement listing. Zero values mean no filter;
// Limit caps at 100 and defaults to 50.
type StatementFilter struct {
	From  time.Time
	To    time.Time
	Type  TxType
	Limit int
	Page  int
}

// Statement lists a wallet's transactions newest first.
func (s *Service) Statement(ctx context.Context, walletID string, f StatementFilter) ([]Transaction, error) {
	if _, err := s.Get(ctx, walletID); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE wallet_id = $1`
	args := []any{walletID}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit, (page-1)*limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statement query: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statement rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// EnsureSchema creates the ledger tables when they do not exist. Intended for
// development and tests; production deployments run migrations out of band.
func EnsureSchema(ctx context.Context, db DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agency_id TEXT,
			currency CHAR(3) NOT NULL,
			balance NUMERIC(14,3) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES wallets(id),
			type TEXT NOT NULL,
			amount NUMERIC(14,3) NOT NULL CHECK (amount > 0),
			currency CHAR(3) NOT NULL,
			description TEXT,
			reference VARCHAR(255) NOT NULL UNIQUE,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_created
			ON transactions (wallet_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Println("ledger: schema ensured")
	return nil
}
