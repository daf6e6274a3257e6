// Package audit persists one record per policy decision and one per applied
// ledger mutation. Writes are best-effort: a failed audit insert is logged
// and never fails the request that produced it.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/thecabs/wallet-service/pkg/ledger"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Writer struct {
	DB auditDB
}

// DecisionRecord captures one policy evaluation outcome.
type DecisionRecord struct {
	SubjectID  string
	ResourceID string
	Action     string
	Effect     string
	Reason     string
	Risk       int
	CreatedAt  time.Time
}

// Decision appends a policy decision record.
func (w *Writer) Decision(ctx context.Context, rec DecisionRecord) {
	if w == nil || w.DB == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_decisions
		(id, subject_id, resource_id, action, effect, reason, risk, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), rec.SubjectID, rec.ResourceID, rec.Action, rec.Effect, rec.Reason, rec.Risk, rec.CreatedAt)
	if err != nil {
		log.Printf("audit: decision record: %v", err)
	}
}

// Mutation appends a ledger mutation record. Satisfies ledger.AuditRecorder.
func (w *Writer) Mutation(ctx context.Context, actor, walletID string, typ ledger.TxType, amount decimal.Decimal, status ledger.TxStatus) {
	if w == nil || w.DB == nil {
		return
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_mutations
		(id, actor, wallet_id, type, amount, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, uuid.NewString(), actor, walletID, string(typ), amount, string(status), time.Now().UTC())
	if err != nil {
		log.Printf("audit: mutation record: %v", err)
	}
}

// EnsureSchema creates the audit tables when missing.
func EnsureSchema(ctx context.Context, db auditDB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_decisions (
			id UUID PRIMARY KEY,
			subject_id TEXT NOT NULL,
			resource_id TEXT,
			action TEXT NOT NULL,
			effect TEXT NOT NULL,
			reason TEXT,
			risk INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_mutations (
			id UUID PRIMARY KEY,
			actor TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount NUMERIC(14,3) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
