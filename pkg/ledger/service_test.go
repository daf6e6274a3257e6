package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// fakeLedgerDB dispatches on query shape and keeps wallets and transactions
// in memory, enough to drive the service without a real database.
type fakeLedgerDB struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	txs     []*Transaction

	beginErr error
	begun    int
	commits  int
}

func newFakeLedgerDB() *fakeLedgerDB {
	return &fakeLedgerDB{wallets: map[string]*Wallet{}}
}

func (f *fakeLedgerDB) addWallet(w Wallet) *Wallet {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := w
	f.wallets[w.ID] = &cp
	return &cp
}

func (f *fakeLedgerDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun++
	return &fakeLedgerTx{db: f}, nil
}

func (f *fakeLedgerDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.exec(sql, args)
}

func (f *fakeLedgerDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(sql, "FROM transactions WHERE wallet_id") {
		return nil, errors.New("unexpected query: " + sql)
	}
	walletID, _ := args[0].(string)
	var matched []*Transaction
	for _, t := range f.txs {
		if t.WalletID != walletID {
			continue
		}
		if strings.Contains(sql, "AND type =") {
			if t.Type != args[1].(TxType) {
				continue
			}
		}
		matched = append(matched, t)
	}
	// Newest first, matching the ORDER BY.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return &fakeTxRows{txs: matched}, nil
}

func (f *fakeLedgerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRow(sql, args)
}

func (f *fakeLedgerDB) queryRow(sql string, args []any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM wallets WHERE id"):
		id, _ := args[0].(string)
		if w, ok := f.wallets[id]; ok {
			cp := *w
			return walletRow{w: &cp}
		}
		return walletRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM wallets WHERE owner_id"):
		owner, _ := args[0].(string)
		currency, _ := args[1].(string)
		for _, w := range f.wallets {
			if w.OwnerID == owner && w.Currency == currency {
				cp := *w
				return walletRow{w: &cp}
			}
		}
		return walletRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "INSERT INTO wallets"):
		w := &Wallet{
			ID:        args[0].(string),
			OwnerID:   args[1].(string),
			Currency:  args[3].(string),
			Balance:   decimal.Zero,
			Status:    args[4].(WalletStatus),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if agency, ok := args[2].(string); ok {
			w.AgencyID = agency
		}
		for _, existing := range f.wallets {
			if existing.OwnerID == w.OwnerID && existing.Currency == w.Currency {
				return walletRow{err: &pgconn.PgError{Code: "23505"}}
			}
		}
		f.wallets[w.ID] = w
		cp := *w
		return walletRow{w: &cp}
	case strings.Contains(sql, "FROM transactions WHERE reference"):
		ref, _ := args[0].(string)
		for _, t := range f.txs {
			if t.Reference == ref {
				cp := *t
				return txRow{t: &cp}
			}
		}
		return txRow{err: pgx.ErrNoRows}
	}
	return walletRow{err: errors.New("unexpected query: " + sql)}
}

func (f *fakeLedgerDB) exec(sql string, args []any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO transactions"):
		t := &Transaction{
			ID:          args[0].(string),
			WalletID:    args[1].(string),
			Type:        args[2].(TxType),
			Amount:      args[3].(decimal.Decimal),
			Currency:    args[4].(string),
			Description: args[5].(string),
			Reference:   args[6].(string),
			Status:      args[7].(TxStatus),
			CreatedAt:   args[8].(time.Time),
		}
		for _, existing := range f.txs {
			if existing.Reference == t.Reference {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
			}
		}
		f.txs = append(f.txs, t)
		return pgconn.CommandTag{}, nil
	case strings.Contains(sql, "UPDATE wallets SET balance"):
		w, ok := f.wallets[args[1].(string)]
		if !ok {
			return pgconn.CommandTag{}, pgx.ErrNoRows
		}
		w.Balance = args[0].(decimal.Decimal)
		return pgconn.CommandTag{}, nil
	case strings.Contains(sql, "UPDATE wallets SET status"):
		w, ok := f.wallets[args[1].(string)]
		if !ok {
			return pgconn.CommandTag{}, pgx.ErrNoRows
		}
		w.Status = args[0].(WalletStatus)
		return pgconn.CommandTag{}, nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
}

type fakeLedgerTx struct{ db *fakeLedgerDB }

func (t *fakeLedgerTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeLedgerTx) Commit(ctx context.Context) error {
	t.db.commits++
	return nil
}
func (t *fakeLedgerTx) Rollback(ctx context.Context) error { return nil }
func (t *fakeLedgerTx) CopyFrom(ctx context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeLedgerTx) SendBatch(ctx context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeLedgerTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeLedgerTx) Prepare(ctx context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeLedgerTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.exec(sql, args)
}
func (t *fakeLedgerTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *fakeLedgerTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.queryRow(sql, args)
}
func (t *fakeLedgerTx) Conn() *pgx.Conn { return nil }

type walletRow struct {
	w   *Wallet
	err error
}

func (r walletRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.w.ID
	*dest[1].(*string) = r.w.OwnerID
	*dest[2].(*string) = r.w.AgencyID
	*dest[3].(*string) = r.w.Currency
	*dest[4].(*decimal.Decimal) = r.w.Balance
	*dest[5].(*WalletStatus) = r.w.Status
	*dest[6].(*time.Time) = r.w.CreatedAt
	*dest[7].(*time.Time) = r.w.UpdatedAt
	return nil
}

type txRow struct {
	t   *Transaction
	err error
}

func (r txRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.t.ID
	*dest[1].(*string) = r.t.WalletID
	*dest[2].(*TxType) = r.t.Type
	*dest[3].(*decimal.Decimal) = r.t.Amount
	*dest[4].(*string) = r.t.Currency
	*dest[5].(*string) = r.t.Description
	*dest[6].(*string) = r.t.Reference
	*dest[7].(*TxStatus) = r.t.Status
	*dest[8].(*time.Time) = r.t.CreatedAt
	return nil
}

type fakeTxRows struct {
	txs []*Transaction
	idx int
	err error
}

func (r *fakeTxRows) Close()                                       {}
func (r *fakeTxRows) Err() error                                   { return r.err }
func (r *fakeTxRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeTxRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeTxRows) Next() bool                                   { return r.idx < len(r.txs) }
func (r *fakeTxRows) Scan(dest ...any) error {
	row := txRow{t: r.txs[r.idx]}
	r.idx++
	return row.Scan(dest...)
}
func (r *fakeTxRows) Values() ([]any, error) { return nil, errors.New("not implemented") }
func (r *fakeTxRows) RawValues() [][]byte    { return nil }
func (r *fakeTxRows) Conn() *pgx.Conn        { return nil }

type fakeCeilings struct {
	err   error
	calls int
}

func (c *fakeCeilings) Check(ctx context.Context, subjectID string, amount decimal.Decimal, period string) error {
	c.calls++
	return c.err
}

type fakeAudit struct {
	mu      sync.Mutex
	records []string
}

func (a *fakeAudit) Mutation(ctx context.Context, actor, walletID string, typ TxType, amount decimal.Decimal, status TxStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, actor+"/"+walletID+"/"+string(typ)+"/"+amount.String()+"/"+string(status))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func activeWallet(db *fakeLedgerDB, id, balance string) *Wallet {
	return db.addWallet(Wallet{
		ID:       id,
		OwnerID:  "owner-" + id,
		AgencyID: "AG-001",
		Currency: "XAF",
		Balance:  dec(balance),
		Status:   WalletActive,
	})
}

func TestCreateWalletDefaults(t *testing.T) {
	db := newFakeLedgerDB()
	svc := &Service{DB: db}
	w, created, err := svc.CreateWallet(context.Background(), "owner-1", "", "AG-001", "admin-1")
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if w.Currency != "XAF" || w.Status != WalletActive || !w.Balance.IsZero() {
		t.Fatalf("wallet = %+v", w)
	}
}

func TestCreateWalletIdempotentOnOwnerCurrency(t *testing.T) {
	db := newFakeLedgerDB()
	svc := &Service{DB: db}
	first, _, err := svc.CreateWallet(context.Background(), "owner-1", "xaf", "AG-001", "admin-1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, created, err := svc.CreateWallet(context.Background(), "owner-1", "XAF", "AG-001", "admin-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected created=false on replay")
	}
	if second.ID != first.ID {
		t.Fatalf("ids differ: %s vs %s", second.ID, first.ID)
	}
}

func TestCreditIncreasesBalance(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "100.00")
	audit := &fakeAudit{}
	svc := &Service{DB: db, Audit: audit}

	entry, err := svc.Credit(context.Background(), MutationRequest{
		Actor: "u1", WalletID: "w1", Amount: dec("50.25"), Reference: "ref-1", Description: "topup",
	})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if entry.Type != TxCredit || entry.Status != TxCompleted {
		t.Fatalf("entry = %+v", entry)
	}
	if got := db.wallets["w1"].Balance; !got.Equal(dec("150.25")) {
		t.Fatalf("balance = %s, want 150.25", got)
	}
	if len(audit.records) != 1 {
		t.Fatalf("audit records = %v", audit.records)
	}
}

func TestDebitDecreasesBalance(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "100.00")
	svc := &Service{DB: db}

	entry, err := svc.Debit(context.Background(), MutationRequest{
		Actor: "u1", WalletID: "w1", Amount: dec("30.00"), Reference: "ref-d1",
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := db.wallets["w1"].Balance; !got.Equal(dec("70.00")) {
		t.Fatalf("balance = %s, want 70.00", got)
	}
	if entry.Amount.String() != "30" && entry.Amount.String() != "30.00" {
		t.Fatalf("amount = %s", entry.Amount)
	}
	count := 0
	for _, tx := range db.txs {
		if tx.Reference == "ref-d1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("rows for reference = %d, want 1", count)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "20.00")
	svc := &Service{DB: db}

	_, err := svc.Debit(context.Background(), MutationRequest{
		Actor: "u1", WalletID: "w1", Amount: dec("60.00"), Reference: "ref-over",
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := db.wallets["w1"].Balance; !got.Equal(dec("20.00")) {
		t.Fatalf("balance changed: %s", got)
	}
	if len(db.txs) != 0 {
		t.Fatalf("transactions = %d, want 0", len(db.txs))
	}
}

func TestReferenceReplayReturnsOriginal(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "100.00")
	svc := &Service{DB: db}

	req := MutationRequest{Actor: "u1", WalletID: "w1", Amount: dec("10.00"), Reference: "ref-r"}
	first, err := svc.Credit(context.Background(), req)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	second, err := svc.Credit(context.Background(), req)
	if err != nil {
		t.Fatalf("replay credit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("transaction ids differ: %s vs %s", second.ID, first.ID)
	}
	if got := db.wallets["w1"].Balance; !got.Equal(dec("110.00")) {
		t.Fatalf("balance = %s, want 110.00 (single mutation)", got)
	}
	if len(db.txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(db.txs))
	}
}

func TestReplaySkipsStatusGate(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "100.00")
	svc := &Service{DB: db}

	req := MutationRequest{Actor: "u1", WalletID: "w1", Amount: dec("10.00"), Reference: "ref-s"}
	first, err := svc.Credit(context.Background(), req)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	db.wallets["w1"].Status = WalletSuspended
	second, err := svc.Credit(context.Background(), req)
	if err != nil {
		t.Fatalf("replay after suspension: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("replay must return the original row")
	}
}

func TestClosedWalletRejectsEverything(t *testing.T) {
	db := newFakeLedgerDB()
	w := activeWallet(db, "w1", "100.00")
	db.wallets[w.ID].Status = WalletClosed
	svc := &Service{DB: db}

	if _, err := svc.Credit(context.Background(), MutationRequest{Actor: "u", WalletID: "w1", Amount: dec("1"), Reference: "c1"}); !errors.Is(err, ErrWalletClosed) {
		t.Fatalf("credit err = %v", err)
	}
	if _, err := svc.Debit(context.Background(), MutationRequest{Actor: "u", WalletID: "w1", Amount: dec("1"), Reference: "d1"}); !errors.Is(err, ErrWalletClosed) {
		t.Fatalf("debit err = %v", err)
	}
	for _, status := range []WalletStatus{WalletActive, WalletSuspended, WalletClosed} {
		if _, err := svc.SetStatus(context.Background(), "u", "w1", status); !errors.Is(err, ErrWalletClosed) {
			t.Fatalf("SetStatus(%s) err = %v", status, err)
		}
	}
}

func TestSuspendedWalletRejectsMutations(t *testing.T) {
	db := newFakeLedgerDB()
	w := activeWallet(db, "w1", "100.00")
	db.wallets[w.ID].Status = WalletSuspended
	svc := &Service{DB: db}

	if _, err := svc.Debit(context.Background(), MutationRequest{Actor: "u", WalletID: "w1", Amount: dec("1"), Reference: "d1"}); !errors.Is(err, ErrWalletNotActive) {
		t.Fatalf("err = %v, want ErrWalletNotActive", err)
	}
}

func TestMutationValidation(t *testing.T) {
	svc := &Service{DB: newFakeLedgerDB()}
	if _, err := svc.Credit(context.Background(), MutationRequest{WalletID: "w1", Amount: dec("0"), Reference: "r"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := svc.Credit(context.Background(), MutationRequest{WalletID: "w1", Amount: dec("-5"), Reference: "r"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: %v", err)
	}
	if _, err := svc.Credit(context.Background(), MutationRequest{WalletID: "w1", Amount: dec("5"), Reference: "  "}); !errors.Is(err, ErrReferenceRequired) {
		t.Fatalf("blank reference: %v", err)
	}
}

func TestUnknownWallet(t *testing.T) {
	svc := &Service{DB: newFakeLedgerDB()}
	if _, err := svc.Credit(context.Background(), MutationRequest{Actor: "u", WalletID: "missing", Amount: dec("1"), Reference: "r"}); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("err = %v, want ErrWalletNotFound", err)
	}
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("Get err = %v", err)
	}
}

func TestCeilingDeniedAbortsDebit(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "100.00")
	ceilings := &fakeCeilings{err: errors.New("ceiling exceeded")}
	svc := &Service{DB: db, Ceilings: ceilings}

	_, err := svc.Debit(context.Background(), MutationRequest{Actor: "u1", WalletID: "w1", Amount: dec("10"), Reference: "ref-c"})
	if err == nil {
		t.Fatal("expected ceiling error")
	}
	if ceilings.calls != 1 {
		t.Fatalf("ceiling calls = %d", ceilings.calls)
	}
	if got := db.wallets["w1"].Balance; !got.Equal(dec("100.00")) {
		t.Fatalf("balance changed: %s", got)
	}
}

func TestCreditCeilingOnlyWhenEnforced(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "0")
	ceilings := &fakeCeilings{}
	svc := &Service{DB: db, Ceilings: ceilings}

	if _, err := svc.Credit(context.Background(), MutationRequest{Actor: "u1", WalletID: "w1", Amount: dec("10"), Reference: "r1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if ceilings.calls != 0 {
		t.Fatalf("credit checked ceiling %d times with enforcement off", ceilings.calls)
	}

	svc.EnforceCreditCeiling = true
	if _, err := svc.Credit(context.Background(), MutationRequest{Actor: "u1", WalletID: "w1", Amount: dec("10"), Reference: "r2"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if ceilings.calls != 1 {
		t.Fatalf("ceiling calls = %d, want 1", ceilings.calls)
	}
}

func TestSetStatusTransitions(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "0")
	svc := &Service{DB: db, Audit: &fakeAudit{}}

	w, err := svc.SetStatus(context.Background(), "admin-1", "w1", WalletSuspended)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if w.Status != WalletSuspended {
		t.Fatalf("status = %s", w.Status)
	}
	if _, err := svc.SetStatus(context.Background(), "admin-1", "w1", WalletActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := svc.SetStatus(context.Background(), "admin-1", "w1", WalletClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.SetStatus(context.Background(), "admin-1", "w1", WalletActive); !errors.Is(err, ErrWalletClosed) {
		t.Fatalf("reopen err = %v, want ErrWalletClosed", err)
	}
}

func TestStatementListsAndFilters(t *testing.T) {
	db := newFakeLedgerDB()
	activeWallet(db, "w1", "1000.00")
	svc := &Service{DB: db}

	for i, req := range []MutationRequest{
		{Actor: "u", WalletID: "w1", Amount: dec("10"), Reference: "s1"},
		{Actor: "u", WalletID: "w1", Amount: dec("20"), Reference: "s2"},
	} {
		if _, err := svc.Credit(context.Background(), req); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	if _, err := svc.Debit(context.Background(), MutationRequest{Actor: "u", WalletID: "w1", Amount: dec("5"), Reference: "s3"}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	all, err := svc.Statement(context.Background(), "w1", StatementFilter{})
	if err != nil {
		t.Fatalf("Statement: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	debits, err := svc.Statement(context.Background(), "w1", StatementFilter{Type: TxDebit})
	if err != nil {
		t.Fatalf("Statement debits: %v", err)
	}
	if len(debits) != 1 || debits[0].Reference != "s3" {
		t.Fatalf("debits = %+v", debits)
	}

	if _, err := svc.Statement(context.Background(), "missing", StatementFilter{}); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("missing wallet err = %v", err)
	}
}
