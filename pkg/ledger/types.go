package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSuspended WalletStatus = "suspended"
	// WalletClosed is terminal. No status transition or balance mutation is
	// permitted once a wallet reaches it.
	WalletClosed WalletStatus = "closed"
)

func ValidWalletStatus(s WalletStatus) bool {
	switch s {
	case WalletActive, WalletSuspended, WalletClosed:
		return true
	}
	return false
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	AgencyID  string          `json:"agency_id,omitempty"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Status    WalletStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is one completed ledger movement. Reference is the caller's
// domain idempotency key: globally unique, at most one row with balance
// effect ever exists per reference.
type Transaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference"`
	Status      TxStatus        `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrWalletNotActive     = errors.New("wallet is not active")
	ErrWalletClosed        = errors.New("wallet is closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrReferenceRequired   = errors.New("reference is required")
)

// minorUnits returns the decimal scale used for balance comparison in the
// given currency. Most currencies carry two minor digits.
func minorUnits(currency string) int32 {
	switch currency {
	case "JPY", "KRW", "VND":
		return 0
	case "BHD", "KWD", "TND":
		return 3
	}
	return 2
}
