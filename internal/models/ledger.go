package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settlement kinds.
const (
	KindFund     = "FUND"
	KindWithdraw = "WITHDRAW"
	KindConvert  = "CONVERT"
)

// Ledger entry statuses. PENDING transitions exactly once to CONFIRMED or
// FAILED; terminal states are immutable.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
)

// LedgerEntry records one settlement attempt. IdempotencyKey is
// unique-constrained and is the sole double-processing guard: a retried
// request with the same key returns the existing entry unchanged.
type LedgerEntry struct {
	ID                int             `json:"id" db:"id"`
	IdempotencyKey    string          `json:"idempotencyKey" db:"idempotency_key"`
	UserID            string          `json:"userId" db:"user_id"`
	Kind              string          `json:"kind" db:"kind"`
	HomeAmount        decimal.Decimal `json:"homeAmount" db:"home_amount"`
	ForeignAmount     decimal.Decimal `json:"foreignAmount" db:"foreign_amount"`
	Rate              decimal.Decimal `json:"rate" db:"rate"`
	Status            string          `json:"status" db:"status"`
	ExternalReference string          `json:"externalReference,omitempty" db:"external_reference"`
	LockID            string          `json:"lockId,omitempty" db:"lock_id"`
	FailureReason     string          `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// Terminal reports whether the entry has reached a final state.
func (e *LedgerEntry) Terminal() bool {
	return e.Status == StatusConfirmed || e.Status == StatusFailed
}
