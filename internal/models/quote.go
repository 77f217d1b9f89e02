package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a derived FX quote (foreign-per-home). Not authoritative and not
// persisted; a caller that wants the rate honored must lock it.
type Quote struct {
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	Rate            decimal.Decimal `json:"rate"`
	MidMarketRate   decimal.Decimal `json:"midMarketRate"`
	SpreadPercent   decimal.Decimal `json:"spreadPercent"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}

// RateLock freezes a quoted rate until ExpiresAt. A lock is consumable at
// most once and only strictly before expiry; reaching ExpiresAt exactly
// counts as expired.
type RateLock struct {
	LockID     string          `json:"lockId" db:"lock_id"`
	UserID     string          `json:"userId" db:"user_id"`
	LockedRate decimal.Decimal `json:"lockedRate" db:"locked_rate"`
	HomeAmount decimal.Decimal `json:"amount" db:"home_amount"`
	Consumed   bool            `json:"consumed" db:"consumed"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	ExpiresAt  time.Time       `json:"expiresAt" db:"expires_at"`
}
