package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the per-user wallet record. The settlement asset is a
// USD-pegged backing representation of the home balance: at rest
// SettlementAssetAmount equals HomeAmount, and all three amounts stay >= 0.
type Balance struct {
	UserID                string          `json:"userId" db:"user_id"`
	HomeAmount            decimal.Decimal `json:"homeAmount" db:"home_amount"`                         // USD
	ForeignAmount         decimal.Decimal `json:"foreignAmount" db:"foreign_amount"`                   // PHP
	SettlementAssetAmount decimal.Decimal `json:"settlementAssetAmount" db:"settlement_asset_amount"` // stablecoin, 1:1 USD
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}
