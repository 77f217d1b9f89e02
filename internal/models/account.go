package models

import "time"

// LinkedAccount is the opaque reference returned by the bank-linking
// verification provider. Only masked display fields are stored; credentials
// and provider auth material never reach this system.
type LinkedAccount struct {
	ID          int       `json:"id" db:"id"`
	UserID      string    `json:"userId" db:"user_id"`
	ProviderRef string    `json:"providerRef" db:"provider_ref"`
	BankName    string    `json:"bankName" db:"bank_name"`
	AccountMask string    `json:"accountMask" db:"account_mask"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
