package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/kwartapay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// WalletService is the balance store. Every balance change in the system goes
// through exactly two call sites: ApplyOptimisticTx (settlement orchestrator)
// and ReverseTx (reconciliation). Both are atomic guarded UPDATEs; there is
// no read-compute-write anywhere.
type WalletService struct {
	db *sql.DB
}

func NewWalletService(db *sql.DB) *WalletService {
	return &WalletService{db: db}
}

// GetBalance returns the caller's wallet
// @Summary Get wallet balance
// @Description Retrieve home, foreign and settlement-asset balances for the authenticated user
// @Tags wallet
// @Produce json
// @Success 200 {object} models.Balance
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /wallet/balance [get]
func (ws *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := ws.FetchBalance(userID)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch balance for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// FetchBalance reads the wallet; a user with no wallet yet reads as zeros.
func (ws *WalletService) FetchBalance(userID string) (*models.Balance, error) {
	balance := &models.Balance{UserID: userID}
	err := ws.db.QueryRow(`
		SELECT home_amount, foreign_amount, settlement_asset_amount, updated_at
		FROM wallets WHERE user_id = $1`, userID).
		Scan(&balance.HomeAmount, &balance.ForeignAmount, &balance.SettlementAssetAmount, &balance.UpdatedAt)
	if err == sql.ErrNoRows {
		balance.HomeAmount = decimal.Zero
		balance.ForeignAmount = decimal.Zero
		balance.SettlementAssetAmount = decimal.Zero
		return balance, nil
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// EnsureWalletTx creates an empty wallet row if the user has none.
func (ws *WalletService) EnsureWalletTx(tx *sql.Tx, userID string) error {
	_, err := tx.Exec(`
		INSERT INTO wallets (user_id, home_amount, foreign_amount, settlement_asset_amount, updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// ApplyOptimisticTx applies the provisional balance change for a settlement.
// Debits re-verify sufficient funds at the moment of the decrement: the
// WHERE clause is the overdraft guard, so a stale pre-check can never
// overdraw under concurrency.
func (ws *WalletService) ApplyOptimisticTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	switch entry.Kind {
	case models.KindFund:
		_, err := tx.Exec(`
			UPDATE wallets
			SET home_amount = home_amount + $1,
			    settlement_asset_amount = settlement_asset_amount + $1,
			    updated_at = NOW()
			WHERE user_id = $2`,
			entry.HomeAmount, entry.UserID)
		return err

	case models.KindWithdraw:
		result, err := tx.Exec(`
			UPDATE wallets
			SET home_amount = home_amount - $1,
			    settlement_asset_amount = settlement_asset_amount - $1,
			    updated_at = NOW()
			WHERE user_id = $2 AND home_amount >= $1 AND settlement_asset_amount >= $1`,
			entry.HomeAmount, entry.UserID)
		if err != nil {
			return err
		}
		return ws.requireRow(result, ErrInsufficientFunds)

	case models.KindConvert:
		result, err := tx.Exec(`
			UPDATE wallets
			SET home_amount = home_amount - $1,
			    settlement_asset_amount = settlement_asset_amount - $1,
			    foreign_amount = foreign_amount + $2,
			    updated_at = NOW()
			WHERE user_id = $3 AND home_amount >= $1 AND settlement_asset_amount >= $1`,
			entry.HomeAmount, entry.ForeignAmount, entry.UserID)
		if err != nil {
			return err
		}
		return ws.requireRow(result, ErrInsufficientFunds)

	default:
		return fmt.Errorf("unknown settlement kind %q", entry.Kind)
	}
}

// ReverseTx undoes the optimistic change of a failed settlement. The caller
// guarantees it runs at most once per entry via the terminal-state guard.
func (ws *WalletService) ReverseTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	switch entry.Kind {
	case models.KindFund:
		result, err := tx.Exec(`
			UPDATE wallets
			SET home_amount = home_amount - $1,
			    settlement_asset_amount = settlement_asset_amount - $1,
			    updated_at = NOW()
			WHERE user_id = $2 AND home_amount >= $1 AND settlement_asset_amount >= $1`,
			entry.HomeAmount, entry.UserID)
		if err != nil {
			return err
		}
		return ws.requireRow(result, fmt.Errorf("reversal of %s would overdraw wallet %s", entry.IdempotencyKey, entry.UserID))

	case models.KindWithdraw:
		result, err := tx.Exec(`
			UPDATE wallets
			SET home_amount = home_amount + $1,
			    settlement_asset_amount = settlement_asset_amount + $1,
			    updated_at = NOW()
			WHERE user_id = $2`,
			entry.HomeAmount, entry.UserID)
		if err != nil {
			return err
		}
		return ws.requireRow(result, fmt.Errorf("reversal of %s found no wallet for user %s", entry.IdempotencyKey, entry.UserID))

	default:
		return fmt.Errorf("settlement kind %q is not reversible", entry.Kind)
	}
}

func (ws *WalletService) requireRow(result sql.Result, failure error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return failure
	}
	return nil
}
