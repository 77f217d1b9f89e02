package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kwartapay/backend/internal/config"
	"github.com/kwartapay/backend/internal/models"
	"github.com/kwartapay/backend/internal/rail"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// SettlementService orchestrates a funds movement end to end: idempotency
// check, lock consumption, pending ledger entry, optimistic balance change
// and the rail call. The rail is invoked before the transaction commits so a
// rail error never leaves a committed balance change behind.
type SettlementService struct {
	db        *sql.DB
	wallet    *WalletService
	quotes    *QuoteService
	rail      rail.Client
	cfg       *config.SettlementConfig
	validator *ValidationHelper
	now       func() time.Time
}

func NewSettlementService(db *sql.DB, wallet *WalletService, quotes *QuoteService, railClient rail.Client, cfg *config.SettlementConfig) *SettlementService {
	return &SettlementService{
		db:        db,
		wallet:    wallet,
		quotes:    quotes,
		rail:      railClient,
		cfg:       cfg,
		validator: NewValidationHelper(),
		now:       time.Now,
	}
}

type settlementRequest struct {
	Kind           string          `json:"kind" validate:"required,oneof=FUND WITHDRAW CONVERT"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required,min=8,max=64"`
	LockID         string          `json:"lockId" validate:"omitempty,uuid4"`
}

// CreateSettlement opens a settlement attempt
// @Summary Create a settlement
// @Description Fund, withdraw or convert. Retries with the same idempotency key replay the original entry without touching the balance again.
// @Tags settlements
// @Accept json
// @Produce json
// @Param settlement body settlementRequest true "Settlement request"
// @Success 200 {object} object{settlement=models.LedgerEntry,message=string}
// @Success 201 {object} object{settlement=models.LedgerEntry}
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} APIError
// @Failure 422 {object} APIError
// @Failure 503 {object} APIError
// @Router /settlements [post]
func (ss *SettlementService) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req settlementRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !req.Amount.IsPositive() {
		SendAPIError(w, ErrInvalidAmount)
		return
	}
	if req.Amount.GreaterThan(ss.cfg.MaxTransactionAmt) {
		SendAPIError(w, ErrAmountOutOfRange)
		return
	}
	if req.Kind == models.KindConvert && req.LockID == "" {
		SendErrorResponse(w, "lockId is required for conversions", http.StatusBadRequest, nil)
		return
	}

	// Idempotent replay: an existing entry is returned unchanged, with no
	// new rail call and no balance change.
	if existing, err := ss.fetchEntryByKey(req.IdempotencyKey); err == nil {
		if existing.UserID != userID {
			SendErrorResponse(w, "Idempotency key already used by another user", http.StatusConflict, nil)
			return
		}
		log.Printf("[SETTLEMENT] Replay for key %s, status %s", req.IdempotencyKey, existing.Status)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"settlement": existing,
			"message":    "Settlement already processed",
		})
		return
	} else if err != sql.ErrNoRows {
		log.Printf("[SETTLEMENT] Idempotency lookup failed for key %s: %v", req.IdempotencyKey, err)
		SendErrorResponse(w, "Failed to process settlement", http.StatusInternalServerError, nil)
		return
	}

	entry, err := ss.settle(r, userID, &req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			SendAPIError(w, apiErr)
			return
		}
		log.Printf("[SETTLEMENT] Failed for key %s: %v", req.IdempotencyKey, err)
		SendErrorResponse(w, "Failed to process settlement", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if entry.Status == models.StatusFailed {
		// Synchronous failure: the rail rejected before any committed
		// balance change, so the entry is terminal already.
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(map[string]any{"settlement": entry})
}

func (ss *SettlementService) settle(r *http.Request, userID string, req *settlementRequest) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         userID,
		Kind:           req.Kind,
		HomeAmount:     req.Amount,
		ForeignAmount:  decimal.Zero,
		Rate:           decimal.Zero,
		Status:         models.StatusPending,
		LockID:         req.LockID,
		CreatedAt:      ss.now(),
	}
	entry.UpdatedAt = entry.CreatedAt

	dbTx, err := ss.db.Begin()
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	// Lock consumption shares the transaction with the entry insert, so two
	// concurrent settlements cannot both win the same lock.
	if req.LockID != "" {
		lock, err := ss.quotes.ConsumeLockTx(dbTx, req.LockID, userID)
		if err != nil {
			return nil, err
		}
		entry.Rate = lock.LockedRate
	}
	if entry.Kind == models.KindConvert {
		entry.ForeignAmount = entry.HomeAmount.Mul(entry.Rate)
		// Conversions settle internally against the backing asset; no rail
		// round trip, so they confirm synchronously.
		entry.Status = models.StatusConfirmed
	}

	if err := ss.insertEntryTx(dbTx, entry); err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race to a concurrent identical request; the
			// winner's entry is the authoritative one.
			dbTx.Rollback()
			return ss.fetchEntryByKey(req.IdempotencyKey)
		}
		return nil, err
	}

	if err := ss.wallet.EnsureWalletTx(dbTx, userID); err != nil {
		return nil, err
	}
	if err := ss.wallet.ApplyOptimisticTx(dbTx, entry); err != nil {
		return nil, err
	}

	if entry.Kind != models.KindConvert {
		result, err := ss.dispatchToRail(r, entry)
		if err != nil {
			// Transport error before commit: nothing has been applied and
			// no row is kept, so the caller can retry with the same key.
			dbTx.Rollback()
			log.Printf("[SETTLEMENT] Rail dispatch failed for key %s: %v", req.IdempotencyKey, err)
			return nil, ErrRailUnavailable
		}
		entry.ExternalReference = result.ExternalReference

		if result.Status == rail.StatusFailed {
			dbTx.Rollback()
			entry.Status = models.StatusFailed
			entry.FailureReason = "rejected by settlement rail"
			if err := ss.insertFailedEntry(entry); err != nil {
				return nil, err
			}
			return entry, nil
		}

		if _, err := dbTx.Exec(`
			UPDATE ledger_entries SET external_reference = $1, updated_at = NOW()
			WHERE idempotency_key = $2`,
			entry.ExternalReference, entry.IdempotencyKey); err != nil {
			return nil, err
		}

		if err := dbTx.Commit(); err != nil {
			return nil, err
		}

		// A synchronously-final rail response is an immediate reconciliation
		// event; run the confirm path inline under the same terminal guard.
		if result.Status == rail.StatusCompleted {
			if err := ss.confirmInline(entry.ExternalReference); err != nil {
				log.Printf("[SETTLEMENT] Inline confirm failed for ref %s: %v", entry.ExternalReference, err)
			} else {
				entry.Status = models.StatusConfirmed
			}
		}

		log.Printf("[SETTLEMENT] %s %s %s opened for user %s, ref %s, status %s",
			entry.Kind, entry.HomeAmount.String(), ss.cfg.HomeCurrency, userID, entry.ExternalReference, entry.Status)
		return entry, nil
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[SETTLEMENT] CONVERT %s %s -> %s %s confirmed for user %s at rate %s",
		entry.HomeAmount.String(), ss.cfg.HomeCurrency, entry.ForeignAmount.String(), ss.cfg.ForeignCurrency, userID, entry.Rate.String())
	return entry, nil
}

func (ss *SettlementService) dispatchToRail(r *http.Request, entry *models.LedgerEntry) (*rail.Result, error) {
	walletRef := "wallet:" + entry.UserID
	if entry.Kind == models.KindWithdraw {
		return ss.rail.Redeem(r.Context(), walletRef, entry.HomeAmount, entry.IdempotencyKey)
	}
	return ss.rail.Mint(r.Context(), walletRef, entry.HomeAmount, entry.IdempotencyKey)
}

// GetSettlement returns one entry for polling
// @Summary Get a settlement
// @Description Retrieve a settlement attempt by idempotency key; pending entries should be polled until terminal
// @Tags settlements
// @Produce json
// @Param idempotencyKey path string true "Idempotency key"
// @Success 200 {object} models.LedgerEntry
// @Failure 404 {object} ErrorResponse
// @Router /settlements/{idempotencyKey} [get]
func (ss *SettlementService) GetSettlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	key := chi.URLParam(r, "idempotencyKey")
	entry, err := ss.fetchEntryByKey(key)
	if err == sql.ErrNoRows || (err == nil && entry.UserID != userID) {
		SendErrorResponse(w, "Settlement not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch settlement", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ListSettlements returns recent entries for the caller
// @Summary List recent settlements
// @Description Get recent settlement attempts for the authenticated user
// @Tags settlements
// @Produce json
// @Param limit query int false "Number of entries to return (default: 20, max: 100)"
// @Success 200 {object} object{settlements=[]models.LedgerEntry,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /settlements [get]
func (ss *SettlementService) ListSettlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	rows, err := ss.db.Query(`
		SELECT id, idempotency_key, user_id, kind, home_amount, foreign_amount, rate,
		       status, COALESCE(external_reference, ''), COALESCE(lock_id, ''),
		       COALESCE(failure_reason, ''), created_at, updated_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch settlements", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.UserID, &e.Kind, &e.HomeAmount,
			&e.ForeignAmount, &e.Rate, &e.Status, &e.ExternalReference, &e.LockID,
			&e.FailureReason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch settlements", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"settlements": entries,
		"count":       len(entries),
	})
}

func (ss *SettlementService) fetchEntryByKey(key string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	err := ss.db.QueryRow(`
		SELECT id, idempotency_key, user_id, kind, home_amount, foreign_amount, rate,
		       status, COALESCE(external_reference, ''), COALESCE(lock_id, ''),
		       COALESCE(failure_reason, ''), created_at, updated_at
		FROM ledger_entries WHERE idempotency_key = $1`, key).
		Scan(&entry.ID, &entry.IdempotencyKey, &entry.UserID, &entry.Kind, &entry.HomeAmount,
			&entry.ForeignAmount, &entry.Rate, &entry.Status, &entry.ExternalReference,
			&entry.LockID, &entry.FailureReason, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (ss *SettlementService) insertEntryTx(dbTx *sql.Tx, entry *models.LedgerEntry) error {
	return dbTx.QueryRow(`
		INSERT INTO ledger_entries
		(idempotency_key, user_id, kind, home_amount, foreign_amount, rate, status, lock_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING id`,
		entry.IdempotencyKey, entry.UserID, entry.Kind, entry.HomeAmount, entry.ForeignAmount,
		entry.Rate, entry.Status, entry.LockID, entry.CreatedAt, entry.UpdatedAt).
		Scan(&entry.ID)
}

func (ss *SettlementService) insertFailedEntry(entry *models.LedgerEntry) error {
	entry.UpdatedAt = ss.now()
	return ss.db.QueryRow(`
		INSERT INTO ledger_entries
		(idempotency_key, user_id, kind, home_amount, foreign_amount, rate, status, external_reference, lock_id, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		RETURNING id`,
		entry.IdempotencyKey, entry.UserID, entry.Kind, entry.HomeAmount, entry.ForeignAmount,
		entry.Rate, entry.Status, entry.ExternalReference, entry.LockID, entry.FailureReason,
		entry.CreatedAt, entry.UpdatedAt).
		Scan(&entry.ID)
}

func (ss *SettlementService) confirmInline(externalReference string) error {
	_, err := ss.db.Exec(`
		UPDATE ledger_entries SET status = $1, updated_at = NOW()
		WHERE external_reference = $2 AND status = $3`,
		models.StatusConfirmed, externalReference, models.StatusPending)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
