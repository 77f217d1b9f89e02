package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/kwartapay/backend/internal/config"
	"github.com/kwartapay/backend/internal/models"
)

// Event outcomes delivered by the settlement rail.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ReconciliationService consumes asynchronous confirmation and failure
// events from the rail and transitions pending ledger entries to a terminal
// state. Events may arrive more than once and out of order with the sweep;
// the row lock plus terminal-state check make every path apply at most once.
type ReconciliationService struct {
	db     *sql.DB
	wallet *WalletService
	cfg    *config.SettlementConfig
}

func NewReconciliationService(db *sql.DB, wallet *WalletService, cfg *config.SettlementConfig) *ReconciliationService {
	return &ReconciliationService{db: db, wallet: wallet, cfg: cfg}
}

type settlementEvent struct {
	ExternalReference string `json:"externalReference"`
	Outcome           string `json:"outcome"`
}

// HandleSettlementEvent receives rail webhooks
// @Summary Settlement rail webhook
// @Description Consume an asynchronous settlement outcome event. Signature is HMAC-SHA256 of the raw body in X-Rail-Signature.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} object{received=bool}
// @Failure 401 {object} APIError
// @Router /webhooks/settlement [post]
func (rs *ReconciliationService) HandleSettlementEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	if !rs.verifySignature(body, r.Header.Get("X-Rail-Signature")) {
		log.Printf("[RECONCILE] Rejected event with bad or missing signature from %s", r.RemoteAddr)
		SendAPIError(w, ErrInvalidSignature)
		return
	}

	var event settlementEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ExternalReference == "" {
		// Malformed payloads are acknowledged to stop redelivery; they are
		// never applied to balances.
		log.Printf("[RECONCILE] Unparseable event payload acknowledged: %v", err)
		rs.ack(w)
		return
	}

	if err := rs.ApplyOutcome(event.ExternalReference, event.Outcome); err != nil {
		// Internal errors are absorbed into the ack to avoid redelivery
		// storms; the entry stays pending for the sweep to resolve.
		log.Printf("[RECONCILE] Failed to apply outcome %s for ref %s: %v", event.Outcome, event.ExternalReference, err)
	}

	rs.ack(w)
}

// ApplyOutcome finalizes the entry identified by externalReference. Unknown
// references and already-terminal entries are no-ops. A failure outcome
// reverses the optimistic balance change exactly once.
func (rs *ReconciliationService) ApplyOutcome(externalReference, outcome string) error {
	dbTx, err := rs.db.Begin()
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	entry := &models.LedgerEntry{ExternalReference: externalReference}
	err = dbTx.QueryRow(`
		SELECT id, idempotency_key, user_id, kind, home_amount, foreign_amount, status
		FROM ledger_entries
		WHERE external_reference = $1
		FOR UPDATE`, externalReference).
		Scan(&entry.ID, &entry.IdempotencyKey, &entry.UserID, &entry.Kind,
			&entry.HomeAmount, &entry.ForeignAmount, &entry.Status)
	if err == sql.ErrNoRows {
		log.Printf("[RECONCILE] No ledger entry for ref %s, acknowledging", externalReference)
		return nil
	}
	if err != nil {
		return err
	}

	if entry.Terminal() {
		log.Printf("[RECONCILE] Entry %s already %s, duplicate event ignored", entry.IdempotencyKey, entry.Status)
		return nil
	}

	switch outcome {
	case OutcomeSuccess:
		// The optimistic mutation already applied; only the status moves.
		if _, err := dbTx.Exec(`
			UPDATE ledger_entries SET status = $1, updated_at = NOW() WHERE id = $2`,
			models.StatusConfirmed, entry.ID); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Entry %s confirmed", entry.IdempotencyKey)

	case OutcomeFailure:
		if _, err := dbTx.Exec(`
			UPDATE ledger_entries SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3`,
			models.StatusFailed, "settlement failed on rail", entry.ID); err != nil {
			return err
		}
		if err := rs.wallet.ReverseTx(dbTx, entry); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Entry %s failed, optimistic %s of %s reversed",
			entry.IdempotencyKey, entry.Kind, entry.HomeAmount.String())

	default:
		log.Printf("[RECONCILE] Unknown outcome %q for ref %s, acknowledging", outcome, externalReference)
		return nil
	}

	return dbTx.Commit()
}

func (rs *ReconciliationService) verifySignature(body []byte, signature string) bool {
	if rs.cfg.WebhookSecret == "" {
		if rs.cfg.Environment == "production" {
			return false
		}
		// Non-production convenience only; this must never be silent.
		log.Printf("[RECONCILE] WARNING: no webhook secret configured, accepting unsigned event (%s mode)", rs.cfg.Environment)
		return true
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(rs.cfg.WebhookSecret))
	mac.Write(body)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, mac.Sum(nil))
}

func (rs *ReconciliationService) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
