package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kwartapay/backend/internal/models"
)

// AccountService fronts the bank-linking verification provider. The provider
// is opaque to the rest of the system: the exchange yields a provider
// reference plus masked display fields, and nothing else is retained.
type AccountService struct {
	db          *sql.DB
	validator   *ValidationHelper
	providerURL string
	client      *http.Client
}

func NewAccountService(db *sql.DB) *AccountService {
	providerURL := "https://verify.example.com"
	if envURL := os.Getenv("VERIFICATION_PROVIDER_URL"); envURL != "" {
		providerURL = envURL
	}
	return &AccountService{
		db:          db,
		validator:   NewValidationHelper(),
		providerURL: providerURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type linkAccountRequest struct {
	PublicToken string `json:"publicToken" validate:"required,min=8"`
}

// LinkAccount exchanges a provider public token for a linked account
// @Summary Link a bank account
// @Description Exchange the verification provider's public token for a durable linked-account reference
// @Tags accounts
// @Accept json
// @Produce json
// @Param link body linkAccountRequest true "Link request"
// @Success 201 {object} models.LinkedAccount
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /accounts/link [post]
func (as *AccountService) LinkAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req linkAccountRequest

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

	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	linked, err := as.exchangeToken(req.PublicToken)
	if err != nil {
		log.Printf("[ACCOUNT_LINK] Provider exchange failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Verification provider unavailable", http.StatusBadGateway, nil)
		return
	}

	linked.UserID = userID
	linked.Status = "ACTIVE"
	err = as.db.QueryRow(`
		INSERT INTO linked_accounts (user_id, provider_ref, bank_name, account_mask, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		linked.UserID, linked.ProviderRef, linked.BankName, linked.AccountMask, linked.Status).
		Scan(&linked.ID, &linked.CreatedAt)
	if err != nil {
		log.Printf("[ACCOUNT_LINK] Failed to persist linked account for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to link account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT_LINK] User %s linked %s (%s)", userID, linked.BankName, linked.AccountMask)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(linked)
}

// GetLinkedAccounts lists the caller's linked accounts
// @Summary List linked bank accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} object{accounts=[]models.LinkedAccount,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /accounts/linked [get]
func (as *AccountService) GetLinkedAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := as.db.Query(`
		SELECT id, user_id, provider_ref, bank_name, account_mask, status, created_at
		FROM linked_accounts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch linked accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.LinkedAccount{}
	for rows.Next() {
		var a models.LinkedAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderRef, &a.BankName, &a.AccountMask, &a.Status, &a.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch linked accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (as *AccountService) exchangeToken(publicToken string) (*models.LinkedAccount, error) {
	payload, err := json.Marshal(map[string]string{"publicToken": publicToken})
	if err != nil {
		return nil, err
	}

	resp, err := as.client.Post(as.providerURL+"/v1/exchange", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[ACCOUNT_LINK] Provider returned non-OK status: %d", resp.StatusCode)
		return nil, errNonOKProvider
	}

	var result struct {
		ProviderRef string `json:"providerRef"`
		BankName    string `json:"bankName"`
		AccountMask string `json:"accountMask"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &models.LinkedAccount{
		ProviderRef: result.ProviderRef,
		BankName:    result.BankName,
		AccountMask: result.AccountMask,
	}, nil
}

var errNonOKProvider = &APIError{Kind: "PROVIDER_ERROR", Message: "verification provider returned an error", Status: http.StatusBadGateway}
