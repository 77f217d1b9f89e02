package services

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIError is a machine-readable application error. Kind is stable across
// releases and is what clients branch on; Message is for humans.
type APIError struct {
	Kind    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

var (
	ErrInvalidAmount     = &APIError{Kind: "INVALID_AMOUNT", Message: "amount must be greater than zero", Status: http.StatusBadRequest}
	ErrAmountOutOfRange  = &APIError{Kind: "AMOUNT_OUT_OF_RANGE", Message: "amount exceeds the per-transaction limit", Status: http.StatusBadRequest}
	ErrInsufficientFunds = &APIError{Kind: "INSUFFICIENT_FUNDS", Message: "insufficient balance for this operation", Status: http.StatusUnprocessableEntity}
	ErrLockNotFound      = &APIError{Kind: "LOCK_NOT_FOUND", Message: "rate lock not found", Status: http.StatusNotFound}
	ErrLockExpired       = &APIError{Kind: "LOCK_EXPIRED", Message: "rate lock has expired", Status: http.StatusGone}
	ErrLockAlreadyUsed   = &APIError{Kind: "LOCK_ALREADY_USED", Message: "rate lock has already been consumed", Status: http.StatusConflict}
	ErrInvalidSignature  = &APIError{Kind: "INVALID_SIGNATURE", Message: "payload signature verification failed", Status: http.StatusUnauthorized}
	ErrRailUnavailable   = &APIError{Kind: "RAIL_UNAVAILABLE", Message: "settlement rail unavailable, retry with the same idempotency key", Status: http.StatusServiceUnavailable}
)

// SendAPIError writes err as a JSON error response. Unrecognized errors are
// rendered as a generic 500 without leaking internals.
func SendAPIError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = &APIError{Kind: "INTERNAL", Message: "internal server error", Status: http.StatusInternalServerError}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apiErr)
}
