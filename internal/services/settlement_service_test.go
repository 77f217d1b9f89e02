package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/kwartapay/backend/internal/models"
	"github.com/kwartapay/backend/internal/rail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const testLockID = "4fa52a44-9d38-4b32-9c4f-61a3f58c0c01"

func newSettlementService(t *testing.T, railStatus string) (*SettlementService, sqlmock.Sqlmock, *httptest.Server) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	railServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(rail.Result{ExternalReference: "rail-ref-1", Status: railStatus})
	}))
	t.Cleanup(railServer.Close)

	cfg := testSettlementConfig()
	wallet := NewWalletService(db)
	quotes := NewQuoteService(db, nil, cfg)
	railClient := rail.NewHTTPClient(railServer.URL, time.Second)

	return NewSettlementService(db, wallet, quotes, railClient, cfg), mock, railServer
}

// newAPIRouter mounts the handler the way the server does so chi URL params
// resolve in tests.
func newAPIRouter(service *SettlementService) *chi.Mux {
	router := chi.NewRouter()
	router.Get("/settlements/{idempotencyKey}", service.GetSettlement)
	return router
}

func settleBody(kind, amount, key, lockID string) *bytes.Buffer {
	payload := map[string]string{"kind": kind, "amount": amount, "idempotencyKey": key}
	if lockID != "" {
		payload["lockId"] = lockID
	}
	data, _ := json.Marshal(payload)
	return bytes.NewBuffer(data)
}

func expectNoExistingEntry(mock sqlmock.Sqlmock, key string) {
	mock.ExpectQuery("SELECT id, idempotency_key, user_id, kind, home_amount").
		WithArgs(key).
		WillReturnError(sql.ErrNoRows)
}

func TestSettlementService_CreateSettlement_Fund(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "fund-00000001"
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sqlmock.AnyArg(), "user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_entries SET external_reference").
		WithArgs("rail-ref-1", key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "100", key, "")))

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Settlement models.LedgerEntry `json:"settlement"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusPending, resp.Settlement.Status)
	assert.Equal(t, "rail-ref-1", resp.Settlement.ExternalReference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_SynchronousFinal(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusCompleted)

	key := "fund-00000002"
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sqlmock.AnyArg(), "user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_entries SET external_reference").
		WithArgs("rail-ref-1", key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Inline confirm runs the reconciliation confirm path after commit.
	mock.ExpectExec("UPDATE ledger_entries SET status").
		WithArgs(models.StatusConfirmed, "rail-ref-1", models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "100", key, "")))

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Settlement models.LedgerEntry `json:"settlement"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusConfirmed, resp.Settlement.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_IdempotentReplay(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "fund-00000003"
	now := time.Now()
	mock.ExpectQuery("SELECT id, idempotency_key, user_id, kind, home_amount").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "idempotency_key", "user_id", "kind", "home_amount", "foreign_amount",
			"rate", "status", "external_reference", "lock_id", "failure_reason", "created_at", "updated_at"}).
			AddRow(1, key, "user1", models.KindFund, "100", "0", "0", models.StatusPending, "rail-ref-1", "", "", now, now))

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "100", key, "")))

	// The retry returns the original entry: no new rail call, no second
	// balance mutation (no further sqlmock expectations were registered).
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Settlement models.LedgerEntry `json:"settlement"`
		Message    string             `json:"message"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Settlement already processed", resp.Message)
	assert.Equal(t, key, resp.Settlement.IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_InsufficientFunds(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "wdrw-00000001"
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Atomic decrement guard matches no row.
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sqlmock.AnyArg(), "user1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("WITHDRAW", "5000", key, "")))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp APIError
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INSUFFICIENT_FUNDS", resp.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_RailUnavailable(t *testing.T) {
	service, mock, railServer := newSettlementService(t, rail.StatusPending)
	railServer.Close()

	key := "fund-00000004"
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sqlmock.AnyArg(), "user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "100", key, "")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp APIError
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "RAIL_UNAVAILABLE", resp.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_Convert(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "conv-00000001"
	now := time.Now()
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rate_locks SET consumed = true").
		WithArgs(testLockID, "user1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"locked_rate", "home_amount", "created_at", "expires_at"}).
			AddRow("55.44", "100", now, now.Add(15*time.Minute)))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs("user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("CONVERT", "100", key, testLockID)))

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Settlement models.LedgerEntry `json:"settlement"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusConfirmed, resp.Settlement.Status)
	assert.True(t, resp.Settlement.ForeignAmount.Equal(decimal.RequireFromString("5544.00")),
		"expected 5544.00, got %s", resp.Settlement.ForeignAmount.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_LockAlreadyUsed(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "conv-00000002"
	expectNoExistingEntry(mock, key)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE rate_locks SET consumed = true").
		WithArgs(testLockID, "user1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT consumed, expires_at FROM rate_locks").
		WithArgs(testLockID, "user1").
		WillReturnRows(sqlmock.NewRows([]string{"consumed", "expires_at"}).
			AddRow(true, time.Now().Add(10*time.Minute)))
	mock.ExpectRollback()

	w := httptest.NewRecorder()
	service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("CONVERT", "100", key, testLockID)))

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp APIError
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "LOCK_ALREADY_USED", resp.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementService_CreateSettlement_Validation(t *testing.T) {
	service, _, _ := newSettlementService(t, rail.StatusPending)

	t.Run("non-positive amount", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "0", "fund-00000005", "")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp APIError
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_AMOUNT", resp.Kind)
	})

	t.Run("amount above per-transaction cap", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "10001", "fund-00000006", "")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp APIError
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "AMOUNT_OUT_OF_RANGE", resp.Kind)
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("BORROW", "100", "brrw-00000001", "")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("convert without lock", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("CONVERT", "100", "conv-00000003", "")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		w := httptest.NewRecorder()
		service.CreateSettlement(w, authedRequest("POST", "/settlements", settleBody("FUND", "100", "", "")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSettlementService_GetSettlement(t *testing.T) {
	service, mock, _ := newSettlementService(t, rail.StatusPending)

	key := "fund-00000007"
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, idempotency_key, user_id, kind, home_amount").
			WithArgs(key).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "idempotency_key", "user_id", "kind", "home_amount", "foreign_amount",
				"rate", "status", "external_reference", "lock_id", "failure_reason", "created_at", "updated_at"}).
				AddRow(1, key, "user1", models.KindFund, "100", "0", "0", models.StatusConfirmed, "rail-ref-1", "", "", now, now))

		router := newAPIRouter(service)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("GET", fmt.Sprintf("/settlements/%s", key), nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var entry models.LedgerEntry
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
		assert.Equal(t, models.StatusConfirmed, entry.Status)
	})

	t.Run("another user's entry is not visible", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, idempotency_key, user_id, kind, home_amount").
			WithArgs(key).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "idempotency_key", "user_id", "kind", "home_amount", "foreign_amount",
				"rate", "status", "external_reference", "lock_id", "failure_reason", "created_at", "updated_at"}).
				AddRow(1, key, "someone-else", models.KindFund, "100", "0", "0", models.StatusConfirmed, "rail-ref-1", "", "", now, now))

		router := newAPIRouter(service)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("GET", fmt.Sprintf("/settlements/%s", key), nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
