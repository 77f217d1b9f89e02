package services

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/kwartapay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newReceiptRouter(t *testing.T) (*chi.Mux, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	service := NewISO20022Service(db, "USD")
	router := chi.NewRouter()
	router.Get("/settlements/{idempotencyKey}/receipt", service.GetReceipt)
	return router, mock
}

func TestISO20022Service_GetReceipt(t *testing.T) {
	t.Run("confirmed settlement renders as pacs.008", func(t *testing.T) {
		router, mock := newReceiptRouter(t)

		mock.ExpectQuery("SELECT idempotency_key, user_id, kind, home_amount, status").
			WithArgs("fund-00000001", "user1").
			WillReturnRows(sqlmock.NewRows([]string{
				"idempotency_key", "user_id", "kind", "home_amount", "status", "external_reference", "updated_at"}).
				AddRow("fund-00000001", "user1", models.KindFund, "100", models.StatusConfirmed, "rail-ref-1", time.Now()))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("GET", "/settlements/fund-00000001/receipt", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/xml", w.Header().Get("Content-Type"))
		body := w.Body.String()
		assert.True(t, strings.HasPrefix(body, "<?xml"))
		assert.Contains(t, body, "KWARTAPAY")
		assert.Contains(t, body, "rail-ref-1")
		assert.Contains(t, body, "USD")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending settlement has no receipt yet", func(t *testing.T) {
		router, mock := newReceiptRouter(t)

		mock.ExpectQuery("SELECT idempotency_key, user_id, kind, home_amount, status").
			WithArgs("fund-00000002", "user1").
			WillReturnRows(sqlmock.NewRows([]string{
				"idempotency_key", "user_id", "kind", "home_amount", "status", "external_reference", "updated_at"}).
				AddRow("fund-00000002", "user1", models.KindFund, "100", models.StatusPending, "rail-ref-2", time.Now()))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("GET", "/settlements/fund-00000002/receipt", nil))

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown settlement", func(t *testing.T) {
		router, mock := newReceiptRouter(t)

		mock.ExpectQuery("SELECT idempotency_key, user_id, kind, home_amount, status").
			WithArgs("missing-key-1", "user1").
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest("GET", "/settlements/missing-key-1/receipt", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestISO20022Service_CreatePacs008(t *testing.T) {
	service := NewISO20022Service(nil, "USD")

	t.Run("withdraw swaps debtor and creditor", func(t *testing.T) {
		entry := &models.LedgerEntry{
			IdempotencyKey:    "wdrw-00000001",
			UserID:            "user1",
			Kind:              models.KindWithdraw,
			HomeAmount:        decimal.NewFromInt(50),
			ExternalReference: "rail-ref-9",
			UpdatedAt:         time.Now(),
		}

		doc, err := service.CreatePacs008(entry)
		assert.NoError(t, err)
		assert.Len(t, doc.CdtTrfTxInf, 1)
		assert.Equal(t, "wallet:user1", string(*doc.CdtTrfTxInf[0].Dbtr.Nm))
		assert.Equal(t, "user1", string(*doc.CdtTrfTxInf[0].Cdtr.Nm))
	})

	t.Run("fund credits the wallet", func(t *testing.T) {
		entry := &models.LedgerEntry{
			IdempotencyKey:    "fund-00000001",
			UserID:            "user1",
			Kind:              models.KindFund,
			HomeAmount:        decimal.NewFromInt(100),
			ExternalReference: "rail-ref-1",
			UpdatedAt:         time.Now(),
		}

		doc, err := service.CreatePacs008(entry)
		assert.NoError(t, err)
		assert.Equal(t, "user1", string(*doc.CdtTrfTxInf[0].Dbtr.Nm))
		assert.Equal(t, "wallet:user1", string(*doc.CdtTrfTxInf[0].Cdtr.Nm))
		assert.Equal(t, 100.0, doc.GrpHdr.TtlIntrBkSttlmAmt.Value)
	})
}
