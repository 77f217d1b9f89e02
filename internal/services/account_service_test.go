package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kwartapay/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newAccountService(t *testing.T, providerHandler http.HandlerFunc) (*AccountService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	service := NewAccountService(db)
	if providerHandler != nil {
		provider := httptest.NewServer(providerHandler)
		t.Cleanup(provider.Close)
		service.providerURL = provider.URL
	}
	return service, mock
}

func TestAccountService_LinkAccount(t *testing.T) {
	t.Run("successful link", func(t *testing.T) {
		service, mock := newAccountService(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/exchange", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{
				"providerRef": "prov-abc-123",
				"bankName":    "BDO Unibank",
				"accountMask": "****4321",
			})
		})

		mock.ExpectQuery("INSERT INTO linked_accounts").
			WithArgs("user1", "prov-abc-123", "BDO Unibank", "****4321", "ACTIVE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

		body := bytes.NewBufferString(`{"publicToken": "public-tok-12345"}`)
		w := httptest.NewRecorder()
		service.LinkAccount(w, authedRequest("POST", "/accounts/link", body))

		assert.Equal(t, http.StatusCreated, w.Code)
		var linked models.LinkedAccount
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &linked))
		assert.Equal(t, "BDO Unibank", linked.BankName)
		assert.Equal(t, "ACTIVE", linked.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("provider error surfaces as bad gateway", func(t *testing.T) {
		service, _ := newAccountService(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

		body := bytes.NewBufferString(`{"publicToken": "public-tok-12345"}`)
		w := httptest.NewRecorder()
		service.LinkAccount(w, authedRequest("POST", "/accounts/link", body))

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("token too short", func(t *testing.T) {
		service, _ := newAccountService(t, nil)

		body := bytes.NewBufferString(`{"publicToken": "short"}`)
		w := httptest.NewRecorder()
		service.LinkAccount(w, authedRequest("POST", "/accounts/link", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		service, _ := newAccountService(t, nil)

		body := bytes.NewBufferString(`{"publicToken": "public-tok-12345"}`)
		r := httptest.NewRequest("POST", "/accounts/link", body)
		w := httptest.NewRecorder()
		service.LinkAccount(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAccountService_GetLinkedAccounts(t *testing.T) {
	service, mock := newAccountService(t, nil)

	mock.ExpectQuery("SELECT id, user_id, provider_ref, bank_name, account_mask, status, created_at").
		WithArgs("user1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "provider_ref", "bank_name", "account_mask", "status", "created_at"}).
			AddRow(1, "user1", "prov-abc-123", "BDO Unibank", "****4321", "ACTIVE", time.Now()))

	w := httptest.NewRecorder()
	service.GetLinkedAccounts(w, authedRequest("GET", "/accounts/linked", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Accounts []models.LinkedAccount `json:"accounts"`
		Count    int                    `json:"count"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "prov-abc-123", resp.Accounts[0].ProviderRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}
