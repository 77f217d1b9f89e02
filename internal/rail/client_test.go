package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestHTTPClient_Mint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/mint", r.URL.Path)
		assert.Equal(t, "fund-00000001", r.Header.Get("Idempotency-Key"))

		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "wallet:user1", payload["walletRef"])
		assert.Equal(t, "100", payload["amount"])

		json.NewEncoder(w).Encode(Result{ExternalReference: "rail-ref-1", Status: StatusPending})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second)
	result, err := client.Mint(context.Background(), "wallet:user1", decimal.NewFromInt(100), "fund-00000001")

	assert.NoError(t, err)
	assert.Equal(t, "rail-ref-1", result.ExternalReference)
	assert.Equal(t, StatusPending, result.Status)
}

func TestHTTPClient_Redeem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/redeem", r.URL.Path)
		json.NewEncoder(w).Encode(Result{ExternalReference: "rail-ref-2", Status: StatusCompleted})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second)
	result, err := client.Redeem(context.Background(), "wallet:user1", decimal.NewFromInt(50), "wdrw-00000001")

	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestHTTPClient_SubmitNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second)
	_, err := client.Mint(context.Background(), "wallet:user1", decimal.NewFromInt(100), "fund-00000001")

	assert.Error(t, err)
}

func TestHTTPClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations/rail-ref-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": StatusFailed})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second)
	status, err := client.Status(context.Background(), "rail-ref-1")

	assert.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestHTTPClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewHTTPClient(server.URL, time.Second)
	_, err := client.Mint(context.Background(), "wallet:user1", decimal.NewFromInt(100), "fund-00000001")

	assert.Error(t, err)
}
