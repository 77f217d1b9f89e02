package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Rail-side operation statuses as reported by the provider.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the rail's acknowledgment of a mint or redeem request.
type Result struct {
	ExternalReference string `json:"externalReference"`
	Status            string `json:"status"`
}

// Client is the stablecoin settlement rail. Mint moves value onto a user's
// wallet, Redeem moves it off. Both accept the caller's idempotency key so a
// retried call cannot double-settle on the rail's side.
type Client interface {
	Mint(ctx context.Context, walletRef string, amount decimal.Decimal, idempotencyKey string) (*Result, error)
	Redeem(ctx context.Context, walletRef string, amount decimal.Decimal, idempotencyKey string) (*Result, error)
	Status(ctx context.Context, externalReference string) (string, error)
}

// HTTPClient talks to the rail over its JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Mint(ctx context.Context, walletRef string, amount decimal.Decimal, idempotencyKey string) (*Result, error) {
	return c.submit(ctx, "/v1/mint", walletRef, amount, idempotencyKey)
}

func (c *HTTPClient) Redeem(ctx context.Context, walletRef string, amount decimal.Decimal, idempotencyKey string) (*Result, error) {
	return c.submit(ctx, "/v1/redeem", walletRef, amount, idempotencyKey)
}

func (c *HTTPClient) submit(ctx context.Context, path, walletRef string, amount decimal.Decimal, idempotencyKey string) (*Result, error) {
	payload := map[string]any{
		"walletRef": walletRef,
		"amount":    amount.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	log.Printf("[RAIL] %s walletRef=%s amount=%s key=%s", path, walletRef, amount.String(), idempotencyKey)
	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[RAIL] Request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[RAIL] Non-OK status: %d", resp.StatusCode)
		return nil, fmt.Errorf("rail returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("[RAIL] Failed to decode response: %v", err)
		return nil, err
	}

	log.Printf("[RAIL] Acknowledged ref=%s status=%s", result.ExternalReference, result.Status)
	return &result, nil
}

func (c *HTTPClient) Status(ctx context.Context, externalReference string) (string, error) {
	url := fmt.Sprintf("%s/v1/operations/%s", c.baseURL, externalReference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rail returned status %d", resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Status, nil
}
