package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/kwartapay/backend/internal/config"
	"github.com/kwartapay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// QuoteService issues FX quotes and manages rate locks. Quotes are derived
// and side-effect free; locks are persisted and consumed atomically by the
// settlement path.
type QuoteService struct {
	db        *sql.DB
	redis     *redis.Client
	cfg       *config.SettlementConfig
	validator *ValidationHelper
	now       func() time.Time
}

func NewQuoteService(db *sql.DB, redisClient *redis.Client, cfg *config.SettlementConfig) *QuoteService {
	return &QuoteService{
		db:        db,
		redis:     redisClient,
		cfg:       cfg,
		validator: NewValidationHelper(),
		now:       time.Now,
	}
}

type quoteRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GetQuote returns a derived FX quote for the requested home amount
// @Summary Get an FX quote
// @Description Compute a foreign-per-home rate from the mid-market rate minus the platform spread
// @Tags quotes
// @Accept json
// @Produce json
// @Param quote body quoteRequest true "Quote request"
// @Success 200 {object} models.Quote
// @Failure 400 {object} ErrorResponse
// @Router /quotes [post]
func (qs *QuoteService) GetQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	quote, err := qs.Quote(r.Context(), req.Amount)
	if err != nil {
		SendAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(quote)
}

// Quote computes a quote without side effects. Safe to call at any frequency.
func (qs *QuoteService) Quote(ctx context.Context, amount decimal.Decimal) (*models.Quote, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	mid := qs.midMarketRate(ctx)
	spreadFactor := decimal.NewFromInt(1).Sub(qs.cfg.SpreadPercent.Div(decimal.NewFromInt(100)))
	rate := mid.Mul(spreadFactor)

	return &models.Quote{
		RequestedAmount: amount,
		Rate:            rate,
		MidMarketRate:   mid,
		SpreadPercent:   qs.cfg.SpreadPercent,
		GeneratedAt:     qs.now(),
	}, nil
}

// LockRate freezes the current quoted rate for the caller
// @Summary Lock a quoted rate
// @Description Persist a rate lock valid for the configured TTL; the response includes the expiry for countdown rendering
// @Tags quotes
// @Accept json
// @Produce json
// @Param lock body quoteRequest true "Lock request"
// @Success 201 {object} models.RateLock
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /quotes/lock [post]
func (qs *QuoteService) LockRate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req quoteRequest

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

	quote, err := qs.Quote(r.Context(), req.Amount)
	if err != nil {
		SendAPIError(w, err)
		return
	}

	lock := &models.RateLock{
		LockID:     uuid.New().String(),
		UserID:     userID,
		LockedRate: quote.Rate,
		HomeAmount: req.Amount,
		CreatedAt:  qs.now(),
	}
	lock.ExpiresAt = lock.CreatedAt.Add(qs.cfg.LockTTL)

	_, err = qs.db.Exec(`
		INSERT INTO rate_locks (lock_id, user_id, locked_rate, home_amount, consumed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, false, $5, $6)`,
		lock.LockID, lock.UserID, lock.LockedRate, lock.HomeAmount, lock.CreatedAt, lock.ExpiresAt)
	if err != nil {
		log.Printf("[QUOTE] Failed to persist rate lock for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to create rate lock", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[QUOTE] Rate lock %s created for user %s: rate=%s expires=%s",
		lock.LockID, userID, lock.LockedRate.String(), lock.ExpiresAt.Format(time.RFC3339))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(lock)
}

// ConsumeLockTx marks the lock consumed and returns it, all inside the
// caller's transaction. The guarded UPDATE is the race arbiter: of two
// concurrent settlements referencing the same lock, exactly one matches the
// consumed=false row and the loser is diagnosed to the precise failure.
// Expiry is strict (now == expiresAt counts as expired) and judged against
// the server clock only.
func (qs *QuoteService) ConsumeLockTx(tx *sql.Tx, lockID, userID string) (*models.RateLock, error) {
	now := qs.now()
	lock := &models.RateLock{LockID: lockID, UserID: userID, Consumed: true}

	err := tx.QueryRow(`
		UPDATE rate_locks SET consumed = true
		WHERE lock_id = $1 AND user_id = $2 AND consumed = false AND expires_at > $3
		RETURNING locked_rate, home_amount, created_at, expires_at`,
		lockID, userID, now).
		Scan(&lock.LockedRate, &lock.HomeAmount, &lock.CreatedAt, &lock.ExpiresAt)
	if err == nil {
		return lock, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var consumed bool
	var expiresAt time.Time
	err = tx.QueryRow(`
		SELECT consumed, expires_at FROM rate_locks
		WHERE lock_id = $1 AND user_id = $2`,
		lockID, userID).Scan(&consumed, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	if consumed {
		return nil, ErrLockAlreadyUsed
	}
	if !now.Before(expiresAt) {
		return nil, ErrLockExpired
	}
	return nil, ErrLockNotFound
}

// midMarketRate resolves the live mid-market rate: redis cache, then the
// external FX feed, then the configured fallback. Never fails; a quote is
// always produced.
func (qs *QuoteService) midMarketRate(ctx context.Context) decimal.Decimal {
	cacheKey := fmt.Sprintf("fx:mid:%s%s", qs.cfg.HomeCurrency, qs.cfg.ForeignCurrency)

	if qs.redis != nil {
		if cached, err := qs.redis.Get(ctx, cacheKey).Result(); err == nil {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate
			}
		}
	}

	rate := qs.fetchFeedRate(ctx)

	if qs.redis != nil {
		if err := qs.redis.Set(ctx, cacheKey, rate.String(), qs.cfg.RateCacheTTL).Err(); err != nil {
			log.Printf("[QUOTE] Failed to cache mid-market rate: %v", err)
		}
	}

	return rate
}

func (qs *QuoteService) fetchFeedRate(ctx context.Context) decimal.Decimal {
	if qs.cfg.FXFeedURL == "" {
		return qs.cfg.FallbackMidMarket
	}

	url := fmt.Sprintf("%s?base=%s&quote=%s", qs.cfg.FXFeedURL, qs.cfg.HomeCurrency, qs.cfg.ForeignCurrency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return qs.cfg.FallbackMidMarket
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("[QUOTE] FX feed request failed, using fallback rate: %v", err)
		return qs.cfg.FallbackMidMarket
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[QUOTE] FX feed returned non-OK status %d, using fallback rate", resp.StatusCode)
		return qs.cfg.FallbackMidMarket
	}

	var result struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.Rate.IsPositive() {
		log.Printf("[QUOTE] FX feed response unusable, using fallback rate: %v", err)
		return qs.cfg.FallbackMidMarket
	}

	return result.Rate
}
