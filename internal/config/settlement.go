package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type SettlementConfig struct {
	HomeCurrency       string
	ForeignCurrency    string
	SpreadPercent      decimal.Decimal
	FallbackMidMarket  decimal.Decimal
	RateCacheTTL       time.Duration
	LockTTL            time.Duration
	MaxTransactionAmt  decimal.Decimal
	RailBaseURL        string
	RailTimeout        time.Duration
	WebhookSecret      string
	Environment        string
	SweepInterval      time.Duration
	PendingTimeout     time.Duration
	FXFeedURL          string
}

func LoadSettlementConfig() *SettlementConfig {
	return &SettlementConfig{
		HomeCurrency:      getEnv("HOME_CURRENCY", "USD"),
		ForeignCurrency:   getEnv("FOREIGN_CURRENCY", "PHP"),
		SpreadPercent:     getEnvAsDecimal("FX_SPREAD_PERCENT", "1.0"),
		FallbackMidMarket: getEnvAsDecimal("FX_FALLBACK_MID_MARKET", "56.00"),
		RateCacheTTL:      getEnvAsDuration("FX_RATE_CACHE_TTL", 30*time.Second),
		LockTTL:           getEnvAsDuration("RATE_LOCK_TTL", 15*time.Minute),
		MaxTransactionAmt: getEnvAsDecimal("MAX_TRANSACTION_AMOUNT", "10000"),
		RailBaseURL:       getEnv("RAIL_BASE_URL", "https://rail.example.com"),
		RailTimeout:       getEnvAsDuration("RAIL_TIMEOUT", 10*time.Second),
		WebhookSecret:     getEnv("RAIL_WEBHOOK_SECRET", ""),
		Environment:       getEnv("ENVIRONMENT", "development"),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		PendingTimeout:    getEnvAsDuration("PENDING_TIMEOUT", 30*time.Minute),
		FXFeedURL:         getEnv("FX_FEED_URL", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultVal)
	return d
}
