package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kwartapay/backend/docs"
	"github.com/kwartapay/backend/internal/config"
	"github.com/kwartapay/backend/internal/database"
	mW "github.com/kwartapay/backend/internal/middleware"
	"github.com/kwartapay/backend/internal/rail"
	"github.com/kwartapay/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title KwartaPay Settlement API
// @version 1.0
// @description Cross-border settlement and quote-lock engine
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "KwartaPay Settlement API"
	docs.SwaggerInfo.Description = "Cross-border settlement and quote-lock engine"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	settlementCfg := config.LoadSettlementConfig()
	if settlementCfg.WebhookSecret == "" && settlementCfg.Environment == "production" {
		log.Fatal("RAIL_WEBHOOK_SECRET is required in production")
	}

	railClient := rail.NewHTTPClient(settlementCfg.RailBaseURL, settlementCfg.RailTimeout)

	walletService := services.NewWalletService(db)
	quoteService := services.NewQuoteService(db, redisClient, settlementCfg)
	settlementService := services.NewSettlementService(db, walletService, quoteService, railClient, settlementCfg)
	reconciliationService := services.NewReconciliationService(db, walletService, settlementCfg)
	sweepService := services.NewSweepService(db, railClient, reconciliationService, settlementCfg)
	accountService := services.NewAccountService(db)
	isoService := services.NewISO20022Service(db, settlementCfg.HomeCurrency)

	// Background reconciliation-timeout sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepService.Run(sweepCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Settlement rail callbacks (signature-verified, not JWT-authed)
	r.Post("/webhooks/settlement", reconciliationService.HandleSettlementEvent)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/quotes", quoteService.GetQuote)
			r.Post("/quotes/lock", quoteService.LockRate)

			r.Get("/settlements", settlementService.ListSettlements)
			r.Post("/settlements", settlementService.CreateSettlement)
			r.Get("/settlements/{idempotencyKey}", settlementService.GetSettlement)
			r.Get("/settlements/{idempotencyKey}/receipt", isoService.GetReceipt)

			r.Get("/wallet/balance", walletService.GetBalance)

			r.Post("/accounts/link", accountService.LinkAccount)
			r.Get("/accounts/linked", accountService.GetLinkedAccounts)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
