package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// PriceRefs maps plan id to its gateway price references.
type PriceRefs map[string]PlanPrices

// PlanPrices holds one plan's monthly and annual gateway price references.
type PlanPrices struct {
	Monthly string
	Annual  string
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string
	RedisURL    string
	CORSOrigins []string
	LogLevel    string

	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayMaxRetries   uint64

	// ReconcileSchedule is a cron spec for cmd/reconcile.
	ReconcileSchedule string

	PriceRefs PriceRefs
}

// pricedPlans are the plan ids whose price references are read from
// STRIPE_PRICE_<PLAN>_<MONTHLY|ANNUAL>.
var pricedPlans = []string{"essencial", "profissional", "empresarial"}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "4001"))
	if err != nil {
		return nil, fmt.Errorf("PORT must be a number: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	retries, err := strconv.ParseUint(getEnv("GATEWAY_MAX_RETRIES", "3"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("GATEWAY_MAX_RETRIES must be a non-negative number: %w", err)
	}

	origins := strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:3010"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	refs := make(PriceRefs, len(pricedPlans))
	for _, id := range pricedPlans {
		key := "STRIPE_PRICE_" + strings.ToUpper(id)
		refs[id] = PlanPrices{
			Monthly: getEnv(key+"_MONTHLY", ""),
			Annual:  getEnv(key+"_ANNUAL", ""),
		}
	}

	return &Config{
		Port:                port,
		JWTSecret:           jwtSecret,
		DatabaseURL:         dbURL,
		RedisURL:            getEnv("REDIS_URL", ""),
		CORSOrigins:         origins,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		GatewayMaxRetries:   retries,
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", "@every 1h"),
		PriceRefs:           refs,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
