package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint64(3), cfg.GatewayMaxRetries)
	assert.Equal(t, "@every 1h", cfg.ReconcileSchedule)
	assert.Empty(t, cfg.StripeSecretKey)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3010"}, cfg.CORSOrigins)
	assert.Equal(t, PlanPrices{}, cfg.PriceRefs["essencial"])
}

func TestLoadReadsEnvironment(t *testing.T) {
	setRequired(t)
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "8080")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("GATEWAY_MAX_RETRIES", "5")
	t.Setenv("STRIPE_PRICE_PROFISSIONAL_MONTHLY", "price_pro_m")
	t.Setenv("STRIPE_PRICE_PROFISSIONAL_ANNUAL", "price_pro_a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "sk_test_1", cfg.StripeSecretKey)
	assert.Equal(t, "whsec_1", cfg.StripeWebhookSecret)
	assert.Equal(t, uint64(5), cfg.GatewayMaxRetries)
	assert.Equal(t, PlanPrices{Monthly: "price_pro_m", Annual: "price_pro_a"}, cfg.PriceRefs["profissional"])
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "")
	_, err = Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	setRequired(t)
	t.Chdir(t.TempDir())
	t.Setenv("GATEWAY_MAX_RETRIES", "-1")
	_, err := Load()
	assert.ErrorContains(t, err, "GATEWAY_MAX_RETRIES")
}
