package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarcoPoloResearchLab/shopcart/internal/rewards"
)

func requiredSettings() map[string]string {
	return map[string]string{
		"clerk.issuer":          "https://clerk.shop.example.com/",
		"clerk.secret_key":      "sk_test_clerk",
		"sanity.project_id":     "abc123",
		"sanity.token":          "sanity-token",
		"stripe.secret_key":     "sk_test_stripe",
		"stripe.webhook_secret": "whsec_test",
		"links.signing_secret":  "link-secret",
	}
}

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	for key, value := range requiredSettings() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ClerkIssuer != "https://clerk.shop.example.com" {
		testContext.Fatalf("expected trailing slash trimmed, got %q", cfg.ClerkIssuer)
	}
	if cfg.CacheTTL != time.Minute {
		testContext.Fatalf("expected default cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.StripeCurrency != "usd" || cfg.SanityDataset != "production" {
		testContext.Fatalf("unexpected stripe/sanity defaults %+v", cfg)
	}
	if !cfg.Rewards.ThresholdAmount.Equal(rewards.DefaultRules().ThresholdAmount) {
		testContext.Fatalf("expected default reward rules, got %+v", cfg.Rewards)
	}
}

func TestLoadParsesListsAndRewardOverrides(testContext *testing.T) {
	configViper := NewViper()
	for key, value := range requiredSettings() {
		configViper.Set(key, value)
	}
	configViper.Set("http.allowed_origins", "https://shop.example.com, ,https://admin.example.com")
	configViper.Set("rewards.threshold_amount", "50.5")
	configViper.Set("rewards.base_points", "oops")
	configViper.Set("rewards.loyalty_order_threshold", "3")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		testContext.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !cfg.Rewards.ThresholdAmount.Equal(decimal.RequireFromString("50.5")) {
		testContext.Fatalf("expected threshold override, got %s", cfg.Rewards.ThresholdAmount)
	}
	if cfg.Rewards.BasePoints != rewards.DefaultBasePoints {
		testContext.Fatalf("expected malformed base points to fall back, got %d", cfg.Rewards.BasePoints)
	}
	if cfg.Rewards.LoyaltyOrderThreshold != 3 {
		testContext.Fatalf("expected loyalty threshold override, got %d", cfg.Rewards.LoyaltyOrderThreshold)
	}
}

func TestLoadRejectsMissingSecrets(testContext *testing.T) {
	for key := range requiredSettings() {
		configViper := NewViper()
		for otherKey, value := range requiredSettings() {
			if otherKey != key {
				configViper.Set(otherKey, value)
			}
		}
		_, err := Load(configViper)
		if err == nil || !strings.Contains(err.Error(), key) {
			testContext.Fatalf("expected error naming %s, got %v", key, err)
		}
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	for key, value := range requiredSettings() {
		testContext.Setenv("SHOPCART_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), value)
	}
	testContext.Setenv("SHOPCART_STRIPE_CURRENCY", "EUR")
	testContext.Setenv("SHOPCART_CACHE_TTL_SECONDS", "5")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.StripeCurrency != "eur" || cfg.CacheTTL != 5*time.Second {
		testContext.Fatalf("unexpected env-derived config %+v", cfg)
	}
}
