package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/shopcart/internal/rewards"
)

const (
	envPrefix              = "SHOPCART"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "shopcart.db"
	defaultLogLevel        = "info"
	defaultClerkAPIURL     = "https://api.clerk.com"
	defaultClerkAdminRole  = "admin"
	defaultSanityDataset   = "production"
	defaultSanityVersion   = "2024-01-01"
	defaultStripeAPIURL    = "https://api.stripe.com"
	defaultStripeCurrency  = "usd"
	defaultSiteBaseURL     = "http://localhost:3000"
	defaultCacheTTLSeconds = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	ClerkIssuer    string
	ClerkJWKSURL   string
	ClerkAPIURL    string
	ClerkSecretKey string
	ClerkAdminRole string

	SanityProjectID  string
	SanityDataset    string
	SanityAPIVersion string
	SanityToken      string
	SanityUseCDN     bool

	StripeAPIURL        string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string

	SiteBaseURL string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	LinkSigningSecret string

	Rewards rewards.Rules
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("clerk.api_url", defaultClerkAPIURL)
	configViper.SetDefault("clerk.admin_role", defaultClerkAdminRole)
	configViper.SetDefault("sanity.dataset", defaultSanityDataset)
	configViper.SetDefault("sanity.api_version", defaultSanityVersion)
	configViper.SetDefault("sanity.use_cdn", false)
	configViper.SetDefault("stripe.api_url", defaultStripeAPIURL)
	configViper.SetDefault("stripe.currency", defaultStripeCurrency)
	configViper.SetDefault("site.base_url", defaultSiteBaseURL)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		ClerkIssuer:    strings.TrimRight(strings.TrimSpace(configViper.GetString("clerk.issuer")), "/"),
		ClerkJWKSURL:   strings.TrimSpace(configViper.GetString("clerk.jwks_url")),
		ClerkAPIURL:    strings.TrimRight(configViper.GetString("clerk.api_url"), "/"),
		ClerkSecretKey: configViper.GetString("clerk.secret_key"),
		ClerkAdminRole: configViper.GetString("clerk.admin_role"),

		SanityProjectID:  configViper.GetString("sanity.project_id"),
		SanityDataset:    configViper.GetString("sanity.dataset"),
		SanityAPIVersion: strings.TrimPrefix(configViper.GetString("sanity.api_version"), "v"),
		SanityToken:      configViper.GetString("sanity.token"),
		SanityUseCDN:     configViper.GetBool("sanity.use_cdn"),

		StripeAPIURL:        strings.TrimRight(configViper.GetString("stripe.api_url"), "/"),
		StripeSecretKey:     configViper.GetString("stripe.secret_key"),
		StripeWebhookSecret: configViper.GetString("stripe.webhook_secret"),
		StripeCurrency:      strings.ToLower(strings.TrimSpace(configViper.GetString("stripe.currency"))),

		SiteBaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("site.base_url")), "/"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		CacheTTL:      time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,

		LinkSigningSecret: configViper.GetString("links.signing_secret"),

		Rewards: rewards.RulesFromConfig(rewards.RawRules{
			ThresholdAmount:       configViper.GetString("rewards.threshold_amount"),
			BasePoints:            configViper.GetString("rewards.base_points"),
			LoyaltyOrderThreshold: configViper.GetString("rewards.loyalty_order_threshold"),
			LoyaltyPointsAmount:   configViper.GetString("rewards.loyalty_points_amount"),
		}),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"database.path", c.DatabasePath},
		{"clerk.issuer", c.ClerkIssuer},
		{"clerk.secret_key", c.ClerkSecretKey},
		{"sanity.project_id", c.SanityProjectID},
		{"sanity.dataset", c.SanityDataset},
		{"sanity.token", c.SanityToken},
		{"stripe.secret_key", c.StripeSecretKey},
		{"stripe.webhook_secret", c.StripeWebhookSecret},
		{"links.signing_secret", c.LinkSigningSecret},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.key)
		}
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	if len(c.StripeCurrency) != 3 {
		return fmt.Errorf("stripe.currency must be a three-letter ISO code")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
