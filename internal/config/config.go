// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/campusbazaar/unlockd/internal/pricing"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development" validate:"oneof=development staging production test"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL"` // PostgreSQL connection string (optional, uses in-memory if not set)

	// Pricing. Amounts are minor currency units (10.00 = 1000).
	PricingMode   string `envconfig:"PRICING_MODE" default:"tiered" validate:"oneof=tiered token"`
	PricingFile   string `envconfig:"PRICING_FILE"`
	PriceBasic    int64  `envconfig:"PRICE_BASIC" default:"1000" validate:"gt=0"`
	PricePremium  int64  `envconfig:"PRICE_PREMIUM" default:"2500" validate:"gt=0"`
	PriceUpgrade  int64  `envconfig:"PRICE_UPGRADE" default:"1500" validate:"gt=0"`
	PriceFlat     int64  `envconfig:"PRICE_FLAT" default:"1000" validate:"gt=0"`
	QuotaBasic    int    `envconfig:"QUOTA_BASIC" default:"20" validate:"gte=0"`
	QuotaPremium  int    `envconfig:"QUOTA_PREMIUM" default:"0" validate:"gte=0"`
	QuotaStandard int    `envconfig:"QUOTA_STANDARD" default:"0" validate:"gte=0"`
	TokenCost     int    `envconfig:"TOKEN_COST" default:"1" validate:"gt=0"`
	Currency      string `envconfig:"CURRENCY" default:"INR" validate:"len=3"`

	// Wallet
	SignupFreeCredits    float64       `envconfig:"SIGNUP_FREE_CREDITS" default:"1" validate:"gte=0"`
	BookingRefundCredits float64       `envconfig:"BOOKING_REFUND_CREDITS" default:"0.5" validate:"gte=0"`
	ReservationTTL       time.Duration `envconfig:"RESERVATION_TTL" default:"10m"`

	// Payment gateway
	GatewayProvider  string        `envconfig:"GATEWAY_PROVIDER" default:"sandbox" validate:"oneof=http sandbox"`
	GatewayBaseURL   string        `envconfig:"GATEWAY_BASE_URL" validate:"omitempty,url"`
	GatewayKeyID     string        `envconfig:"GATEWAY_KEY_ID"`
	GatewayKeySecret string        `envconfig:"GATEWAY_KEY_SECRET"`
	GatewayTimeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	VerifyClaimTTL   time.Duration `envconfig:"VERIFY_CLAIM_TTL" default:"2m"`

	// Security
	JWTSecret      string   `envconfig:"JWT_SECRET"`
	JWTIssuer      string   `envconfig:"JWT_ISSUER" default:"campusbazaar-auth"`
	JWTAudience    string   `envconfig:"JWT_AUDIENCE" default:"unlockd"`
	ServiceToken   string   `envconfig:"SERVICE_TOKEN"`
	RateLimitRPS   int      `envconfig:"RATE_LIMIT_RPS" default:"20" validate:"gte=0"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"40" validate:"gte=0"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS"`

	// Notification relay
	RelayBackends      []string `envconfig:"RELAY_BACKENDS" default:"log"`
	RedisURL           string   `envconfig:"REDIS_URL"`
	RedisChannel       string   `envconfig:"REDIS_CHANNEL" default:"unlockd.events"`
	SQSQueueURL        string   `envconfig:"SQS_QUEUE_URL"`
	RelayWebhookURL    string   `envconfig:"RELAY_WEBHOOK_URL" validate:"omitempty,url"`
	RelayWebhookSecret string   `envconfig:"RELAY_WEBHOOK_SECRET"`

	// Operations
	OTLPEndpoint      string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure      bool          `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	TraceSampleRatio  float64       `envconfig:"TRACE_SAMPLE_RATIO" default:"1" validate:"gte=0,lte=1"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
}

// Relay backend names accepted in RELAY_BACKENDS.
const (
	RelayLog     = "log"
	RelayRedis   = "redis"
	RelaySQS     = "sqs"
	RelayWebhook = "webhook"
	RelayWS      = "ws"
)

var validate = validator.New()

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules envconfig tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.PriceUpgrade >= c.PricePremium {
		return fmt.Errorf("PRICE_UPGRADE must be lower than PRICE_PREMIUM")
	}

	if c.GatewayProvider == "sandbox" && c.IsProduction() {
		return fmt.Errorf("GATEWAY_PROVIDER=sandbox cannot take real payments; use http in production")
	}
	if c.GatewayProvider == "http" {
		if c.GatewayBaseURL == "" || c.GatewayKeyID == "" {
			return fmt.Errorf("GATEWAY_BASE_URL and GATEWAY_KEY_ID are required for the http gateway")
		}
	}
	if c.GatewayKeySecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("GATEWAY_KEY_SECRET is required outside development")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if len(c.JWTSecret) > 0 && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}

	for _, b := range c.RelayBackends {
		switch strings.TrimSpace(b) {
		case RelayLog, RelayWS:
		case RelayRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for the redis relay")
			}
		case RelaySQS:
			if c.SQSQueueURL == "" {
				return fmt.Errorf("SQS_QUEUE_URL is required for the sqs relay")
			}
		case RelayWebhook:
			if c.RelayWebhookURL == "" || c.RelayWebhookSecret == "" {
				return fmt.Errorf("RELAY_WEBHOOK_URL and RELAY_WEBHOOK_SECRET are required for the webhook relay")
			}
		default:
			return fmt.Errorf("unknown relay backend %q", b)
		}
	}

	return nil
}

// PricingTable is the price table built from the PRICE_*, QUOTA_*,
// TOKEN_COST and CURRENCY keys. PRICING_FILE, when set, is overlaid on it.
func (c *Config) PricingTable() (pricing.Table, error) {
	table := pricing.Table{
		Currency:  c.Currency,
		Basic:     c.PriceBasic,
		Premium:   c.PricePremium,
		Upgrade:   c.PriceUpgrade,
		Flat:      c.PriceFlat,
		TokenCost: c.TokenCost,
		Quota: pricing.Quotas{
			Basic:    c.QuotaBasic,
			Premium:  c.QuotaPremium,
			Standard: c.QuotaStandard,
		},
	}
	if c.PricingFile == "" {
		return table, nil
	}
	return pricing.LoadFile(c.PricingFile, table)
}

// HasRelay reports whether the named relay backend is enabled.
func (c *Config) HasRelay(name string) bool {
	for _, b := range c.RelayBackends {
		if strings.TrimSpace(b) == name {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "test"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
