// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT (optional)

	// Fee rates (fractions, e.g. 0.02 = 2%)
	MerchantRate  decimal.Decimal
	MerchantFixed decimal.Decimal // fixed component, final release only
	DspRate       decimal.Decimal
	CashoutRate   decimal.Decimal

	// PeaceLink lifecycle
	ApprovalTTL        time.Duration // how long a link waits for buyer approval
	MaxDeliveryDays    int
	MaxReassignments   int
	OTPTTL             time.Duration
	OTPMaxAttempts     int
	OTPDigits          int
	ExpirySweepEvery   time.Duration

	// Security
	AdminSecret   string // X-Admin-Secret for admin endpoints
	WebhookSecret string
	RateLimitRPS  int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultMerchantRate    = "0.02"
	DefaultMerchantFixed   = "10.00"
	DefaultDspRate         = "0.005"
	DefaultCashoutRate     = "0.015"
	DefaultApprovalTTL     = 48 * time.Hour
	DefaultMaxDeliveryDays = 7
	DefaultMaxReassign     = 1
	DefaultOTPTTL          = 24 * time.Hour
	DefaultOTPMaxAttempts  = 5
	DefaultOTPDigits       = 6
	DefaultExpirySweep     = time.Minute
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ApprovalTTL:      getEnvDuration("APPROVAL_TTL", DefaultApprovalTTL),
		MaxDeliveryDays:  int(getEnvInt64("MAX_DELIVERY_DAYS", DefaultMaxDeliveryDays)),
		MaxReassignments: int(getEnvInt64("MAX_DSP_REASSIGNMENTS", DefaultMaxReassign)),
		OTPTTL:           getEnvDuration("OTP_TTL", DefaultOTPTTL),
		OTPMaxAttempts:   int(getEnvInt64("OTP_MAX_ATTEMPTS", DefaultOTPMaxAttempts)),
		OTPDigits:        int(getEnvInt64("OTP_DIGITS", DefaultOTPDigits)),
		ExpirySweepEvery: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweep),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	var err error
	if cfg.MerchantRate, err = getEnvDecimal("MERCHANT_FEE_RATE", DefaultMerchantRate); err != nil {
		return nil, err
	}
	if cfg.MerchantFixed, err = getEnvDecimal("MERCHANT_FIXED_FEE", DefaultMerchantFixed); err != nil {
		return nil, err
	}
	if cfg.DspRate, err = getEnvDecimal("DSP_FEE_RATE", DefaultDspRate); err != nil {
		return nil, err
	}
	if cfg.CashoutRate, err = getEnvDecimal("CASHOUT_FEE_RATE", DefaultCashoutRate); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are sane
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"MERCHANT_FEE_RATE": c.MerchantRate,
		"DSP_FEE_RATE":      c.DspRate,
		"CASHOUT_FEE_RATE":  c.CashoutRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("%s must be in [0,1), got %s", name, rate)
		}
	}
	if c.MerchantFixed.IsNegative() {
		return fmt.Errorf("MERCHANT_FIXED_FEE must be non-negative, got %s", c.MerchantFixed)
	}
	if c.MaxDeliveryDays <= 0 {
		return fmt.Errorf("MAX_DELIVERY_DAYS must be positive, got %d", c.MaxDeliveryDays)
	}
	if c.MaxReassignments < 0 {
		return fmt.Errorf("MAX_DSP_REASSIGNMENTS must be non-negative, got %d", c.MaxReassignments)
	}
	if c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive, got %d", c.OTPMaxAttempts)
	}
	if c.OTPDigits < 4 || c.OTPDigits > 10 {
		return fmt.Errorf("OTP_DIGITS must be between 4 and 10, got %d", c.OTPDigits)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, raw, err)
	}
	return d, nil
}
