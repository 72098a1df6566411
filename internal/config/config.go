package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds deployment-specific business rules. They are configuration, not
// constants: a pharmacy that allows small overdrafts sets CREDIT_FLOOR to a
// negative amount; one that refuses overpayment refunds sets ALLOW_OVERPAYMENT=false.
type Policy struct {
	// CreditFloor is the lowest value credit_remaining may reach. Default 0
	// (no overdraft). Negative values permit overdraft up to that amount.
	CreditFloor decimal.Decimal
	// AllowOverpayment controls whether a customer payment may push
	// credit_remaining above the credit limit. When false the payment is
	// clamped at the limit and the surplus rejected.
	AllowOverpayment bool
	// ReservationTTL bounds how long a stock reservation stays valid before
	// the sweep reclaims it.
	ReservationTTL time.Duration
	// SweepInterval is the cadence of the reservation-expiry sweep.
	SweepInterval time.Duration
}

// Config holds process-level configuration read from the environment.
type Config struct {
	DatabaseURL string
	HTTPPort    string
	Policy      Policy
}

// Load reads configuration from environment variables with reasonable defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPPort:    envOr("HTTP_PORT", "8080"),
		Policy: Policy{
			CreditFloor:      envDecimal("CREDIT_FLOOR", decimal.Zero),
			AllowOverpayment: envBool("ALLOW_OVERPAYMENT", true),
			ReservationTTL:   envDuration("RESERVATION_TTL", 30*time.Second),
			SweepInterval:    envDuration("SWEEP_INTERVAL", 10*time.Second),
		},
	}

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		log.Printf("invalid HTTP_PORT value %q, defaulting to 8080", cfg.HTTPPort)
		cfg.HTTPPort = "8080"
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s value %q, defaulting to %v", key, v, fallback)
		return fallback
	}
	return b
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("invalid %s value %q, defaulting to %s", key, v, fallback)
		return fallback
	}
	return d
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid %s value %q, defaulting to %s", key, v, fallback)
		return fallback
	}
	return d
}
