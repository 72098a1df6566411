package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "CREDIT_FLOOR", "ALLOW_OVERPAYMENT",
		"RESERVATION_TTL", "SWEEP_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want 8080", cfg.HTTPPort)
	}
	if !cfg.Policy.CreditFloor.IsZero() {
		t.Errorf("CreditFloor = %s, want 0", cfg.Policy.CreditFloor)
	}
	if !cfg.Policy.AllowOverpayment {
		t.Error("AllowOverpayment default must be true")
	}
	if cfg.Policy.ReservationTTL != 30*time.Second {
		t.Errorf("ReservationTTL = %s, want 30s", cfg.Policy.ReservationTTL)
	}
	if cfg.Policy.SweepInterval != 10*time.Second {
		t.Errorf("SweepInterval = %s, want 10s", cfg.Policy.SweepInterval)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CREDIT_FLOOR", "-250.50")
	t.Setenv("ALLOW_OVERPAYMENT", "false")
	t.Setenv("RESERVATION_TTL", "2m")
	t.Setenv("SWEEP_INTERVAL", "15s")

	cfg := Load()
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %q, want 9090", cfg.HTTPPort)
	}
	if !cfg.Policy.CreditFloor.Equal(decimal.RequireFromString("-250.50")) {
		t.Errorf("CreditFloor = %s, want -250.50", cfg.Policy.CreditFloor)
	}
	if cfg.Policy.AllowOverpayment {
		t.Error("AllowOverpayment must be false")
	}
	if cfg.Policy.ReservationTTL != 2*time.Minute {
		t.Errorf("ReservationTTL = %s, want 2m", cfg.Policy.ReservationTTL)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-port")
	t.Setenv("CREDIT_FLOOR", "lots")
	t.Setenv("ALLOW_OVERPAYMENT", "maybe")
	t.Setenv("RESERVATION_TTL", "-5s")

	cfg := Load()
	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want fallback 8080", cfg.HTTPPort)
	}
	if !cfg.Policy.CreditFloor.IsZero() {
		t.Errorf("CreditFloor = %s, want fallback 0", cfg.Policy.CreditFloor)
	}
	if !cfg.Policy.AllowOverpayment {
		t.Error("AllowOverpayment must fall back to true")
	}
	if cfg.Policy.ReservationTTL != 30*time.Second {
		t.Errorf("ReservationTTL = %s, want fallback 30s", cfg.Policy.ReservationTTL)
	}
}
