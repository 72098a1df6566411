package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmaledger/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func TestCreditLedger_SaleAndLimit(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	seedCustomer(t, pool, "MR-1001", "1000.00")

	charge := func(amount string) error {
		return inTx(t, pool, func(tx pgx.Tx) error {
			return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-1001",
				decimal.RequireFromString(amount), "S-1", uuid.NewString())
		})
	}
	pay := func(amount string) error {
		return inTx(t, pool, func(tx pgx.Tx) error {
			_, err := eng.credit.RecordPaymentTx(ctx, tx, "MR-1001",
				decimal.RequireFromString(amount), "P-1", uuid.NewString())
			return err
		})
	}
	remaining := func() decimal.Decimal {
		c, err := eng.credit.GetCustomer(ctx, "MR-1001")
		if err != nil {
			t.Fatalf("Failed to get customer: %v", err)
		}
		return c.CreditRemaining
	}

	if err := charge("400.00"); err != nil {
		t.Fatalf("Failed to record sale of 400: %v", err)
	}
	if got := remaining(); !got.Equal(decimal.RequireFromString("600.00")) {
		t.Errorf("remaining after sale = %s, want 600", got)
	}

	if err := pay("200.00"); err != nil {
		t.Fatalf("Failed to record payment of 200: %v", err)
	}
	if got := remaining(); !got.Equal(decimal.RequireFromString("800.00")) {
		t.Errorf("remaining after payment = %s, want 800", got)
	}

	if err := charge("900.00"); !errors.Is(err, core.ErrCreditLimitExceeded) {
		t.Fatalf("expected CreditLimitExceeded for sale of 900 against 800, got %v", err)
	}
	if got := remaining(); !got.Equal(decimal.RequireFromString("800.00")) {
		t.Errorf("rejected sale must leave balance untouched, got %s", got)
	}

	// Exhausting the balance exactly is allowed.
	if err := charge("800.00"); err != nil {
		t.Fatalf("Failed to charge to exactly zero: %v", err)
	}
	if got := remaining(); !got.IsZero() {
		t.Errorf("remaining after full charge = %s, want 0", got)
	}

	// credit_remaining must always equal credit_limit + sum of event deltas.
	b, err := eng.store.RebuildBalances(ctx, core.CustomerKey("MR-1001"))
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	rebuilt := decimal.RequireFromString("1000.00").Add(b.Amount)
	if !rebuilt.Equal(remaining()) {
		t.Errorf("rebuilt remaining %s diverges from materialized %s", rebuilt, remaining())
	}
}

func TestCreditLedger_OverdraftFloor(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{
		Floor:            decimal.RequireFromString("-200.00"),
		AllowOverpayment: true,
	})
	ctx := context.Background()
	seedCustomer(t, pool, "MR-2001", "100.00")

	err := inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-2001",
			decimal.RequireFromString("250.00"), "S-1", uuid.NewString())
	})
	if err != nil {
		t.Fatalf("Failed to charge into allowed overdraft: %v", err)
	}
	c, err := eng.credit.GetCustomer(ctx, "MR-2001")
	if err != nil {
		t.Fatalf("Failed to get customer: %v", err)
	}
	if !c.CreditRemaining.Equal(decimal.RequireFromString("-150.00")) {
		t.Errorf("remaining = %s, want -150", c.CreditRemaining)
	}

	err = inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-2001",
			decimal.RequireFromString("100.00"), "S-2", uuid.NewString())
	})
	if !errors.Is(err, core.ErrCreditLimitExceeded) {
		t.Errorf("expected CreditLimitExceeded below floor, got %v", err)
	}
}

func TestCreditLedger_OverpaymentClamped(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: false})
	ctx := context.Background()
	seedCustomer(t, pool, "MR-3001", "500.00")

	err := inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-3001",
			decimal.RequireFromString("300.00"), "S-1", uuid.NewString())
	})
	if err != nil {
		t.Fatalf("Failed to record sale: %v", err)
	}

	var applied decimal.Decimal
	err = inTx(t, pool, func(tx pgx.Tx) error {
		var err error
		applied, err = eng.credit.RecordPaymentTx(ctx, tx, "MR-3001",
			decimal.RequireFromString("400.00"), "P-1", uuid.NewString())
		return err
	})
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if !applied.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("applied amount = %s, want clamp to 300", applied)
	}

	c, err := eng.credit.GetCustomer(ctx, "MR-3001")
	if err != nil {
		t.Fatalf("Failed to get customer: %v", err)
	}
	if !c.CreditRemaining.Equal(c.CreditLimit) {
		t.Errorf("remaining = %s, want clamped at limit %s", c.CreditRemaining, c.CreditLimit)
	}

	// Another payment at the limit is refused outright.
	err = inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.credit.RecordPaymentTx(ctx, tx, "MR-3001",
			decimal.RequireFromString("50.00"), "P-2", uuid.NewString())
		return err
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("expected InvalidAmount at credit limit, got %v", err)
	}

	// The event log recorded only the applied amount, so the rebuild still holds.
	b, err := eng.store.RebuildBalances(ctx, core.CustomerKey("MR-3001"))
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	rebuilt := c.CreditLimit.Add(b.Amount)
	if !rebuilt.Equal(c.CreditRemaining) {
		t.Errorf("rebuilt remaining %s diverges from materialized %s", rebuilt, c.CreditRemaining)
	}
}

func TestCreditLedger_ReturnClampedAtLimit(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: false})
	ctx := context.Background()
	seedCustomer(t, pool, "MR-4001", "500.00")

	err := inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-4001",
			decimal.RequireFromString("50.00"), "S-1", uuid.NewString())
	})
	if err != nil {
		t.Fatalf("Failed to record sale: %v", err)
	}

	err = inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditReturnTx(ctx, tx, "MR-4001",
			decimal.RequireFromString("100.00"), "R-1", uuid.NewString())
	})
	if err != nil {
		t.Fatalf("Failed to record return: %v", err)
	}

	c, err := eng.credit.GetCustomer(ctx, "MR-4001")
	if err != nil {
		t.Fatalf("Failed to get customer: %v", err)
	}
	if !c.CreditRemaining.Equal(c.CreditLimit) {
		t.Errorf("remaining = %s, want clamped at limit %s", c.CreditRemaining, c.CreditLimit)
	}

	// A further return at zero headroom is a silent no-op, not an error.
	err = inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditReturnTx(ctx, tx, "MR-4001",
			decimal.RequireFromString("25.00"), "R-2", uuid.NewString())
	})
	if err != nil {
		t.Fatalf("Return at zero headroom must no-op, got %v", err)
	}
	c, err = eng.credit.GetCustomer(ctx, "MR-4001")
	if err != nil {
		t.Fatalf("Failed to get customer: %v", err)
	}
	if !c.CreditRemaining.Equal(c.CreditLimit) {
		t.Errorf("remaining moved on a no-op return: %s", c.CreditRemaining)
	}
}

func TestCreditLedger_UnknownCustomer(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()

	err := inTx(t, pool, func(tx pgx.Tx) error {
		return eng.credit.RecordCreditSaleTx(ctx, tx, "MR-NOPE",
			decimal.RequireFromString("10.00"), "S-1", uuid.NewString())
	})
	if !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("expected UnknownEntity, got %v", err)
	}
	if _, err := eng.credit.GetCustomer(ctx, "MR-NOPE"); !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("expected UnknownEntity from GetCustomer, got %v", err)
	}
}
