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

func TestSupplierLedger_DeliveryStatusRule(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supID := seedSupplier(t, pool, "PharmaDist")
	medID := seedMedicine(t, pool, "Metformin", "B-101", 0)

	order, err := eng.supplier.CreateOrder(ctx, supID, medID, 100, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if order.Status != core.OrderPending {
		t.Fatalf("new order status = %s, want pending", order.Status)
	}
	if !order.TotalCost.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("total cost = %s, want 5000", order.TotalCost)
	}

	confirm := func(qty int64) error {
		return inTx(t, pool, func(tx pgx.Tx) error {
			_, err := eng.supplier.ConfirmDeliveryTx(ctx, tx, order.ID, qty, uuid.NewString())
			return err
		})
	}

	if err := confirm(40); err != nil {
		t.Fatalf("Failed to confirm partial delivery: %v", err)
	}
	o, err := eng.supplier.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if o.Status != core.OrderPartiallyDelivered || o.QtyReceived != 40 {
		t.Errorf("after partial: status %s received %d, want partially_delivered / 40", o.Status, o.QtyReceived)
	}
	s, err := eng.supplier.GetSupplier(ctx, supID)
	if err != nil {
		t.Fatalf("Failed to get supplier: %v", err)
	}
	if !s.CurrentBalance.Equal(decimal.RequireFromString("2000.00")) {
		t.Errorf("balance after partial = %s, want 2000", s.CurrentBalance)
	}

	if err := confirm(60); err != nil {
		t.Fatalf("Failed to confirm completing delivery: %v", err)
	}
	o, err = eng.supplier.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if o.Status != core.OrderDelivered || o.QtyReceived != 100 {
		t.Errorf("after full: status %s received %d, want delivered / 100", o.Status, o.QtyReceived)
	}
	if o.ActualDelivery == nil {
		t.Error("actual_delivery must be stamped on full delivery")
	}
	s, err = eng.supplier.GetSupplier(ctx, supID)
	if err != nil {
		t.Fatalf("Failed to get supplier: %v", err)
	}
	if !s.CurrentBalance.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("balance after full = %s, want 5000", s.CurrentBalance)
	}

	// Finalized orders take no further deliveries.
	if err := confirm(1); !errors.Is(err, core.ErrOrderAlreadyFinalized) {
		t.Errorf("expected OrderAlreadyFinalized, got %v", err)
	}
}

func TestSupplierLedger_OverDelivery(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supID := seedSupplier(t, pool, "MediSupply")
	medID := seedMedicine(t, pool, "Omeprazole", "B-102", 0)

	order, err := eng.supplier.CreateOrder(ctx, supID, medID, 10, decimal.RequireFromString("20.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	confirm := func(qty int64) error {
		return inTx(t, pool, func(tx pgx.Tx) error {
			_, err := eng.supplier.ConfirmDeliveryTx(ctx, tx, order.ID, qty, uuid.NewString())
			return err
		})
	}

	if err := confirm(12); !errors.Is(err, core.ErrOverDelivery) {
		t.Errorf("expected OverDelivery for 12 of 10, got %v", err)
	}
	if err := confirm(7); err != nil {
		t.Fatalf("Failed to confirm 7 of 10: %v", err)
	}
	// The cumulative total is what counts.
	if err := confirm(5); !errors.Is(err, core.ErrOverDelivery) {
		t.Errorf("expected OverDelivery for cumulative 12 of 10, got %v", err)
	}

	s, err := eng.supplier.GetSupplier(ctx, supID)
	if err != nil {
		t.Fatalf("Failed to get supplier: %v", err)
	}
	if !s.CurrentBalance.Equal(decimal.RequireFromString("140.00")) {
		t.Errorf("balance = %s, want 140 for the one accepted delivery", s.CurrentBalance)
	}
}

func TestSupplierLedger_PaymentLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supID := seedSupplier(t, pool, "HealthCo")
	medID := seedMedicine(t, pool, "Atorvastatin", "B-103", 0)

	order, err := eng.supplier.CreateOrder(ctx, supID, medID, 100, decimal.RequireFromString("50.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if err := inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.supplier.ConfirmDeliveryTx(ctx, tx, order.ID, 100, uuid.NewString())
		return err
	}); err != nil {
		t.Fatalf("Failed to confirm delivery: %v", err)
	}

	balance := func() decimal.Decimal {
		s, err := eng.supplier.GetSupplier(ctx, supID)
		if err != nil {
			t.Fatalf("Failed to get supplier: %v", err)
		}
		return s.CurrentBalance
	}
	if got := balance(); !got.Equal(decimal.RequireFromString("5000.00")) {
		t.Fatalf("balance after delivery = %s, want 5000", got)
	}

	var paymentID int64
	if err := inTx(t, pool, func(tx pgx.Tx) error {
		var err error
		paymentID, err = eng.supplier.CreatePaymentTx(ctx, tx, supID, &order.ID,
			decimal.RequireFromString("5000.00"), "bank")
		return err
	}); err != nil {
		t.Fatalf("Failed to create payment: %v", err)
	}
	// A pending payment has no balance effect.
	if got := balance(); !got.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("pending payment moved balance to %s", got)
	}

	transition := func(next core.PaymentStatus) error {
		return inTx(t, pool, func(tx pgx.Tx) error {
			_, err := eng.supplier.RecordPaymentTx(ctx, tx, paymentID, next, uuid.NewString())
			return err
		})
	}

	if err := transition(core.PaymentCompleted); err != nil {
		t.Fatalf("Failed to complete payment: %v", err)
	}
	if got := balance(); !got.IsZero() {
		t.Errorf("balance after completed payment = %s, want 0", got)
	}

	// Completing again is an illegal move, not a second deduction.
	if err := transition(core.PaymentCompleted); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition re-completing, got %v", err)
	}
	if got := balance(); !got.IsZero() {
		t.Errorf("balance moved on rejected transition: %s", got)
	}

	if err := transition(core.PaymentRefunded); err != nil {
		t.Fatalf("Failed to refund payment: %v", err)
	}
	if got := balance(); !got.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("balance after refund = %s, want 5000", got)
	}

	// current_balance must equal the signed event sums at every step.
	b, err := eng.store.RebuildBalances(ctx, core.SupplierKey(supID))
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if !b.Amount.Equal(balance()) {
		t.Errorf("rebuilt balance %s diverges from materialized %s", b.Amount, balance())
	}
}

func TestSupplierLedger_FailedPaymentHasNoEffect(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supID := seedSupplier(t, pool, "BioPharm")

	var paymentID int64
	if err := inTx(t, pool, func(tx pgx.Tx) error {
		var err error
		paymentID, err = eng.supplier.CreatePaymentTx(ctx, tx, supID, nil,
			decimal.RequireFromString("300.00"), "cash")
		return err
	}); err != nil {
		t.Fatalf("Failed to create payment: %v", err)
	}

	if err := inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.supplier.RecordPaymentTx(ctx, tx, paymentID, core.PaymentFailed, uuid.NewString())
		return err
	}); err != nil {
		t.Fatalf("Failed to fail payment: %v", err)
	}

	s, err := eng.supplier.GetSupplier(ctx, supID)
	if err != nil {
		t.Fatalf("Failed to get supplier: %v", err)
	}
	if !s.CurrentBalance.IsZero() {
		t.Errorf("failed payment moved balance to %s", s.CurrentBalance)
	}
	b, err := eng.store.RebuildBalances(ctx, core.SupplierKey(supID))
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if b.Events != 0 {
		t.Errorf("failed payment appended %d events, want 0", b.Events)
	}
}

func TestSupplierLedger_PaymentValidation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supA := seedSupplier(t, pool, "SupplierA")
	supB := seedSupplier(t, pool, "SupplierB")
	medID := seedMedicine(t, pool, "Lisinopril", "B-104", 0)

	order, err := eng.supplier.CreateOrder(ctx, supA, medID, 5, decimal.RequireFromString("10.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	err = inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.supplier.CreatePaymentTx(ctx, tx, 999, nil,
			decimal.RequireFromString("10.00"), "cash")
		return err
	})
	if !errors.Is(err, core.ErrUnknownEntity) {
		t.Errorf("expected UnknownEntity for missing supplier, got %v", err)
	}

	// An order can only be paid by the supplier it belongs to.
	err = inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.supplier.CreatePaymentTx(ctx, tx, supB, &order.ID,
			decimal.RequireFromString("10.00"), "cash")
		return err
	})
	if !errors.Is(err, core.ErrMalformedEvent) {
		t.Errorf("expected MalformedEvent for foreign order, got %v", err)
	}
}

func TestSupplierLedger_CancelOrder(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	eng := newTestEngine(t, pool, time.Minute, core.CreditPolicy{AllowOverpayment: true})
	ctx := context.Background()
	supID := seedSupplier(t, pool, "GenericMeds")
	medID := seedMedicine(t, pool, "Losartan", "B-105", 0)

	pristine, err := eng.supplier.CreateOrder(ctx, supID, medID, 10, decimal.RequireFromString("5.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if err := inTx(t, pool, func(tx pgx.Tx) error {
		return eng.supplier.CancelOrderTx(ctx, tx, pristine.ID)
	}); err != nil {
		t.Fatalf("Failed to cancel pristine order: %v", err)
	}
	o, err := eng.supplier.GetOrder(ctx, pristine.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if o.Status != core.OrderCancelled {
		t.Errorf("status = %s, want cancelled", o.Status)
	}

	// Once goods landed, cancellation needs a compensating return instead.
	touched, err := eng.supplier.CreateOrder(ctx, supID, medID, 10, decimal.RequireFromString("5.00"), nil)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if err := inTx(t, pool, func(tx pgx.Tx) error {
		_, err := eng.supplier.ConfirmDeliveryTx(ctx, tx, touched.ID, 4, uuid.NewString())
		return err
	}); err != nil {
		t.Fatalf("Failed to confirm delivery: %v", err)
	}
	err = inTx(t, pool, func(tx pgx.Tx) error {
		return eng.supplier.CancelOrderTx(ctx, tx, touched.ID)
	})
	if !errors.Is(err, core.ErrOrderAlreadyFinalized) {
		t.Errorf("expected OrderAlreadyFinalized cancelling a touched order, got %v", err)
	}
}
