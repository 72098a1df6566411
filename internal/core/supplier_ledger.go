package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SupplierLedger guards each supplier's current_balance:
//
//	current_balance = sum(delivered order value) - sum(completed payments)
//
// Delivery confirmations post positive amount deltas on the supplier key,
// completed payments negative ones, refunds reverse a completed payment.
type SupplierLedger struct {
	pool  *pgxpool.Pool
	store *EventStore
}

func NewSupplierLedger(pool *pgxpool.Pool, store *EventStore) *SupplierLedger {
	return &SupplierLedger{pool: pool, store: store}
}

// ConfirmDeliveryTx posts the supplier side of a delivery: order status moves
// per the deterministic rule (full receipt → delivered, partial → partially_
// delivered) and the balance owed grows by receivedQty × unit price. The
// returned order is the pre-update row, which the stock ledger uses for its own
// over-delivery guard. Finalized orders fail with OrderAlreadyFinalized.
func (l *SupplierLedger) ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, orderID, receivedQty int64, idemKey string) (*SupplierOrder, error) {
	if receivedQty <= 0 {
		return nil, newError(ErrMalformedEvent, "received quantity must be positive, got %d", receivedQty)
	}

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Final() {
		return nil, newError(ErrOrderAlreadyFinalized,
			"order %d is %s and cannot receive deliveries", orderID, order.Status)
	}

	total := order.QtyReceived + receivedQty
	if total > order.QtyOrdered {
		return nil, newError(ErrOverDelivery,
			"order %d: receiving %d would exceed ordered %d (already received %d)",
			orderID, receivedQty, order.QtyOrdered, order.QtyReceived)
	}

	next := OrderPartiallyDelivered
	if total == order.QtyOrdered {
		next = OrderDelivered
	}
	if !order.Status.CanTransition(next) {
		return nil, newError(ErrInvalidTransition,
			"order %d: illegal status move %s -> %s", orderID, order.Status, next)
	}

	var actualDelivery any
	if next == OrderDelivered {
		actualDelivery = time.Now()
	}
	if _, err := tx.Exec(ctx, `
		UPDATE supplier_orders
		SET qty_received = $1, status = $2, actual_delivery = COALESCE($3, actual_delivery)
		WHERE id = $4
	`, total, next, actualDelivery, orderID); err != nil {
		return nil, persistence(err, "update order %d delivery", orderID)
	}

	charge := order.UnitPrice.Mul(decimal.NewFromInt(receivedQty))
	if err := l.applyDeltaTx(ctx, tx, order.SupplierID, charge); err != nil {
		return nil, err
	}

	if _, err := l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventSupplierCharge,
		EntityKey:      SupplierKey(order.SupplierID),
		AmountDelta:    charge,
		ReferenceType:  "supplier_order",
		ReferenceID:    fmt.Sprintf("%d", orderID),
		IdempotencyKey: idemKey,
		Note:           fmt.Sprintf("delivery of %d units against order %d", receivedQty, orderID),
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// RecordPaymentTx drives a payment through its transition table. Only the move
// into completed reduces the supplier balance, and only completed → refunded
// restores it; re-submitting a transition fails rather than double-counting.
func (l *SupplierLedger) RecordPaymentTx(ctx context.Context, tx pgx.Tx, paymentID int64, next PaymentStatus, idemKey string) (*SupplierPayment, error) {
	var p SupplierPayment
	err := tx.QueryRow(ctx, `
		SELECT id, supplier_id, order_id, amount, pay_date, method, status, created_at
		FROM supplier_payments
		WHERE id = $1
		FOR UPDATE
	`, paymentID).Scan(&p.ID, &p.SupplierID, &p.OrderID, &p.Amount, &p.PayDate, &p.Method, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "payment %d not found", paymentID)
		}
		return nil, persistence(err, "lock payment %d", paymentID)
	}

	if !p.Status.CanTransition(next) {
		return nil, newError(ErrInvalidTransition,
			"payment %d: illegal status move %s -> %s", paymentID, p.Status, next)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE supplier_payments SET status = $1 WHERE id = $2", next, paymentID,
	); err != nil {
		return nil, persistence(err, "update payment %d status", paymentID)
	}

	// Balance moves only on the two money-affecting transitions.
	switch {
	case next == PaymentCompleted:
		if err := l.applyDeltaTx(ctx, tx, p.SupplierID, p.Amount.Neg()); err != nil {
			return nil, err
		}
		if _, err := l.store.AppendTx(ctx, tx, LedgerEvent{
			Kind:           EventSupplierPay,
			EntityKey:      SupplierKey(p.SupplierID),
			AmountDelta:    p.Amount.Neg(),
			ReferenceType:  "supplier_payment",
			ReferenceID:    fmt.Sprintf("%d", paymentID),
			IdempotencyKey: idemKey,
		}); err != nil {
			return nil, err
		}
	case p.Status == PaymentCompleted && next == PaymentRefunded:
		if err := l.applyDeltaTx(ctx, tx, p.SupplierID, p.Amount); err != nil {
			return nil, err
		}
		if _, err := l.store.AppendTx(ctx, tx, LedgerEvent{
			Kind:           EventSupplierRefund,
			EntityKey:      SupplierKey(p.SupplierID),
			AmountDelta:    p.Amount,
			ReferenceType:  "supplier_payment",
			ReferenceID:    fmt.Sprintf("%d", paymentID),
			IdempotencyKey: idemKey,
			Note:           fmt.Sprintf("refund of payment %d", paymentID),
		}); err != nil {
			return nil, err
		}
	}

	p.Status = next
	return &p, nil
}

// CreatePaymentTx records a new pending payment row. No balance effect until it
// transitions to completed.
func (l *SupplierLedger) CreatePaymentTx(ctx context.Context, tx pgx.Tx, supplierID int64, orderID *int64, amount decimal.Decimal, method string) (int64, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, newError(ErrInvalidAmount, "payment amount must be positive, got %s", amount)
	}
	if err := supplierExistsTx(ctx, tx, supplierID); err != nil {
		return 0, err
	}
	if orderID != nil {
		var ownerID int64
		err := tx.QueryRow(ctx,
			"SELECT supplier_id FROM supplier_orders WHERE id = $1", *orderID,
		).Scan(&ownerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, newError(ErrUnknownEntity, "order %d not found", *orderID)
			}
			return 0, persistence(err, "resolve order %d", *orderID)
		}
		if ownerID != supplierID {
			return 0, newError(ErrMalformedEvent,
				"order %d belongs to supplier %d, not %d", *orderID, ownerID, supplierID)
		}
	}

	if method == "" {
		method = "cash"
	}
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO supplier_payments (supplier_id, order_id, amount, method, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id
	`, supplierID, orderID, amount, method).Scan(&id)
	if err != nil {
		return 0, persistence(err, "insert payment")
	}
	return id, nil
}

// ApplyReturnCreditTx reduces the amount owed to a supplier when goods go back
// to them. Pairs with the stock ledger's supplier-return decrement.
func (l *SupplierLedger) ApplyReturnCreditTx(ctx context.Context, tx pgx.Tx, supplierID int64, amount decimal.Decimal, returnRef, idemKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return newError(ErrInvalidAmount, "return credit must be positive, got %s", amount)
	}
	if err := supplierExistsTx(ctx, tx, supplierID); err != nil {
		return err
	}
	if err := l.applyDeltaTx(ctx, tx, supplierID, amount.Neg()); err != nil {
		return err
	}
	_, err := l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventSupplierReturn,
		EntityKey:      SupplierKey(supplierID),
		AmountDelta:    amount.Neg(),
		ReferenceType:  "return",
		ReferenceID:    returnRef,
		IdempotencyKey: idemKey,
	})
	return err
}

// CancelOrderTx cancels an order that has seen no deliveries. Once a partial
// delivery has posted a balance change, cancellation requires an explicit
// compensating return instead.
func (l *SupplierLedger) CancelOrderTx(ctx context.Context, tx pgx.Tx, orderID int64) error {
	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Final() || order.QtyReceived > 0 {
		return newError(ErrOrderAlreadyFinalized,
			"order %d cannot be cancelled: status %s, received %d", orderID, order.Status, order.QtyReceived)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE supplier_orders SET status = $1 WHERE id = $2", OrderCancelled, orderID,
	); err != nil {
		return persistence(err, "cancel order %d", orderID)
	}
	return nil
}

// CreateOrder opens a new pending order for an existing medicine batch.
func (l *SupplierLedger) CreateOrder(ctx context.Context, supplierID, medicineID, qty int64, unitPrice decimal.Decimal, expected *time.Time) (*SupplierOrder, error) {
	if qty <= 0 {
		return nil, newError(ErrMalformedEvent, "order quantity must be positive, got %d", qty)
	}
	if unitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, newError(ErrInvalidAmount, "unit price must be positive, got %s", unitPrice)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, persistence(err, "begin order transaction")
	}
	defer tx.Rollback(ctx)

	if err := supplierExistsTx(ctx, tx, supplierID); err != nil {
		return nil, err
	}
	var batch string
	if err := tx.QueryRow(ctx,
		"SELECT batch_number FROM medicines WHERE id = $1", medicineID,
	).Scan(&batch); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "medicine %d not found", medicineID)
		}
		return nil, persistence(err, "resolve medicine %d", medicineID)
	}

	totalCost := unitPrice.Mul(decimal.NewFromInt(qty))
	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO supplier_orders (supplier_id, medicine_id, batch_number, qty_ordered,
		                             unit_price, total_cost, expected_delivery, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING id
	`, supplierID, medicineID, batch, qty, unitPrice, totalCost, expected).Scan(&id); err != nil {
		return nil, persistence(err, "insert order")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence(err, "commit order")
	}
	return l.GetOrder(ctx, id)
}

// GetOrder returns one supplier order.
func (l *SupplierLedger) GetOrder(ctx context.Context, orderID int64) (*SupplierOrder, error) {
	var o SupplierOrder
	err := l.pool.QueryRow(ctx, `
		SELECT id, supplier_id, medicine_id, batch_number, qty_ordered, unit_price,
		       total_cost, expected_delivery, actual_delivery, qty_received, status, created_at
		FROM supplier_orders
		WHERE id = $1
	`, orderID).Scan(&o.ID, &o.SupplierID, &o.MedicineID, &o.BatchNumber, &o.QtyOrdered,
		&o.UnitPrice, &o.TotalCost, &o.ExpectedDelivery, &o.ActualDelivery,
		&o.QtyReceived, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "order %d not found", orderID)
		}
		return nil, persistence(err, "get order %d", orderID)
	}
	return &o, nil
}

// GetSupplier returns one supplier with the live balance.
func (l *SupplierLedger) GetSupplier(ctx context.Context, supplierID int64) (*Supplier, error) {
	var s Supplier
	err := l.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(contact, ''), payment_terms_days, credit_limit,
		       current_balance, created_at
		FROM suppliers
		WHERE id = $1
	`, supplierID).Scan(&s.ID, &s.Name, &s.Contact, &s.PaymentTermsDays,
		&s.CreditLimit, &s.CurrentBalance, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "supplier %d not found", supplierID)
		}
		return nil, persistence(err, "get supplier %d", supplierID)
	}
	return &s, nil
}

func (l *SupplierLedger) applyDeltaTx(ctx context.Context, tx pgx.Tx, supplierID int64, delta decimal.Decimal) error {
	if _, err := tx.Exec(ctx, `
		UPDATE suppliers SET current_balance = current_balance + $1 WHERE id = $2
	`, delta, supplierID); err != nil {
		return persistence(err, "apply balance delta for supplier %d", supplierID)
	}
	return nil
}

func lockOrderTx(ctx context.Context, tx pgx.Tx, orderID int64) (*SupplierOrder, error) {
	var o SupplierOrder
	err := tx.QueryRow(ctx, `
		SELECT id, supplier_id, medicine_id, batch_number, qty_ordered, unit_price,
		       total_cost, qty_received, status
		FROM supplier_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&o.ID, &o.SupplierID, &o.MedicineID, &o.BatchNumber,
		&o.QtyOrdered, &o.UnitPrice, &o.TotalCost, &o.QtyReceived, &o.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "order %d not found", orderID)
		}
		return nil, persistence(err, "lock order %d", orderID)
	}
	return &o, nil
}

func supplierExistsTx(ctx context.Context, tx pgx.Tx, supplierID int64) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM suppliers WHERE id = $1)", supplierID,
	).Scan(&exists); err != nil {
		return persistence(err, "check supplier %d", supplierID)
	}
	if !exists {
		return newError(ErrUnknownEntity, "supplier %d not found", supplierID)
	}
	return nil
}
