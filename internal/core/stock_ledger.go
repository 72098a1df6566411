package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reservation is a time-bounded hold on stock pending sale commitment. It never
// changes stock_on_hand; it only reduces what ReserveForSale sees as available.
type Reservation struct {
	Token      uuid.UUID `json:"token"`
	MedicineID int64     `json:"medicine_id"`
	Quantity   int64     `json:"quantity"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// StockLedger guards current stock per medicine batch. Every mutation appends a
// ledger event in the same transaction, so stock_on_hand is always rebuildable
// from the event log.
type StockLedger struct {
	pool  *pgxpool.Pool
	store *EventStore
	ttl   time.Duration
}

func NewStockLedger(pool *pgxpool.Pool, store *EventStore, reservationTTL time.Duration) *StockLedger {
	return &StockLedger{pool: pool, store: store, ttl: reservationTTL}
}

// ReserveForSale places a hold on qty units. Availability is stock_on_hand
// minus all active, unexpired reservations, so two checkouts cannot both claim
// the last unit. The returned token stays valid for the configured TTL.
func (l *StockLedger) ReserveForSale(ctx context.Context, medicineID, qty int64) (uuid.UUID, error) {
	if qty <= 0 {
		return uuid.Nil, newError(ErrMalformedEvent, "reservation quantity must be positive, got %d", qty)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, persistence(err, "begin reservation transaction")
	}
	defer tx.Rollback(ctx)

	onHand, err := lockMedicineTx(ctx, tx, medicineID)
	if err != nil {
		return uuid.Nil, err
	}

	var reserved int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_reservations
		WHERE medicine_id = $1 AND status = 'active' AND expires_at > NOW()
	`, medicineID).Scan(&reserved)
	if err != nil {
		return uuid.Nil, persistence(err, "sum active reservations for medicine %d", medicineID)
	}

	available := onHand - reserved
	if qty > available {
		return uuid.Nil, newError(ErrInsufficientStock,
			"medicine %d: available %d, requested %d", medicineID, available, qty)
	}

	token := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_reservations (token, medicine_id, quantity, status, expires_at)
		VALUES ($1, $2, $3, 'active', NOW() + $4::interval)
	`, token, medicineID, qty, fmt.Sprintf("%d milliseconds", l.ttl.Milliseconds())); err != nil {
		return uuid.Nil, persistence(err, "insert reservation")
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, persistence(err, "commit reservation")
	}
	return token, nil
}

// CommitSaleTx converts a reservation into a permanent stock decrement within
// the caller's transaction and appends the sale event. A consumed or elapsed
// token fails with ReservationExpired and leaves stock untouched.
func (l *StockLedger) CommitSaleTx(ctx context.Context, tx pgx.Tx, token uuid.UUID, saleRef, idemKey string) (int64, int64, error) {
	var r Reservation
	var expired bool
	err := tx.QueryRow(ctx, `
		SELECT token, medicine_id, quantity, status, expires_at <= NOW()
		FROM stock_reservations
		WHERE token = $1
		FOR UPDATE
	`, token).Scan(&r.Token, &r.MedicineID, &r.Quantity, &r.Status, &expired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, newError(ErrUnknownEntity, "reservation %s not found", token)
		}
		return 0, 0, persistence(err, "lock reservation %s", token)
	}
	if r.Status != "active" || expired {
		return 0, 0, newError(ErrReservationExpired,
			"reservation %s is %s and cannot be committed", token, reservationState(r.Status, expired))
	}

	onHand, err := lockMedicineTx(ctx, tx, r.MedicineID)
	if err != nil {
		return 0, 0, err
	}
	if onHand < r.Quantity {
		// A manual adjustment shrank stock below the held quantity after the
		// reservation was granted. Refuse rather than go negative.
		return 0, 0, newError(ErrInsufficientStock,
			"medicine %d: on hand %d below reserved %d", r.MedicineID, onHand, r.Quantity)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stock_reservations SET status = 'committed' WHERE token = $1
	`, token); err != nil {
		return 0, 0, persistence(err, "consume reservation %s", token)
	}

	if err := l.applyDeltaTx(ctx, tx, r.MedicineID, -r.Quantity); err != nil {
		return 0, 0, err
	}

	if _, err := l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventSale,
		EntityKey:      MedicineKey(r.MedicineID),
		QtyDelta:       -r.Quantity,
		ReferenceType:  "sale",
		ReferenceID:    saleRef,
		IdempotencyKey: idemKey,
		Note:           fmt.Sprintf("sale of %d units via reservation %s", r.Quantity, token),
	}); err != nil {
		return 0, 0, err
	}
	return r.MedicineID, r.Quantity, nil
}

// ReleaseReservation voluntarily gives up an active hold (abandoned checkout).
func (l *StockLedger) ReleaseReservation(ctx context.Context, token uuid.UUID) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE stock_reservations SET status = 'released'
		WHERE token = $1 AND status = 'active'
	`, token)
	if err != nil {
		return persistence(err, "release reservation %s", token)
	}
	if tag.RowsAffected() == 0 {
		return newError(ErrReservationExpired, "reservation %s is not active", token)
	}
	return nil
}

// ExpireReservations reclaims elapsed holds. Run periodically by the host so
// expired reservations are actively released, not merely ignored.
func (l *StockLedger) ExpireReservations(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE stock_reservations SET status = 'expired'
		WHERE status = 'active' AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, persistence(err, "expire reservations")
	}
	return tag.RowsAffected(), nil
}

// ReceiveDeliveryTx increments stock for goods received against a supplier
// order. order must be the row the coordinator locked; the cumulative received
// quantity may never exceed the ordered quantity.
func (l *StockLedger) ReceiveDeliveryTx(ctx context.Context, tx pgx.Tx, order *SupplierOrder, qty int64, idemKey string) error {
	if qty <= 0 {
		return newError(ErrMalformedEvent, "delivery quantity must be positive, got %d", qty)
	}
	if order.QtyReceived+qty > order.QtyOrdered {
		return newError(ErrOverDelivery,
			"order %d: receiving %d would exceed ordered %d (already received %d)",
			order.ID, qty, order.QtyOrdered, order.QtyReceived)
	}

	if _, err := lockMedicineTx(ctx, tx, order.MedicineID); err != nil {
		return err
	}
	if err := l.applyDeltaTx(ctx, tx, order.MedicineID, qty); err != nil {
		return err
	}

	_, err := l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventDelivery,
		EntityKey:      MedicineKey(order.MedicineID),
		QtyDelta:       qty,
		ReferenceType:  "supplier_order",
		ReferenceID:    fmt.Sprintf("%d", order.ID),
		IdempotencyKey: idemKey,
		Note:           fmt.Sprintf("delivery of %d units against order %d", qty, order.ID),
	})
	return err
}

// ApplyReturnTx posts the stock side of a return. Customer returns add stock,
// supplier returns remove it. The quantity is bounded by what the event log
// supports: units historically sold (customer) or received (supplier), net of
// prior returns.
func (l *StockLedger) ApplyReturnTx(ctx context.Context, tx pgx.Tx, rec *ReturnRecord, idemKey string) error {
	if rec.Quantity <= 0 {
		return newError(ErrMalformedEvent, "return quantity must be positive, got %d", rec.Quantity)
	}
	key := MedicineKey(rec.MedicineID)

	onHand, err := lockMedicineTx(ctx, tx, rec.MedicineID)
	if err != nil {
		return err
	}

	var kind EventKind
	var delta int64
	switch rec.Type {
	case ReturnCustomer:
		sold, err := l.store.sumQtyTx(ctx, tx, key, EventSale)
		if err != nil {
			return err
		}
		returned, err := l.store.sumQtyTx(ctx, tx, key, EventCustomerReturn)
		if err != nil {
			return err
		}
		// sale deltas are negative; -sold is the total ever sold.
		if returned+rec.Quantity > -sold {
			return newError(ErrInvalidReturnQuantity,
				"medicine %d: returning %d exceeds %d sold (already returned %d)",
				rec.MedicineID, rec.Quantity, -sold, returned)
		}
		kind, delta = EventCustomerReturn, rec.Quantity

	case ReturnSupplier:
		received, err := l.store.sumQtyTx(ctx, tx, key, EventDelivery)
		if err != nil {
			return err
		}
		returned, err := l.store.sumQtyTx(ctx, tx, key, EventSupplierReturn)
		if err != nil {
			return err
		}
		if -returned+rec.Quantity > received {
			return newError(ErrInvalidReturnQuantity,
				"medicine %d: returning %d exceeds %d received (already returned %d)",
				rec.MedicineID, rec.Quantity, received, -returned)
		}
		if onHand-rec.Quantity < 0 {
			return newError(ErrNegativeStockViolation,
				"medicine %d: supplier return of %d would drop stock below zero (on hand %d)",
				rec.MedicineID, rec.Quantity, onHand)
		}
		kind, delta = EventSupplierReturn, -rec.Quantity

	default:
		return newError(ErrMalformedEvent, "unknown return type %q", rec.Type)
	}

	if err := l.applyDeltaTx(ctx, tx, rec.MedicineID, delta); err != nil {
		return err
	}

	_, err = l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           kind,
		EntityKey:      key,
		QtyDelta:       delta,
		ReferenceType:  "return",
		ReferenceID:    fmt.Sprintf("%d", rec.ID),
		IdempotencyKey: idemKey,
		Note:           fmt.Sprintf("%s return of %d units, reason %s", rec.Type, rec.Quantity, rec.Reason),
	})
	return err
}

// AdjustTx posts a manual correction. It is never silently clamped: going below
// zero requires the explicit override flag, and the adjustment is logged either
// way so reconciliation stays total.
func (l *StockLedger) AdjustTx(ctx context.Context, tx pgx.Tx, medicineID, delta int64, reason string, override bool, idemKey string) error {
	if delta == 0 {
		return newError(ErrMalformedEvent, "adjustment delta must be non-zero")
	}
	onHand, err := lockMedicineTx(ctx, tx, medicineID)
	if err != nil {
		return err
	}
	if onHand+delta < 0 && !override {
		return newError(ErrNegativeStockViolation,
			"medicine %d: adjustment %+d would set stock to %d", medicineID, delta, onHand+delta)
	}

	if err := l.applyDeltaTx(ctx, tx, medicineID, delta); err != nil {
		return err
	}

	note := fmt.Sprintf("manual adjustment %+d: %s", delta, reason)
	if override {
		note += " (negative-stock override)"
	}
	_, err = l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventAdjustment,
		EntityKey:      MedicineKey(medicineID),
		QtyDelta:       delta,
		ReferenceType:  "adjustment",
		IdempotencyKey: idemKey,
		Note:           note,
	})
	return err
}

// GetMedicine returns one medicine batch with its live stock.
func (l *StockLedger) GetMedicine(ctx context.Context, medicineID int64) (*Medicine, error) {
	var m Medicine
	err := l.pool.QueryRow(ctx, `
		SELECT id, name, batch_number, expiry_date, unit_purchase_price, unit_sale_price,
		       stock_on_hand, min_stock, max_stock, created_at, updated_at
		FROM medicines
		WHERE id = $1
	`, medicineID).Scan(&m.ID, &m.Name, &m.BatchNumber, &m.ExpiryDate,
		&m.UnitPurchasePrice, &m.UnitSalePrice, &m.StockOnHand, &m.MinStock, &m.MaxStock,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "medicine %d not found", medicineID)
		}
		return nil, persistence(err, "get medicine %d", medicineID)
	}
	return &m, nil
}

// StockAlerts lists medicines below their minimum or above their maximum
// threshold. Read-only; dashboards poll this.
func (l *StockLedger) StockAlerts(ctx context.Context) ([]StockAlert, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, name, batch_number, stock_on_hand, min_stock, max_stock,
		       CASE WHEN stock_on_hand < min_stock THEN 'low' ELSE 'over' END
		FROM medicines
		WHERE stock_on_hand < min_stock
		   OR (max_stock > 0 AND stock_on_hand > max_stock)
		ORDER BY name, batch_number
	`)
	if err != nil {
		return nil, persistence(err, "query stock alerts")
	}
	defer rows.Close()

	var alerts []StockAlert
	for rows.Next() {
		var a StockAlert
		if err := rows.Scan(&a.MedicineID, &a.Name, &a.BatchNumber,
			&a.StockOnHand, &a.MinStock, &a.MaxStock, &a.Alert); err != nil {
			return nil, persistence(err, "scan stock alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// applyDeltaTx moves the materialized stock figure. Callers hold the row lock
// and have already validated the result.
func (l *StockLedger) applyDeltaTx(ctx context.Context, tx pgx.Tx, medicineID, delta int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE medicines SET stock_on_hand = stock_on_hand + $1, updated_at = NOW()
		WHERE id = $2
	`, delta, medicineID); err != nil {
		return persistence(err, "apply stock delta for medicine %d", medicineID)
	}
	return nil
}

// lockMedicineTx row-locks one medicine and returns its current stock.
func lockMedicineTx(ctx context.Context, tx pgx.Tx, medicineID int64) (int64, error) {
	var onHand int64
	err := tx.QueryRow(ctx,
		"SELECT stock_on_hand FROM medicines WHERE id = $1 FOR UPDATE", medicineID,
	).Scan(&onHand)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, newError(ErrUnknownEntity, "medicine %d not found", medicineID)
		}
		return 0, persistence(err, "lock medicine %d", medicineID)
	}
	return onHand, nil
}

func reservationState(status string, expired bool) string {
	if status == "active" && expired {
		return "expired"
	}
	return status
}
