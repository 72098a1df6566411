package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EventState tracks a submitted event through the coordinator.
type EventState string

const (
	StateReceived       EventState = "received"
	StateValidated      EventState = "validated"
	StateApplied        EventState = "applied"
	StateCommitted      EventState = "committed"
	StateRejected       EventState = "rejected"
	StateRollbackFailed EventState = "rollback_failed"
)

// SaleCommand commits a prior stock reservation and, when the sale is on
// credit, charges the customer in the same transaction.
type SaleCommand struct {
	ReservationToken uuid.UUID
	SaleRef          string
	OnCredit         bool
	CustomerMR       string
	Amount           decimal.Decimal
	IdempotencyKey   string
}

// ReturnCommand posts a customer or supplier return.
type ReturnCommand struct {
	Type           ReturnType
	MedicineID     int64
	CustomerMR     string
	SupplierID     int64
	Quantity       int64
	CreditAmount   decimal.Decimal
	Reason         ReturnReason
	ProcessedBy    string
	IdempotencyKey string
}

// DeliveryCommand confirms goods received against a supplier order.
type DeliveryCommand struct {
	OrderID        int64
	Quantity       int64
	IdempotencyKey string
}

// SupplierPaymentCommand records and completes a payment to a supplier.
type SupplierPaymentCommand struct {
	SupplierID     int64
	OrderID        *int64
	Amount         decimal.Decimal
	Method         string
	IdempotencyKey string
}

// PaymentTransitionCommand moves an existing payment through its status table
// (completed → refunded, pending → failed).
type PaymentTransitionCommand struct {
	PaymentID      int64
	NextStatus     PaymentStatus
	IdempotencyKey string
}

// AdjustmentCommand posts a manual stock correction.
type AdjustmentCommand struct {
	MedicineID     int64
	Delta          int64
	Reason         string
	Override       bool
	IdempotencyKey string
}

// EventOutcome reports a committed (or deduplicated) submission along with the
// fresh balances of every entity the event touched.
type EventOutcome struct {
	State     EventState       `json:"state"`
	Duplicate bool             `json:"duplicate"`
	Medicine  *Medicine        `json:"medicine,omitempty"`
	Customer  *Customer        `json:"customer,omitempty"`
	Supplier  *Supplier        `json:"supplier,omitempty"`
	Order     *SupplierOrder   `json:"order,omitempty"`
	Payment   *SupplierPayment `json:"payment,omitempty"`
	Return    *ReturnRecord    `json:"return,omitempty"`
}

// Coordinator is the single entry point for mutating events. It serializes
// work per entity key, validates preconditions, applies deltas and the event
// append in one transaction, and publishes change notifications on commit.
// A key whose rollback ever fails is halted until an operator resolves the
// recorded fault.
type Coordinator struct {
	pool     *pgxpool.Pool
	store    *EventStore
	stock    *StockLedger
	credit   *CreditLedger
	supplier *SupplierLedger
	notifier *Notifier
	log      *logrus.Logger

	locks *keyLock

	haltMu sync.Mutex
	halted map[string]bool
}

func NewCoordinator(pool *pgxpool.Pool, store *EventStore, stock *StockLedger,
	credit *CreditLedger, supplier *SupplierLedger, notifier *Notifier, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		pool:     pool,
		store:    store,
		stock:    stock,
		credit:   credit,
		supplier: supplier,
		notifier: notifier,
		log:      log,
		locks:    newKeyLock(),
		halted:   make(map[string]bool),
	}
}

// RestoreHalts reloads unresolved faults so halted keys stay halted across
// restarts.
func (c *Coordinator) RestoreHalts(ctx context.Context) error {
	rows, err := c.pool.Query(ctx,
		"SELECT DISTINCT entity_key FROM reconciliation_faults WHERE resolved_at IS NULL")
	if err != nil {
		return persistence(err, "load reconciliation faults")
	}
	defer rows.Close()

	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return persistence(err, "scan fault key")
		}
		c.halted[key] = true
	}
	return rows.Err()
}

// SubmitSale commits the reservation named by the token. Credit sales also
// charge the customer; cash sales touch stock only.
func (c *Coordinator) SubmitSale(ctx context.Context, cmd SaleCommand) (*EventOutcome, error) {
	if cmd.OnCredit && cmd.CustomerMR == "" {
		return nil, newError(ErrMalformedEvent, "credit sale requires a customer MR number")
	}
	if cmd.OnCredit && cmd.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, newError(ErrInvalidAmount, "credit sale amount must be positive, got %s", cmd.Amount)
	}

	// Resolve the medicine behind the token so its key can be locked before
	// the transaction opens. Expiry is re-checked under the lock.
	var medicineID int64
	err := c.pool.QueryRow(ctx,
		"SELECT medicine_id FROM stock_reservations WHERE token = $1", cmd.ReservationToken,
	).Scan(&medicineID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "reservation %s not found", cmd.ReservationToken)
		}
		return nil, persistence(err, "resolve reservation %s", cmd.ReservationToken)
	}

	keys := []string{MedicineKey(medicineID)}
	if cmd.OnCredit {
		keys = append(keys, CustomerKey(cmd.CustomerMR))
	}

	outcome, err := c.run(ctx, "sale", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		if _, _, err := c.stock.CommitSaleTx(ctx, tx, cmd.ReservationToken, cmd.SaleRef, cmd.IdempotencyKey); err != nil {
			return err
		}
		if cmd.OnCredit {
			return c.credit.RecordCreditSaleTx(ctx, tx, cmd.CustomerMR, cmd.Amount,
				cmd.SaleRef, secondaryKey(cmd.IdempotencyKey))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Medicine, err = c.stock.GetMedicine(ctx, medicineID); err != nil {
		return nil, err
	}
	if cmd.OnCredit {
		if outcome.Customer, err = c.credit.GetCustomer(ctx, cmd.CustomerMR); err != nil {
			return nil, err
		}
	}
	c.publish(outcome, EventSale, MedicineKey(medicineID))
	return outcome, nil
}

// SubmitReturn records an immutable return and posts its stock and money
// effects. A customer return adds stock back and, when the original sale was on
// credit, restores the customer's balance; a supplier return removes stock and
// shrinks what the pharmacy owes.
func (c *Coordinator) SubmitReturn(ctx context.Context, cmd ReturnCommand) (*EventOutcome, error) {
	if !ValidReason(cmd.Reason) {
		return nil, newError(ErrMalformedEvent, "unknown return reason %q", cmd.Reason)
	}
	switch cmd.Type {
	case ReturnCustomer:
		if cmd.CustomerMR == "" && cmd.CreditAmount.IsPositive() {
			return nil, newError(ErrMalformedEvent, "credited customer return requires an MR number")
		}
	case ReturnSupplier:
		if cmd.SupplierID == 0 {
			return nil, newError(ErrMalformedEvent, "supplier return requires a supplier id")
		}
	default:
		return nil, newError(ErrMalformedEvent, "unknown return type %q", cmd.Type)
	}

	keys := []string{MedicineKey(cmd.MedicineID)}
	if cmd.Type == ReturnCustomer && cmd.CustomerMR != "" {
		keys = append(keys, CustomerKey(cmd.CustomerMR))
	}
	if cmd.Type == ReturnSupplier {
		keys = append(keys, SupplierKey(cmd.SupplierID))
	}

	var rec ReturnRecord
	outcome, err := c.run(ctx, "return", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		rec = ReturnRecord{
			Type:         cmd.Type,
			MedicineID:   cmd.MedicineID,
			CustomerMR:   cmd.CustomerMR,
			SupplierID:   cmd.SupplierID,
			Quantity:     cmd.Quantity,
			CreditAmount: cmd.CreditAmount,
			Reason:       cmd.Reason,
			ProcessedBy:  cmd.ProcessedBy,
		}
		if err := insertReturnTx(ctx, tx, &rec); err != nil {
			return err
		}
		returnRef := fmt.Sprintf("%d", rec.ID)

		if err := c.stock.ApplyReturnTx(ctx, tx, &rec, cmd.IdempotencyKey); err != nil {
			return err
		}

		switch {
		case cmd.Type == ReturnCustomer && cmd.CreditAmount.IsPositive():
			return c.credit.RecordCreditReturnTx(ctx, tx, cmd.CustomerMR, cmd.CreditAmount,
				returnRef, secondaryKey(cmd.IdempotencyKey))
		case cmd.Type == ReturnSupplier:
			amount := cmd.CreditAmount
			if !amount.IsPositive() {
				var unitPrice decimal.Decimal
				if err := tx.QueryRow(ctx,
					"SELECT unit_purchase_price FROM medicines WHERE id = $1", cmd.MedicineID,
				).Scan(&unitPrice); err != nil {
					return persistence(err, "resolve purchase price for medicine %d", cmd.MedicineID)
				}
				amount = unitPrice.Mul(decimal.NewFromInt(cmd.Quantity))
			}
			return c.supplier.ApplyReturnCreditTx(ctx, tx, cmd.SupplierID, amount,
				returnRef, secondaryKey(cmd.IdempotencyKey))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Duplicate {
		outcome.Return = &rec
	}
	if outcome.Medicine, err = c.stock.GetMedicine(ctx, cmd.MedicineID); err != nil {
		return nil, err
	}
	if cmd.Type == ReturnCustomer && cmd.CustomerMR != "" {
		if outcome.Customer, err = c.credit.GetCustomer(ctx, cmd.CustomerMR); err != nil {
			return nil, err
		}
	}
	if cmd.Type == ReturnSupplier {
		if outcome.Supplier, err = c.supplier.GetSupplier(ctx, cmd.SupplierID); err != nil {
			return nil, err
		}
	}
	c.publish(outcome, kindForReturn(cmd.Type), MedicineKey(cmd.MedicineID))
	return outcome, nil
}

// SubmitSupplierDelivery confirms receipt of goods against an order. In one
// transaction the order status advances per the deterministic rule, stock
// grows, and the supplier balance grows by received quantity times unit price.
func (c *Coordinator) SubmitSupplierDelivery(ctx context.Context, cmd DeliveryCommand) (*EventOutcome, error) {
	order, err := c.supplier.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	keys := []string{MedicineKey(order.MedicineID), SupplierKey(order.SupplierID)}
	outcome, err := c.run(ctx, "supplier_delivery", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		pre, err := c.supplier.ConfirmDeliveryTx(ctx, tx, cmd.OrderID, cmd.Quantity, cmd.IdempotencyKey)
		if err != nil {
			return err
		}
		return c.stock.ReceiveDeliveryTx(ctx, tx, pre, cmd.Quantity, secondaryKey(cmd.IdempotencyKey))
	})
	if err != nil {
		return nil, err
	}

	if outcome.Order, err = c.supplier.GetOrder(ctx, cmd.OrderID); err != nil {
		return nil, err
	}
	if outcome.Medicine, err = c.stock.GetMedicine(ctx, order.MedicineID); err != nil {
		return nil, err
	}
	if outcome.Supplier, err = c.supplier.GetSupplier(ctx, order.SupplierID); err != nil {
		return nil, err
	}
	c.publish(outcome, EventDelivery, SupplierKey(order.SupplierID))
	return outcome, nil
}

// SubmitSupplierPayment creates a payment and completes it in one transaction,
// reducing the supplier balance exactly once.
func (c *Coordinator) SubmitSupplierPayment(ctx context.Context, cmd SupplierPaymentCommand) (*EventOutcome, error) {
	keys := []string{SupplierKey(cmd.SupplierID)}

	var paymentID int64
	outcome, err := c.run(ctx, "supplier_payment", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		var err error
		paymentID, err = c.supplier.CreatePaymentTx(ctx, tx, cmd.SupplierID, cmd.OrderID, cmd.Amount, cmd.Method)
		if err != nil {
			return err
		}
		_, err = c.supplier.RecordPaymentTx(ctx, tx, paymentID, PaymentCompleted, cmd.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Duplicate {
		if outcome.Payment, err = c.getPayment(ctx, paymentID); err != nil {
			return nil, err
		}
	}
	if outcome.Supplier, err = c.supplier.GetSupplier(ctx, cmd.SupplierID); err != nil {
		return nil, err
	}
	c.publish(outcome, EventSupplierPay, SupplierKey(cmd.SupplierID))
	return outcome, nil
}

// TransitionSupplierPayment refunds or fails an existing payment. The
// transition table rules out double-counting.
func (c *Coordinator) TransitionSupplierPayment(ctx context.Context, cmd PaymentTransitionCommand) (*EventOutcome, error) {
	p, err := c.getPayment(ctx, cmd.PaymentID)
	if err != nil {
		return nil, err
	}

	keys := []string{SupplierKey(p.SupplierID)}
	outcome, err := c.run(ctx, "payment_transition", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		_, err := c.supplier.RecordPaymentTx(ctx, tx, cmd.PaymentID, cmd.NextStatus, cmd.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	if outcome.Payment, err = c.getPayment(ctx, cmd.PaymentID); err != nil {
		return nil, err
	}
	if outcome.Supplier, err = c.supplier.GetSupplier(ctx, p.SupplierID); err != nil {
		return nil, err
	}
	c.publish(outcome, EventSupplierRefund, SupplierKey(p.SupplierID))
	return outcome, nil
}

// SubmitAdjustment posts a manual stock correction.
func (c *Coordinator) SubmitAdjustment(ctx context.Context, cmd AdjustmentCommand) (*EventOutcome, error) {
	keys := []string{MedicineKey(cmd.MedicineID)}
	outcome, err := c.run(ctx, "adjustment", keys, cmd.IdempotencyKey, func(tx pgx.Tx) error {
		return c.stock.AdjustTx(ctx, tx, cmd.MedicineID, cmd.Delta, cmd.Reason, cmd.Override, cmd.IdempotencyKey)
	})
	if err != nil {
		return nil, err
	}

	if outcome.Medicine, err = c.stock.GetMedicine(ctx, cmd.MedicineID); err != nil {
		return nil, err
	}
	c.publish(outcome, EventAdjustment, MedicineKey(cmd.MedicineID))
	return outcome, nil
}

// CancelSupplierOrder cancels an order that never received goods.
func (c *Coordinator) CancelSupplierOrder(ctx context.Context, orderID int64) (*EventOutcome, error) {
	order, err := c.supplier.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	keys := []string{SupplierKey(order.SupplierID)}
	outcome, err := c.run(ctx, "cancel_order", keys, "", func(tx pgx.Tx) error {
		return c.supplier.CancelOrderTx(ctx, tx, orderID)
	})
	if err != nil {
		return nil, err
	}

	if outcome.Order, err = c.supplier.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return outcome, nil
}

// run drives one submission through the state machine: acquire the entity
// locks, refuse halted keys, open the transaction, deduplicate on the
// idempotency key, apply, and commit. Any apply error rolls everything back;
// a rollback that itself fails halts the keys and surfaces a fault.
func (c *Coordinator) run(ctx context.Context, kind string, keys []string, idemKey string, apply func(pgx.Tx) error) (*EventOutcome, error) {
	entry := c.log.WithFields(logrus.Fields{"event": kind, "keys": keys})
	entry.WithField("state", StateReceived).Debug("event received")

	release := c.locks.acquire(keys...)
	defer release()

	for _, key := range keys {
		if c.isHalted(key) {
			return nil, newError(ErrEntityHalted,
				"entity %s is halted pending manual audit", key)
		}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, persistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		prior, err := c.store.FindByIdempotencyKey(ctx, tx, idemKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			entry.WithField("state", StateCommitted).Debug("duplicate submission deduplicated")
			return &EventOutcome{State: StateCommitted, Duplicate: true}, nil
		}
	}
	entry.WithField("state", StateValidated).Debug("event validated")

	if err := apply(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			c.haltKeys(ctx, kind, keys, fmt.Sprintf("apply failed (%v), rollback failed (%v)", err, rbErr))
			entry.WithField("state", StateRollbackFailed).
				WithError(rbErr).Error("rollback failed, entity keys halted")
			return nil, wrapError(ErrRollbackFailed, rbErr, "rollback after failed %s", kind)
		}
		entry.WithField("state", StateRejected).WithError(err).Info("event rejected")
		return nil, err
	}
	entry.WithField("state", StateApplied).Debug("event applied")

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence(err, "commit %s", kind)
	}
	entry.WithField("state", StateCommitted).Info("event committed")
	return &EventOutcome{State: StateCommitted}, nil
}

func (c *Coordinator) publish(outcome *EventOutcome, kind EventKind, key string) {
	if outcome.Duplicate || c.notifier == nil {
		return
	}
	c.notifier.Publish(Change{EntityKey: key, Kind: kind, OccurredAt: time.Now()})
}

func (c *Coordinator) isHalted(key string) bool {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.halted[key]
}

// haltKeys marks the keys as unusable and records the fault. The insert is
// best-effort: even if it fails the in-memory halt still protects the keys.
func (c *Coordinator) haltKeys(ctx context.Context, kind string, keys []string, detail string) {
	c.haltMu.Lock()
	for _, key := range keys {
		c.halted[key] = true
	}
	c.haltMu.Unlock()

	for _, key := range keys {
		if _, err := c.pool.Exec(ctx, `
			INSERT INTO reconciliation_faults (entity_key, event_kind, detail)
			VALUES ($1, $2, $3)
		`, key, kind, detail); err != nil {
			c.log.WithError(err).WithField("key", key).Error("failed to persist reconciliation fault")
		}
	}
}

// ResolveFault clears a halted key after manual audit.
func (c *Coordinator) ResolveFault(ctx context.Context, entityKey string) error {
	if _, err := c.pool.Exec(ctx, `
		UPDATE reconciliation_faults SET resolved_at = NOW()
		WHERE entity_key = $1 AND resolved_at IS NULL
	`, entityKey); err != nil {
		return persistence(err, "resolve faults for %s", entityKey)
	}
	c.haltMu.Lock()
	delete(c.halted, entityKey)
	c.haltMu.Unlock()
	return nil
}

func (c *Coordinator) getPayment(ctx context.Context, paymentID int64) (*SupplierPayment, error) {
	var p SupplierPayment
	err := c.pool.QueryRow(ctx, `
		SELECT id, supplier_id, order_id, amount, pay_date, method, status, created_at
		FROM supplier_payments
		WHERE id = $1
	`, paymentID).Scan(&p.ID, &p.SupplierID, &p.OrderID, &p.Amount, &p.PayDate, &p.Method, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "payment %d not found", paymentID)
		}
		return nil, persistence(err, "get payment %d", paymentID)
	}
	return &p, nil
}

func insertReturnTx(ctx context.Context, tx pgx.Tx, rec *ReturnRecord) error {
	var customerMR, processedBy *string
	if rec.CustomerMR != "" {
		customerMR = &rec.CustomerMR
	}
	if rec.ProcessedBy != "" {
		processedBy = &rec.ProcessedBy
	}
	var supplierID *int64
	if rec.SupplierID != 0 {
		supplierID = &rec.SupplierID
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO return_records (return_type, medicine_id, customer_mr, supplier_id,
		                            quantity, credit_amount, reason, processed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, ''))
		RETURNING id, return_date, created_at
	`, rec.Type, rec.MedicineID, customerMR, supplierID,
		rec.Quantity, rec.CreditAmount, rec.Reason, processedBy,
	).Scan(&rec.ID, &rec.ReturnDate, &rec.CreatedAt)
	if err != nil {
		return persistence(err, "insert return record")
	}
	return nil
}

// secondaryKey derives the idempotency key for the second event a multi-ledger
// submission appends, keeping both unique while the submission stays
// deduplicated by its primary key.
func secondaryKey(idemKey string) string {
	if idemKey == "" {
		return ""
	}
	return idemKey + ":2"
}

func kindForReturn(t ReturnType) EventKind {
	if t == ReturnSupplier {
		return EventSupplierReturn
	}
	return EventCustomerReturn
}
