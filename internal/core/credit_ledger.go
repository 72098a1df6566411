package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CreditLedger guards each customer's credit_remaining. Events on the customer
// key carry signed amount deltas, so at all times
//
//	credit_remaining = credit_limit + sum(amount_delta over customer events)
//
// Credit sales post negative deltas; payments and credited returns positive.
type CreditLedger struct {
	pool   *pgxpool.Pool
	store  *EventStore
	policy CreditPolicy
}

// CreditPolicy carries the configurable business rules: the floor credit may
// sink to (0 unless overdraft is allowed) and whether payments may push the
// balance past the limit or get clamped there.
type CreditPolicy struct {
	Floor            decimal.Decimal
	AllowOverpayment bool
}

func NewCreditLedger(pool *pgxpool.Pool, store *EventStore, policy CreditPolicy) *CreditLedger {
	return &CreditLedger{pool: pool, store: store, policy: policy}
}

// RecordCreditSaleTx charges a credit sale against the customer's balance
// within the caller's transaction. Fails with CreditLimitExceeded if the
// balance would sink below the configured floor.
func (l *CreditLedger) RecordCreditSaleTx(ctx context.Context, tx pgx.Tx, mrNumber string, amount decimal.Decimal, saleRef, idemKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return newError(ErrInvalidAmount, "credit sale amount must be positive, got %s", amount)
	}

	c, err := lockCustomerTx(ctx, tx, mrNumber)
	if err != nil {
		return err
	}

	newRemaining := c.CreditRemaining.Sub(amount)
	if newRemaining.LessThan(l.policy.Floor) {
		return newError(ErrCreditLimitExceeded,
			"customer %s: charge %s would leave %s, floor is %s",
			mrNumber, amount, newRemaining, l.policy.Floor)
	}

	if err := l.applyDeltaTx(ctx, tx, mrNumber, amount.Neg()); err != nil {
		return err
	}

	_, err = l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventCreditSale,
		EntityKey:      CustomerKey(mrNumber),
		AmountDelta:    amount.Neg(),
		ReferenceType:  "sale",
		ReferenceID:    saleRef,
		IdempotencyKey: idemKey,
	})
	return err
}

// RecordPaymentTx credits a customer payment. With overpayment disallowed the
// applied amount is clamped at the credit limit; the event records only what
// was applied, keeping the event sums equal to the materialized balance.
func (l *CreditLedger) RecordPaymentTx(ctx context.Context, tx pgx.Tx, mrNumber string, amount decimal.Decimal, payRef, idemKey string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, newError(ErrInvalidAmount, "payment amount must be positive, got %s", amount)
	}

	c, err := lockCustomerTx(ctx, tx, mrNumber)
	if err != nil {
		return decimal.Zero, err
	}

	applied := amount
	if !l.policy.AllowOverpayment {
		headroom := c.CreditLimit.Sub(c.CreditRemaining)
		if applied.GreaterThan(headroom) {
			applied = headroom
		}
		if applied.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, newError(ErrInvalidAmount,
				"customer %s is already at credit limit %s", mrNumber, c.CreditLimit)
		}
	}

	if err := l.applyDeltaTx(ctx, tx, mrNumber, applied); err != nil {
		return decimal.Zero, err
	}

	if _, err := l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventCreditPayment,
		EntityKey:      CustomerKey(mrNumber),
		AmountDelta:    applied,
		ReferenceType:  "payment",
		ReferenceID:    payRef,
		IdempotencyKey: idemKey,
	}); err != nil {
		return decimal.Zero, err
	}
	return applied, nil
}

// RecordCreditReturnTx reverses a credit sale's effect on the balance. The
// overpayment policy applies the same way as for payments.
func (l *CreditLedger) RecordCreditReturnTx(ctx context.Context, tx pgx.Tx, mrNumber string, amount decimal.Decimal, returnRef, idemKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return newError(ErrInvalidAmount, "credit return amount must be positive, got %s", amount)
	}

	c, err := lockCustomerTx(ctx, tx, mrNumber)
	if err != nil {
		return err
	}

	applied := amount
	if !l.policy.AllowOverpayment {
		if headroom := c.CreditLimit.Sub(c.CreditRemaining); applied.GreaterThan(headroom) {
			applied = headroom
		}
	}
	if applied.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	if err := l.applyDeltaTx(ctx, tx, mrNumber, applied); err != nil {
		return err
	}

	_, err = l.store.AppendTx(ctx, tx, LedgerEvent{
		Kind:           EventCreditReturn,
		EntityKey:      CustomerKey(mrNumber),
		AmountDelta:    applied,
		ReferenceType:  "return",
		ReferenceID:    returnRef,
		IdempotencyKey: idemKey,
	})
	return err
}

// GetCustomer returns one customer with the live credit balance.
func (l *CreditLedger) GetCustomer(ctx context.Context, mrNumber string) (*Customer, error) {
	var c Customer
	err := l.pool.QueryRow(ctx, `
		SELECT id, mr_number, name, COALESCE(phone, ''), credit_limit, credit_remaining,
		       last_visit_at, created_at
		FROM customers
		WHERE mr_number = $1
	`, mrNumber).Scan(&c.ID, &c.MRNumber, &c.Name, &c.Phone,
		&c.CreditLimit, &c.CreditRemaining, &c.LastVisitAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "customer %s not found", mrNumber)
		}
		return nil, persistence(err, "get customer %s", mrNumber)
	}
	return &c, nil
}

// applyDeltaTx moves the materialized balance and stamps the visit.
func (l *CreditLedger) applyDeltaTx(ctx context.Context, tx pgx.Tx, mrNumber string, delta decimal.Decimal) error {
	if _, err := tx.Exec(ctx, `
		UPDATE customers
		SET credit_remaining = credit_remaining + $1, last_visit_at = NOW()
		WHERE mr_number = $2
	`, delta, mrNumber); err != nil {
		return persistence(err, "apply credit delta for customer %s", mrNumber)
	}
	return nil
}

func lockCustomerTx(ctx context.Context, tx pgx.Tx, mrNumber string) (*Customer, error) {
	var c Customer
	err := tx.QueryRow(ctx, `
		SELECT id, mr_number, name, credit_limit, credit_remaining
		FROM customers
		WHERE mr_number = $1
		FOR UPDATE
	`, mrNumber).Scan(&c.ID, &c.MRNumber, &c.Name, &c.CreditLimit, &c.CreditRemaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(ErrUnknownEntity, "customer %s not found", mrNumber)
		}
		return nil, persistence(err, "lock customer %s", mrNumber)
	}
	return &c, nil
}
