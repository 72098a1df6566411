package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Medicine is one stocked item in one batch. Stock is mutated only by applied
// ledger events; stock_on_hand must always equal the signed sum of those events.
type Medicine struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	BatchNumber       string          `json:"batch_number"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	UnitPurchasePrice decimal.Decimal `json:"unit_purchase_price"`
	UnitSalePrice     decimal.Decimal `json:"unit_sale_price"`
	StockOnHand       int64           `json:"stock_on_hand"`
	MinStock          int64           `json:"min_stock"`
	MaxStock          int64           `json:"max_stock"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Customer is identified by the pharmacy's MR number.
type Customer struct {
	ID              int64           `json:"id"`
	MRNumber        string          `json:"mr_number"`
	Name            string          `json:"name"`
	Phone           string          `json:"phone,omitempty"`
	CreditLimit     decimal.Decimal `json:"credit_limit"`
	CreditRemaining decimal.Decimal `json:"credit_remaining"`
	LastVisitAt     *time.Time      `json:"last_visit_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Supplier struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Contact          string           `json:"contact,omitempty"`
	PaymentTermsDays int              `json:"payment_terms_days"`
	CreditLimit      *decimal.Decimal `json:"credit_limit,omitempty"`
	CurrentBalance   decimal.Decimal  `json:"current_balance"`
	CreatedAt        time.Time        `json:"created_at"`
}

type OrderStatus string

const (
	OrderPending            OrderStatus = "pending"
	OrderPartiallyDelivered OrderStatus = "partially_delivered"
	OrderDelivered          OrderStatus = "delivered"
	OrderCancelled          OrderStatus = "cancelled"
)

// orderTransitions is the closed set of legal order status moves. Delivered and
// cancelled are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:            {OrderPartiallyDelivered, OrderDelivered, OrderCancelled},
	OrderPartiallyDelivered: {OrderPartiallyDelivered, OrderDelivered},
	OrderDelivered:          {},
	OrderCancelled:          {},
}

// CanTransition reports whether an order may move from its current status to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Final reports whether no further transitions are possible.
func (s OrderStatus) Final() bool {
	return len(orderTransitions[s]) == 0
}

type SupplierOrder struct {
	ID               int64           `json:"id"`
	SupplierID       int64           `json:"supplier_id"`
	MedicineID       int64           `json:"medicine_id"`
	BatchNumber      string          `json:"batch_number"`
	QtyOrdered       int64           `json:"qty_ordered"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	ExpectedDelivery *time.Time      `json:"expected_delivery,omitempty"`
	ActualDelivery   *time.Time      `json:"actual_delivery,omitempty"`
	QtyReceived      int64           `json:"qty_received"`
	Status           OrderStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentCompleted: {PaymentRefunded},
	PaymentFailed:    {},
	PaymentRefunded:  {},
}

// CanTransition reports whether a payment may move from its current status to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type SupplierPayment struct {
	ID         int64           `json:"id"`
	SupplierID int64           `json:"supplier_id"`
	OrderID    *int64          `json:"order_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	PayDate    time.Time       `json:"pay_date"`
	Method     string          `json:"method"`
	Status     PaymentStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ReturnType string

const (
	ReturnCustomer ReturnType = "customer"
	ReturnSupplier ReturnType = "supplier"
)

type ReturnReason string

const (
	ReasonExpired         ReturnReason = "expired"
	ReasonDamaged         ReturnReason = "damaged"
	ReasonWrongItem       ReturnReason = "wrong-item"
	ReasonCustomerRequest ReturnReason = "customer-request"
	ReasonOverstock       ReturnReason = "overstock"
	ReasonRecall          ReturnReason = "recall"
	ReasonOther           ReturnReason = "other"
)

// ValidReason reports whether r is one of the closed reason categories.
func ValidReason(r ReturnReason) bool {
	switch r {
	case ReasonExpired, ReasonDamaged, ReasonWrongItem, ReasonCustomerRequest,
		ReasonOverstock, ReasonRecall, ReasonOther:
		return true
	}
	return false
}

// ReturnRecord is immutable once recorded. Corrections are new compensating
// records, never in-place edits.
type ReturnRecord struct {
	ID           int64           `json:"id"`
	ReturnDate   time.Time       `json:"return_date"`
	Type         ReturnType      `json:"type"`
	MedicineID   int64           `json:"medicine_id"`
	CustomerMR   string          `json:"customer_mr,omitempty"`
	SupplierID   int64           `json:"supplier_id,omitempty"`
	Quantity     int64           `json:"quantity"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	Reason       ReturnReason    `json:"reason"`
	ProcessedBy  string          `json:"processed_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventKind classifies a ledger event.
type EventKind string

const (
	EventSale           EventKind = "sale"
	EventCustomerReturn EventKind = "customer_return"
	EventSupplierReturn EventKind = "supplier_return"
	EventDelivery       EventKind = "delivery"
	EventCreditSale     EventKind = "credit_sale"
	EventCreditPayment  EventKind = "credit_payment"
	EventCreditReturn   EventKind = "credit_return"
	EventSupplierCharge EventKind = "supplier_charge"
	EventSupplierPay    EventKind = "supplier_payment"
	EventSupplierRefund EventKind = "supplier_refund"
	EventAdjustment     EventKind = "adjustment"
)

// LedgerEvent is one row of the audit trail: a signed quantity and/or amount
// delta against a single entity key, plus the business record that caused it.
type LedgerEvent struct {
	ID             int64           `json:"id"`
	Kind           EventKind       `json:"kind"`
	EntityKey      string          `json:"entity_key"`
	QtyDelta       int64           `json:"qty_delta"`
	AmountDelta    decimal.Decimal `json:"amount_delta"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Note           string          `json:"note,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Entity keys partition the ledger: all mutations on one key are strictly
// serialized, and RebuildBalances sums events per key.

func MedicineKey(medicineID int64) string { return fmt.Sprintf("medicine:%d", medicineID) }
func CustomerKey(mrNumber string) string  { return "customer:" + mrNumber }
func SupplierKey(supplierID int64) string { return fmt.Sprintf("supplier:%d", supplierID) }

// Balance is the rebuilt view of one entity key: the signed sums of its events.
type Balance struct {
	EntityKey string          `json:"entity_key"`
	Qty       int64           `json:"qty"`
	Amount    decimal.Decimal `json:"amount"`
	Events    int64           `json:"events"`
}

// StockAlert flags a medicine outside its configured min/max band.
type StockAlert struct {
	MedicineID  int64  `json:"medicine_id"`
	Name        string `json:"name"`
	BatchNumber string `json:"batch_number"`
	StockOnHand int64  `json:"stock_on_hand"`
	MinStock    int64  `json:"min_stock"`
	MaxStock    int64  `json:"max_stock"`
	Alert       string `json:"alert"` // "low" or "over"
}
