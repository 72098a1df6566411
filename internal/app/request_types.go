package app

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request payloads for the command surface. Validation tags are enforced by
// the transport adapter before a request reaches the engine.

type ReserveStockRequest struct {
	MedicineID int64 `json:"medicine_id" validate:"required,gt=0"`
	Quantity   int64 `json:"quantity" validate:"required,gt=0"`
}

type ReserveStockResult struct {
	Token     uuid.UUID `json:"token"`
	ExpiresIn string    `json:"expires_in"`
}

type SubmitSaleRequest struct {
	ReservationToken uuid.UUID       `json:"reservation_token" validate:"required"`
	SaleRef          string          `json:"sale_ref"`
	OnCredit         bool            `json:"on_credit"`
	CustomerMR       string          `json:"customer_mr" validate:"required_if=OnCredit true"`
	Amount           decimal.Decimal `json:"amount"`
	IdempotencyKey   string          `json:"idempotency_key" validate:"required"`
}

type SubmitReturnRequest struct {
	Type           string          `json:"type" validate:"required,oneof=customer supplier"`
	MedicineID     int64           `json:"medicine_id" validate:"required,gt=0"`
	CustomerMR     string          `json:"customer_mr"`
	SupplierID     int64           `json:"supplier_id"`
	Quantity       int64           `json:"quantity" validate:"required,gt=0"`
	CreditAmount   decimal.Decimal `json:"credit_amount"`
	Reason         string          `json:"reason" validate:"required"`
	ProcessedBy    string          `json:"processed_by"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

type SubmitDeliveryRequest struct {
	OrderID        int64  `json:"order_id" validate:"required,gt=0"`
	Quantity       int64  `json:"quantity" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

type SubmitSupplierPaymentRequest struct {
	SupplierID     int64           `json:"supplier_id" validate:"required,gt=0"`
	OrderID        *int64          `json:"order_id,omitempty"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

type PaymentTransitionRequest struct {
	PaymentID      int64  `json:"payment_id" validate:"required,gt=0"`
	NextStatus     string `json:"next_status" validate:"required,oneof=completed failed refunded"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

type SubmitAdjustmentRequest struct {
	MedicineID     int64  `json:"medicine_id" validate:"required,gt=0"`
	Delta          int64  `json:"delta" validate:"required"`
	Reason         string `json:"reason" validate:"required"`
	Override       bool   `json:"override"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

type CreateMedicineRequest struct {
	Name              string          `json:"name" validate:"required"`
	BatchNumber       string          `json:"batch_number" validate:"required"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	UnitPurchasePrice decimal.Decimal `json:"unit_purchase_price"`
	UnitSalePrice     decimal.Decimal `json:"unit_sale_price"`
	InitialStock      int64           `json:"initial_stock" validate:"gte=0"`
	MinStock          int64           `json:"min_stock" validate:"gte=0"`
	MaxStock          int64           `json:"max_stock" validate:"gte=0"`
}

type CreateCustomerRequest struct {
	MRNumber    string          `json:"mr_number" validate:"required"`
	Name        string          `json:"name" validate:"required"`
	Phone       string          `json:"phone"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

type CreateSupplierRequest struct {
	Name             string           `json:"name" validate:"required"`
	Contact          string           `json:"contact"`
	PaymentTermsDays int              `json:"payment_terms_days" validate:"gte=0"`
	CreditLimit      *decimal.Decimal `json:"credit_limit,omitempty"`
}

type CreateOrderRequest struct {
	SupplierID       int64           `json:"supplier_id" validate:"required,gt=0"`
	MedicineID       int64           `json:"medicine_id" validate:"required,gt=0"`
	Quantity         int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice        decimal.Decimal `json:"unit_price" validate:"required"`
	ExpectedDelivery *time.Time      `json:"expected_delivery,omitempty"`
}
