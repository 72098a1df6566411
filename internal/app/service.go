package app

import (
	"context"

	"pharmaledger/internal/core"

	"github.com/google/uuid"
)

// ApplicationService is the surface the presentation layer talks to. Commands
// mutate through the coordinator; queries are read-only and never block
// writers.
type ApplicationService interface {
	// Commands
	ReserveStock(ctx context.Context, req ReserveStockRequest) (*ReserveStockResult, error)
	ReleaseReservation(ctx context.Context, token uuid.UUID) error
	SubmitSale(ctx context.Context, req SubmitSaleRequest) (*core.EventOutcome, error)
	SubmitReturn(ctx context.Context, req SubmitReturnRequest) (*core.EventOutcome, error)
	SubmitSupplierDelivery(ctx context.Context, req SubmitDeliveryRequest) (*core.EventOutcome, error)
	SubmitSupplierPayment(ctx context.Context, req SubmitSupplierPaymentRequest) (*core.EventOutcome, error)
	TransitionSupplierPayment(ctx context.Context, req PaymentTransitionRequest) (*core.EventOutcome, error)
	SubmitAdjustment(ctx context.Context, req SubmitAdjustmentRequest) (*core.EventOutcome, error)
	CancelSupplierOrder(ctx context.Context, orderID int64) (*core.EventOutcome, error)

	// Registry
	CreateMedicine(ctx context.Context, req CreateMedicineRequest) (*core.Medicine, error)
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*core.Customer, error)
	CreateSupplier(ctx context.Context, req CreateSupplierRequest) (*core.Supplier, error)
	CreateSupplierOrder(ctx context.Context, req CreateOrderRequest) (*core.SupplierOrder, error)

	// Queries
	GetMedicineStock(ctx context.Context, medicineID int64) (*core.Medicine, error)
	GetCustomerBalance(ctx context.Context, mrNumber string) (*core.Customer, error)
	GetSupplierBalance(ctx context.Context, supplierID int64) (*core.Supplier, error)
	GetEventHistory(ctx context.Context, entityKey string, limit int) ([]core.LedgerEvent, error)
	RebuildBalance(ctx context.Context, entityKey string) (*core.Balance, error)
	StockAlerts(ctx context.Context) ([]core.StockAlert, error)

	// Subscribe delivers committed-change notifications until cancel is called.
	Subscribe() (<-chan core.Change, func())
}
