package app

import (
	"context"
	"fmt"

	"pharmaledger/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type appService struct {
	pool        *pgxpool.Pool
	coordinator *core.Coordinator
	store       *core.EventStore
	stock       *core.StockLedger
	credit      *core.CreditLedger
	supplier    *core.SupplierLedger
	notifier    *core.Notifier
	ttl         string
}

// NewAppService wires the engine components behind ApplicationService.
func NewAppService(
	pool *pgxpool.Pool,
	coordinator *core.Coordinator,
	store *core.EventStore,
	stock *core.StockLedger,
	credit *core.CreditLedger,
	supplier *core.SupplierLedger,
	notifier *core.Notifier,
	reservationTTL string,
) ApplicationService {
	return &appService{
		pool:        pool,
		coordinator: coordinator,
		store:       store,
		stock:       stock,
		credit:      credit,
		supplier:    supplier,
		notifier:    notifier,
		ttl:         reservationTTL,
	}
}

// Commands

func (s *appService) ReserveStock(ctx context.Context, req ReserveStockRequest) (*ReserveStockResult, error) {
	token, err := s.stock.ReserveForSale(ctx, req.MedicineID, req.Quantity)
	if err != nil {
		return nil, err
	}
	return &ReserveStockResult{Token: token, ExpiresIn: s.ttl}, nil
}

func (s *appService) ReleaseReservation(ctx context.Context, token uuid.UUID) error {
	return s.stock.ReleaseReservation(ctx, token)
}

func (s *appService) SubmitSale(ctx context.Context, req SubmitSaleRequest) (*core.EventOutcome, error) {
	return s.coordinator.SubmitSale(ctx, core.SaleCommand{
		ReservationToken: req.ReservationToken,
		SaleRef:          req.SaleRef,
		OnCredit:         req.OnCredit,
		CustomerMR:       req.CustomerMR,
		Amount:           req.Amount,
		IdempotencyKey:   req.IdempotencyKey,
	})
}

func (s *appService) SubmitReturn(ctx context.Context, req SubmitReturnRequest) (*core.EventOutcome, error) {
	return s.coordinator.SubmitReturn(ctx, core.ReturnCommand{
		Type:           core.ReturnType(req.Type),
		MedicineID:     req.MedicineID,
		CustomerMR:     req.CustomerMR,
		SupplierID:     req.SupplierID,
		Quantity:       req.Quantity,
		CreditAmount:   req.CreditAmount,
		Reason:         core.ReturnReason(req.Reason),
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *appService) SubmitSupplierDelivery(ctx context.Context, req SubmitDeliveryRequest) (*core.EventOutcome, error) {
	return s.coordinator.SubmitSupplierDelivery(ctx, core.DeliveryCommand{
		OrderID:        req.OrderID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *appService) SubmitSupplierPayment(ctx context.Context, req SubmitSupplierPaymentRequest) (*core.EventOutcome, error) {
	return s.coordinator.SubmitSupplierPayment(ctx, core.SupplierPaymentCommand{
		SupplierID:     req.SupplierID,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *appService) TransitionSupplierPayment(ctx context.Context, req PaymentTransitionRequest) (*core.EventOutcome, error) {
	return s.coordinator.TransitionSupplierPayment(ctx, core.PaymentTransitionCommand{
		PaymentID:      req.PaymentID,
		NextStatus:     core.PaymentStatus(req.NextStatus),
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *appService) SubmitAdjustment(ctx context.Context, req SubmitAdjustmentRequest) (*core.EventOutcome, error) {
	return s.coordinator.SubmitAdjustment(ctx, core.AdjustmentCommand{
		MedicineID:     req.MedicineID,
		Delta:          req.Delta,
		Reason:         req.Reason,
		Override:       req.Override,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *appService) CancelSupplierOrder(ctx context.Context, orderID int64) (*core.EventOutcome, error) {
	return s.coordinator.CancelSupplierOrder(ctx, orderID)
}

// Registry

// CreateMedicine seeds a new medicine batch. Any initial stock is recorded as a
// seed adjustment event so the rebuild oracle holds from the first row.
func (s *appService) CreateMedicine(ctx context.Context, req CreateMedicineRequest) (*core.Medicine, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO medicines (name, batch_number, expiry_date, unit_purchase_price,
		                       unit_sale_price, stock_on_hand, min_stock, max_stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, req.Name, req.BatchNumber, req.ExpiryDate, req.UnitPurchasePrice,
		req.UnitSalePrice, req.InitialStock, req.MinStock, req.MaxStock,
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert medicine: %w", err)
	}

	if req.InitialStock > 0 {
		if _, err := s.store.AppendTx(ctx, tx, core.LedgerEvent{
			Kind:      core.EventAdjustment,
			EntityKey: core.MedicineKey(id),
			QtyDelta:  req.InitialStock,
			Note:      "initial stock seed",
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit medicine: %w", err)
	}
	return s.stock.GetMedicine(ctx, id)
}

func (s *appService) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*core.Customer, error) {
	if req.CreditLimit.LessThan(decimal.Zero) {
		return nil, fmt.Errorf("credit limit cannot be negative")
	}
	var id int64
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO customers (mr_number, name, phone, credit_limit, credit_remaining)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, req.MRNumber, req.Name, req.Phone, req.CreditLimit).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return s.credit.GetCustomer(ctx, req.MRNumber)
}

func (s *appService) CreateSupplier(ctx context.Context, req CreateSupplierRequest) (*core.Supplier, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO suppliers (name, contact, payment_terms_days, credit_limit)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, req.Name, req.Contact, req.PaymentTermsDays, req.CreditLimit).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert supplier: %w", err)
	}
	return s.supplier.GetSupplier(ctx, id)
}

func (s *appService) CreateSupplierOrder(ctx context.Context, req CreateOrderRequest) (*core.SupplierOrder, error) {
	return s.supplier.CreateOrder(ctx, req.SupplierID, req.MedicineID, req.Quantity,
		req.UnitPrice, req.ExpectedDelivery)
}

// Queries

func (s *appService) GetMedicineStock(ctx context.Context, medicineID int64) (*core.Medicine, error) {
	return s.stock.GetMedicine(ctx, medicineID)
}

func (s *appService) GetCustomerBalance(ctx context.Context, mrNumber string) (*core.Customer, error) {
	return s.credit.GetCustomer(ctx, mrNumber)
}

func (s *appService) GetSupplierBalance(ctx context.Context, supplierID int64) (*core.Supplier, error) {
	return s.supplier.GetSupplier(ctx, supplierID)
}

func (s *appService) GetEventHistory(ctx context.Context, entityKey string, limit int) ([]core.LedgerEvent, error) {
	return s.store.EventsFor(ctx, entityKey, limit)
}

func (s *appService) RebuildBalance(ctx context.Context, entityKey string) (*core.Balance, error) {
	b, err := s.store.RebuildBalances(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *appService) StockAlerts(ctx context.Context) ([]core.StockAlert, error) {
	return s.stock.StockAlerts(ctx)
}

func (s *appService) Subscribe() (<-chan core.Change, func()) {
	return s.notifier.Subscribe()
}
