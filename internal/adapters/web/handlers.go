package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pharmaledger/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler is the thin HTTP skin over the engine. It owns request decoding and
// payload validation; every business rule lives below the app boundary.
type Handler struct {
	svc      app.ApplicationService
	validate *validator.Validate
	log      *logrus.Logger
}

func NewHandler(svc app.ApplicationService, log *logrus.Logger) http.Handler {
	h := &Handler{svc: svc, validate: validator.New(), log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reservations", h.reserveStock)
		r.Delete("/reservations/{token}", h.releaseReservation)

		r.Post("/sales", h.submitSale)
		r.Post("/returns", h.submitReturn)
		r.Post("/deliveries", h.submitDelivery)
		r.Post("/supplier-payments", h.submitSupplierPayment)
		r.Post("/supplier-payments/{id}/transition", h.transitionPayment)
		r.Post("/adjustments", h.submitAdjustment)

		r.Post("/medicines", h.createMedicine)
		r.Post("/customers", h.createCustomer)
		r.Post("/suppliers", h.createSupplier)
		r.Post("/orders", h.createOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)

		r.Get("/medicines/{id}/stock", h.getMedicineStock)
		r.Get("/customers/{mr}/balance", h.getCustomerBalance)
		r.Get("/suppliers/{id}/balance", h.getSupplierBalance)
		r.Get("/entities/{key}/events", h.getEventHistory)
		r.Get("/entities/{key}/rebuild", h.rebuildBalance)
		r.Get("/stock-alerts", h.stockAlerts)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

// decode unmarshals and validates a request payload.
func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *Handler) reserveStock(w http.ResponseWriter, r *http.Request) {
	var req app.ReserveStockRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	res, err := h.svc.ReserveStock(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid reservation token"})
		return
	}
	if err := h.svc.ReleaseReservation(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitSale(w http.ResponseWriter, r *http.Request) {
	var req app.SubmitSaleRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.SubmitSale(r.Context(), req) })
}

func (h *Handler) submitReturn(w http.ResponseWriter, r *http.Request) {
	var req app.SubmitReturnRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.SubmitReturn(r.Context(), req) })
}

func (h *Handler) submitDelivery(w http.ResponseWriter, r *http.Request) {
	var req app.SubmitDeliveryRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.SubmitSupplierDelivery(r.Context(), req) })
}

func (h *Handler) submitSupplierPayment(w http.ResponseWriter, r *http.Request) {
	var req app.SubmitSupplierPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.SubmitSupplierPayment(r.Context(), req) })
}

func (h *Handler) transitionPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payment id"})
		return
	}
	var req app.PaymentTransitionRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req.PaymentID = id
	h.outcome(w, r, func() (any, error) { return h.svc.TransitionSupplierPayment(r.Context(), req) })
}

func (h *Handler) submitAdjustment(w http.ResponseWriter, r *http.Request) {
	var req app.SubmitAdjustmentRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.SubmitAdjustment(r.Context(), req) })
}

func (h *Handler) createMedicine(w http.ResponseWriter, r *http.Request) {
	var req app.CreateMedicineRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.created(w, r, func() (any, error) { return h.svc.CreateMedicine(r.Context(), req) })
}

func (h *Handler) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req app.CreateCustomerRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.created(w, r, func() (any, error) { return h.svc.CreateCustomer(r.Context(), req) })
}

func (h *Handler) createSupplier(w http.ResponseWriter, r *http.Request) {
	var req app.CreateSupplierRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.created(w, r, func() (any, error) { return h.svc.CreateSupplier(r.Context(), req) })
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req app.CreateOrderRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.created(w, r, func() (any, error) { return h.svc.CreateSupplierOrder(r.Context(), req) })
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order id"})
		return
	}
	h.outcome(w, r, func() (any, error) { return h.svc.CancelSupplierOrder(r.Context(), id) })
}

func (h *Handler) getMedicineStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid medicine id"})
		return
	}
	m, err := h.svc.GetMedicineStock(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) getCustomerBalance(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCustomerBalance(r.Context(), chi.URLParam(r, "mr"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) getSupplierBalance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid supplier id"})
		return
	}
	s, err := h.svc.GetSupplierBalance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) getEventHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.svc.GetEventHistory(r.Context(), chi.URLParam(r, "key"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) rebuildBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.RebuildBalance(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) stockAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.svc.StockAlerts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) outcome(w http.ResponseWriter, _ *http.Request, fn func() (any, error)) {
	res, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) created(w http.ResponseWriter, _ *http.Request, fn func() (any, error)) {
	res, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
