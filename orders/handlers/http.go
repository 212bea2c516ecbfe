// Package handlers exposes the front-end surface: a pass-through HTTP layer
// over the engine's start/signal/query operations plus reads of the
// audit/idempotency ledger.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/infrastructure"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

// Engine is the slice of the durable-execution engine the front end uses.
type Engine interface {
	StartOrder(ctx context.Context, orderID string, address *domain.Address, items []domain.LineItem) (string, error)
	Signal(ctx context.Context, orderID, name string, payload interface{}) error
	QueryStatus(ctx context.Context, orderID string) (workflows.StatusProjection, error)
}

// LedgerReader reads projections and audit history.
type LedgerReader interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	ListEvents(ctx context.Context, orderID string) ([]domain.Event, error)
}

// OrderHandlers serves the order lifecycle API.
type OrderHandlers struct {
	engine Engine
	ledger LedgerReader
}

// NewOrderHandlers wires the API to its collaborators.
func NewOrderHandlers(engine Engine, ledger LedgerReader) *OrderHandlers {
	return &OrderHandlers{engine: engine, ledger: ledger}
}

// NewRouter builds the service router with the standard middleware chain and
// the metrics endpoint mounted alongside the API.
func NewRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", NewMetricsHandler())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the order routes.
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Post("/{id}/start", h.StartOrder)
		r.Post("/{id}/signals/cancel", h.CancelOrder)
		r.Post("/{id}/signals/address", h.UpdateAddress)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/history", h.GetHistory)
	})
}

// StartOrderRequest begins an order saga. An omitted item list defaults to a
// single sample item; an explicitly empty list is kept as-is so validation
// can reject it.
type StartOrderRequest struct {
	Address *domain.Address   `json:"address,omitempty"`
	Items   []domain.LineItem `json:"items,omitempty"`
}

// StartOrderResponse reports the launched instance.
type StartOrderResponse struct {
	OrderID string `json:"order_id"`
	RunID   string `json:"run_id"`
}

// CancelOrderRequest asks a running saga to stop before the point of no return.
type CancelOrderRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// UpdateAddressRequest replaces the shipping address of a running saga.
type UpdateAddressRequest struct {
	NewAddress domain.Address `json:"new_address"`
	UpdatedBy  string         `json:"updated_by"`
}

// StartOrder launches a saga for the order ID in the path.
func (h *OrderHandlers) StartOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "order ID is required", http.StatusBadRequest)
		return
	}

	var req StartOrderRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Items == nil {
		req.Items = []domain.LineItem{{SKU: "ABC", Quantity: 1}}
	}

	runID, err := h.engine.StartOrder(r.Context(), orderID, req.Address, req.Items)
	if err != nil {
		if errors.Is(err, infrastructure.ErrAlreadyStarted) {
			http.Error(w, "order already started", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ordersStarted.Inc()

	writeJSON(w, http.StatusAccepted, StartOrderResponse{OrderID: orderID, RunID: runID})
}

// CancelOrder delivers a cancel signal. A saga past its terminal state yields
// an explicit not-applicable answer, never a silent drop.
func (h *OrderHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.engine.Signal(r.Context(), orderID, workflows.SignalCancelOrder, workflows.CancelOrderSignal{
		Reason:      req.Reason,
		CancelledBy: req.CancelledBy,
	})
	h.respondToSignal(w, "cancel", err)
}

// UpdateAddress delivers an address-change signal.
func (h *OrderHandlers) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req UpdateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.engine.Signal(r.Context(), orderID, workflows.SignalUpdateAddress, workflows.UpdateAddressSignal{
		NewAddress: req.NewAddress,
		UpdatedBy:  req.UpdatedBy,
	})
	h.respondToSignal(w, "update_address", err)
}

func (h *OrderHandlers) respondToSignal(w http.ResponseWriter, kind string, err error) {
	switch {
	case err == nil:
		signalsDelivered.WithLabelValues(kind).Inc()
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "delivered"})
	case errors.Is(err, infrastructure.ErrNotApplicable):
		signalsNotApplicable.WithLabelValues(kind).Inc()
		writeJSON(w, http.StatusConflict, map[string]string{
			"result": "not_applicable",
			"detail": "no running saga instance accepts this signal",
		})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// OrderStatusResponse merges the engine's live projection with the ledger's
// last-known record.
type OrderStatusResponse struct {
	OrderID string                      `json:"order_id"`
	Live    *workflows.StatusProjection `json:"live,omitempty"`
	Stored  *domain.Order               `json:"stored,omitempty"`
}

// GetOrder returns saga status. Running sagas answer through the engine's
// query primitive; finished ones remain inspectable through the ledger.
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	resp := OrderStatusResponse{OrderID: orderID}

	projection, err := h.engine.QueryStatus(r.Context(), orderID)
	switch {
	case err == nil:
		resp.Live = &projection
	case errors.Is(err, infrastructure.ErrNotApplicable):
		// fall through to the ledger
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stored, err := h.ledger.GetOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Stored = stored

	if resp.Live == nil && resp.Stored == nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns the append-only audit trail for an order.
func (h *OrderHandlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	events, err := h.ledger.ListEvents(r.Context(), orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": orderID,
		"events":   events,
	})
}

// ListOrders returns known order projections.
func (h *OrderHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	orders, err := h.ledger.ListOrders(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// Health answers liveness probes.
func (h *OrderHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
