package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/infrastructure"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

type fakeEngine struct {
	startErr  error
	signalErr error
	queryErr  error

	projection workflows.StatusProjection

	startedOrderID string
	startedItems   []domain.LineItem
	signalName     string
	signalPayload  interface{}
}

func (f *fakeEngine) StartOrder(_ context.Context, orderID string, _ *domain.Address, items []domain.LineItem) (string, error) {
	f.startedOrderID = orderID
	f.startedItems = items
	if f.startErr != nil {
		return "", f.startErr
	}
	return "run-1", nil
}

func (f *fakeEngine) Signal(_ context.Context, _, name string, payload interface{}) error {
	f.signalName = name
	f.signalPayload = payload
	return f.signalErr
}

func (f *fakeEngine) QueryStatus(_ context.Context, orderID string) (workflows.StatusProjection, error) {
	if f.queryErr != nil {
		return workflows.StatusProjection{}, f.queryErr
	}
	return f.projection, nil
}

type fakeLedger struct {
	order  *domain.Order
	orders []domain.Order
	events []domain.Event
	err    error
}

func (f *fakeLedger) GetOrder(context.Context, string) (*domain.Order, error) {
	return f.order, f.err
}

func (f *fakeLedger) ListOrders(context.Context, int) ([]domain.Order, error) {
	return f.orders, f.err
}

func (f *fakeLedger) ListEvents(context.Context, string) ([]domain.Event, error) {
	return f.events, f.err
}

func serve(t *testing.T, engine Engine, ledger LedgerReader, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	NewRouter(NewOrderHandlers(engine, ledger)).ServeHTTP(rec, req)
	return rec
}

func TestStartOrder(t *testing.T) {
	t.Run("no body defaults to a sample item", func(t *testing.T) {
		engine := &fakeEngine{}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/start", nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "order-1", engine.startedOrderID)
		assert.Equal(t, []domain.LineItem{{SKU: "ABC", Quantity: 1}}, engine.startedItems)

		var resp StartOrderResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-1", resp.RunID)
	})

	t.Run("explicitly empty items are preserved", func(t *testing.T) {
		engine := &fakeEngine{}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/start",
			StartOrderRequest{Items: []domain.LineItem{}})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.NotNil(t, engine.startedItems)
		assert.Empty(t, engine.startedItems)
	})

	t.Run("duplicate start conflicts", func(t *testing.T) {
		engine := &fakeEngine{startErr: infrastructure.ErrAlreadyStarted}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/start", nil)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "already started")
	})

	t.Run("engine failure is a server error", func(t *testing.T) {
		engine := &fakeEngine{startErr: errors.New("engine unreachable")}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/start", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestCancelOrder(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		engine := &fakeEngine{}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/signals/cancel",
			CancelOrderRequest{Reason: "changed my mind", CancelledBy: "customer"})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, workflows.SignalCancelOrder, engine.signalName)
		sig, ok := engine.signalPayload.(workflows.CancelOrderSignal)
		require.True(t, ok)
		assert.Equal(t, "changed my mind", sig.Reason)
	})

	t.Run("not applicable is explicit, never silent", func(t *testing.T) {
		engine := &fakeEngine{signalErr: infrastructure.ErrNotApplicable}
		rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/signals/cancel",
			CancelOrderRequest{Reason: "too late"})

		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "not_applicable", resp["result"])
	})
}

func TestUpdateAddress(t *testing.T) {
	engine := &fakeEngine{}
	newAddr := domain.Address{Line1: "99 Elm St", City: "Shelbyville", PostalCode: "99999", Country: "US"}
	rec := serve(t, engine, &fakeLedger{}, http.MethodPost, "/orders/order-1/signals/address",
		UpdateAddressRequest{NewAddress: newAddr, UpdatedBy: "customer"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, workflows.SignalUpdateAddress, engine.signalName)
	sig, ok := engine.signalPayload.(workflows.UpdateAddressSignal)
	require.True(t, ok)
	assert.Equal(t, newAddr, sig.NewAddress)
}

func TestGetOrder(t *testing.T) {
	t.Run("running saga answers live", func(t *testing.T) {
		engine := &fakeEngine{projection: workflows.StatusProjection{
			OrderID: "order-1",
			State:   domain.StateAwaitingApproval,
		}}
		rec := serve(t, engine, &fakeLedger{}, http.MethodGet, "/orders/order-1", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp OrderStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Live)
		assert.Equal(t, domain.StateAwaitingApproval, resp.Live.State)
	})

	t.Run("finished saga answers from the ledger", func(t *testing.T) {
		engine := &fakeEngine{queryErr: infrastructure.ErrNotApplicable}
		stored := &domain.Order{ID: "order-1", State: domain.StateCompleted}
		rec := serve(t, engine, &fakeLedger{order: stored}, http.MethodGet, "/orders/order-1", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp OrderStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Live)
		require.NotNil(t, resp.Stored)
		assert.Equal(t, domain.StateCompleted, resp.Stored.State)
	})

	t.Run("unknown order is 404", func(t *testing.T) {
		engine := &fakeEngine{queryErr: infrastructure.ErrNotApplicable}
		rec := serve(t, engine, &fakeLedger{}, http.MethodGet, "/orders/order-1", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetHistory(t *testing.T) {
	ledger := &fakeLedger{events: []domain.Event{
		{OrderID: "order-1", Type: domain.EventOrderReceived, Timestamp: time.Now()},
		{OrderID: "order-1", Type: domain.EventOrderValidated, Timestamp: time.Now()},
	}}
	rec := serve(t, &fakeEngine{}, ledger, http.MethodGet, "/orders/order-1/history", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.EventOrderReceived)
	assert.Contains(t, rec.Body.String(), domain.EventOrderValidated)
}

func TestListOrders(t *testing.T) {
	t.Run("returns projections", func(t *testing.T) {
		ledger := &fakeLedger{orders: []domain.Order{{ID: "order-1", State: domain.StateCompleted}}}
		rec := serve(t, &fakeEngine{}, ledger, http.MethodGet, "/orders/", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "order-1")
	})

	t.Run("invalid limit is rejected", func(t *testing.T) {
		rec := serve(t, &fakeEngine{}, &fakeLedger{}, http.MethodGet, "/orders/?limit=nope", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	rec := serve(t, &fakeEngine{}, &fakeLedger{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
