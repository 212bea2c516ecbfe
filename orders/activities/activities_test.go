package activities

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/flaky"
)

type memLedger struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	events   []domain.Event
}

func newMemLedger() *memLedger {
	return &memLedger{
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
	}
}

func (m *memLedger) InsertOrderIfAbsent(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[order.ID]; ok {
		return existing, false, nil
	}
	m.orders[order.ID] = order
	return order, true, nil
}

func (m *memLedger) SetOrderState(_ context.Context, orderID string, state domain.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || domain.IsTerminal(order.State) {
		return nil
	}
	order.State = state
	m.orders[orderID] = order
	return nil
}

func (m *memLedger) UpdateOrderAddress(_ context.Context, orderID string, address domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		addr := address
		order.Address = &addr
		m.orders[orderID] = order
	}
	return nil
}

func (m *memLedger) GetPayment(_ context.Context, paymentID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payment, ok := m.payments[paymentID]; ok {
		p := payment
		return &p, nil
	}
	return nil, nil
}

func (m *memLedger) InsertPaymentIfAbsent(_ context.Context, payment domain.Payment) (domain.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.payments[payment.ID]; ok {
		return existing, false, nil
	}
	m.payments[payment.ID] = payment
	return payment, true, nil
}

func (m *memLedger) AppendEvent(_ context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memLedger) countEvents(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// alwaysFail proves a path never reaches the unreliable operation.
type alwaysFail struct{}

func (alwaysFail) Call(context.Context) error { return flaky.ErrInjected }

func newActivityEnv(t *testing.T, acts *Activities) *testsuite.TestActivityEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.SetTestTimeout(5 * time.Second)
	env.RegisterActivity(acts)
	return env
}

func receiveInput(orderID string) ReceiveOrderInput {
	return ReceiveOrderInput{
		OrderID: orderID,
		Address: &domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		Items:   []domain.LineItem{{SKU: "ABC", Quantity: 1}},
	}
}

func TestReceiveOrderDuplicateStart(t *testing.T) {
	ledger := newMemLedger()
	acts := New(ledger, flaky.None{}, nil)
	env := newActivityEnv(t, acts)

	in := receiveInput("order-1")

	val, err := env.ExecuteActivity(acts.ReceiveOrder, in)
	require.NoError(t, err)
	var first domain.Order
	require.NoError(t, val.Get(&first))
	assert.Equal(t, domain.StateReceived, first.State)

	t.Run("identical contents are the same start", func(t *testing.T) {
		val, err := env.ExecuteActivity(acts.ReceiveOrder, in)
		require.NoError(t, err)
		var second domain.Order
		require.NoError(t, val.Get(&second))
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, ledger.countEvents(domain.EventOrderReceived), "no second receive event")
	})

	t.Run("conflicting contents are rejected terminally", func(t *testing.T) {
		conflicting := in
		conflicting.Items = []domain.LineItem{{SKU: "XYZ", Quantity: 9}}

		_, err := env.ExecuteActivity(acts.ReceiveOrder, conflicting)
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrorTypeValidation, appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})
}

func TestValidateOrderEmptyItems(t *testing.T) {
	ledger := newMemLedger()
	acts := New(ledger, flaky.None{}, nil)
	env := newActivityEnv(t, acts)

	order := domain.Order{ID: "order-2", State: domain.StateReceived, Items: []domain.LineItem{}}
	_, err := env.ExecuteActivity(acts.ValidateOrder, order)
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrorTypeNoItems, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.Zero(t, ledger.countEvents(domain.EventOrderValidated))
}

func TestValidateOrderMarksValidated(t *testing.T) {
	ledger := newMemLedger()
	ledger.orders["order-3"] = domain.Order{ID: "order-3", State: domain.StateReceived}
	acts := New(ledger, flaky.None{}, nil)
	env := newActivityEnv(t, acts)

	order := domain.Order{ID: "order-3", State: domain.StateReceived, Items: []domain.LineItem{{SKU: "ABC", Quantity: 1}}}
	val, err := env.ExecuteActivity(acts.ValidateOrder, order)
	require.NoError(t, err)
	var valid bool
	require.NoError(t, val.Get(&valid))
	assert.True(t, valid)
	assert.Equal(t, domain.StateValidated, ledger.orders["order-3"].State)
	assert.Equal(t, 1, ledger.countEvents(domain.EventOrderValidated))
}

func TestChargePaymentIdempotent(t *testing.T) {
	ledger := newMemLedger()
	ledger.orders["order-4"] = domain.Order{ID: "order-4", State: domain.StateAwaitingApproval}
	order := domain.Order{ID: "order-4", Items: []domain.LineItem{{SKU: "ABC", Quantity: 2}}}
	in := ChargePaymentInput{Order: order, PaymentID: "payment-order-4"}

	acts := New(ledger, flaky.None{}, nil)
	env := newActivityEnv(t, acts)

	val, err := env.ExecuteActivity(acts.ChargePayment, in)
	require.NoError(t, err)
	var first domain.Payment
	require.NoError(t, val.Get(&first))
	assert.Equal(t, domain.PaymentStatusCharged, first.Status)
	assert.Equal(t, 2.0, first.Amount)

	// A retried charge consults the ledger before the unreliable operation:
	// with an injector that always fails, only the dedup path can succeed.
	retryActs := New(ledger, alwaysFail{}, nil)
	retryEnv := newActivityEnv(t, retryActs)

	val, err = retryEnv.ExecuteActivity(retryActs.ChargePayment, in)
	require.NoError(t, err)
	var second domain.Payment
	require.NoError(t, val.Get(&second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Amount, second.Amount)
	assert.Len(t, ledger.payments, 1)
	assert.Equal(t, 1, ledger.countEvents(domain.EventPaymentCharged), "dedup hit must not append a second charge event")
}

func TestMarkOrderShipped(t *testing.T) {
	ledger := newMemLedger()
	ledger.orders["order-5"] = domain.Order{ID: "order-5", State: domain.StateShippingInProgress}
	acts := New(ledger, flaky.None{}, nil)
	env := newActivityEnv(t, acts)

	_, err := env.ExecuteActivity(acts.MarkOrderShipped, domain.Order{ID: "order-5"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, ledger.orders["order-5"].State)
	assert.Equal(t, 1, ledger.countEvents(domain.EventOrderShipped))
}
