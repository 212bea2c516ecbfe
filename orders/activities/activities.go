// Package activities implements the business operations the order and
// shipping sagas drive. Every operation that touches the outside world routes
// through the unreliable-operation simulator; the saga's timeout and retry
// policies absorb the resulting failures.
package activities

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/flaky"
)

// Terminal business error types. Steps failing with these are never retried.
const (
	ErrorTypeValidation = "ValidationError"
	ErrorTypeNoItems    = "NoItemsError"
)

var paymentDedupHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "orders_payment_dedup_hits_total",
	Help: "Charge attempts answered from the idempotency ledger instead of re-charging.",
})

// Ledger is the audit/idempotency store the activities write through. All
// mutations are single-row atomic; the payment insert is upsert-if-absent.
type Ledger interface {
	InsertOrderIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error)
	SetOrderState(ctx context.Context, orderID string, state domain.OrderState) error
	UpdateOrderAddress(ctx context.Context, orderID string, address domain.Address) error
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	InsertPaymentIfAbsent(ctx context.Context, payment domain.Payment) (domain.Payment, bool, error)
	AppendEvent(ctx context.Context, event domain.Event) error
}

// Notifier broadcasts audit events to interested external systems. Optional;
// failures are logged and never fail the saga.
type Notifier interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// Activities bundles the saga's business operations with their dependencies.
type Activities struct {
	ledger   Ledger
	injector flaky.Injector
	notifier Notifier
}

// New constructs the activity set. notifier may be nil.
func New(ledger Ledger, injector flaky.Injector, notifier Notifier) *Activities {
	if injector == nil {
		injector = flaky.None{}
	}
	return &Activities{ledger: ledger, injector: injector, notifier: notifier}
}

// ReceiveOrderInput starts an order draft.
type ReceiveOrderInput struct {
	OrderID string            `json:"order_id"`
	Address *domain.Address   `json:"address,omitempty"`
	Items   []domain.LineItem `json:"items"`
}

// ReceiveOrder creates the order draft. A duplicate start with identical
// contents returns the stored draft; conflicting contents are a terminal
// validation error.
func (a *Activities) ReceiveOrder(ctx context.Context, in ReceiveOrderInput) (domain.Order, error) {
	if err := a.injector.Call(ctx); err != nil {
		return domain.Order{}, err
	}

	draft := domain.NewOrder(in.OrderID, in.Address, in.Items, time.Now().UTC())
	stored, created, err := a.ledger.InsertOrderIfAbsent(ctx, draft)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "insert order")
	}
	if !created {
		if !stored.SameContents(draft) {
			return domain.Order{}, temporal.NewNonRetryableApplicationError(
				"order already exists with conflicting contents", ErrorTypeValidation, nil)
		}
		activity.GetLogger(ctx).Info("duplicate order start, returning stored draft", "order_id", in.OrderID)
		return stored, nil
	}

	if err := a.recordEvent(ctx, draft.ID, domain.EventOrderReceived, draft); err != nil {
		return domain.Order{}, err
	}
	return draft, nil
}

// ValidateOrder checks the draft. An empty item list is a terminal business
// error, distinct from the transient failures the simulator injects.
func (a *Activities) ValidateOrder(ctx context.Context, order domain.Order) (bool, error) {
	if err := a.injector.Call(ctx); err != nil {
		return false, err
	}

	if len(order.Items) == 0 {
		return false, temporal.NewNonRetryableApplicationError(
			"order has no items to validate", ErrorTypeNoItems, nil)
	}

	if err := a.ledger.SetOrderState(ctx, order.ID, domain.StateValidated); err != nil {
		return false, errors.Wrap(err, "set order validated")
	}
	if err := a.recordEvent(ctx, order.ID, domain.EventOrderValidated, order.Items); err != nil {
		return false, err
	}
	return true, nil
}

// ChargePaymentInput identifies the order and the payment key to charge under.
type ChargePaymentInput struct {
	Order     domain.Order `json:"order"`
	PaymentID string       `json:"payment_id"`
}

// ChargePayment applies the charge exactly once per payment identifier. The
// ledger is consulted before the side-effecting operation runs and the insert
// is upsert-if-absent, so retried or concurrent attempts converge on the
// first recorded outcome.
func (a *Activities) ChargePayment(ctx context.Context, in ChargePaymentInput) (domain.Payment, error) {
	existing, err := a.ledger.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "lookup payment")
	}
	if existing != nil && existing.Status == domain.PaymentStatusCharged {
		paymentDedupHits.Inc()
		activity.GetLogger(ctx).Info("payment already charged, skipping",
			"payment_id", in.PaymentID, "order_id", in.Order.ID)
		return *existing, nil
	}

	if err := a.injector.Call(ctx); err != nil {
		return domain.Payment{}, err
	}

	payment := domain.Payment{
		ID:        in.PaymentID,
		OrderID:   in.Order.ID,
		Status:    domain.PaymentStatusCharged,
		Amount:    in.Order.Amount(),
		CreatedAt: time.Now().UTC(),
	}
	stored, created, err := a.ledger.InsertPaymentIfAbsent(ctx, payment)
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "record payment")
	}
	if !created {
		paymentDedupHits.Inc()
	}

	if err := a.ledger.SetOrderState(ctx, in.Order.ID, domain.StatePaymentCharged); err != nil {
		return domain.Payment{}, errors.Wrap(err, "set order charged")
	}
	if err := a.recordEvent(ctx, in.Order.ID, domain.EventPaymentCharged, stored); err != nil {
		return domain.Payment{}, err
	}
	return stored, nil
}

// PreparePackage readies the order for shipping. The shipping saga never
// mutates the order projection; it only appends its outcomes to the audit log.
func (a *Activities) PreparePackage(ctx context.Context, order domain.Order) (string, error) {
	if err := a.injector.Call(ctx); err != nil {
		return "", err
	}
	if err := a.recordEvent(ctx, order.ID, domain.EventPackagePrepared, nil); err != nil {
		return "", err
	}
	return "package ready", nil
}

// DispatchCarrier hands the package to the carrier.
func (a *Activities) DispatchCarrier(ctx context.Context, order domain.Order) (string, error) {
	if err := a.injector.Call(ctx); err != nil {
		return "", err
	}
	if err := a.recordEvent(ctx, order.ID, domain.EventCarrierDispatched, nil); err != nil {
		return "", err
	}
	return "dispatched", nil
}

// MarkOrderShipped moves the projection to its happy terminal state after the
// shipping saga reported success.
func (a *Activities) MarkOrderShipped(ctx context.Context, order domain.Order) error {
	if err := a.ledger.SetOrderState(ctx, order.ID, domain.StateCompleted); err != nil {
		return errors.Wrap(err, "set order completed")
	}
	return a.recordEvent(ctx, order.ID, domain.EventOrderShipped, nil)
}

// SetOrderStateInput names a projection transition.
type SetOrderStateInput struct {
	OrderID string            `json:"order_id"`
	State   domain.OrderState `json:"state"`
}

// SetOrderState updates the order projection.
func (a *Activities) SetOrderState(ctx context.Context, in SetOrderStateInput) error {
	return errors.Wrapf(a.ledger.SetOrderState(ctx, in.OrderID, in.State),
		"set order %s", in.State)
}

// UpdateOrderAddressInput carries an applied address change.
type UpdateOrderAddressInput struct {
	OrderID string         `json:"order_id"`
	Address domain.Address `json:"address"`
	By      string         `json:"by,omitempty"`
}

// UpdateOrderAddress persists an address change and records it.
func (a *Activities) UpdateOrderAddress(ctx context.Context, in UpdateOrderAddressInput) error {
	if err := a.ledger.UpdateOrderAddress(ctx, in.OrderID, in.Address); err != nil {
		return errors.Wrap(err, "update order address")
	}
	return a.recordEvent(ctx, in.OrderID, domain.EventAddressUpdated, in)
}

// RecordEvent appends an audit event on behalf of the saga (signal receipts,
// advisories, failure causes).
func (a *Activities) RecordEvent(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := a.ledger.AppendEvent(ctx, event); err != nil {
		return errors.Wrap(err, "append event")
	}
	a.notify(ctx, event)
	return nil
}

func (a *Activities) recordEvent(ctx context.Context, orderID, eventType string, payload interface{}) error {
	event := domain.Event{
		OrderID:   orderID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal event payload")
		}
		event.Payload = string(raw)
	}
	if err := a.ledger.AppendEvent(ctx, event); err != nil {
		return errors.Wrapf(err, "append %s event", eventType)
	}
	a.notify(ctx, event)
	return nil
}

func (a *Activities) notify(ctx context.Context, event domain.Event) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Publish(ctx, event); err != nil {
		activity.GetLogger(ctx).Warn("event broadcast failed",
			"order_id", event.OrderID, "type", event.Type, "error", err)
	}
}
