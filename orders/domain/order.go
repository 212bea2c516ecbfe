package domain

import (
	"time"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	StateReceived           OrderState = "received"
	StateValidated          OrderState = "validated"
	StateAwaitingApproval   OrderState = "awaiting_approval"
	StatePaymentCharged     OrderState = "payment_charged"
	StateShippingInProgress OrderState = "shipping_in_progress"
	StateCompleted          OrderState = "completed"
	StateCancelled          OrderState = "cancelled"
	StateFailed             OrderState = "failed"
)

// Address is the shipping destination for an order
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// LineItem represents a single item in an order
type LineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Order aggregate. Owned exclusively by the running order saga; the ledger
// holds only the last-known projection for inspection.
type Order struct {
	ID        string     `json:"order_id"`
	State     OrderState `json:"state"`
	Address   *Address   `json:"address,omitempty"`
	Items     []LineItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewOrder creates a received order draft
func NewOrder(orderID string, address *Address, items []LineItem, now time.Time) Order {
	return Order{
		ID:        orderID,
		State:     StateReceived,
		Address:   address,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Amount computes the charge amount for the order
func (o Order) Amount() float64 {
	var total float64
	for _, item := range o.Items {
		total += float64(item.Quantity)
	}
	return total
}

// SameContents reports whether another draft carries identical items and
// address. A duplicate start with identical contents is a no-op; a duplicate
// with different contents is a conflict.
func (o Order) SameContents(other Order) bool {
	if len(o.Items) != len(other.Items) {
		return false
	}
	for i := range o.Items {
		if o.Items[i] != other.Items[i] {
			return false
		}
	}
	if (o.Address == nil) != (other.Address == nil) {
		return false
	}
	if o.Address != nil && *o.Address != *other.Address {
		return false
	}
	return true
}

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusCharged PaymentStatus = "charged"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment records a charge. A payment row, once charged, is never re-charged
// for the same identifier.
type Payment struct {
	ID        string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Status    PaymentStatus `json:"status"`
	Amount    float64       `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}

// ShippingOutcome is the immutable message a shipping saga reports to its
// parent. The shipping saga never mutates the order directly.
type ShippingOutcome struct {
	OrderID       string `json:"order_id"`
	Prepared      bool   `json:"prepared"`
	Dispatched    bool   `json:"dispatched"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Event is an append-only audit record. Write-once; never mutated or deleted.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	OrderID   string    `json:"order_id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit event types
const (
	EventOrderReceived         = "order_received"
	EventOrderValidated        = "order_validated"
	EventManualReviewCompleted = "manual_review_completed"
	EventPaymentCharged        = "payment_charged"
	EventPackagePrepared       = "package_prepared"
	EventCarrierDispatched     = "carrier_dispatched"
	EventOrderShipped          = "order_shipped"
	EventOrderCancelled        = "order_cancelled"
	EventOrderFailed           = "order_failed"
	EventAddressUpdated        = "address_updated"
	EventAddressUpdateAdvisory = "address_update_advisory"
	EventCancelAdvisory        = "cancel_requested_after_charge"
	EventDispatchFailed        = "dispatch_failed"
)
