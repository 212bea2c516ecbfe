package workflows

import (
	"encoding/json"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
)

// Signal channel and query names. External callers and the child saga address
// a running order saga through these.
const (
	SignalCancelOrder    = "cancel-order"
	SignalUpdateAddress  = "update-address"
	SignalDispatchFailed = "dispatch-failed"

	QueryStatus = "status"
)

// CancelOrderSignal requests cancellation of a running order.
type CancelOrderSignal struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// UpdateAddressSignal replaces the shipping address of a running order.
type UpdateAddressSignal struct {
	NewAddress domain.Address `json:"new_address"`
	UpdatedBy  string         `json:"updated_by"`
}

// DispatchFailedSignal is sent by the shipping saga to its parent when the
// carrier dispatch step has exhausted its local retry budget.
type DispatchFailedSignal struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// StatusProjection is the read-only view served by the status query. Querying
// never mutates the instance.
type StatusProjection struct {
	OrderID        string            `json:"order_id"`
	State          domain.OrderState `json:"state"`
	CompletedSteps []string          `json:"completed_steps"`
	LastError      string            `json:"last_error,omitempty"`
	AddressUpdated bool              `json:"address_updated"`
	CancelPending  bool              `json:"cancel_pending"`
}

// jsonMarshal renders signal payloads for the audit log. encoding/json sorts
// map keys, so the output is stable across replays.
func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
