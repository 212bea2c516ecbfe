package domain

import "github.com/pkg/errors"

// ErrInvalidTransition is returned when a transition would move an order
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid order state transition")

// forward edges of the order state graph. Cancelled and Failed are reachable
// from any non-terminal state and are handled separately in CanTransition.
var forwardTransitions = map[OrderState]OrderState{
	StateReceived:           StateValidated,
	StateValidated:          StateAwaitingApproval,
	StateAwaitingApproval:   StatePaymentCharged,
	StatePaymentCharged:     StateShippingInProgress,
	StateShippingInProgress: StateCompleted,
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(s OrderState) bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether the order state graph allows from → to.
// Transitions are monotonic: no backward edges, and terminal states are final.
func CanTransition(from, to OrderState) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	return forwardTransitions[from] == to
}

// Transition advances the order to the given state or reports why it cannot.
func (o *Order) Transition(to OrderState) error {
	if !CanTransition(o.State, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.State, to)
	}
	o.State = to
	return nil
}

// CanCancel reports whether a cancel signal still changes the order's fate.
// Once payment is charged the point of no return has passed: a cancel is
// accepted for audit only.
func CanCancel(s OrderState) bool {
	switch s {
	case StateReceived, StateValidated, StateAwaitingApproval:
		return true
	}
	return false
}

// CanUpdateAddress reports whether an address update still reaches the
// shipping saga. After the address snapshot has been delegated to an
// in-flight shipping saga the update is advisory only.
func CanUpdateAddress(s OrderState) bool {
	switch s {
	case StateReceived, StateValidated, StateAwaitingApproval, StatePaymentCharged:
		return true
	}
	return false
}
