// Package workflows holds the order saga and its shipping child saga. Both
// run on a durable-execution engine: the logic here is deterministic, suspends
// only on timers, step invocations and child completion, and observes signals
// at explicit decision points.
package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/trellis-commerce/order-lifecycle/orders/activities"
	"github.com/trellis-commerce/order-lifecycle/orders/domain"
)

// Task queue (execution lane) defaults. The shipping saga always runs on a
// lane distinct from its parent.
const (
	TaskQueueOrders   = "order-tq"
	TaskQueueShipping = "shipping-tq"
)

// OrderWorkflowIDPrefix namespaces order saga instance IDs.
const OrderWorkflowIDPrefix = "order-"

// OrderWorkflowInput starts an order saga instance.
type OrderWorkflowInput struct {
	OrderID           string            `json:"order_id"`
	Address           *domain.Address   `json:"address,omitempty"`
	Items             []domain.LineItem `json:"items"`
	ShippingTaskQueue string            `json:"shipping_task_queue,omitempty"`
	Policies          StepPolicies      `json:"policies"`
}

// OrderWorkflowResult is the saga's terminal report. A failed saga remains
// queryable; the cause lands here and in the audit log, never in silence.
type OrderWorkflowResult struct {
	OrderID            string                  `json:"order_id"`
	Status             domain.OrderState       `json:"status"`
	CompletedSteps     []string                `json:"completed_steps"`
	PaymentID          string                  `json:"payment_id,omitempty"`
	Payment            *domain.Payment         `json:"payment,omitempty"`
	Shipping           *domain.ShippingOutcome `json:"shipping,omitempty"`
	CancellationReason string                  `json:"cancellation_reason,omitempty"`
	FailedStep         string                  `json:"failed_step,omitempty"`
	Error              string                  `json:"error,omitempty"`
	AddressUpdated     bool                    `json:"address_updated"`
}

// Completed-step markers, in saga order.
const (
	StepReceived       = "received"
	StepValidated      = "validated"
	StepApproved       = "approved"
	StepPaymentCharged = "payment_charged"
	StepShipped        = "shipped"
)

type orderSaga struct {
	input    OrderWorkflowInput
	policies StepPolicies

	order          domain.Order
	completedSteps []string
	payment        *domain.Payment
	shipping       *domain.ShippingOutcome
	failedStep     string
	lastError      string

	cancelRequested       bool
	cancelReason          string
	cancelAdvisoryLogged  bool
	addressUpdated        bool
	pendingAddressPersist *UpdateAddressSignal
	pendingAdvisories     []domain.Event
	lastDispatchFailure   *DispatchFailedSignal
}

// OrderWorkflow drives the order saga: receive → validate → await approval →
// charge → ship, with cancel/address signals accepted at every decision point
// and the shipping phase delegated to a child saga on its own lane.
func OrderWorkflow(ctx workflow.Context, input OrderWorkflowInput) (*OrderWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)

	s := &orderSaga{
		input:    input,
		policies: input.Policies.withDefaults(),
		order: domain.Order{
			ID:      input.OrderID,
			State:   domain.StateReceived,
			Address: input.Address,
			Items:   input.Items,
		},
	}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, s.status); err != nil {
		return nil, err
	}
	s.registerSignalHandlers(ctx)
	logger.Info("order saga started", "order_id", input.OrderID)

	var a *activities.Activities

	// Receive. A duplicate start with conflicting contents is a terminal
	// validation error; identical contents are treated as the same start.
	sctx := workflow.WithActivityOptions(ctx, s.policies.stepOptions(activities.ErrorTypeValidation))
	var draft domain.Order
	err := workflow.ExecuteActivity(sctx, a.ReceiveOrder, activities.ReceiveOrderInput{
		OrderID: input.OrderID,
		Address: input.Address,
		Items:   input.Items,
	}).Get(sctx, &draft)
	if err != nil {
		return s.failed(ctx, "receive_order", err), nil
	}
	// A signal may have replaced the address while the step was in flight;
	// the signal wins over the stored draft.
	if s.addressUpdated {
		draft.Address = s.order.Address
	}
	s.order = draft
	s.completedSteps = append(s.completedSteps, StepReceived)
	s.flushSignals(ctx)
	if s.cancelRequested {
		return s.cancelled(ctx), nil
	}

	// Validate. An empty item list fails immediately, with no retries.
	sctx = workflow.WithActivityOptions(ctx, s.policies.stepOptions(activities.ErrorTypeNoItems))
	var valid bool
	if err := workflow.ExecuteActivity(sctx, a.ValidateOrder, s.order).Get(sctx, &valid); err != nil {
		return s.failed(ctx, "validate_order", err), nil
	}
	_ = s.order.Transition(domain.StateValidated)
	s.completedSteps = append(s.completedSteps, StepValidated)
	s.flushSignals(ctx)
	if s.cancelRequested {
		return s.cancelled(ctx), nil
	}

	// Approval gate: suspend on a timer, short-circuit the instant a cancel
	// arrives. Signals keep being applied while suspended.
	_ = s.order.Transition(domain.StateAwaitingApproval)
	s.setState(ctx, domain.StateAwaitingApproval)
	if _, err := workflow.AwaitWithTimeout(ctx, s.policies.ApprovalTimer, func() bool {
		return s.cancelRequested
	}); err != nil {
		return s.failed(ctx, "await_approval", err), nil
	}
	s.flushSignals(ctx)
	if s.cancelRequested {
		return s.cancelled(ctx), nil
	}
	s.record(ctx, domain.EventManualReviewCompleted, nil)
	s.completedSteps = append(s.completedSteps, StepApproved)

	// Charge. Cancel still wins if it raced the approval timer; once the
	// charge is recorded the point of no return has passed.
	if s.cancelRequested {
		return s.cancelled(ctx), nil
	}
	paymentID := "payment-" + input.OrderID
	sctx = workflow.WithActivityOptions(ctx, s.policies.stepOptions())
	var payment domain.Payment
	err = workflow.ExecuteActivity(sctx, a.ChargePayment, activities.ChargePaymentInput{
		Order:     s.order,
		PaymentID: paymentID,
	}).Get(sctx, &payment)
	if err != nil {
		return s.failed(ctx, "charge_payment", err), nil
	}
	s.payment = &payment
	_ = s.order.Transition(domain.StatePaymentCharged)
	s.completedSteps = append(s.completedSteps, StepPaymentCharged)
	s.flushSignals(ctx)
	s.noteLateCancel(ctx)

	// Shipping: delegate to the child saga with the address frozen at this
	// point. Later address updates are advisory for this run.
	_ = s.order.Transition(domain.StateShippingInProgress)
	s.setState(ctx, domain.StateShippingInProgress)
	snapshot := s.order
	if s.order.Address != nil {
		addr := *s.order.Address
		snapshot.Address = &addr
	}

	dispatched := false
	var lastReason string
	for attempt := 1; attempt <= s.policies.ShippingRetryCap; attempt++ {
		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: fmt.Sprintf("shipping-%s-%d", input.OrderID, attempt),
			TaskQueue:  s.shippingTaskQueue(),
		})
		var outcome domain.ShippingOutcome
		err := workflow.ExecuteChildWorkflow(cctx, ShippingWorkflow, ShippingWorkflowInput{
			Order:    snapshot,
			Attempt:  attempt,
			Policies: s.policies,
		}).Get(cctx, &outcome)

		if err == nil && outcome.Dispatched {
			s.shipping = &outcome
			dispatched = true
			break
		}
		if err != nil {
			lastReason = err.Error()
		} else {
			s.shipping = &outcome
			lastReason = outcome.FailureReason
		}
		logger.Warn("shipping attempt failed",
			"order_id", input.OrderID, "attempt", attempt, "reason", lastReason)
		// The child's DispatchFailed signal already produces an audit record;
		// only attempts that died without one get recorded here.
		if s.lastDispatchFailure == nil || s.lastDispatchFailure.Attempt != attempt {
			s.record(ctx, domain.EventDispatchFailed, map[string]interface{}{
				"attempt": attempt,
				"reason":  lastReason,
			})
		}
		s.flushSignals(ctx)
		s.noteLateCancel(ctx)
	}
	if !dispatched {
		return s.failed(ctx, "shipping", errors.New(lastReason)), nil
	}

	rctx := workflow.WithActivityOptions(ctx, recordOptions())
	if err := workflow.ExecuteActivity(rctx, a.MarkOrderShipped, snapshot).Get(rctx, nil); err != nil {
		return s.failed(ctx, "mark_shipped", err), nil
	}
	_ = s.order.Transition(domain.StateCompleted)
	s.completedSteps = append(s.completedSteps, StepShipped)
	s.flushSignals(ctx)
	s.noteLateCancel(ctx)

	logger.Info("order saga completed", "order_id", input.OrderID)
	return s.result(), nil
}

func (s *orderSaga) registerSignalHandlers(ctx workflow.Context) {
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelOrder)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			var sig CancelOrderSignal
			if !cancelCh.Receive(gctx, &sig) {
				return
			}
			if s.cancelRequested || s.cancelAdvisoryLogged {
				// Re-delivery of the same signal changes nothing.
				continue
			}
			s.cancelReason = sig.Reason
			if domain.CanCancel(s.order.State) {
				s.cancelRequested = true
				workflow.GetLogger(gctx).Info("cancel signal received",
					"order_id", s.order.ID, "reason", sig.Reason, "by", sig.CancelledBy)
				continue
			}
			// Past the point of no return; the request is audited, never applied.
			s.cancelAdvisoryLogged = true
			s.queueAdvisory(domain.EventCancelAdvisory, map[string]string{"reason": sig.Reason})
		}
	})

	addressCh := workflow.GetSignalChannel(ctx, SignalUpdateAddress)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			var sig UpdateAddressSignal
			if !addressCh.Receive(gctx, &sig) {
				return
			}
			if s.order.Address != nil && *s.order.Address == sig.NewAddress {
				continue
			}
			if domain.CanUpdateAddress(s.order.State) {
				addr := sig.NewAddress
				s.order.Address = &addr
				s.addressUpdated = true
				sigCopy := sig
				s.pendingAddressPersist = &sigCopy
			} else {
				// The shipping saga already holds its address snapshot;
				// accept the signal for audit only.
				s.queueAdvisory(domain.EventAddressUpdateAdvisory, sig)
			}
		}
	})

	dispatchCh := workflow.GetSignalChannel(ctx, SignalDispatchFailed)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			var sig DispatchFailedSignal
			if !dispatchCh.Receive(gctx, &sig) {
				return
			}
			sigCopy := sig
			s.lastDispatchFailure = &sigCopy
			s.queueAdvisory(domain.EventDispatchFailed, sig)
		}
	})
}

func (s *orderSaga) queueAdvisory(eventType string, payload interface{}) {
	ev := domain.Event{OrderID: s.input.OrderID, Type: eventType}
	if payload != nil {
		if raw, err := jsonMarshal(payload); err == nil {
			ev.Payload = string(raw)
		}
	}
	s.pendingAdvisories = append(s.pendingAdvisories, ev)
}

// flushSignals persists signal effects queued since the last decision point:
// the latest applied address change and any advisory audit records.
func (s *orderSaga) flushSignals(ctx workflow.Context) {
	var a *activities.Activities
	rctx := workflow.WithActivityOptions(ctx, recordOptions())
	if s.pendingAddressPersist != nil {
		sig := s.pendingAddressPersist
		s.pendingAddressPersist = nil
		err := workflow.ExecuteActivity(rctx, a.UpdateOrderAddress, activities.UpdateOrderAddressInput{
			OrderID: s.input.OrderID,
			Address: sig.NewAddress,
			By:      sig.UpdatedBy,
		}).Get(rctx, nil)
		if err != nil {
			workflow.GetLogger(ctx).Error("address update persist failed",
				"order_id", s.input.OrderID, "error", err)
		}
	}
	for len(s.pendingAdvisories) > 0 {
		ev := s.pendingAdvisories[0]
		s.pendingAdvisories = s.pendingAdvisories[1:]
		if err := workflow.ExecuteActivity(rctx, a.RecordEvent, ev).Get(rctx, nil); err != nil {
			workflow.GetLogger(ctx).Error("advisory event record failed",
				"order_id", s.input.OrderID, "type", ev.Type, "error", err)
		}
	}
}

// noteLateCancel records a cancel that arrived after the point of no return.
// The charge is not reversed; the saga keeps going.
func (s *orderSaga) noteLateCancel(ctx workflow.Context) {
	if !s.cancelRequested || s.cancelAdvisoryLogged {
		return
	}
	s.cancelAdvisoryLogged = true
	s.record(ctx, domain.EventCancelAdvisory, map[string]string{"reason": s.cancelReason})
}

func (s *orderSaga) cancelled(ctx workflow.Context) *OrderWorkflowResult {
	s.flushSignals(ctx)
	s.order.State = domain.StateCancelled
	s.setState(ctx, domain.StateCancelled)
	s.record(ctx, domain.EventOrderCancelled, map[string]string{"reason": s.cancelReason})
	workflow.GetLogger(ctx).Info("order saga cancelled",
		"order_id", s.input.OrderID, "reason", s.cancelReason)
	return s.result()
}

func (s *orderSaga) failed(ctx workflow.Context, step string, err error) *OrderWorkflowResult {
	s.flushSignals(ctx)
	s.failedStep = step
	s.lastError = failureCause(err)
	s.order.State = domain.StateFailed
	s.setState(ctx, domain.StateFailed)
	s.record(ctx, domain.EventOrderFailed, map[string]string{
		"step":  step,
		"cause": s.lastError,
	})
	workflow.GetLogger(ctx).Error("order saga failed",
		"order_id", s.input.OrderID, "step", step, "cause", s.lastError)
	return s.result()
}

func (s *orderSaga) result() *OrderWorkflowResult {
	res := &OrderWorkflowResult{
		OrderID:            s.input.OrderID,
		Status:             s.order.State,
		CompletedSteps:     s.completedSteps,
		Shipping:           s.shipping,
		CancellationReason: s.cancelReason,
		FailedStep:         s.failedStep,
		Error:              s.lastError,
		AddressUpdated:     s.addressUpdated,
	}
	if s.payment != nil {
		res.Payment = s.payment
		res.PaymentID = s.payment.ID
	}
	if s.order.State == domain.StateCancelled {
		res.CancellationReason = s.cancelReason
	}
	return res
}

func (s *orderSaga) status() (StatusProjection, error) {
	return StatusProjection{
		OrderID:        s.input.OrderID,
		State:          s.order.State,
		CompletedSteps: append([]string(nil), s.completedSteps...),
		LastError:      s.lastError,
		AddressUpdated: s.addressUpdated,
		CancelPending:  s.cancelRequested,
	}, nil
}

// record appends an audit event, best effort: the audit trail never takes the
// saga down on its own.
func (s *orderSaga) record(ctx workflow.Context, eventType string, payload interface{}) {
	var a *activities.Activities
	ev := domain.Event{OrderID: s.input.OrderID, Type: eventType}
	if payload != nil {
		if raw, err := jsonMarshal(payload); err == nil {
			ev.Payload = string(raw)
		}
	}
	rctx := workflow.WithActivityOptions(ctx, recordOptions())
	if err := workflow.ExecuteActivity(rctx, a.RecordEvent, ev).Get(rctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("audit event record failed",
			"order_id", s.input.OrderID, "type", eventType, "error", err)
	}
}

func (s *orderSaga) setState(ctx workflow.Context, state domain.OrderState) {
	var a *activities.Activities
	rctx := workflow.WithActivityOptions(ctx, recordOptions())
	err := workflow.ExecuteActivity(rctx, a.SetOrderState, activities.SetOrderStateInput{
		OrderID: s.input.OrderID,
		State:   state,
	}).Get(rctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Error("projection update failed",
			"order_id", s.input.OrderID, "state", state, "error", err)
	}
}

func (s *orderSaga) shippingTaskQueue() string {
	if s.input.ShippingTaskQueue != "" {
		return s.input.ShippingTaskQueue
	}
	return TaskQueueShipping
}

// failureCause renders a step failure for the audit log, surfacing the
// terminal business error type when one is present.
func failureCause(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.Type() != "" {
			return appErr.Type() + ": " + appErr.Message()
		}
		return appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout: " + timeoutErr.Error()
	}
	return err.Error()
}
