package workflows

import (
	"go.temporal.io/sdk/workflow"

	"github.com/trellis-commerce/order-lifecycle/orders/activities"
	"github.com/trellis-commerce/order-lifecycle/orders/domain"
)

// ShippingWorkflowInput starts one shipping attempt for an order. Order is a
// snapshot taken at delegation time, not a live reference.
type ShippingWorkflowInput struct {
	Order    domain.Order `json:"order"`
	Attempt  int          `json:"attempt"`
	Policies StepPolicies `json:"policies"`
}

// ShippingWorkflow is the child saga: prepare the package, dispatch the
// carrier. When a step exhausts its local retry budget the saga does not fail
// its own execution: it reports a DispatchFailed message to the parent's
// signal channel and completes carrying the failure outcome. Whether to try
// the whole shipping phase again is the parent's decision.
func ShippingWorkflow(ctx workflow.Context, input ShippingWorkflowInput) (*domain.ShippingOutcome, error) {
	logger := workflow.GetLogger(ctx)
	policies := input.Policies.withDefaults()
	outcome := &domain.ShippingOutcome{OrderID: input.Order.ID}

	logger.Info("shipping saga started",
		"order_id", input.Order.ID, "attempt", input.Attempt)

	var a *activities.Activities
	sctx := workflow.WithActivityOptions(ctx, policies.stepOptions())

	if err := workflow.ExecuteActivity(sctx, a.PreparePackage, input.Order).Get(sctx, nil); err != nil {
		outcome.FailureReason = "prepare_package: " + failureCause(err)
		logger.Warn("package preparation failed",
			"order_id", input.Order.ID, "reason", outcome.FailureReason)
		return outcome, nil
	}
	outcome.Prepared = true

	if err := workflow.ExecuteActivity(sctx, a.DispatchCarrier, input.Order).Get(sctx, nil); err != nil {
		outcome.FailureReason = "dispatch_carrier: " + failureCause(err)
		logger.Warn("carrier dispatch failed",
			"order_id", input.Order.ID, "reason", outcome.FailureReason)
		notifyParentDispatchFailed(ctx, DispatchFailedSignal{
			OrderID: input.Order.ID,
			Reason:  outcome.FailureReason,
			Attempt: input.Attempt,
		})
		return outcome, nil
	}
	outcome.Dispatched = true

	logger.Info("shipping saga completed", "order_id", input.Order.ID)
	return outcome, nil
}

// notifyParentDispatchFailed reports the failure upward through the engine's
// signal primitive. Coordination with the parent is message passing only; the
// child never touches parent state.
func notifyParentDispatchFailed(ctx workflow.Context, sig DispatchFailedSignal) {
	info := workflow.GetInfo(ctx)
	if info.ParentWorkflowExecution == nil {
		return
	}
	err := workflow.SignalExternalWorkflow(ctx,
		info.ParentWorkflowExecution.ID, "", SignalDispatchFailed, sig).Get(ctx, nil)
	if err != nil {
		// The parent may already be past the point of caring; the outcome
		// return value still carries the failure.
		workflow.GetLogger(ctx).Warn("dispatch failure signal not delivered",
			"order_id", sig.OrderID, "error", err)
	}
}
