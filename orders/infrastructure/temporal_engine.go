package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

var (
	// ErrAlreadyStarted reports a duplicate start for an order identifier.
	ErrAlreadyStarted = errors.New("order saga already started")
	// ErrNotApplicable reports a signal or query aimed at an order with no
	// addressable saga instance. Explicit outcome, never a silent drop.
	ErrNotApplicable = errors.New("no addressable saga instance for order")
)

// TemporalEngine adapts the durable-execution engine's client to the four
// operations the front ends need: start, signal, query, and await result.
type TemporalEngine struct {
	client            client.Client
	orderTaskQueue    string
	shippingTaskQueue string
	policies          workflows.StepPolicies
}

// NewTemporalEngine wraps a dialed client.
func NewTemporalEngine(c client.Client, orderTaskQueue, shippingTaskQueue string, policies workflows.StepPolicies) *TemporalEngine {
	if orderTaskQueue == "" {
		orderTaskQueue = workflows.TaskQueueOrders
	}
	if shippingTaskQueue == "" {
		shippingTaskQueue = workflows.TaskQueueShipping
	}
	return &TemporalEngine{
		client:            c,
		orderTaskQueue:    orderTaskQueue,
		shippingTaskQueue: shippingTaskQueue,
		policies:          policies,
	}
}

func workflowID(orderID string) string {
	return workflows.OrderWorkflowIDPrefix + orderID
}

// StartOrder launches a saga instance for the order. A duplicate start with
// the same identifier is rejected rather than creating a second instance.
func (e *TemporalEngine) StartOrder(ctx context.Context, orderID string, address *domain.Address, items []domain.LineItem) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:                       workflowID(orderID),
		TaskQueue:                e.orderTaskQueue,
		WorkflowExecutionTimeout: workflows.Budget,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflows.OrderWorkflow, workflows.OrderWorkflowInput{
		OrderID:           orderID,
		Address:           address,
		Items:             items,
		ShippingTaskQueue: e.shippingTaskQueue,
		Policies:          e.policies,
	})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", ErrAlreadyStarted
		}
		return "", errors.Wrap(err, "start order saga")
	}
	return run.GetRunID(), nil
}

// Signal delivers an out-of-band message to the running saga.
func (e *TemporalEngine) Signal(ctx context.Context, orderID, name string, payload interface{}) error {
	err := e.client.SignalWorkflow(ctx, workflowID(orderID), "", name, payload)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return ErrNotApplicable
		}
		return errors.Wrapf(err, "deliver %s signal", name)
	}
	return nil
}

// QueryStatus reads the saga's observable projection without mutating it.
func (e *TemporalEngine) QueryStatus(ctx context.Context, orderID string) (workflows.StatusProjection, error) {
	resp, err := e.client.QueryWorkflow(ctx, workflowID(orderID), "", workflows.QueryStatus)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return workflows.StatusProjection{}, ErrNotApplicable
		}
		return workflows.StatusProjection{}, errors.Wrap(err, "query saga status")
	}
	var projection workflows.StatusProjection
	if err := resp.Get(&projection); err != nil {
		return workflows.StatusProjection{}, errors.Wrap(err, "decode saga status")
	}
	return projection, nil
}

// Result blocks until the saga reaches a terminal state and returns its report.
func (e *TemporalEngine) Result(ctx context.Context, orderID string) (*workflows.OrderWorkflowResult, error) {
	run := e.client.GetWorkflow(ctx, workflowID(orderID), "")
	var result workflows.OrderWorkflowResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, errors.Wrap(err, "await saga result")
	}
	return &result, nil
}
