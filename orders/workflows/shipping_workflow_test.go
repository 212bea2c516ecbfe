package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/trellis-commerce/order-lifecycle/orders/activities"
	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/flaky"
)

func newShippingEnv(t *testing.T, ledger *memLedger, injector flaky.Injector) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ShippingWorkflow)
	env.RegisterActivity(activities.New(ledger, injector, nil))
	return env
}

func shippingOrder(orderID string) domain.Order {
	return domain.Order{
		ID:      orderID,
		State:   domain.StateShippingInProgress,
		Address: testAddress(),
		Items:   testItems(),
	}
}

func TestShippingWorkflowSuccess(t *testing.T) {
	ledger := newMemLedger()
	env := newShippingEnv(t, ledger, flaky.None{})

	env.ExecuteWorkflow(ShippingWorkflow, ShippingWorkflowInput{
		Order:   shippingOrder("order-1"),
		Attempt: 1,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var outcome domain.ShippingOutcome
	require.NoError(t, env.GetWorkflowResult(&outcome))

	assert.True(t, outcome.Prepared)
	assert.True(t, outcome.Dispatched)
	assert.Empty(t, outcome.FailureReason)
	assert.Equal(t, []string{domain.EventPackagePrepared, domain.EventCarrierDispatched}, ledger.eventTypes())
}

func TestShippingWorkflowPrepareFailureCompletesWithOutcome(t *testing.T) {
	ledger := newMemLedger()
	// Both prepare attempts fail; the saga completes carrying the failure
	// instead of failing its own execution.
	injector := &scriptedInjector{failOn: map[int]bool{1: true, 2: true}}
	env := newShippingEnv(t, ledger, injector)

	env.ExecuteWorkflow(ShippingWorkflow, ShippingWorkflowInput{
		Order:   shippingOrder("order-2"),
		Attempt: 1,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var outcome domain.ShippingOutcome
	require.NoError(t, env.GetWorkflowResult(&outcome))

	assert.False(t, outcome.Prepared)
	assert.False(t, outcome.Dispatched)
	assert.Contains(t, outcome.FailureReason, "prepare_package")
	assert.Equal(t, 2, injector.total(), "prepare retried exactly once")
	assert.Empty(t, ledger.eventTypes())
}

func TestShippingWorkflowDispatchFailureReportsUpward(t *testing.T) {
	ledger := newMemLedger()
	// Prepare succeeds, both dispatch attempts fail.
	injector := &scriptedInjector{failOn: map[int]bool{2: true, 3: true}}
	env := newShippingEnv(t, ledger, injector)

	env.OnSignalExternalWorkflow(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Maybe()

	env.ExecuteWorkflow(ShippingWorkflow, ShippingWorkflowInput{
		Order:   shippingOrder("order-3"),
		Attempt: 2,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var outcome domain.ShippingOutcome
	require.NoError(t, env.GetWorkflowResult(&outcome))

	assert.True(t, outcome.Prepared)
	assert.False(t, outcome.Dispatched)
	assert.Contains(t, outcome.FailureReason, "dispatch_carrier")
	assert.Equal(t, []string{domain.EventPackagePrepared}, ledger.eventTypes())
}
