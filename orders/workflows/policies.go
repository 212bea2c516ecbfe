package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Budget is the wall-clock ceiling for a complete order saga run. The sum of
// worst-case step durations plus the approval timer must stay under it; the
// check happens at configuration time, not at runtime.
const Budget = 15 * time.Second

// Step counts entering the worst-case arithmetic: the parent runs three
// business steps through the unreliable operation (receive, validate, charge);
// each shipping attempt runs two (prepare, dispatch).
const (
	parentBusinessSteps     = 3
	shippingStepsPerAttempt = 2
)

// StepPolicies carries the per-step timeout/retry configuration a saga runs
// with. It travels inside the workflow input so replays see the same values.
type StepPolicies struct {
	// StepTimeout bounds a single attempt of a business step.
	StepTimeout time.Duration `json:"step_timeout"`
	// MaxAttempts bounds retries of a transient step failure.
	MaxAttempts int32 `json:"max_attempts"`
	// Bounded exponential backoff between attempts.
	BackoffInitial     time.Duration `json:"backoff_initial"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	BackoffMax         time.Duration `json:"backoff_max"`
	// ApprovalTimer is the human-in-the-loop gate duration.
	ApprovalTimer time.Duration `json:"approval_timer"`
	// ShippingRetryCap bounds how many shipping saga invocations the parent
	// makes in total before giving up.
	ShippingRetryCap int `json:"shipping_retry_cap"`
}

// DefaultPolicies returns the stock configuration. Worst case:
// 1s approval + 3·(1s·2) + 2·(2·(1s·2)) = 15s, exactly the budget.
func DefaultPolicies() StepPolicies {
	return StepPolicies{
		StepTimeout:        time.Second,
		MaxAttempts:        2,
		BackoffInitial:     50 * time.Millisecond,
		BackoffCoefficient: 2.0,
		BackoffMax:         500 * time.Millisecond,
		ApprovalTimer:      time.Second,
		ShippingRetryCap:   2,
	}
}

func (p StepPolicies) withDefaults() StepPolicies {
	def := DefaultPolicies()
	if p.StepTimeout <= 0 {
		p.StepTimeout = def.StepTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = def.BackoffInitial
	}
	if p.BackoffCoefficient <= 1 {
		p.BackoffCoefficient = def.BackoffCoefficient
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.ApprovalTimer <= 0 {
		p.ApprovalTimer = def.ApprovalTimer
	}
	if p.ShippingRetryCap <= 0 {
		p.ShippingRetryCap = def.ShippingRetryCap
	}
	return p
}

// WorstCase computes the analytic worst-case duration of one saga run:
// approval timer + Σ(step timeout × max attempts) over every business step,
// counting each shipping invocation up to the retry cap.
func (p StepPolicies) WorstCase() time.Duration {
	p = p.withDefaults()
	perStep := p.StepTimeout * time.Duration(p.MaxAttempts)
	parent := time.Duration(parentBusinessSteps) * perStep
	shipping := time.Duration(p.ShippingRetryCap*shippingStepsPerAttempt) * perStep
	return p.ApprovalTimer + parent + shipping
}

// stepOptions builds the activity options for a business step. Error types
// listed as non-retryable are terminal business errors: the saga must not
// retry semantic failures.
func (p StepPolicies) stepOptions(nonRetryable ...string) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: p.StepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        p.BackoffInitial,
			BackoffCoefficient:     p.BackoffCoefficient,
			MaximumInterval:        p.BackoffMax,
			MaximumAttempts:        p.MaxAttempts,
			NonRetryableErrorTypes: nonRetryable,
		},
	}
}

// recordOptions are used for audit/projection writes against the ledger.
// These hit the local store, not the unreliable operation, and sit outside
// the budget arithmetic.
func recordOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    20 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    200 * time.Millisecond,
			MaximumAttempts:    3,
		},
	}
}
