// Package retry implements the pure decision function that turns a
// failed workflow run attempt into either a retry (pending, with a
// backed-off availableAt) or a terminal failure. It has no knowledge
// of the Store; callers apply its decision.
package retry

import "time"

// Policy controls backoff and the retry ceiling for a workflow.
type Policy struct {
	InitialInterval    time.Duration `validate:"required,gt=0"`
	MaximumInterval    time.Duration `validate:"required,gtfield=InitialInterval"`
	BackoffCoefficient float64       `validate:"gte=1"`
	MaximumAttempts    int           `validate:"gte=1"`
}

// DefaultPolicy matches the engine's built-in defaults: a 1s initial
// interval doubling up to a ceiling, three attempts total.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    time.Second,
		MaximumInterval:    24 * time.Hour,
		BackoffCoefficient: 2,
		MaximumAttempts:    3,
	}
}

// Decision is the outcome of evaluating a failed attempt against a Policy.
type Decision struct {
	Terminal    bool
	AvailableAt time.Time // zero when Terminal
	FinishedAt  time.Time // zero unless Terminal
}

// ComputeFailedWorkflowRunUpdate implements the algorithm from the
// spec verbatim:
//
//  1. delay = min(initialInterval * backoffCoefficient^(attempts-1), maximumInterval)
//  2. nextAvailableAt = now + delay
//  3. if attempts >= maximumAttempts OR (deadlineAt != nil AND nextAvailableAt > deadlineAt): terminal
//  4. else: pending retry at nextAvailableAt
//
// attempts is the run's attempt count *after* the failed attempt that
// triggered this call (i.e. the count already incremented by the claim
// that produced the failing execution).
func ComputeFailedWorkflowRunUpdate(policy Policy, attempts int, deadlineAt *time.Time, now time.Time) Decision {
	delay := backoffDelay(policy, attempts)
	nextAvailableAt := now.Add(delay)

	if attempts >= policy.MaximumAttempts || (deadlineAt != nil && nextAvailableAt.After(*deadlineAt)) {
		return Decision{Terminal: true, FinishedAt: now}
	}
	return Decision{Terminal: false, AvailableAt: nextAvailableAt}
}

func backoffDelay(policy Policy, attempts int) time.Duration {
	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}
	delay := float64(policy.InitialInterval)
	coefficient := policy.BackoffCoefficient
	if coefficient <= 0 {
		coefficient = 1
	}
	for i := 0; i < exponent; i++ {
		delay *= coefficient
	}
	if max := float64(policy.MaximumInterval); policy.MaximumInterval > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
