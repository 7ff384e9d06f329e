package store

import (
	"context"
	"time"

	"github.com/durably-dev/durably/internal/retry"
)

// Store is the durable backend contract. Multiple implementations
// (postgres, memstore) satisfy it; the executor, processor, and worker
// never depend on a concrete backend.
//
// All mutating methods are safe to call from many concurrent callers
// across many processes: the atomicity guarantees in each method's doc
// comment are part of the contract, not an implementation detail.
type Store interface {
	CreateWorkflowRun(ctx context.Context, params CreateWorkflowRunParams) (*WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, namespaceID, id string) (*WorkflowRun, error)
	GetWorkflowRunByIdempotencyKey(ctx context.Context, namespaceID, workflowName, idempotencyKey string) (*WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, namespaceID string, req PageRequest) (*Page[WorkflowRun], error)

	// ClaimWorkflowRun atomically: (1) fails every run past its deadline,
	// (2) selects one eligible candidate honoring claim priority and the
	// concurrency predicate, (3) marks it running under workerID. Returns
	// (nil, nil) when nothing is claimable.
	ClaimWorkflowRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*WorkflowRun, error)

	ExtendWorkflowRunLease(ctx context.Context, namespaceID, id, workerID string, leaseDuration time.Duration) (*WorkflowRun, error)
	SleepWorkflowRun(ctx context.Context, namespaceID, id, workerID string, availableAt time.Time) (*WorkflowRun, error)
	CompleteWorkflowRun(ctx context.Context, namespaceID, id, workerID string, output JSON) (*WorkflowRun, error)
	FailWorkflowRun(ctx context.Context, namespaceID, id, workerID string, runError JSON, policy retry.Policy) (*WorkflowRun, error)
	RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespaceID, id, workerID string, runError JSON, availableAt time.Time) (*WorkflowRun, error)
	CancelWorkflowRun(ctx context.Context, namespaceID, id string) (*WorkflowRun, error)

	CreateStepAttempt(ctx context.Context, namespaceID, workflowRunID string, attempt StepAttempt) (*StepAttempt, error)
	GetStepAttempt(ctx context.Context, namespaceID, id string) (*StepAttempt, error)
	ListStepAttempts(ctx context.Context, namespaceID, workflowRunID string, req PageRequest) (*Page[StepAttempt], error)
	CompleteStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, output JSON) (*StepAttempt, error)
	FailStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, stepError JSON) (*StepAttempt, error)
}
