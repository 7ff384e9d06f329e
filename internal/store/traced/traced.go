// Package traced wraps a store.Store so every mutating call runs
// inside its own OpenTelemetry span, following the span-per-operation
// convention tombee-conductor's tracing package uses for its
// persistence layer. Read-only list/get calls are left unwrapped: the
// spec scopes tracing to mutations, and spans on hot read paths would
// mostly add noise.
package traced

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/tracing"
)

// Store wraps an underlying store.Store, adding a span around every
// mutating method.
type Store struct {
	inner  store.Store
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// Wrap returns a Store that traces inner's mutating calls using the
// package-level tracer from internal/tracing.
func Wrap(inner store.Store) *Store {
	return &Store{inner: inner, tracer: tracing.Tracer()}
}

func (s *Store) withSpan(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) CreateWorkflowRun(ctx context.Context, params store.CreateWorkflowRunParams) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.CreateWorkflowRun", []attribute.KeyValue{
		attribute.String("workflow.name", params.WorkflowName),
		attribute.String("namespace.id", params.NamespaceID),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.CreateWorkflowRun(ctx, params)
		return err
	})
	return run, err
}

func (s *Store) GetWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	return s.inner.GetWorkflowRun(ctx, namespaceID, id)
}

func (s *Store) GetWorkflowRunByIdempotencyKey(ctx context.Context, namespaceID, workflowName, idempotencyKey string) (*store.WorkflowRun, error) {
	return s.inner.GetWorkflowRunByIdempotencyKey(ctx, namespaceID, workflowName, idempotencyKey)
}

func (s *Store) ListWorkflowRuns(ctx context.Context, namespaceID string, req store.PageRequest) (*store.Page[store.WorkflowRun], error) {
	return s.inner.ListWorkflowRuns(ctx, namespaceID, req)
}

func (s *Store) ClaimWorkflowRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.ClaimWorkflowRun", []attribute.KeyValue{
		attribute.String("namespace.id", namespaceID),
		attribute.String("worker.id", workerID),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.ClaimWorkflowRun(ctx, namespaceID, workerID, leaseDuration)
		return err
	})
	return run, err
}

func (s *Store) ExtendWorkflowRunLease(ctx context.Context, namespaceID, id, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.ExtendWorkflowRunLease", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
		attribute.String("worker.id", workerID),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.ExtendWorkflowRunLease(ctx, namespaceID, id, workerID, leaseDuration)
		return err
	})
	return run, err
}

func (s *Store) SleepWorkflowRun(ctx context.Context, namespaceID, id, workerID string, availableAt time.Time) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.SleepWorkflowRun", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.SleepWorkflowRun(ctx, namespaceID, id, workerID, availableAt)
		return err
	})
	return run, err
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, namespaceID, id, workerID string, output store.JSON) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.CompleteWorkflowRun", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.CompleteWorkflowRun(ctx, namespaceID, id, workerID, output)
		return err
	})
	return run, err
}

func (s *Store) FailWorkflowRun(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, policy retry.Policy) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.FailWorkflowRun", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.FailWorkflowRun(ctx, namespaceID, id, workerID, runError, policy)
		return err
	})
	return run, err
}

func (s *Store) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, availableAt time.Time) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.RescheduleWorkflowRunAfterFailedStepAttempt", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.RescheduleWorkflowRunAfterFailedStepAttempt(ctx, namespaceID, id, workerID, runError, availableAt)
		return err
	})
	return run, err
}

func (s *Store) CancelWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	var run *store.WorkflowRun
	err := s.withSpan(ctx, "Store.CancelWorkflowRun", []attribute.KeyValue{
		attribute.String("workflow_run.id", id),
	}, func(ctx context.Context) error {
		var err error
		run, err = s.inner.CancelWorkflowRun(ctx, namespaceID, id)
		return err
	})
	return run, err
}

func (s *Store) CreateStepAttempt(ctx context.Context, namespaceID, workflowRunID string, attempt store.StepAttempt) (*store.StepAttempt, error) {
	var a *store.StepAttempt
	err := s.withSpan(ctx, "Store.CreateStepAttempt", []attribute.KeyValue{
		attribute.String("workflow_run.id", workflowRunID),
		attribute.String("step.name", attempt.StepName),
		attribute.String("step.kind", string(attempt.Kind)),
	}, func(ctx context.Context) error {
		var err error
		a, err = s.inner.CreateStepAttempt(ctx, namespaceID, workflowRunID, attempt)
		return err
	})
	return a, err
}

func (s *Store) GetStepAttempt(ctx context.Context, namespaceID, id string) (*store.StepAttempt, error) {
	return s.inner.GetStepAttempt(ctx, namespaceID, id)
}

func (s *Store) ListStepAttempts(ctx context.Context, namespaceID, workflowRunID string, req store.PageRequest) (*store.Page[store.StepAttempt], error) {
	return s.inner.ListStepAttempts(ctx, namespaceID, workflowRunID, req)
}

func (s *Store) CompleteStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, output store.JSON) (*store.StepAttempt, error) {
	var a *store.StepAttempt
	err := s.withSpan(ctx, "Store.CompleteStepAttempt", []attribute.KeyValue{
		attribute.String("workflow_run.id", workflowRunID),
		attribute.String("step_attempt.id", id),
	}, func(ctx context.Context) error {
		var err error
		a, err = s.inner.CompleteStepAttempt(ctx, namespaceID, workflowRunID, workerID, id, output)
		return err
	})
	return a, err
}

func (s *Store) FailStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, stepError store.JSON) (*store.StepAttempt, error) {
	var a *store.StepAttempt
	err := s.withSpan(ctx, "Store.FailStepAttempt", []attribute.KeyValue{
		attribute.String("workflow_run.id", workflowRunID),
		attribute.String("step_attempt.id", id),
	}, func(ctx context.Context) error {
		var err error
		a, err = s.inner.FailStepAttempt(ctx, namespaceID, workflowRunID, workerID, id, stepError)
		return err
	})
	return a, err
}
