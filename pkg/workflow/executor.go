package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/durably-dev/durably/internal/durationx"
	"github.com/durably-dev/durably/internal/metrics"
	"github.com/durably-dev/durably/internal/store"
)

// StepConfig configures one call to Step.Run.
type StepConfig struct {
	Name string
}

// Step is the API user workflow functions see. Every call is durably
// memoized: on replay, a step already recorded in history returns its
// cached output without invoking fn again.
type Step interface {
	// Run executes fn at most once per (runId, stepName) across any
	// number of crashes, retries, or reclaims.
	Run(ctx context.Context, config StepConfig, fn func(ctx context.Context) (store.JSON, error)) (store.JSON, error)

	// Sleep suspends the workflow for duration (a Go shorthand or
	// ISO-8601 duration string), persisting a sleep step and raising a
	// SleepSignal the processor turns into a "sleeping" transition.
	Sleep(ctx context.Context, name string, duration string) error
}

// executor is the concrete Step implementation, constructed fresh for
// every processor tick from the run's recorded history.
type executor struct {
	store         store.Store
	namespaceID   string
	runID         string
	workerID      string
	history       []store.StepAttempt // ordered prior attempts; expectedIndex walks it
	expectedIndex int
	now           func() time.Time
}

// newExecutor builds a replay executor positioned at the start of the
// given ordered attempt history.
func newExecutor(st store.Store, namespaceID, runID, workerID string, attempts []store.StepAttempt) *executor {
	return &executor{
		store:       st,
		namespaceID: namespaceID,
		runID:       runID,
		workerID:    workerID,
		history:     attempts,
		now:         time.Now,
	}
}

func (e *executor) Run(ctx context.Context, config StepConfig, fn func(ctx context.Context) (store.JSON, error)) (store.JSON, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("step config.name must not be empty")
	}

	if e.expectedIndex < len(e.history) {
		recorded := e.history[e.expectedIndex]
		if recorded.StepName != config.Name {
			return nil, &NonDeterministicError{Recorded: recorded.StepName, Current: config.Name}
		}
		// Failed attempts of this step may be followed by the attempt
		// that completed it; that completed attempt is the cached result.
		for recorded.Status != store.StepCompleted && e.expectedIndex+1 < len(e.history) &&
			e.history[e.expectedIndex+1].StepName == config.Name {
			e.expectedIndex++
			recorded = e.history[e.expectedIndex]
		}
		e.expectedIndex++
		if recorded.Status == store.StepCompleted {
			return recorded.Output, nil
		}
		// A previously failed attempt at this index: fall through and
		// execute a fresh attempt for the same step name below.
	}

	attempt, err := e.store.CreateStepAttempt(ctx, e.namespaceID, e.runID, store.StepAttempt{
		StepName: config.Name,
		Kind:     store.StepKindFunction,
	})
	if err != nil {
		return nil, fmt.Errorf("create step attempt: %w", err)
	}

	output, runErr := fn(ctx)
	if runErr != nil {
		metrics.RecordStepOutcome(string(store.StepKindFunction), string(store.StepFailed))
		if _, failErr := e.store.FailStepAttempt(ctx, e.namespaceID, e.runID, e.workerID, attempt.ID, serializeError(runErr)); failErr != nil {
			return nil, fmt.Errorf("fail step attempt: %w", failErr)
		}
		return nil, runErr
	}

	completed, err := e.store.CompleteStepAttempt(ctx, e.namespaceID, e.runID, e.workerID, attempt.ID, output)
	if err != nil {
		return nil, fmt.Errorf("complete step attempt: %w", err)
	}
	metrics.RecordStepOutcome(string(store.StepKindFunction), string(store.StepCompleted))
	return completed.Output, nil
}

func (e *executor) Sleep(ctx context.Context, name string, duration string) error {
	if e.expectedIndex < len(e.history) {
		recorded := e.history[e.expectedIndex]
		if recorded.StepName == name && recorded.Status == store.StepCompleted {
			e.expectedIndex++
			return nil
		}
	}

	parsed, err := durationx.Parse(duration)
	if err != nil {
		return fmt.Errorf("invalid sleep duration for step %q: %w", name, err)
	}
	resumeAt := e.now().Add(parsed)

	_, err = e.store.CreateStepAttempt(ctx, e.namespaceID, e.runID, store.StepAttempt{
		StepName: name,
		Kind:     store.StepKindSleep,
		Context:  store.JSON{"kind": "sleep", "resumeAt": resumeAt.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return fmt.Errorf("create sleep step attempt: %w", err)
	}
	return &SleepSignal{ResumeAt: resumeAt}
}
