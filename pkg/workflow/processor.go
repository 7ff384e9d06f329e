package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/durably-dev/durably/internal/metrics"
	"github.com/durably-dev/durably/internal/store"
)

const historyPageSize = 1000

// RunProcessor drives one claimed workflow run to its next suspension
// point: replay history, resolve any pending sleep, invoke the user
// function, and persist whatever outcome results. It is instantiated
// fresh per claim (per tick) — no state survives across calls.
type RunProcessor struct {
	Store store.Store
	Run   *store.WorkflowRun
	Def   *Workflow
}

// Process runs one full processor cycle for the claimed run.
func (p *RunProcessor) Process(ctx context.Context) error {
	workerID := ""
	if p.Run.WorkerID != nil {
		workerID = *p.Run.WorkerID
	}

	history, err := p.loadHistory(ctx)
	if err != nil {
		return fmt.Errorf("load step attempt history: %w", err)
	}

	history, sleepSignal, err := p.resolvePendingSleeps(ctx, history)
	if err != nil {
		return fmt.Errorf("resolve pending sleeps: %w", err)
	}
	if sleepSignal != nil {
		_, err := p.Store.SleepWorkflowRun(ctx, p.Run.NamespaceID, p.Run.ID, workerID, sleepSignal.ResumeAt)
		return err
	}

	exec := newExecutor(p.Store, p.Run.NamespaceID, p.Run.ID, workerID, history)
	output, runErr := p.Def.fn(ctx, Context{Input: p.Run.Input, Step: exec, Version: p.Run.Version})

	var signal *SleepSignal
	if errors.As(runErr, &signal) {
		_, err := p.Store.SleepWorkflowRun(ctx, p.Run.NamespaceID, p.Run.ID, workerID, signal.ResumeAt)
		return err
	}
	if runErr != nil {
		failed, err := p.Store.FailWorkflowRun(ctx, p.Run.NamespaceID, p.Run.ID, workerID, serializeError(runErr), p.Def.RetryPolicy)
		if err == nil && failed.Status == store.RunFailed {
			metrics.RecordRunOutcome(string(store.RunFailed))
		}
		return err
	}

	_, err = p.Store.CompleteWorkflowRun(ctx, p.Run.NamespaceID, p.Run.ID, workerID, output)
	if err == nil {
		metrics.RecordRunOutcome(string(store.RunCompleted))
	}
	return err
}

// loadHistory follows listStepAttempts' next cursor until drained.
func (p *RunProcessor) loadHistory(ctx context.Context) ([]store.StepAttempt, error) {
	var all []store.StepAttempt
	var after string
	for {
		page, err := p.Store.ListStepAttempts(ctx, p.Run.NamespaceID, p.Run.ID, store.PageRequest{Limit: historyPageSize, After: after})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if page.Pagination.Next == "" || len(page.Data) == 0 {
			break
		}
		after = page.Pagination.Next
	}
	return all, nil
}

// resolvePendingSleeps walks running sleep attempts in order. A sleep
// whose resumeAt has passed is marked completed and its history entry
// updated in place. The first sleep still in the future stops the walk
// and yields a SleepSignal without ever invoking the user function —
// the run is still sleeping, full stop.
func (p *RunProcessor) resolvePendingSleeps(ctx context.Context, history []store.StepAttempt) ([]store.StepAttempt, *SleepSignal, error) {
	workerID := ""
	if p.Run.WorkerID != nil {
		workerID = *p.Run.WorkerID
	}
	now := time.Now()

	for i, a := range history {
		if a.Kind != store.StepKindSleep || a.Status != store.StepRunning {
			continue
		}
		resumeAt, err := resumeAtFromContext(a.Context)
		if err != nil {
			return history, nil, err
		}
		if now.Before(resumeAt) {
			return history, &SleepSignal{ResumeAt: resumeAt}, nil
		}
		completed, err := p.Store.CompleteStepAttempt(ctx, p.Run.NamespaceID, p.Run.ID, workerID, a.ID, nil)
		if err != nil {
			return history, nil, err
		}
		history[i] = *completed
	}
	return history, nil, nil
}

func resumeAtFromContext(ctx store.JSON) (time.Time, error) {
	raw, ok := ctx["resumeAt"].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("sleep step attempt missing context.resumeAt")
	}
	return time.Parse(time.RFC3339Nano, raw)
}
