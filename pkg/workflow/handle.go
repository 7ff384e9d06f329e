package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/durably-dev/durably/internal/metrics"
	"github.com/durably-dev/durably/internal/store"
)

// Handle is returned from Client.Run. WorkflowRun is the snapshot taken
// at creation time; Result/Cancel talk to the Store directly.
type Handle struct {
	store        store.Store
	namespaceID  string
	workflowName string
	run          *store.WorkflowRun
}

// WorkflowRun returns the initial snapshot captured at creation.
func (h *Handle) WorkflowRun() *store.WorkflowRun { return h.run }

// pollInterval is how often Result polls getWorkflowRun while waiting
// for a terminal state.
const pollInterval = 100 * time.Millisecond

// Result polls until the run reaches a terminal state, then returns
// its output (on completed), or a typed error (RunFailedError on
// failed, CanceledError on canceled).
func (h *Handle) Result(ctx context.Context) (store.JSON, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := h.store.GetWorkflowRun(ctx, h.namespaceID, h.run.ID)
		if err != nil {
			return nil, fmt.Errorf("get workflow run: %w", err)
		}
		switch run.Status {
		case store.RunCompleted:
			return run.Output, nil
		case store.RunFailed:
			message, _ := run.Error["message"].(string)
			return nil, &RunFailedError{Message: message, Err: run.Error}
		case store.RunCanceled:
			return nil, &CanceledError{WorkflowName: h.workflowName}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel cancels the run, surfacing the Store's error verbatim.
func (h *Handle) Cancel(ctx context.Context) error {
	_, err := h.store.CancelWorkflowRun(ctx, h.namespaceID, h.run.ID)
	if err == nil {
		metrics.RecordRunOutcome(string(store.RunCanceled))
	}
	return err
}
