// Package workflow is the library surface application code imports:
// defineWorkflow, workflow.run, the Handle it returns, and the Step API
// (Run/Sleep) passed into a workflow function. pkg/worker consumes the
// processor in this package to actually execute claimed runs.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/validatex"
)

// Context is what a workflow function receives.
type Context struct {
	Input   store.JSON
	Step    Step
	Version *string
}

// Func is the shape every workflow function implements.
type Func func(ctx context.Context, wc Context) (store.JSON, error)

// Definition configures a registered workflow.
type Definition struct {
	Name        string
	Version     *string
	RetryPolicy retry.Policy
	Timeout     time.Duration // zero means no deadline
}

// Workflow is a registered, runnable workflow definition.
type Workflow struct {
	Definition
	fn Func
}

// DefineWorkflow registers fn under def.Name. def.RetryPolicy defaults
// to retry.DefaultPolicy() when zero-valued.
func DefineWorkflow(def Definition, fn Func) *Workflow {
	if def.RetryPolicy == (retry.Policy{}) {
		def.RetryPolicy = retry.DefaultPolicy()
	}
	if def.Name == "" {
		panic("workflow: Definition.Name must not be empty")
	}
	if err := validatex.Struct(def.RetryPolicy); err != nil {
		panic(fmt.Sprintf("workflow %q: invalid retry policy: %v", def.Name, err))
	}
	return &Workflow{Definition: def, fn: fn}
}

// RunOptions configures one call to Workflow.Run.
type RunOptions struct {
	IdempotencyKey   *string
	ConcurrencyKey   *string
	ConcurrencyLimit *int
	AvailableAt      *time.Time
	DeadlineAt       *time.Time
}

// Client creates and inspects workflow runs against a Store. It is the
// library-level entry point application code holds onto; pkg/worker
// holds the same Store but drives claims instead of creation.
type Client struct {
	Store       store.Store
	NamespaceID string
}

// NewClient returns a Client scoped to namespaceID, defaulting to
// store.DefaultNamespace when empty.
func NewClient(st store.Store, namespaceID string) *Client {
	if namespaceID == "" {
		namespaceID = store.DefaultNamespace
	}
	return &Client{Store: st, NamespaceID: namespaceID}
}

// Run creates a new run of w and returns a Handle to it.
func (c *Client) Run(ctx context.Context, w *Workflow, input store.JSON, opts RunOptions) (*Handle, error) {
	deadlineAt := opts.DeadlineAt
	if deadlineAt == nil && w.Timeout > 0 {
		d := time.Now().Add(w.Timeout)
		deadlineAt = &d
	}

	params := store.CreateWorkflowRunParams{
		NamespaceID:      c.NamespaceID,
		WorkflowName:     w.Name,
		Version:          w.Version,
		IdempotencyKey:   opts.IdempotencyKey,
		ConcurrencyKey:   opts.ConcurrencyKey,
		ConcurrencyLimit: opts.ConcurrencyLimit,
		Input:            input,
		AvailableAt:      opts.AvailableAt,
		DeadlineAt:       deadlineAt,
	}
	if err := validatex.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid workflow run params: %w", err)
	}

	run, err := c.Store.CreateWorkflowRun(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	return &Handle{store: c.Store, namespaceID: c.NamespaceID, workflowName: w.Name, run: run}, nil
}
