package main

import (
	"context"
	"fmt"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/pkg/workflow"
)

// greetWorkflow is a minimal durable workflow exercising both the step
// and sleep primitives: say hello, wait a beat, say goodbye. It exists
// to give the demo binary something to run against a real Store; a
// production embedder registers its own workflows the same way.
var greetWorkflow = workflow.DefineWorkflow(workflow.Definition{
	Name:        "greet",
	RetryPolicy: retry.DefaultPolicy(),
}, func(ctx context.Context, wc workflow.Context) (store.JSON, error) {
	name, _ := wc.Input["name"].(string)
	if name == "" {
		name = "world"
	}

	_, err := wc.Step.Run(ctx, workflow.StepConfig{Name: "sayHello"}, func(ctx context.Context) (store.JSON, error) {
		return store.JSON{"greeting": fmt.Sprintf("hello, %s", name)}, nil
	})
	if err != nil {
		return nil, err
	}

	if err := wc.Step.Sleep(ctx, "pause", "2s"); err != nil {
		return nil, err
	}

	farewell, err := wc.Step.Run(ctx, workflow.StepConfig{Name: "sayGoodbye"}, func(ctx context.Context) (store.JSON, error) {
		return store.JSON{"farewell": fmt.Sprintf("goodbye, %s", name)}, nil
	})
	if err != nil {
		return nil, err
	}

	return farewell, nil
})
