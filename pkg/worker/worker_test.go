package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/store/memstore"
	"github.com/durably-dev/durably/pkg/workflow"
)

func TestTickClaimsAndCompletesRegisteredWorkflow(t *testing.T) {
	greet := workflow.DefineWorkflow(workflow.Definition{Name: "greet"}, func(ctx context.Context, wc workflow.Context) (store.JSON, error) {
		name, _ := wc.Input["name"].(string)
		return store.JSON{"greeting": "hi " + name}, nil
	})

	st := memstore.New()
	client := workflow.NewClient(st, "")
	handle, err := client.Run(context.Background(), greet, store.JSON{"name": "world"}, workflow.RunOptions{})
	require.NoError(t, err)

	w := New(st, Config{Concurrency: 2, Workflows: []*workflow.Workflow{greet}})

	claimed := w.tick(context.Background())
	assert.Equal(t, 1, claimed)

	// The dispatched processor runs in a background goroutine; wait for
	// it to finish via the WaitGroup the way Stop does.
	w.wg.Wait()

	result, err := handle.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi world", result["greeting"])
}

func TestTickFailsUnregisteredWorkflow(t *testing.T) {
	st := memstore.New()
	client := workflow.NewClient(st, "")
	handle, err := client.Run(context.Background(), workflow.DefineWorkflow(workflow.Definition{Name: "orphan"}, func(ctx context.Context, wc workflow.Context) (store.JSON, error) {
		return store.JSON{}, nil
	}), store.JSON{}, workflow.RunOptions{})
	require.NoError(t, err)

	// This worker has no workflows registered at all, so the claimed run
	// for "orphan" must be failed immediately rather than executed.
	w := New(st, Config{Concurrency: 1})

	claimed := w.tick(context.Background())
	assert.Equal(t, 1, claimed)
	w.wg.Wait()

	run, err := st.GetWorkflowRun(context.Background(), store.DefaultNamespace, handle.WorkflowRun().ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Error["message"], "No workflow registered")
}

func TestTickRespectsIdleSlots(t *testing.T) {
	greet := workflow.DefineWorkflow(workflow.Definition{Name: "greet"}, func(ctx context.Context, wc workflow.Context) (store.JSON, error) {
		return store.JSON{}, nil
	})

	st := memstore.New()
	client := workflow.NewClient(st, "")
	for i := 0; i < 3; i++ {
		_, err := client.Run(context.Background(), greet, store.JSON{}, workflow.RunOptions{})
		require.NoError(t, err)
	}

	w := New(st, Config{Concurrency: 2, Workflows: []*workflow.Workflow{greet}})

	// Occupy both slots manually so tick sees no idle worker IDs.
	w.mu.Lock()
	w.active[w.workerIDs[0]] = func() {}
	w.active[w.workerIDs[1]] = func() {}
	w.mu.Unlock()

	claimed := w.tick(context.Background())
	assert.Equal(t, 0, claimed, "no claims should be issued when every slot is occupied")
}

func TestStartAndStopGracefulShutdown(t *testing.T) {
	greet := workflow.DefineWorkflow(workflow.Definition{Name: "greet"}, func(ctx context.Context, wc workflow.Context) (store.JSON, error) {
		return store.JSON{}, nil
	})

	st := memstore.New()
	client := workflow.NewClient(st, "")
	handle, err := client.Run(context.Background(), greet, store.JSON{}, workflow.RunOptions{})
	require.NoError(t, err)

	w := New(st, Config{Concurrency: 1, PollInterval: 10 * time.Millisecond, Workflows: []*workflow.Workflow{greet}})

	started := make(chan struct{})
	go func() {
		close(started)
		_ = w.Start(context.Background())
	}()
	<-started

	require.Eventually(t, func() bool {
		run, err := st.GetWorkflowRun(context.Background(), store.DefaultNamespace, handle.WorkflowRun().ID)
		return err == nil && run.Status == store.RunCompleted
	}, time.Second, 5*time.Millisecond)

	w.Stop()
}
