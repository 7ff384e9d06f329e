package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/store/memstore"
)

func TestHandleResultOnFailure(t *testing.T) {
	boom := DefineWorkflow(Definition{
		Name: "boom",
		RetryPolicy: retry.Policy{
			InitialInterval:    time.Second,
			MaximumInterval:    2 * time.Second,
			BackoffCoefficient: 1,
			MaximumAttempts:    1,
		},
	}, func(ctx context.Context, wc Context) (store.JSON, error) {
		return nil, assert.AnError
	})

	st := memstore.New()
	client := NewClient(st, "")
	handle, err := client.Run(context.Background(), boom, store.JSON{}, RunOptions{})
	require.NoError(t, err)

	tickOnce(t, st, "w1", boom)

	result, err := handle.Result(context.Background())
	require.Nil(t, result)
	require.Error(t, err)
	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, assert.AnError.Error(), failed.Message)
}

func TestHandleCancel(t *testing.T) {
	neverTicked := DefineWorkflow(Definition{Name: "never-ticked"}, func(ctx context.Context, wc Context) (store.JSON, error) {
		return store.JSON{}, nil
	})

	st := memstore.New()
	client := NewClient(st, "")
	handle, err := client.Run(context.Background(), neverTicked, store.JSON{}, RunOptions{})
	require.NoError(t, err)

	require.NoError(t, handle.Cancel(context.Background()))

	result, err := handle.Result(context.Background())
	require.Nil(t, result)
	require.Error(t, err)
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "never-ticked", canceled.WorkflowName)
}

func TestHandleCancelAlreadyTerminalFails(t *testing.T) {
	done := DefineWorkflow(Definition{Name: "done"}, func(ctx context.Context, wc Context) (store.JSON, error) {
		return store.JSON{}, nil
	})

	st := memstore.New()
	client := NewClient(st, "")
	handle, err := client.Run(context.Background(), done, store.JSON{}, RunOptions{})
	require.NoError(t, err)

	tickOnce(t, st, "w1", done)

	err = handle.Cancel(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot cancel workflow run")
}
