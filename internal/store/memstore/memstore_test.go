package memstore_test

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

func retryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval:    10 * time.Millisecond,
		MaximumInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumAttempts:    2,
	}
}

func strPtr(s string) *string { return &s }

func TestCreateWorkflowRunDefaults(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	run, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
		NamespaceID:  store.DefaultNamespace,
		WorkflowName: "greet",
		Input:        store.JSON{"name": "ada"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, store.RunPending, run.Status)
	assert.Equal(t, 0, run.Attempts)
	require.NotNil(t, run.AvailableAt)
	assert.WithinDuration(t, time.Now(), *run.AvailableAt, time.Second)
}

func TestCreateWorkflowRunIdempotencyKeyDedupes(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	params := store.CreateWorkflowRunParams{
		NamespaceID:    store.DefaultNamespace,
		WorkflowName:   "greet",
		IdempotencyKey: strPtr("req-1"),
		Input:          store.JSON{"name": "ada"},
	}

	first, err := st.CreateWorkflowRun(ctx, params)
	require.NoError(t, err)

	second, err := st.CreateWorkflowRun(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	byKey, err := st.GetWorkflowRunByIdempotencyKey(ctx, store.DefaultNamespace, "greet", "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)
}

func TestClaimWorkflowRunOnlyOneWinner(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	_, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
		NamespaceID:  store.DefaultNamespace,
		WorkflowName: "greet",
	})
	require.NoError(t, err)

	first, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, store.RunRunning, first.Status)

	second, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimWorkflowRunRespectsConcurrencyLimit(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	limit := 1
	key := "tenant-a"
	for i := 0; i < 2; i++ {
		_, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
			NamespaceID:      store.DefaultNamespace,
			WorkflowName:     "greet",
			ConcurrencyKey:   &key,
			ConcurrencyLimit: &limit,
		})
		require.NoError(t, err)
	}

	first, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second run in the same bucket can't be claimed while the first is
	// still running, even though it's otherwise available.
	second, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimWorkflowRunReclaimsAfterLeaseExpiry(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	limit := 1
	key := "tenant-a"
	for i := 0; i < 2; i++ {
		_, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
			NamespaceID:      store.DefaultNamespace,
			WorkflowName:     "greet",
			ConcurrencyKey:   &key,
			ConcurrencyLimit: &limit,
		})
		require.NoError(t, err)
	}

	// Claim with a lease so short it's already expired by the time we
	// try to claim the second run in the bucket.
	first, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(10 * time.Millisecond)

	// The first run is still status=running (nothing proactively
	// reaped it), but its lease (availableAt) is in the past, so it
	// must not count against the bucket and the second run must be
	// claimable.
	second, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second, "a run whose lease expired must not hold its own concurrency slot forever")
}

func TestClaimWorkflowRunFailsPastDeadline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	run, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
		NamespaceID:  store.DefaultNamespace,
		WorkflowName: "greet",
		DeadlineAt:   &deadline,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	failed, err := st.GetWorkflowRun(ctx, store.DefaultNamespace, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, failed.Status)
	assert.Equal(t, "Workflow run deadline exceeded", failed.Error["message"])
}

func TestCancelWorkflowRunRejectsTerminalRuns(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	run, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
		NamespaceID:  store.DefaultNamespace,
		WorkflowName: "greet",
	})
	require.NoError(t, err)

	claimed, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = st.CompleteWorkflowRun(ctx, store.DefaultNamespace, run.ID, "worker-a", store.JSON{})
	require.NoError(t, err)

	_, err = st.CancelWorkflowRun(ctx, store.DefaultNamespace, run.ID)
	assert.Error(t, err)
}

func TestListWorkflowRunsPaginationOrder(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
			NamespaceID:  store.DefaultNamespace,
			WorkflowName: "greet",
		})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	page, err := st.ListWorkflowRuns(ctx, store.DefaultNamespace, store.PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.NotEmpty(t, page.Pagination.Next)

	rest, err := st.ListWorkflowRuns(ctx, store.DefaultNamespace, store.PageRequest{Limit: 2, After: page.Pagination.Next})
	require.NoError(t, err)
	require.Len(t, rest.Data, 1)
	assert.Empty(t, rest.Pagination.Next)
}

func TestFailWorkflowRunRespectsRetryPolicyThenTerminates(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	run, err := st.CreateWorkflowRun(ctx, store.CreateWorkflowRunParams{
		NamespaceID:  store.DefaultNamespace,
		WorkflowName: "greet",
	})
	require.NoError(t, err)

	policy := retryPolicy()

	claimed, err := st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	rescheduled, err := st.FailWorkflowRun(ctx, store.DefaultNamespace, run.ID, "worker-a", store.JSON{"message": "boom"}, policy)
	require.NoError(t, err)
	assert.Equal(t, store.RunPending, rescheduled.Status, "first failure under MaximumAttempts reschedules")

	// The retry becomes claimable only once the 10ms backoff has passed.
	time.Sleep(20 * time.Millisecond)

	claimed, err = st.ClaimWorkflowRun(ctx, store.DefaultNamespace, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	final, err := st.FailWorkflowRun(ctx, store.DefaultNamespace, run.ID, "worker-a", store.JSON{"message": "boom"}, policy)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, final.Status, "exhausting MaximumAttempts fails terminally")
	assert.NotNil(t, final.FinishedAt)
}
