package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeFailedWorkflowRunUpdate_Backoff(t *testing.T) {
	policy := Policy{
		InitialInterval:    time.Second,
		MaximumInterval:    time.Hour,
		BackoffCoefficient: 2,
		MaximumAttempts:    3,
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1 := ComputeFailedWorkflowRunUpdate(policy, 1, nil, now)
	assert.False(t, d1.Terminal)
	assert.Equal(t, now.Add(time.Second), d1.AvailableAt)

	d2 := ComputeFailedWorkflowRunUpdate(policy, 2, nil, now)
	assert.False(t, d2.Terminal)
	assert.Equal(t, now.Add(2*time.Second), d2.AvailableAt)

	d3 := ComputeFailedWorkflowRunUpdate(policy, 3, nil, now)
	assert.True(t, d3.Terminal)
	assert.Equal(t, now, d3.FinishedAt)
}

func TestComputeFailedWorkflowRunUpdate_MaximumIntervalCaps(t *testing.T) {
	policy := Policy{
		InitialInterval:    time.Second,
		MaximumInterval:    3 * time.Second,
		BackoffCoefficient: 2,
		MaximumAttempts:    100,
	}
	now := time.Now()

	d := ComputeFailedWorkflowRunUpdate(policy, 10, nil, now)
	assert.False(t, d.Terminal)
	assert.Equal(t, now.Add(3*time.Second), d.AvailableAt)
}

func TestComputeFailedWorkflowRunUpdate_DeadlineExceeded(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()
	deadline := now.Add(500 * time.Millisecond)

	d := ComputeFailedWorkflowRunUpdate(policy, 1, &deadline, now)
	assert.True(t, d.Terminal)
}

func TestComputeFailedWorkflowRunUpdate_DeadlineNotYetExceeded(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()
	deadline := now.Add(time.Hour)

	d := ComputeFailedWorkflowRunUpdate(policy, 1, &deadline, now)
	assert.False(t, d.Terminal)
}
