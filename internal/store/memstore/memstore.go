// Package memstore is an in-memory store.Store implementation. It
// mirrors the Postgres backend's semantics (claim priority,
// concurrency buckets, idempotency dedup, retry transitions) using
// plain Go maps guarded by a mutex, so the executor, processor, and
// worker packages can be tested fast and without Docker. Tests that
// need to validate the real SQL get their own testcontainers-backed
// suite against internal/store/postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
)

// Store is a mutex-guarded, in-memory Store.
type Store struct {
	mu    sync.Mutex
	runs  map[string]*store.WorkflowRun // namespaceID+"/"+id -> run
	steps map[string]*store.StepAttempt // namespaceID+"/"+id -> attempt
	order []string                      // insertion order of run keys
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*store.WorkflowRun),
		steps: make(map[string]*store.StepAttempt),
	}
}

func runKey(namespaceID, id string) string { return namespaceID + "/" + id }

func cloneRun(r *store.WorkflowRun) *store.WorkflowRun {
	cp := *r
	return &cp
}

func cloneStep(a *store.StepAttempt) *store.StepAttempt {
	cp := *a
	return &cp
}

func (s *Store) CreateWorkflowRun(ctx context.Context, params store.CreateWorkflowRunParams) (*store.WorkflowRun, error) {
	if (params.ConcurrencyKey == nil) != (params.ConcurrencyLimit == nil) {
		return nil, store.ErrInvalidConcurrencyMetadata()
	}
	if params.ConcurrencyLimit != nil && *params.ConcurrencyLimit <= 0 {
		return nil, store.ErrInvalidConcurrencyMetadata()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.IdempotencyKey != nil {
		cutoff := time.Now().Add(-store.IdempotencyPeriod)
		if existing := s.findByIdempotencyKeyLocked(params.NamespaceID, params.WorkflowName, *params.IdempotencyKey, &cutoff); existing != nil {
			return cloneRun(existing), nil
		}
	}

	if params.ConcurrencyKey != nil {
		for _, r := range s.runs {
			if r.NamespaceID != params.NamespaceID || r.WorkflowName != params.WorkflowName {
				continue
			}
			if !strPtrEqual(r.Version, params.Version) {
				continue
			}
			if r.ConcurrencyKey == nil || *r.ConcurrencyKey != *params.ConcurrencyKey {
				continue
			}
			if r.Status != store.RunPending && r.Status != store.RunRunning {
				continue
			}
			if r.ConcurrencyLimit == nil || *r.ConcurrencyLimit != *params.ConcurrencyLimit {
				return nil, store.ErrConcurrencyLimitMismatch()
			}
		}
	}

	now := time.Now()
	availableAt := now
	if params.AvailableAt != nil {
		availableAt = *params.AvailableAt
	}

	run := &store.WorkflowRun{
		NamespaceID:      params.NamespaceID,
		ID:               uuid.NewString(),
		WorkflowName:     params.WorkflowName,
		Version:          params.Version,
		Status:           store.RunPending,
		IdempotencyKey:   params.IdempotencyKey,
		ConcurrencyKey:   params.ConcurrencyKey,
		ConcurrencyLimit: params.ConcurrencyLimit,
		Config:           params.Config,
		Context:          params.Context,
		Input:            params.Input,
		Attempts:         0,
		AvailableAt:      &availableAt,
		DeadlineAt:       params.DeadlineAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	key := runKey(run.NamespaceID, run.ID)
	s.runs[key] = run
	s.order = append(s.order, key)
	return cloneRun(run), nil
}

func (s *Store) findByIdempotencyKeyLocked(namespaceID, workflowName, idempotencyKey string, after *time.Time) *store.WorkflowRun {
	var best *store.WorkflowRun
	for _, r := range s.runs {
		if r.NamespaceID != namespaceID || r.WorkflowName != workflowName {
			continue
		}
		if r.IdempotencyKey == nil || *r.IdempotencyKey != idempotencyKey {
			continue
		}
		if after != nil && r.CreatedAt.Before(*after) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func (s *Store) GetWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok {
		return nil, store.ErrWorkflowRunNotFound(id)
	}
	return cloneRun(r), nil
}

func (s *Store) GetWorkflowRunByIdempotencyKey(ctx context.Context, namespaceID, workflowName, idempotencyKey string) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findByIdempotencyKeyLocked(namespaceID, workflowName, idempotencyKey, nil)
	if r == nil {
		return nil, store.ErrWorkflowRunNotFound(idempotencyKey)
	}
	return cloneRun(r), nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, namespaceID string, req store.PageRequest) (*store.Page[store.WorkflowRun], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []store.WorkflowRun
	for _, key := range s.order {
		r, ok := s.runs[key]
		if !ok || r.NamespaceID != namespaceID {
			continue
		}
		all = append(all, *cloneRun(r))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return paginate(all, req, func(v store.WorkflowRun) store.Cursor {
		return store.Cursor{CreatedAt: v.CreatedAt, ID: v.ID}
	})
}

func (s *Store) ClaimWorkflowRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, r := range s.runs {
		if r.NamespaceID != namespaceID {
			continue
		}
		active := r.Status == store.RunPending || r.Status == store.RunRunning || r.Status == store.RunSleeping
		if active && r.DeadlineAt != nil && !r.DeadlineAt.After(now) {
			r.Status = store.RunFailed
			r.Error = store.JSON{"message": "Workflow run deadline exceeded"}
			r.FinishedAt = &now
			r.AvailableAt = nil
			r.WorkerID = nil
			r.StartedAt = nil
			r.UpdatedAt = now
		}
	}

	var candidates []*store.WorkflowRun
	for _, r := range s.runs {
		if r.NamespaceID != namespaceID {
			continue
		}
		active := r.Status == store.RunPending || r.Status == store.RunRunning || r.Status == store.RunSleeping
		if !active || r.AvailableAt == nil || r.AvailableAt.After(now) {
			continue
		}
		if r.DeadlineAt != nil && !r.DeadlineAt.After(now) {
			continue
		}
		if r.ConcurrencyLimit != nil && s.runningInBucketLocked(r) >= *r.ConcurrencyLimit {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Status == store.RunPending, candidates[j].Status == store.RunPending
		if pi != pj {
			return pi
		}
		if !candidates[i].AvailableAt.Equal(*candidates[j].AvailableAt) {
			return candidates[i].AvailableAt.Before(*candidates[j].AvailableAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	r := candidates[0]
	r.Status = store.RunRunning
	r.Attempts++
	r.WorkerID = &workerID
	availableAt := now.Add(leaseDuration)
	r.AvailableAt = &availableAt
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now
	return cloneRun(r), nil
}

// runningInBucketLocked counts the other runs sharing r's concurrency
// bucket that are actively leased: status = running AND availableAt
// (the lease deadline) is still in the future. r itself is excluded,
// and a run whose lease has expired no longer counts, so an expired
// lease always returns its bucket slot to claimability.
func (s *Store) runningInBucketLocked(r *store.WorkflowRun) int {
	now := time.Now()
	count := 0
	for _, other := range s.runs {
		if other.ID == r.ID {
			continue
		}
		if other.NamespaceID != r.NamespaceID || other.WorkflowName != r.WorkflowName {
			continue
		}
		if !strPtrEqual(other.Version, r.Version) || !strPtrEqual(other.ConcurrencyKey, r.ConcurrencyKey) {
			continue
		}
		if other.Status == store.RunRunning && other.AvailableAt != nil && other.AvailableAt.After(now) {
			count++
		}
	}
	return count
}

func (s *Store) ExtendWorkflowRunLease(ctx context.Context, namespaceID, id, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok || r.Status != store.RunRunning || !strPtrEqual(r.WorkerID, &workerID) {
		return nil, store.ErrFailedToExtendLease()
	}
	now := time.Now()
	availableAt := now.Add(leaseDuration)
	r.AvailableAt = &availableAt
	r.UpdatedAt = now
	return cloneRun(r), nil
}

func (s *Store) SleepWorkflowRun(ctx context.Context, namespaceID, id, workerID string, availableAt time.Time) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok || store.IsTerminalRunStatus(r.Status) || !strPtrEqual(r.WorkerID, &workerID) {
		return nil, store.ErrFailedToSleep()
	}
	r.Status = store.RunSleeping
	r.WorkerID = nil
	r.AvailableAt = &availableAt
	r.UpdatedAt = time.Now()
	return cloneRun(r), nil
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, namespaceID, id, workerID string, output store.JSON) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok || r.Status != store.RunRunning || !strPtrEqual(r.WorkerID, &workerID) {
		return nil, store.ErrFailedToComplete()
	}
	now := time.Now()
	r.Status = store.RunCompleted
	r.Output = output
	r.FinishedAt = &now
	r.AvailableAt = nil
	r.WorkerID = nil
	r.UpdatedAt = now
	return cloneRun(r), nil
}

func (s *Store) FailWorkflowRun(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, policy retry.Policy) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok || r.Status != store.RunRunning || !strPtrEqual(r.WorkerID, &workerID) {
		return nil, store.ErrFailedToFail()
	}
	now := time.Now()
	decision := retry.ComputeFailedWorkflowRunUpdate(policy, r.Attempts, r.DeadlineAt, now)
	r.Error = runError
	r.WorkerID = nil
	r.StartedAt = nil
	r.UpdatedAt = now
	if decision.Terminal {
		r.Status = store.RunFailed
		r.FinishedAt = &decision.FinishedAt
		r.AvailableAt = nil
	} else {
		r.Status = store.RunPending
		r.AvailableAt = &decision.AvailableAt
	}
	return cloneRun(r), nil
}

func (s *Store) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, availableAt time.Time) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok || r.Status != store.RunRunning || !strPtrEqual(r.WorkerID, &workerID) {
		return nil, store.ErrFailedToFail()
	}
	r.Status = store.RunPending
	r.Error = runError
	r.AvailableAt = &availableAt
	r.WorkerID = nil
	r.StartedAt = nil
	r.UpdatedAt = time.Now()
	return cloneRun(r), nil
}

func (s *Store) CancelWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(namespaceID, id)]
	if !ok {
		return nil, store.ErrWorkflowRunNotFound(id)
	}
	if r.Status == store.RunCanceled {
		return cloneRun(r), nil
	}
	if store.IsTerminalRunStatus(r.Status) {
		return nil, store.ErrCannotCancel(id, r.Status)
	}
	now := time.Now()
	r.Status = store.RunCanceled
	r.FinishedAt = &now
	r.AvailableAt = nil
	r.WorkerID = nil
	r.UpdatedAt = now
	return cloneRun(r), nil
}

func (s *Store) CreateStepAttempt(ctx context.Context, namespaceID, workflowRunID string, attempt store.StepAttempt) (*store.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}
	kind := attempt.Kind
	if kind == "" {
		kind = store.StepKindFunction
	}
	now := time.Now()
	a := &store.StepAttempt{
		NamespaceID:   namespaceID,
		ID:            id,
		WorkflowRunID: workflowRunID,
		StepName:      attempt.StepName,
		Kind:          kind,
		Status:        store.StepRunning,
		Config:        attempt.Config,
		Context:       attempt.Context,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.steps[runKey(namespaceID, id)] = a
	return cloneStep(a), nil
}

func (s *Store) GetStepAttempt(ctx context.Context, namespaceID, id string) (*store.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.steps[runKey(namespaceID, id)]
	if !ok {
		return nil, store.ErrStepAttemptNotFound(id)
	}
	return cloneStep(a), nil
}

func (s *Store) ListStepAttempts(ctx context.Context, namespaceID, workflowRunID string, req store.PageRequest) (*store.Page[store.StepAttempt], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []store.StepAttempt
	for _, a := range s.steps {
		if a.NamespaceID != namespaceID || a.WorkflowRunID != workflowRunID {
			continue
		}
		all = append(all, *cloneStep(a))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, req, func(v store.StepAttempt) store.Cursor {
		return store.Cursor{CreatedAt: v.CreatedAt, ID: v.ID}
	})
}

func (s *Store) CompleteStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, output store.JSON) (*store.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.steps[runKey(namespaceID, id)]
	if !ok || a.WorkflowRunID != workflowRunID || a.Status != store.StepRunning {
		return nil, store.ErrFailedToCompleteStep()
	}
	run, ok := s.runs[runKey(namespaceID, workflowRunID)]
	if !ok || run.Status != store.RunRunning || !strPtrEqual(run.WorkerID, &workerID) {
		return nil, store.ErrFailedToCompleteStep()
	}
	now := time.Now()
	a.Status = store.StepCompleted
	a.Output = output
	a.FinishedAt = &now
	a.UpdatedAt = now
	return cloneStep(a), nil
}

func (s *Store) FailStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, stepError store.JSON) (*store.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.steps[runKey(namespaceID, id)]
	if !ok || a.WorkflowRunID != workflowRunID || a.Status != store.StepRunning {
		return nil, store.ErrFailedToFailStep()
	}
	run, ok := s.runs[runKey(namespaceID, workflowRunID)]
	if !ok || run.Status != store.RunRunning || !strPtrEqual(run.WorkerID, &workerID) {
		return nil, store.ErrFailedToFailStep()
	}
	now := time.Now()
	a.Status = store.StepFailed
	a.Error = stepError
	a.FinishedAt = &now
	a.UpdatedAt = now
	return cloneStep(a), nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// paginate applies the same keyset-cursor semantics as the Postgres
// backend over an already-sorted (descending or ascending, matching
// the caller's default direction) in-memory slice.
func paginate[T any](sorted []T, req store.PageRequest, cursorOf func(T) store.Cursor) (*store.Page[T], error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	start := 0
	if req.After != "" {
		c, err := store.DecodeCursor(req.After)
		if err != nil {
			return nil, err
		}
		for i, v := range sorted {
			cv := cursorOf(v)
			if cv.CreatedAt.UTC().Truncate(time.Millisecond).Equal(c.CreatedAt) && cv.ID == c.ID {
				start = i + 1
				break
			}
		}
	} else if req.Before != "" {
		c, err := store.DecodeCursor(req.Before)
		if err != nil {
			return nil, err
		}
		end := len(sorted)
		for i, v := range sorted {
			cv := cursorOf(v)
			if cv.CreatedAt.UTC().Truncate(time.Millisecond).Equal(c.CreatedAt) && cv.ID == c.ID {
				end = i
				break
			}
		}
		lo := end - limit
		if lo < 0 {
			lo = 0
		}
		page := &store.Page[T]{Data: append([]T{}, sorted[lo:end]...)}
		if len(page.Data) > 0 {
			first, last := cursorOf(page.Data[0]), cursorOf(page.Data[len(page.Data)-1])
			page.Pagination.Next = store.EncodeCursor(last)
			if lo > 0 {
				page.Pagination.Prev = store.EncodeCursor(first)
			}
		}
		return page, nil
	}

	end := start + limit
	hasMore := end < len(sorted)
	if end > len(sorted) {
		end = len(sorted)
	}
	page := &store.Page[T]{Data: append([]T{}, sorted[start:end]...)}
	if len(page.Data) > 0 {
		first, last := cursorOf(page.Data[0]), cursorOf(page.Data[len(page.Data)-1])
		if hasMore {
			page.Pagination.Next = store.EncodeCursor(last)
		}
		if start > 0 {
			page.Pagination.Prev = store.EncodeCursor(first)
		}
	}
	return page, nil
}
