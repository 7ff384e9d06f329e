package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
)

// CreateWorkflowRun validates concurrency metadata, dedups against an
// existing run sharing (namespaceID, workflowName, idempotencyKey)
// within store.IdempotencyPeriod, and otherwise inserts a new pending
// run. The whole thing runs under a transaction-scoped advisory lock
// keyed on the dedup triple so two concurrent callers racing the same
// idempotency key can't both insert.
func (s *Store) CreateWorkflowRun(ctx context.Context, params store.CreateWorkflowRunParams) (*store.WorkflowRun, error) {
	if (params.ConcurrencyKey == nil) != (params.ConcurrencyLimit == nil) {
		return nil, store.ErrInvalidConcurrencyMetadata()
	}
	if params.ConcurrencyLimit != nil && *params.ConcurrencyLimit <= 0 {
		return nil, store.ErrInvalidConcurrencyMetadata()
	}

	config, err := marshalJSON(params.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	runCtx, err := marshalJSON(params.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	input, err := marshalJSON(params.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	var result *store.WorkflowRun
	err = s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			params.NamespaceID+"|"+params.WorkflowName+"|"+derefStr(params.IdempotencyKey)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		if params.IdempotencyKey != nil {
			row := tx.QueryRowContext(ctx, `
				SELECT `+runColumns+` FROM workflow_runs
				WHERE namespace_id = $1 AND workflow_name = $2 AND idempotency_key = $3
				  AND created_at >= $4
				ORDER BY created_at DESC LIMIT 1 FOR UPDATE`,
				params.NamespaceID, params.WorkflowName, *params.IdempotencyKey, time.Now().Add(-store.IdempotencyPeriod))
			r, err := scanRunRow(row)
			if err == nil {
				existing, convErr := r.toWorkflowRun()
				if convErr != nil {
					return convErr
				}
				result = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		if params.ConcurrencyKey != nil {
			var mismatchLimit sql.NullInt64
			row := tx.QueryRowContext(ctx, `
				SELECT concurrency_limit FROM workflow_runs
				WHERE namespace_id = $1 AND workflow_name = $2
				  AND version IS NOT DISTINCT FROM $3
				  AND concurrency_key = $4
				  AND status IN ('pending', 'running')
				  AND concurrency_limit IS DISTINCT FROM $5
				LIMIT 1`,
				params.NamespaceID, params.WorkflowName, params.Version, *params.ConcurrencyKey, *params.ConcurrencyLimit)
			err := row.Scan(&mismatchLimit)
			if err == nil {
				return store.ErrConcurrencyLimitMismatch()
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		id := uuid.NewString()
		now := time.Now()
		availableAt := now
		if params.AvailableAt != nil {
			availableAt = *params.AvailableAt
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO workflow_runs (
				namespace_id, id, workflow_name, version, status, idempotency_key,
				concurrency_key, concurrency_limit, config, context, input,
				attempts, available_at, deadline_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $14
			) RETURNING `+runColumns,
			params.NamespaceID, id, params.WorkflowName, params.Version, string(store.RunPending), params.IdempotencyKey,
			params.ConcurrencyKey, params.ConcurrencyLimit, config, runCtx, input,
			availableAt, params.DeadlineAt, now)
		r, err := scanRunRow(row)
		if err != nil {
			return fmt.Errorf("insert workflow run: %w", err)
		}
		result, err = r.toWorkflowRun()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE namespace_id = $1 AND id = $2`, namespaceID, id)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWorkflowRunNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

func (s *Store) GetWorkflowRunByIdempotencyKey(ctx context.Context, namespaceID, workflowName, idempotencyKey string) (*store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE namespace_id = $1 AND workflow_name = $2 AND idempotency_key = $3
		ORDER BY created_at DESC LIMIT 1`, namespaceID, workflowName, idempotencyKey)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWorkflowRunNotFound(idempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

// ListWorkflowRuns paginates newest-first by default (created_at DESC,
// id DESC), using keyset pagination over opaque cursors.
func (s *Store) ListWorkflowRuns(ctx context.Context, namespaceID string, req store.PageRequest) (*store.Page[store.WorkflowRun], error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		rows    *sql.Rows
		err     error
		reverse bool
	)
	switch {
	case req.Before != "":
		c, decErr := store.DecodeCursor(req.Before)
		if decErr != nil {
			return nil, decErr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM workflow_runs
			WHERE namespace_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC LIMIT $4`, namespaceID, c.CreatedAt, c.ID, limit+1)
		reverse = true
	case req.After != "":
		c, decErr := store.DecodeCursor(req.After)
		if decErr != nil {
			return nil, decErr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM workflow_runs
			WHERE namespace_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`, namespaceID, c.CreatedAt, c.ID, limit+1)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM workflow_runs
			WHERE namespace_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, namespaceID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.WorkflowRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		wr, err := r.toWorkflowRun()
		if err != nil {
			return nil, err
		}
		list = append(list, *wr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(list) > limit
	if hasMore {
		list = list[:limit]
	}
	if reverse {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}

	page := &store.Page[store.WorkflowRun]{Data: list}
	if len(list) > 0 {
		switch {
		case req.Before != "":
			page.Pagination.Next = store.EncodeCursor(store.Cursor{CreatedAt: list[len(list)-1].CreatedAt, ID: list[len(list)-1].ID})
			if hasMore {
				page.Pagination.Prev = store.EncodeCursor(store.Cursor{CreatedAt: list[0].CreatedAt, ID: list[0].ID})
			}
		case req.After != "":
			page.Pagination.Prev = store.EncodeCursor(store.Cursor{CreatedAt: list[0].CreatedAt, ID: list[0].ID})
			if hasMore {
				page.Pagination.Next = store.EncodeCursor(store.Cursor{CreatedAt: list[len(list)-1].CreatedAt, ID: list[len(list)-1].ID})
			}
		default:
			if hasMore {
				page.Pagination.Next = store.EncodeCursor(store.Cursor{CreatedAt: list[len(list)-1].CreatedAt, ID: list[len(list)-1].ID})
			}
		}
	}
	return page, nil
}

// ClaimWorkflowRun expires deadline-exceeded runs, then atomically
// selects and claims the highest-priority eligible run: pending runs
// first, then earliest availableAt, then earliest createdAt, skipping
// any row locked by a concurrent claimer and honoring each run's
// concurrency bucket limit.
func (s *Store) ClaimWorkflowRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	var result *store.WorkflowRun
	err := s.tx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		deadlineErr, err := marshalJSON(store.JSON{"message": "Workflow run deadline exceeded"})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = $1, error = $2, finished_at = $3, available_at = NULL,
			    worker_id = NULL, started_at = NULL, updated_at = $3
			WHERE namespace_id = $4 AND status IN ('pending', 'running', 'sleeping')
			  AND deadline_at IS NOT NULL AND deadline_at <= $3`,
			string(store.RunFailed), deadlineErr, now, namespaceID); err != nil {
			return fmt.Errorf("expire deadlines: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			WITH candidate AS (
				SELECT r.namespace_id, r.id
				FROM workflow_runs r
				WHERE r.namespace_id = $1
				  AND r.status IN ('pending', 'running', 'sleeping')
				  AND r.available_at IS NOT NULL AND r.available_at <= $2
				  AND (r.deadline_at IS NULL OR r.deadline_at > $2)
				  AND (
				    r.concurrency_limit IS NULL
				    OR (
				      SELECT COUNT(*) FROM workflow_runs r2
				      WHERE r2.namespace_id = r.namespace_id
				        AND r2.workflow_name = r.workflow_name
				        AND r2.version IS NOT DISTINCT FROM r.version
				        AND r2.concurrency_key IS NOT DISTINCT FROM r.concurrency_key
				        AND r2.id != r.id
				        AND r2.status = 'running'
				        AND r2.available_at > $2
				    ) < r.concurrency_limit
				  )
				ORDER BY CASE WHEN r.status = 'pending' THEN 0 ELSE 1 END,
				         r.available_at ASC, r.created_at ASC
				LIMIT 1
				FOR UPDATE OF r SKIP LOCKED
			)
			UPDATE workflow_runs w
			SET status = $3, attempts = w.attempts + 1, worker_id = $4,
			    available_at = $2 + $5::interval, started_at = COALESCE(w.started_at, $2),
			    updated_at = $2
			FROM candidate
			WHERE w.namespace_id = candidate.namespace_id AND w.id = candidate.id
			RETURNING `+qualifiedRunColumns("w"),
			namespaceID, now, string(store.RunRunning), workerID, leaseDuration.String())
		r, err := scanRunRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim workflow run: %w", err)
		}
		result, err = r.toWorkflowRun()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ExtendWorkflowRunLease(ctx context.Context, namespaceID, id, workerID string, leaseDuration time.Duration) (*store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs
		SET available_at = $1 + $2::interval, updated_at = $1
		WHERE namespace_id = $3 AND id = $4 AND status = 'running' AND worker_id = $5
		RETURNING `+runColumns,
		time.Now(), leaseDuration.String(), namespaceID, id, workerID)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToExtendLease()
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

func (s *Store) SleepWorkflowRun(ctx context.Context, namespaceID, id, workerID string, availableAt time.Time) (*store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, worker_id = NULL, available_at = $2, updated_at = $3
		WHERE namespace_id = $4 AND id = $5 AND worker_id = $6
		  AND status NOT IN ('completed', 'failed', 'canceled')
		RETURNING `+runColumns,
		string(store.RunSleeping), availableAt, time.Now(), namespaceID, id, workerID)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToSleep()
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, namespaceID, id, workerID string, output store.JSON) (*store.WorkflowRun, error) {
	outputBytes, err := marshalJSON(output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, output = $2, finished_at = $3, available_at = NULL,
		    worker_id = NULL, updated_at = $3
		WHERE namespace_id = $4 AND id = $5 AND status = 'running' AND worker_id = $6
		RETURNING `+runColumns,
		string(store.RunCompleted), outputBytes, now, namespaceID, id, workerID)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToComplete()
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

// FailWorkflowRun loads the run's current attempts/deadline under lock,
// asks retry.ComputeFailedWorkflowRunUpdate for the next state, and
// applies it. Always clears workerId and startedAt regardless of which
// branch (retry-to-pending or terminal-to-failed) is taken.
func (s *Store) FailWorkflowRun(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, policy retry.Policy) (*store.WorkflowRun, error) {
	errBytes, err := marshalJSON(runError)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	var result *store.WorkflowRun
	txErr := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT attempts, deadline_at FROM workflow_runs
			WHERE namespace_id = $1 AND id = $2 AND status = 'running' AND worker_id = $3
			FOR UPDATE`, namespaceID, id, workerID)
		var attempts int
		var deadlineAt sql.NullTime
		if err := row.Scan(&attempts, &deadlineAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrFailedToFail()
			}
			return err
		}

		now := time.Now()
		decision := retry.ComputeFailedWorkflowRunUpdate(policy, attempts, fromNullTime(deadlineAt), now)

		var row2 *sql.Row
		if decision.Terminal {
			row2 = tx.QueryRowContext(ctx, `
				UPDATE workflow_runs
				SET status = $1, error = $2, finished_at = $3, available_at = NULL,
				    worker_id = NULL, started_at = NULL, updated_at = $3
				WHERE namespace_id = $4 AND id = $5 AND status = 'running' AND worker_id = $6
				RETURNING `+runColumns,
				string(store.RunFailed), errBytes, decision.FinishedAt, namespaceID, id, workerID)
		} else {
			row2 = tx.QueryRowContext(ctx, `
				UPDATE workflow_runs
				SET status = $1, error = $2, available_at = $3,
				    worker_id = NULL, started_at = NULL, updated_at = $4
				WHERE namespace_id = $5 AND id = $6 AND status = 'running' AND worker_id = $7
				RETURNING `+runColumns,
				string(store.RunPending), errBytes, decision.AvailableAt, now, namespaceID, id, workerID)
		}
		r, err := scanRunRow(row2)
		if err != nil {
			return store.ErrFailedToFail()
		}
		result, err = r.toWorkflowRun()
		return err
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// RescheduleWorkflowRunAfterFailedStepAttempt behaves like
// FailWorkflowRun's retry branch but unconditionally and with a
// caller-supplied availableAt: the workflow step — not the workflow
// run as a whole — failed, and the processor decides when to retry it.
func (s *Store) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespaceID, id, workerID string, runError store.JSON, availableAt time.Time) (*store.WorkflowRun, error) {
	errBytes, err := marshalJSON(runError)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, error = $2, available_at = $3,
		    worker_id = NULL, started_at = NULL, updated_at = $4
		WHERE namespace_id = $5 AND id = $6 AND status = 'running' AND worker_id = $7
		RETURNING `+runColumns,
		string(store.RunPending), errBytes, availableAt, time.Now(), namespaceID, id, workerID)
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToFail()
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkflowRun()
}

func (s *Store) CancelWorkflowRun(ctx context.Context, namespaceID, id string) (*store.WorkflowRun, error) {
	var result *store.WorkflowRun
	err := s.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE namespace_id = $1 AND id = $2 FOR UPDATE`, namespaceID, id)
		r, err := scanRunRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrWorkflowRunNotFound(id)
		}
		if err != nil {
			return err
		}
		current, err := r.toWorkflowRun()
		if err != nil {
			return err
		}
		if current.Status == store.RunCanceled {
			result = current
			return nil
		}
		if store.IsTerminalRunStatus(current.Status) {
			return store.ErrCannotCancel(id, current.Status)
		}

		now := time.Now()
		row2 := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = $1, finished_at = $2, available_at = NULL, worker_id = NULL, updated_at = $2
			WHERE namespace_id = $3 AND id = $4
			RETURNING `+runColumns,
			string(store.RunCanceled), now, namespaceID, id)
		r2, err := scanRunRow(row2)
		if err != nil {
			return err
		}
		result, err = r2.toWorkflowRun()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
