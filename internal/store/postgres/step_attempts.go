package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/durably-dev/durably/internal/store"
)

// CreateStepAttempt records a new running attempt for a step within a
// workflow run. Callers (the processor) are responsible for ensuring
// the run is currently claimed by them; this method does not check it,
// mirroring how step attempts are purely an execution history ledger.
func (s *Store) CreateStepAttempt(ctx context.Context, namespaceID, workflowRunID string, attempt store.StepAttempt) (*store.StepAttempt, error) {
	config, err := marshalJSON(attempt.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	stepCtx, err := marshalJSON(attempt.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}
	kind := attempt.Kind
	if kind == "" {
		kind = store.StepKindFunction
	}
	now := time.Now()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO step_attempts (
			namespace_id, id, workflow_run_id, step_name, kind, status,
			config, context, started_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9
		) RETURNING `+stepColumns,
		namespaceID, id, workflowRunID, attempt.StepName, string(kind), string(store.StepRunning),
		config, stepCtx, now)
	r, err := scanStepRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert step attempt: %w", err)
	}
	return r.toStepAttempt()
}

func (s *Store) GetStepAttempt(ctx context.Context, namespaceID, id string) (*store.StepAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM step_attempts WHERE namespace_id = $1 AND id = $2`, namespaceID, id)
	r, err := scanStepRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrStepAttemptNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return r.toStepAttempt()
}

// ListStepAttempts paginates a run's recorded attempts oldest-first
// (created_at ASC, id ASC) by default since replay needs history in
// the order it happened.
func (s *Store) ListStepAttempts(ctx context.Context, namespaceID, workflowRunID string, req store.PageRequest) (*store.Page[store.StepAttempt], error) {
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
			SELECT `+stepColumns+` FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC LIMIT $5`, namespaceID, workflowRunID, c.CreatedAt, c.ID, limit+1)
		reverse = true
	case req.After != "":
		c, decErr := store.DecodeCursor(req.After)
		if decErr != nil {
			return nil, decErr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+stepColumns+` FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2 AND (created_at, id) > ($3, $4)
			ORDER BY created_at ASC, id ASC LIMIT $5`, namespaceID, workflowRunID, c.CreatedAt, c.ID, limit+1)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+stepColumns+` FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2
			ORDER BY created_at ASC, id ASC LIMIT $3`, namespaceID, workflowRunID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.StepAttempt
	for rows.Next() {
		r, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		sa, err := r.toStepAttempt()
		if err != nil {
			return nil, err
		}
		list = append(list, *sa)
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

	page := &store.Page[store.StepAttempt]{Data: list}
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

// CompleteStepAttempt requires both that the step attempt itself is
// still running and that the owning workflow run is running under
// workerID: a worker that lost its lease mid-step must not be able to
// commit that step's result.
func (s *Store) CompleteStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, output store.JSON) (*store.StepAttempt, error) {
	outputBytes, err := marshalJSON(output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE step_attempts
		SET status = $1, output = $2, finished_at = $3, updated_at = $3
		WHERE namespace_id = $4 AND id = $5 AND workflow_run_id = $6 AND status = 'running'
		  AND EXISTS (
		    SELECT 1 FROM workflow_runs wr
		    WHERE wr.namespace_id = $4 AND wr.id = $6 AND wr.status = 'running' AND wr.worker_id = $7
		  )
		RETURNING `+stepColumns,
		string(store.StepCompleted), outputBytes, now, namespaceID, id, workflowRunID, workerID)
	r, err := scanStepRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToCompleteStep()
	}
	if err != nil {
		return nil, err
	}
	return r.toStepAttempt()
}

func (s *Store) FailStepAttempt(ctx context.Context, namespaceID, workflowRunID, workerID, id string, stepError store.JSON) (*store.StepAttempt, error) {
	errBytes, err := marshalJSON(stepError)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE step_attempts
		SET status = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE namespace_id = $4 AND id = $5 AND workflow_run_id = $6 AND status = 'running'
		  AND EXISTS (
		    SELECT 1 FROM workflow_runs wr
		    WHERE wr.namespace_id = $4 AND wr.id = $6 AND wr.status = 'running' AND wr.worker_id = $7
		  )
		RETURNING `+stepColumns,
		string(store.StepFailed), errBytes, now, namespaceID, id, workflowRunID, workerID)
	r, err := scanStepRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedToFailStep()
	}
	if err != nil {
		return nil, err
	}
	return r.toStepAttempt()
}
