package postgres

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/durably-dev/durably/internal/store"
)

// marshalJSON turns a possibly-nil JSON value into bytes suitable for a
// JSONB column, or nil (-> SQL NULL) when the value itself is nil.
func marshalJSON(v store.JSON) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// unmarshalJSON turns JSONB column bytes (possibly NULL) back into a
// JSON value.
func unmarshalJSON(raw []byte) (store.JSON, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v store.JSON
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// runRow mirrors the column order used by every SELECT ... workflow_runs
// query below so a single scan function can serve all of them.
type runRow struct {
	NamespaceID      string
	ID               string
	WorkflowName     string
	Version          sql.NullString
	Status           string
	IdempotencyKey   sql.NullString
	ConcurrencyKey   sql.NullString
	ConcurrencyLimit sql.NullInt64
	Config           []byte
	Context          []byte
	Input            []byte
	Output           []byte
	Error            []byte
	Attempts         int
	WorkerID         sql.NullString
	AvailableAt      sql.NullTime
	DeadlineAt       sql.NullTime
	StartedAt        sql.NullTime
	FinishedAt       sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

var runColumnList = []string{
	"namespace_id", "id", "workflow_name", "version", "status", "idempotency_key",
	"concurrency_key", "concurrency_limit", "config", "context", "input", "output", "error",
	"attempts", "worker_id", "available_at", "deadline_at", "started_at", "finished_at",
	"created_at", "updated_at",
}

var runColumns = strings.Join(runColumnList, ", ")

// qualifiedRunColumns prefixes every workflow_runs column with alias,
// for use in a RETURNING clause that follows an UPDATE ... FROM join
// where bare column names would be ambiguous.
func qualifiedRunColumns(alias string) string {
	qualified := make([]string, len(runColumnList))
	for i, c := range runColumnList {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(row rowScanner) (*runRow, error) {
	var r runRow
	err := row.Scan(
		&r.NamespaceID, &r.ID, &r.WorkflowName, &r.Version, &r.Status, &r.IdempotencyKey,
		&r.ConcurrencyKey, &r.ConcurrencyLimit, &r.Config, &r.Context, &r.Input, &r.Output, &r.Error,
		&r.Attempts, &r.WorkerID, &r.AvailableAt, &r.DeadlineAt, &r.StartedAt, &r.FinishedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *runRow) toWorkflowRun() (*store.WorkflowRun, error) {
	config, err := unmarshalJSON(r.Config)
	if err != nil {
		return nil, err
	}
	ctx, err := unmarshalJSON(r.Context)
	if err != nil {
		return nil, err
	}
	input, err := unmarshalJSON(r.Input)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalJSON(r.Output)
	if err != nil {
		return nil, err
	}
	runErr, err := unmarshalJSON(r.Error)
	if err != nil {
		return nil, err
	}
	return &store.WorkflowRun{
		NamespaceID:      r.NamespaceID,
		ID:               r.ID,
		WorkflowName:     r.WorkflowName,
		Version:          fromNullString(r.Version),
		Status:           store.NormalizeRunStatus(store.WorkflowRunStatus(r.Status)),
		IdempotencyKey:   fromNullString(r.IdempotencyKey),
		ConcurrencyKey:   fromNullString(r.ConcurrencyKey),
		ConcurrencyLimit: fromNullInt(r.ConcurrencyLimit),
		Config:           config,
		Context:          ctx,
		Input:            input,
		Output:           output,
		Error:            runErr,
		Attempts:         r.Attempts,
		WorkerID:         fromNullString(r.WorkerID),
		AvailableAt:      fromNullTime(r.AvailableAt),
		DeadlineAt:       fromNullTime(r.DeadlineAt),
		StartedAt:        fromNullTime(r.StartedAt),
		FinishedAt:       fromNullTime(r.FinishedAt),
		CreatedAt:        r.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:        r.UpdatedAt.UTC().Truncate(time.Millisecond),
	}, nil
}

type stepRow struct {
	NamespaceID   string
	ID            string
	WorkflowRunID string
	StepName      string
	Kind          string
	Status        string
	Config        []byte
	Context       []byte
	Output        []byte
	Error         []byte
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var stepColumnList = []string{
	"namespace_id", "id", "workflow_run_id", "step_name", "kind", "status",
	"config", "context", "output", "error", "started_at", "finished_at", "created_at", "updated_at",
}

var stepColumns = strings.Join(stepColumnList, ", ")

func scanStepRow(row rowScanner) (*stepRow, error) {
	var r stepRow
	err := row.Scan(
		&r.NamespaceID, &r.ID, &r.WorkflowRunID, &r.StepName, &r.Kind, &r.Status,
		&r.Config, &r.Context, &r.Output, &r.Error, &r.StartedAt, &r.FinishedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *stepRow) toStepAttempt() (*store.StepAttempt, error) {
	config, err := unmarshalJSON(r.Config)
	if err != nil {
		return nil, err
	}
	ctx, err := unmarshalJSON(r.Context)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalJSON(r.Output)
	if err != nil {
		return nil, err
	}
	stepErr, err := unmarshalJSON(r.Error)
	if err != nil {
		return nil, err
	}
	return &store.StepAttempt{
		NamespaceID:   r.NamespaceID,
		ID:            r.ID,
		WorkflowRunID: r.WorkflowRunID,
		StepName:      r.StepName,
		Kind:          store.StepAttemptKind(r.Kind),
		Status:        store.NormalizeStepStatus(store.StepAttemptStatus(r.Status)),
		Config:        config,
		Context:       ctx,
		Output:        output,
		Error:         stepErr,
		StartedAt:     r.StartedAt.UTC().Truncate(time.Millisecond),
		FinishedAt:    fromNullTime(r.FinishedAt),
		CreatedAt:     r.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:     r.UpdatedAt.UTC().Truncate(time.Millisecond),
	}, nil
}
