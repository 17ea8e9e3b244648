package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/sanitize"
)

const executionColumns = `id, server_id, user_id, command, execution_mode, status, stdout, stderr, exit_code,
	failure_kind, error_message, duration_ms, metadata, started_at, completed_at`

// CreateExecution inserts a running execution record.
func (r *Repository) CreateExecution(ctx context.Context, e *domain.CommandExecution) error {
	const query = `INSERT INTO command_executions (id, server_id, user_id, command, execution_mode, status,
			failure_kind, metadata, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	failure := e.FailureKind
	if failure == "" {
		failure = domain.FailureNone
	}
	_, err := r.pool.Exec(ctx, query,
		e.ID,
		stringPtrToNil(e.ServerID),
		stringPtrToNil(e.UserID),
		sanitize.Text(e.Command),
		string(e.Mode),
		string(e.Status),
		string(failure),
		bytesToNil(e.Metadata),
		e.StartedAt.UTC(),
	)
	return mapError(err)
}

// CompleteExecution stores the terminal outcome of an execution.
func (r *Repository) CompleteExecution(ctx context.Context, e *domain.CommandExecution) error {
	const query = `UPDATE command_executions
		SET status = $2, stdout = $3, stderr = $4, exit_code = $5, failure_kind = $6, error_message = $7,
			duration_ms = $8, completed_at = $9
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		e.ID,
		string(e.Status),
		sanitize.Text(e.Stdout),
		sanitize.Text(e.Stderr),
		intPtrToNil(e.ExitCode),
		string(e.FailureKind),
		sanitize.Text(e.ErrorMessage),
		e.DurationMS,
		timePtrToNil(e.CompletedAt),
	)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetExecutionByID fetches an execution record.
func (r *Repository) GetExecutionByID(ctx context.Context, id string) (*domain.CommandExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM command_executions WHERE id = $1`
	e, err := scanExecution(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

// ListExecutions returns the newest executions matching filter.
func (r *Repository) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.CommandExecution, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + executionColumns + ` FROM command_executions
		WHERE ($1::text IS NULL OR server_id::text = $1) AND ($2::text IS NULL OR status = $2)
		ORDER BY started_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, emptyToNil(filter.ServerID), emptyToNil(string(filter.Status)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var executions []domain.CommandExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.CommandExecution, error) {
	var e domain.CommandExecution
	var mode, status, failure string
	if err := row.Scan(
		&e.ID,
		&e.ServerID,
		&e.UserID,
		&e.Command,
		&mode,
		&status,
		&e.Stdout,
		&e.Stderr,
		&e.ExitCode,
		&failure,
		&e.ErrorMessage,
		&e.DurationMS,
		&e.Metadata,
		&e.StartedAt,
		&e.CompletedAt,
	); err != nil {
		return nil, err
	}
	e.Mode = domain.ExecutionMode(mode)
	e.Status = domain.ExecutionStatus(status)
	e.FailureKind = domain.FailureKind(failure)
	return &e, nil
}
