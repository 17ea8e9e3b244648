package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/sanitize"
)

const activeDeploymentIndex = "deployments_one_active_per_project"

const deploymentColumns = `id, project_id, server_id, user_id, branch, commit_hash, commit_message, status, triggered_by,
	environment_snapshot, rollback_deployment_id, output_log, error_log, metadata, started_at, completed_at,
	duration_seconds, created_at, updated_at`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateActiveDeployment inserts a pending or running deployment while
// holding a per-project advisory lock, so two callers cannot both observe
// "no active deployment" and insert.
func (r *Repository) CreateActiveDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	if !deployment.Status.IsActive() {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	active, err := lockAndCheckActive(ctx, tx, deployment.ProjectID, "")
	if err != nil {
		return err
	}
	if active {
		return repository.ErrActiveDeployment
	}
	if err := insertDeployment(ctx, tx, deployment); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// CreateDeployment inserts a deployment in a non-active status.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	if deployment.Status.IsActive() {
		return r.CreateActiveDeployment(ctx, deployment)
	}
	return mapError(insertDeployment(ctx, r.pool, deployment))
}

// ActivateDeployment moves a scheduled or approval-gated deployment into pending.
func (r *Repository) ActivateDeployment(ctx context.Context, id string, from []domain.DeploymentStatus) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var projectID, status string
	if err := tx.QueryRow(ctx, `SELECT project_id::text, status FROM deployments WHERE id = $1 FOR UPDATE`, id).Scan(&projectID, &status); err != nil {
		return mapError(err)
	}
	if !containsStatus(from, domain.DeploymentStatus(status)) {
		return repository.ErrConflict
	}
	active, err := lockAndCheckActive(ctx, tx, projectID, id)
	if err != nil {
		return err
	}
	if active {
		return repository.ErrActiveDeployment
	}
	if _, err := tx.Exec(ctx, `UPDATE deployments SET status = 'pending', updated_at = NOW() WHERE id = $1`, id); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// UpdateDeployment applies non-nil fields of update. When ExpectStatus is set
// the update only applies if the current status is one of them.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			commit_hash = COALESCE($3, commit_hash),
			commit_message = COALESCE($4, commit_message),
			output_log = COALESCE($5, output_log),
			error_log = COALESCE($6, error_log),
			started_at = COALESCE($7, started_at),
			completed_at = COALESCE($8, completed_at),
			duration_seconds = COALESCE($9, duration_seconds),
			updated_at = NOW()
		WHERE id = $1 AND ($10::text[] IS NULL OR status = ANY($10::text[]))`
	var expect []string
	if len(update.ExpectStatus) > 0 {
		expect = statusStrings(update.ExpectStatus)
	}
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}
	cmdTag, err := r.pool.Exec(ctx, query,
		update.ID,
		status,
		update.CommitHash,
		textPtr(update.CommitMessage),
		textPtr(update.OutputLog),
		textPtr(update.ErrorLog),
		timePtrToNil(update.StartedAt),
		timePtrToNil(update.CompletedAt),
		intPtrToNil(update.DurationSeconds),
		expect,
	)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		if expect == nil {
			return repository.ErrNotFound
		}
		if _, err := r.GetDeploymentByID(ctx, update.ID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// GetActiveDeployment returns the pending or running deployment of a project.
func (r *Repository) GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListActiveProjectIDs returns the subset of projectIDs with an active deployment.
func (r *Repository) ListActiveProjectIDs(ctx context.Context, projectIDs []string) (map[string]struct{}, error) {
	active := make(map[string]struct{})
	if len(projectIDs) == 0 {
		return active, nil
	}
	const query = `SELECT DISTINCT project_id::text FROM deployments
		WHERE project_id::text = ANY($1::text[]) AND status IN ('pending', 'running')`
	rows, err := r.pool.Query(ctx, query, projectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = struct{}{}
	}
	return active, rows.Err()
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryDeployments(ctx, query, projectID, limit)
}

// ListRecentDeployments fetches the latest deployments across all projects.
func (r *Repository) ListRecentDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at DESC LIMIT $1`
	return r.queryDeployments(ctx, query, limit)
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments stuck in status since before.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	return r.queryDeployments(ctx, query, string(status), updatedBefore.UTC())
}

// DeploymentStats aggregates deployments of a project created since the given time.
func (r *Repository) DeploymentStats(ctx context.Context, projectID string, since time.Time) (domain.DeploymentStats, error) {
	const query = `SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(duration_seconds) FILTER (WHERE duration_seconds IS NOT NULL), 0)::float8
		FROM deployments WHERE project_id = $1 AND created_at >= $2`
	var stats domain.DeploymentStats
	err := r.pool.QueryRow(ctx, query, projectID, since.UTC()).Scan(&stats.Total, &stats.Successful, &stats.Failed, &stats.AvgDuration)
	if err != nil {
		return domain.DeploymentStats{}, mapError(err)
	}
	return stats, nil
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func lockAndCheckActive(ctx context.Context, tx pgx.Tx, projectID, excludeID string) (bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID); err != nil {
		return false, fmt.Errorf("lock project %s: %w", projectID, err)
	}
	const query = `SELECT EXISTS (
			SELECT 1 FROM deployments
			WHERE project_id = $1 AND status IN ('pending', 'running') AND id::text <> $2
		)`
	var active bool
	if err := tx.QueryRow(ctx, query, projectID, excludeID).Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

func insertDeployment(ctx context.Context, db execer, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, server_id, user_id, branch, commit_hash, commit_message,
			status, triggered_by, environment_snapshot, rollback_deployment_id, output_log, error_log, metadata,
			started_at, completed_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`
	return db.QueryRow(ctx, query,
		d.ID,
		d.ProjectID,
		stringPtrToNil(d.ServerID),
		stringPtrToNil(d.UserID),
		d.Branch,
		d.CommitHash,
		sanitize.Text(d.CommitMessage),
		string(d.Status),
		string(d.TriggeredBy),
		bytesToNil(d.EnvironmentSnapshot),
		stringPtrToNil(d.RollbackDeploymentID),
		sanitize.Text(d.OutputLog),
		sanitize.Text(d.ErrorLog),
		bytesToNil(d.Metadata),
		timePtrToNil(d.StartedAt),
		timePtrToNil(d.CompletedAt),
		intPtrToNil(d.DurationSeconds),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status, trigger string
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.ServerID,
		&d.UserID,
		&d.Branch,
		&d.CommitHash,
		&d.CommitMessage,
		&status,
		&trigger,
		&d.EnvironmentSnapshot,
		&d.RollbackDeploymentID,
		&d.OutputLog,
		&d.ErrorLog,
		&d.Metadata,
		&d.StartedAt,
		&d.CompletedAt,
		&d.DurationSeconds,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.TriggeredBy = domain.Trigger(trigger)
	return &d, nil
}

func containsStatus(list []domain.DeploymentStatus, s domain.DeploymentStatus) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
