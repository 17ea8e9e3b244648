package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

const projectColumns = `id, name, slug, server_id, repository_url, branch, environment, framework, runtime_version,
	deploy_path, health_check_url, env_variables_enc, metadata, requires_approval, approval_environments,
	approval_branches, multi_tenant, current_commit_hash, created_at, updated_at`

// GetProjectByID fetches a project with its decrypted environment variables.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := r.scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// ListProjectsByIDs fetches projects in the order of ids, skipping unknown ones.
func (r *Repository) ListProjectsByIDs(ctx context.Context, ids []string) ([]domain.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id::text = ANY($1::text[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.Project, len(ids))
	for rows.Next() {
		p, err := r.scanProject(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			projects = append(projects, p)
		}
	}
	return projects, nil
}

// UpdateProjectCommit stores the commit currently deployed for a project.
func (r *Repository) UpdateProjectCommit(ctx context.Context, id, commitHash string) error {
	const query = `UPDATE projects SET current_commit_hash = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id, commitHash)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var envEnc []byte
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&p.ServerID,
		&p.RepositoryURL,
		&p.Branch,
		&p.Environment,
		&p.Framework,
		&p.RuntimeVersion,
		&p.DeployPath,
		&p.HealthCheckURL,
		&envEnc,
		&p.Metadata,
		&p.RequiresApproval,
		&p.ApprovalEnvironments,
		&p.ApprovalBranches,
		&p.MultiTenant,
		&p.CurrentCommitHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	raw, err := r.sealer.OpenString(envEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt project %s env: %w", p.ID, err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.EnvVariables); err != nil {
			return nil, fmt.Errorf("decode project %s env: %w", p.ID, err)
		}
	}
	return &p, nil
}
