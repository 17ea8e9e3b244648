package postgres

import (
	"context"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

// ListTenantsByProject returns all tenants of a project ordered by name.
func (r *Repository) ListTenantsByProject(ctx context.Context, projectID string) ([]domain.Tenant, error) {
	const query = `SELECT id, project_id, name, slug, database_name, domain, status, health_check_url, last_deployed_at, created_at
		FROM tenants WHERE project_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var status string
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Slug, &t.Database, &t.Domain, &status, &t.HealthCheckURL, &t.LastDeployedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TenantStatus(status)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// MarkTenantDeployed stamps the last successful deployment time of a tenant.
func (r *Repository) MarkTenantDeployed(ctx context.Context, id string, at time.Time) error {
	cmdTag, err := r.pool.Exec(ctx, `UPDATE tenants SET last_deployed_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
