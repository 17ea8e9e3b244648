package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

const approvalColumns = `id, deployment_id, COALESCE(requested_by::text, ''), approved_by, status, notes, requested_at, responded_at`

// CreateApprovalRequest stores the approval, parks the deployment in
// pending_approval and records the audit event atomically.
func (r *Repository) CreateApprovalRequest(ctx context.Context, approval *domain.DeploymentApproval, audit *domain.AuditEvent) error {
	if approval == nil {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO deployment_approvals (id, deployment_id, requested_by, status, notes, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if approval.RequestedAt.IsZero() {
		approval.RequestedAt = time.Now().UTC()
	}
	if approval.Status == "" {
		approval.Status = domain.ApprovalPending
	}
	if _, err := tx.Exec(ctx, insert,
		approval.ID,
		approval.DeploymentID,
		emptyToNil(approval.RequestedBy),
		string(approval.Status),
		approval.Notes,
		approval.RequestedAt.UTC(),
	); err != nil {
		return mapError(err)
	}

	const park = `UPDATE deployments SET status = 'pending_approval', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled')`
	cmdTag, err := tx.Exec(ctx, park, approval.DeploymentID)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	if audit != nil {
		if err := insertAuditEvent(ctx, tx, audit); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

// GetApprovalByID fetches an approval by identifier.
func (r *Repository) GetApprovalByID(ctx context.Context, id string) (*domain.DeploymentApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM deployment_approvals WHERE id = $1`
	a, err := scanApproval(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// ResolveApproval records the approver's decision and moves the deployment
// accordingly. An approved deployment re-enters pending under the project lock.
func (r *Repository) ResolveApproval(ctx context.Context, decision repository.ApprovalDecision) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var deploymentID, projectID, status string
	const load = `SELECT a.deployment_id::text, d.project_id::text, a.status
		FROM deployment_approvals a JOIN deployments d ON d.id = a.deployment_id
		WHERE a.id = $1 FOR UPDATE OF a, d`
	if err := tx.QueryRow(ctx, load, decision.ApprovalID).Scan(&deploymentID, &projectID, &status); err != nil {
		return mapError(err)
	}
	if domain.ApprovalStatus(status) != domain.ApprovalPending {
		return repository.ErrConflict
	}

	const resolve = `UPDATE deployment_approvals SET status = $2, approved_by = $3, notes = $4, responded_at = $5 WHERE id = $1`
	if _, err := tx.Exec(ctx, resolve,
		decision.ApprovalID,
		string(decision.Status),
		stringPtrToNil(decision.ApproverID),
		decision.Notes,
		decision.RespondedAt.UTC(),
	); err != nil {
		return mapError(err)
	}

	switch decision.DeploymentStatus {
	case domain.DeploymentPending:
		active, err := lockAndCheckActive(ctx, tx, projectID, deploymentID)
		if err != nil {
			return err
		}
		if active {
			return repository.ErrActiveDeployment
		}
		if _, err := tx.Exec(ctx, `UPDATE deployments SET status = 'pending', updated_at = NOW() WHERE id = $1`, deploymentID); err != nil {
			return mapError(err)
		}
	case "":
	default:
		const finish = `UPDATE deployments
			SET status = $2, error_log = $3, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1`
		if _, err := tx.Exec(ctx, finish, deploymentID, string(decision.DeploymentStatus), decision.DeploymentError); err != nil {
			return mapError(err)
		}
	}

	if decision.Audit != nil {
		if err := insertAuditEvent(ctx, tx, decision.Audit); err != nil {
			return mapError(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// ListPendingApprovals returns pending approvals, optionally restricted to
// deployments of the given projects. A nil slice means all projects.
func (r *Repository) ListPendingApprovals(ctx context.Context, projectIDs []string) ([]domain.DeploymentApproval, error) {
	const query = `SELECT a.id, a.deployment_id, COALESCE(a.requested_by::text, ''), a.approved_by, a.status, a.notes, a.requested_at, a.responded_at
		FROM deployment_approvals a JOIN deployments d ON d.id = a.deployment_id
		WHERE a.status = 'pending' AND ($1::text[] IS NULL OR d.project_id::text = ANY($1::text[]))
		ORDER BY a.requested_at ASC`
	return r.queryApprovals(ctx, query, projectFilter(projectIDs))
}

// ApprovalStats counts approvals by status, optionally restricted to projects.
func (r *Repository) ApprovalStats(ctx context.Context, projectIDs []string) (domain.ApprovalStats, error) {
	const query = `SELECT
			COUNT(*) FILTER (WHERE a.status = 'pending'),
			COUNT(*) FILTER (WHERE a.status = 'approved'),
			COUNT(*) FILTER (WHERE a.status = 'rejected'),
			COUNT(*)
		FROM deployment_approvals a JOIN deployments d ON d.id = a.deployment_id
		WHERE $1::text[] IS NULL OR d.project_id::text = ANY($1::text[])`
	var stats domain.ApprovalStats
	if err := r.pool.QueryRow(ctx, query, projectFilter(projectIDs)).Scan(&stats.Pending, &stats.Approved, &stats.Rejected, &stats.Total); err != nil {
		return domain.ApprovalStats{}, mapError(err)
	}
	return stats, nil
}

// ListPendingApprovalsRequestedBefore returns approvals still pending since before.
func (r *Repository) ListPendingApprovalsRequestedBefore(ctx context.Context, before time.Time) ([]domain.DeploymentApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM deployment_approvals
		WHERE status = 'pending' AND requested_at < $1 ORDER BY requested_at ASC`
	return r.queryApprovals(ctx, query, before.UTC())
}

func (r *Repository) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.DeploymentApproval, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []domain.DeploymentApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

func scanApproval(row pgx.Row) (*domain.DeploymentApproval, error) {
	var a domain.DeploymentApproval
	var status string
	if err := row.Scan(&a.ID, &a.DeploymentID, &a.RequestedBy, &a.ApprovedBy, &status, &a.Notes, &a.RequestedAt, &a.RespondedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalStatus(status)
	return &a, nil
}

// projectFilter keeps a nil slice as SQL NULL and turns an empty slice into
// an empty array so no rows match.
func projectFilter(projectIDs []string) any {
	if projectIDs == nil {
		return nil
	}
	return append([]string{}, projectIDs...)
}
