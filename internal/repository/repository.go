package repository

import (
	"context"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

// ServerRepository persists managed servers.
type ServerRepository interface {
	GetServerByID(ctx context.Context, id string) (*domain.Server, error)
	ListServersByIDs(ctx context.Context, ids []string) ([]domain.Server, error)
	UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus, pingedAt *time.Time) error
	UpdateServerDocker(ctx context.Context, id string, present bool, version string) error
}

// ProjectRepository reads project configuration.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjectsByIDs(ctx context.Context, ids []string) ([]domain.Project, error)
	UpdateProjectCommit(ctx context.Context, id, commitHash string) error
}

// DeploymentRepository stores deployment history and enforces the single
// active deployment per project rule.
type DeploymentRepository interface {
	// CreateActiveDeployment inserts a pending or running deployment. It
	// returns ErrActiveDeployment when the project already has one.
	CreateActiveDeployment(ctx context.Context, deployment *domain.Deployment) error
	// CreateDeployment inserts a deployment in a non-active status.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// ActivateDeployment moves a deployment from one of from into pending.
	ActivateDeployment(ctx context.Context, id string, from []domain.DeploymentStatus) error
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListActiveProjectIDs(ctx context.Context, projectIDs []string) (map[string]struct{}, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListRecentDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
	DeploymentStats(ctx context.Context, projectID string, since time.Time) (domain.DeploymentStats, error)
}

// ApprovalDecision resolves a pending approval together with its deployment.
type ApprovalDecision struct {
	ApprovalID       string
	Status           domain.ApprovalStatus
	ApproverID       *string
	Notes            string
	RespondedAt      time.Time
	DeploymentStatus domain.DeploymentStatus
	DeploymentError  string
	Audit            *domain.AuditEvent
}

// ApprovalRepository persists deployment approvals.
type ApprovalRepository interface {
	// CreateApprovalRequest inserts the approval, records the audit event and
	// flips the deployment to pending_approval in one transaction.
	CreateApprovalRequest(ctx context.Context, approval *domain.DeploymentApproval, audit *domain.AuditEvent) error
	GetApprovalByID(ctx context.Context, id string) (*domain.DeploymentApproval, error)
	// ResolveApproval returns ErrConflict when the approval is no longer
	// pending and ErrActiveDeployment when approving would break the active
	// deployment rule.
	ResolveApproval(ctx context.Context, decision ApprovalDecision) error
	ListPendingApprovals(ctx context.Context, projectIDs []string) ([]domain.DeploymentApproval, error)
	ApprovalStats(ctx context.Context, projectIDs []string) (domain.ApprovalStats, error)
	ListPendingApprovalsRequestedBefore(ctx context.Context, before time.Time) ([]domain.DeploymentApproval, error)
}

// ExecutionRepository persists command execution history.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *domain.CommandExecution) error
	CompleteExecution(ctx context.Context, execution *domain.CommandExecution) error
	GetExecutionByID(ctx context.Context, id string) (*domain.CommandExecution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.CommandExecution, error)
}

// AuditRepository stores audit events.
type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, subjectType, subjectID string, limit int) ([]domain.AuditEvent, error)
}

// UserRepository reads users and their permissions.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UserHasPermission(ctx context.Context, userID, permission string) (bool, error)
	ProjectIDsWithPermission(ctx context.Context, userID, permission string) ([]string, error)
	ListUsersWithPermission(ctx context.Context, permission, projectID string) ([]domain.User, error)
}

// BackupRepository persists backup records.
type BackupRepository interface {
	CreateBackup(ctx context.Context, backup *domain.Backup) error
	GetBackupByID(ctx context.Context, id string) (*domain.Backup, error)
	UpdateBackup(ctx context.Context, update domain.BackupUpdate) error
	ListChildBackups(ctx context.Context, parentID string) ([]domain.Backup, error)
	ListBackupsByProject(ctx context.Context, projectID string, kind domain.BackupKind) ([]domain.Backup, error)
	ListBackupsByStatus(ctx context.Context, kind domain.BackupKind, status domain.BackupStatus) ([]domain.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// TenantRepository reads tenants of multi-tenant projects.
type TenantRepository interface {
	ListTenantsByProject(ctx context.Context, projectID string) ([]domain.Tenant, error)
	MarkTenantDeployed(ctx context.Context, id string, at time.Time) error
}
