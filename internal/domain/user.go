package domain

import "time"

// Permission names understood by the permission collaborator.
const (
	PermApproveAllDeployments = "approve_all_deployments"
	PermApproveDeployments    = "approve_deployments"
	PermDeploy                = "deploy_projects"
	PermManageServers         = "manage_servers"
	PermManageBackups         = "manage_backups"
)

// User is an operator of the orchestrator.
type User struct {
	ID          string
	Name        string
	Email       string
	Permissions []string
	CreatedAt   time.Time
}

// AuditEvent is an append-only record of a notable action.
type AuditEvent struct {
	ID          string
	UserID      *string
	Action      string
	SubjectType string
	SubjectID   string
	Payload     []byte
	CreatedAt   time.Time
}
