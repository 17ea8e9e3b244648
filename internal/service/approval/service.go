// Package approval gates deployments behind an explicit approver decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/notify"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/audit"
)

// Permissions answers approval authorization questions.
type Permissions interface {
	CanApprove(ctx context.Context, userID, projectID string) (bool, error)
	ApprovableProjects(ctx context.Context, userID string) ([]string, bool, error)
	Approvers(ctx context.Context, projectID string) ([]domain.User, error)
}

// Notifier delivers approval events.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Enqueuer hands approved deployments to workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error
}

const (
	msgNoApprovePermission = "You do not have permission to approve this deployment"
	msgNoRejectPermission  = "You do not have permission to reject this deployment"
	msgAlreadyProcessed    = "This approval has already been processed"
	msgStillActive         = "Another deployment of this project is in progress. Approve again once it completes."
	msgExpired             = "Approval request expired"
)

// Service manages approval requests and decisions.
type Service struct {
	approvals   repository.ApprovalRepository
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	perms       Permissions
	notifier    Notifier
	queue       Enqueuer
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
}

// New returns an approval service.
func New(approvals repository.ApprovalRepository, deployments repository.DeploymentRepository, projects repository.ProjectRepository, perms Permissions, notifier Notifier, queue Enqueuer, collector *metrics.Collector, logger *slog.Logger) Service {
	return Service{
		approvals:   approvals,
		deployments: deployments,
		projects:    projects,
		perms:       perms,
		notifier:    notifier,
		queue:       queue,
		metrics:     collector,
		logger:      logger.With("component", "approval"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequiresApproval applies the project's approval policy. Environment and
// branch lists, when configured, narrow the policy to matching deployments.
func (s Service) RequiresApproval(ctx context.Context, deployment *domain.Deployment) (bool, error) {
	project, err := s.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		return false, fmt.Errorf("load project: %w", err)
	}
	if !project.RequiresApproval {
		return false, nil
	}
	if len(project.ApprovalEnvironments) > 0 && !slices.Contains(project.ApprovalEnvironments, project.Environment) {
		return false, nil
	}
	if len(project.ApprovalBranches) > 0 && !slices.Contains(project.ApprovalBranches, deployment.Branch) {
		return false, nil
	}
	return true, nil
}

// RequestApproval parks deployment in pending_approval and notifies every
// eligible approver except the requester.
func (s Service) RequestApproval(ctx context.Context, deployment *domain.Deployment, requesterID string) (*domain.DeploymentApproval, error) {
	approval := &domain.DeploymentApproval{
		ID:           uuid.NewString(),
		DeploymentID: deployment.ID,
		RequestedBy:  requesterID,
		Status:       domain.ApprovalPending,
		RequestedAt:  s.now(),
	}
	event := audit.Event(optional(requesterID), "deployment.approval_requested", "deployment", deployment.ID, map[string]any{
		"approval_id": approval.ID,
		"project_id":  deployment.ProjectID,
		"branch":      deployment.Branch,
	})
	if err := s.approvals.CreateApprovalRequest(ctx, approval, event); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.NewPreconditionError("Deployment is not awaiting execution")
		}
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	deployment.Status = domain.DeploymentPendingApproval
	s.metrics.DeploymentTransition(string(deployment.Status))
	s.logger.Info("approval requested", "approval_id", approval.ID, "deployment_id", deployment.ID, "requested_by", requesterID)

	approvers, err := s.perms.Approvers(ctx, deployment.ProjectID)
	if err != nil {
		s.logger.Error("failed to list approvers", "deployment_id", deployment.ID, "error", err)
		return approval, nil
	}
	recipients := make([]string, 0, len(approvers))
	for _, u := range approvers {
		if u.ID != requesterID {
			recipients = append(recipients, u.ID)
		}
	}
	if len(recipients) > 0 {
		s.notifier.Notify(ctx, notify.Message{
			Event:      notify.EventApprovalRequested,
			Recipients: recipients,
			Subject:    fmt.Sprintf("Deployment of %s awaits approval", deployment.Branch),
			Payload:    payload(approval, deployment),
		})
	}
	return approval, nil
}

// Approve releases the deployment back to pending and queues it.
func (s Service) Approve(ctx context.Context, approvalID, actorID, notes string) (*domain.DeploymentApproval, error) {
	approval, deployment, err := s.authorize(ctx, approvalID, actorID, msgNoApprovePermission)
	if err != nil {
		return nil, err
	}
	now := s.now()
	decision := repository.ApprovalDecision{
		ApprovalID:       approval.ID,
		Status:           domain.ApprovalApproved,
		ApproverID:       &actorID,
		Notes:            notes,
		RespondedAt:      now,
		DeploymentStatus: domain.DeploymentPending,
		Audit: audit.Event(&actorID, "deployment.approved", "deployment", deployment.ID, map[string]any{
			"approval_id": approval.ID,
			"notes":       notes,
		}),
	}
	if err := s.resolve(ctx, decision); err != nil {
		return nil, err
	}
	approval.Status, approval.ApprovedBy, approval.Notes, approval.RespondedAt = domain.ApprovalApproved, &actorID, notes, &now
	s.metrics.DeploymentTransition(string(domain.DeploymentPending))
	s.logger.Info("deployment approved", "approval_id", approval.ID, "deployment_id", deployment.ID, "approved_by", actorID)

	if err := s.queue.Enqueue(ctx, deployment.ID, 0); err != nil {
		s.failDeployment(ctx, deployment.ID, "Failed to queue deployment: "+err.Error())
		return approval, fmt.Errorf("enqueue approved deployment: %w", err)
	}
	s.notifyRequester(ctx, notify.EventApprovalApproved, "Deployment approved", approval, deployment)
	return approval, nil
}

// Reject fails the deployment with the given reason.
func (s Service) Reject(ctx context.Context, approvalID, actorID, reason string) (*domain.DeploymentApproval, error) {
	approval, deployment, err := s.authorize(ctx, approvalID, actorID, msgNoRejectPermission)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "No reason provided"
	}
	now := s.now()
	decision := repository.ApprovalDecision{
		ApprovalID:       approval.ID,
		Status:           domain.ApprovalRejected,
		ApproverID:       &actorID,
		Notes:            reason,
		RespondedAt:      now,
		DeploymentStatus: domain.DeploymentFailed,
		DeploymentError:  "Deployment rejected: " + reason,
		Audit: audit.Event(&actorID, "deployment.rejected", "deployment", deployment.ID, map[string]any{
			"approval_id": approval.ID,
			"reason":      reason,
		}),
	}
	if err := s.resolve(ctx, decision); err != nil {
		return nil, err
	}
	approval.Status, approval.ApprovedBy, approval.Notes, approval.RespondedAt = domain.ApprovalRejected, &actorID, reason, &now
	s.metrics.DeploymentTransition(string(domain.DeploymentFailed))
	s.logger.Info("deployment rejected", "approval_id", approval.ID, "deployment_id", deployment.ID, "rejected_by", actorID)
	s.notifyRequester(ctx, notify.EventApprovalRejected, "Deployment rejected", approval, deployment)
	return approval, nil
}

// CanApprove reports whether actorID may decide on deployment. Requesters
// and deployment owners never may.
func (s Service) CanApprove(ctx context.Context, actorID string, approval *domain.DeploymentApproval, deployment *domain.Deployment) (bool, error) {
	if actorID == "" || actorID == approval.RequestedBy {
		return false, nil
	}
	if deployment.UserID != nil && *deployment.UserID == actorID {
		return false, nil
	}
	return s.perms.CanApprove(ctx, actorID, deployment.ProjectID)
}

// GetPendingApprovals lists pending approvals userID is allowed to decide.
func (s Service) GetPendingApprovals(ctx context.Context, userID string) ([]domain.DeploymentApproval, error) {
	ids, all, err := s.perms.ApprovableProjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !all && len(ids) == 0 {
		return []domain.DeploymentApproval{}, nil
	}
	pending, err := s.approvals.ListPendingApprovals(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, a := range pending {
		if a.RequestedBy != userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetApprovalStats counts approvals over the projects userID may approve.
func (s Service) GetApprovalStats(ctx context.Context, userID string) (domain.ApprovalStats, error) {
	ids, all, err := s.perms.ApprovableProjects(ctx, userID)
	if err != nil {
		return domain.ApprovalStats{}, err
	}
	if !all && len(ids) == 0 {
		return domain.ApprovalStats{}, nil
	}
	return s.approvals.ApprovalStats(ctx, ids)
}

// ExpireStale expires pending approvals requested more than ttl ago and
// fails their deployments. It returns the number expired.
func (s Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	stale, err := s.approvals.ListPendingApprovalsRequestedBefore(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("list stale approvals: %w", err)
	}
	expired := 0
	for _, a := range stale {
		err := s.approvals.ResolveApproval(ctx, repository.ApprovalDecision{
			ApprovalID:       a.ID,
			Status:           domain.ApprovalExpired,
			RespondedAt:      s.now(),
			DeploymentStatus: domain.DeploymentFailed,
			DeploymentError:  msgExpired,
			Audit:            audit.Event(nil, "deployment.approval_expired", "deployment", a.DeploymentID, map[string]any{"approval_id": a.ID}),
		})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to expire approval", "approval_id", a.ID, "error", err)
			continue
		}
		expired++
		s.metrics.DeploymentTransition(string(domain.DeploymentFailed))
		s.logger.Info("approval expired", "approval_id", a.ID, "deployment_id", a.DeploymentID)
	}
	return expired, nil
}

func (s Service) authorize(ctx context.Context, approvalID, actorID, denied string) (*domain.DeploymentApproval, *domain.Deployment, error) {
	approval, err := s.approvals.GetApprovalByID(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	deployment, err := s.deployments.GetDeploymentByID(ctx, approval.DeploymentID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := s.CanApprove(ctx, actorID, approval, deployment)
	if err != nil {
		return nil, nil, fmt.Errorf("check approval permission: %w", err)
	}
	if !ok {
		return nil, nil, &domain.ForbiddenError{Message: denied}
	}
	if approval.Status != domain.ApprovalPending {
		return nil, nil, domain.NewPreconditionError(msgAlreadyProcessed)
	}
	return approval, deployment, nil
}

func (s Service) resolve(ctx context.Context, decision repository.ApprovalDecision) error {
	err := s.approvals.ResolveApproval(ctx, decision)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrConflict):
		return domain.NewPreconditionError(msgAlreadyProcessed)
	case errors.Is(err, repository.ErrActiveDeployment):
		return domain.NewPreconditionError(msgStillActive)
	default:
		return fmt.Errorf("resolve approval: %w", err)
	}
}

func (s Service) failDeployment(ctx context.Context, deploymentID, message string) {
	now := s.now()
	status := domain.DeploymentFailed
	err := s.deployments.UpdateDeployment(context.WithoutCancel(ctx), domain.DeploymentUpdate{
		ID:          deploymentID,
		Status:      &status,
		ErrorLog:    &message,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Error("failed to mark deployment failed", "deployment_id", deploymentID, "error", err)
	}
}

func (s Service) notifyRequester(ctx context.Context, event, subject string, approval *domain.DeploymentApproval, deployment *domain.Deployment) {
	if approval.RequestedBy == "" {
		return
	}
	s.notifier.Notify(ctx, notify.Message{
		Event:      event,
		Recipients: []string{approval.RequestedBy},
		Subject:    subject,
		Payload:    payload(approval, deployment),
	})
}

func payload(approval *domain.DeploymentApproval, deployment *domain.Deployment) map[string]any {
	return map[string]any{
		"approval_id":   approval.ID,
		"deployment_id": deployment.ID,
		"project_id":    deployment.ProjectID,
		"branch":        deployment.Branch,
		"commit_hash":   deployment.CommitHash,
		"status":        approval.Status,
		"notes":         approval.Notes,
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
