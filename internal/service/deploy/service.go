// Package deploy owns the deployment lifecycle: creation under the single
// active deployment rule, rollback, scheduling, cancellation and manual
// overrides.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

// CommitSource resolves revisions from a project's repository.
type CommitSource interface {
	CurrentCommit(ctx context.Context, project domain.Project) (*domain.Commit, error)
	CheckForUpdates(ctx context.Context, project domain.Project) (*domain.UpdateStatus, error)
}

// ApprovalGate decides whether a deployment must wait for an approver.
type ApprovalGate interface {
	RequiresApproval(ctx context.Context, deployment *domain.Deployment) (bool, error)
	RequestApproval(ctx context.Context, deployment *domain.Deployment, requesterID string) (*domain.DeploymentApproval, error)
}

// Enqueuer hands deployments to workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error
}

// Auditor records notable actions.
type Auditor interface {
	Record(ctx context.Context, userID *string, action, subjectType, subjectID string, payload map[string]any)
}

const (
	msgCancelled    = "Deployment cancelled by user"
	msgMarkedFailed = "Manually marked as failed"
)

// Service coordinates deployments.
type Service struct {
	projects    repository.ProjectRepository
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	commits     CommitSource
	gate        ApprovalGate
	queue       Enqueuer
	audit       Auditor
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a deployment service.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, deployments repository.DeploymentRepository, commits CommitSource, gate ApprovalGate, queue Enqueuer, audit Auditor, collector *metrics.Collector, logger *slog.Logger) Service {
	return Service{
		projects:    projects,
		servers:     servers,
		deployments: deployments,
		commits:     commits,
		gate:        gate,
		queue:       queue,
		audit:       audit,
		metrics:     collector,
		logger:      logger.With("component", "deploy"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Deploy creates a pending deployment of projectID and either requests
// approval or queues it. An empty commitHash deploys the branch head.
func (s Service) Deploy(ctx context.Context, projectID, userID string, trigger domain.Trigger, commitHash string) (*domain.Deployment, error) {
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger %q", trigger)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	hash, message := commitHash, ""
	if hash == "" {
		hash, message = s.resolveCommit(ctx, *project)
	}
	snapshot, err := s.captureSnapshot(*project)
	if err != nil {
		return nil, err
	}
	now := s.now()
	deployment := &domain.Deployment{
		ID:                  uuid.NewString(),
		ProjectID:           project.ID,
		ServerID:            project.ServerID,
		UserID:              optional(userID),
		Branch:              branchOf(*project),
		CommitHash:          hash,
		CommitMessage:       message,
		Status:              domain.DeploymentPending,
		TriggeredBy:         trigger,
		EnvironmentSnapshot: snapshot,
		StartedAt:           &now,
	}
	if err := s.deployments.CreateActiveDeployment(ctx, deployment); err != nil {
		if errors.Is(err, repository.ErrActiveDeployment) {
			return nil, domain.NewPreconditionError(fmt.Sprintf(
				"A deployment is already in progress for project '%s'. Please wait for it to complete or cancel it first.",
				project.Name))
		}
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.metrics.DeploymentTransition(string(deployment.Status))
	s.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"project_id", project.ID,
		"triggered_by", trigger,
		"commit_hash", hash,
	)
	if err := s.dispatch(ctx, deployment, userID); err != nil {
		return nil, err
	}
	return deployment, nil
}

// HasActiveDeployment reports whether projectID has a pending or running deployment.
func (s Service) HasActiveDeployment(ctx context.Context, projectID string) (bool, error) {
	_, err := s.deployments.GetActiveDeployment(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetActiveDeployment returns the active deployment of projectID, or nil.
func (s Service) GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	d, err := s.deployments.GetActiveDeployment(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// Rollback creates a new deployment of a previously successful commit.
func (s Service) Rollback(ctx context.Context, projectID, targetDeploymentID, userID string) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	target, err := s.deployments.GetDeploymentByID(ctx, targetDeploymentID)
	if err != nil {
		return nil, err
	}
	switch {
	case target.ProjectID != project.ID:
		return nil, domain.NewPreconditionError("Target deployment does not belong to this project")
	case target.Status != domain.DeploymentSuccess:
		return nil, domain.NewPreconditionError("Can only rollback to successful deployments")
	case target.CommitHash == "":
		return nil, domain.NewPreconditionError("Target deployment does not have a commit hash")
	}
	s.logger.Info("initiating rollback",
		"project_id", project.ID,
		"target_deployment_id", target.ID,
		"target_commit", target.CommitHash,
	)

	label := target.CommitMessage
	if label == "" {
		label = target.CommitHash
	}
	now := s.now()
	targetID := target.ID
	deployment := &domain.Deployment{
		ID:                   uuid.NewString(),
		ProjectID:            project.ID,
		ServerID:             project.ServerID,
		UserID:               optional(userID),
		Branch:               target.Branch,
		CommitHash:           target.CommitHash,
		CommitMessage:        "Rollback to: " + label,
		Status:               domain.DeploymentPending,
		TriggeredBy:          domain.TriggerRollback,
		EnvironmentSnapshot:  target.EnvironmentSnapshot,
		RollbackDeploymentID: &targetID,
		StartedAt:            &now,
	}
	if err := s.deployments.CreateActiveDeployment(ctx, deployment); err != nil {
		if errors.Is(err, repository.ErrActiveDeployment) {
			return nil, domain.NewPreconditionError("Cannot rollback while another deployment is in progress")
		}
		return nil, fmt.Errorf("create rollback deployment: %w", err)
	}
	s.metrics.DeploymentTransition(string(deployment.Status))
	if err := s.dispatch(ctx, deployment, userID); err != nil {
		return nil, err
	}
	return deployment, nil
}

// QueueDeployment records a scheduled deployment that workers start at
// scheduledAt, or immediately when it is nil or in the past.
func (s Service) QueueDeployment(ctx context.Context, projectID, userID string, scheduledAt *time.Time) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	hash, message := s.resolveCommit(ctx, *project)
	meta := map[string]any{"scheduled_at": nil}
	if scheduledAt != nil {
		meta["scheduled_at"] = scheduledAt.UTC().Format(time.RFC3339)
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	snapshot, err := s.captureSnapshot(*project)
	if err != nil {
		return nil, err
	}
	deployment := &domain.Deployment{
		ID:                  uuid.NewString(),
		ProjectID:           project.ID,
		ServerID:            project.ServerID,
		UserID:              optional(userID),
		Branch:              branchOf(*project),
		CommitHash:          hash,
		CommitMessage:       message,
		Status:              domain.DeploymentScheduled,
		TriggeredBy:         domain.TriggerScheduled,
		EnvironmentSnapshot: snapshot,
		Metadata:            metadata,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create scheduled deployment: %w", err)
	}
	s.metrics.DeploymentTransition(string(deployment.Status))

	var delay time.Duration
	if scheduledAt != nil {
		if d := scheduledAt.Sub(s.now()); d > 0 {
			delay = d
		}
	}
	if err := s.queue.Enqueue(ctx, deployment.ID, delay); err != nil {
		s.fail(ctx, deployment, "Failed to queue deployment: "+err.Error())
		return nil, fmt.Errorf("enqueue deployment: %w", err)
	}
	s.logger.Info("deployment scheduled", "deployment_id", deployment.ID, "project_id", project.ID, "delay", delay)
	return deployment, nil
}

// CancelDeployment stops tracking a pending or running deployment as active.
// It returns false when the deployment was not active. Cancellation does not
// interrupt commands already running on the target.
func (s Service) CancelDeployment(ctx context.Context, deploymentID, userID string) (bool, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return false, err
	}
	if !d.Status.IsActive() {
		s.logger.Warn("attempted to cancel non-active deployment", "deployment_id", d.ID, "status", d.Status)
		return false, nil
	}
	now := s.now()
	status := domain.DeploymentCancelled
	note := msgCancelled
	duration := s.durationSince(d, now)
	err = s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		ID:              d.ID,
		Status:          &status,
		ErrorLog:        &note,
		CompletedAt:     &now,
		DurationSeconds: &duration,
		ExpectStatus:    domain.ActiveStatuses,
	})
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel deployment: %w", err)
	}
	s.metrics.DeploymentTransition(string(status))
	s.audit.Record(ctx, optional(userID), "deployment.cancelled", "deployment", d.ID, map[string]any{"project_id": d.ProjectID})
	s.logger.Info("deployment cancelled", "deployment_id", d.ID, "project_id", d.ProjectID, "cancelled_by", userID)
	return true, nil
}

// BatchResult aggregates a BatchDeploy run. Errors maps project id to the
// reason it was not deployed.
type BatchResult struct {
	Successful  int
	Failed      int
	Deployments []domain.Deployment
	Errors      map[string]string
}

// BatchDeploy deploys each project independently. The returned error is
// non-nil only when the projects could not be loaded.
func (s Service) BatchDeploy(ctx context.Context, projectIDs []string, userID string) (BatchResult, error) {
	result := BatchResult{Errors: make(map[string]string)}
	projects, err := s.projects.ListProjectsByIDs(ctx, projectIDs)
	if err != nil {
		return result, fmt.Errorf("load projects: %w", err)
	}
	ids := make([]string, 0, len(projects))
	byID := make(map[string]domain.Project, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	active, err := s.deployments.ListActiveProjectIDs(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("load active deployments: %w", err)
	}

	for _, id := range projectIDs {
		project, ok := byID[id]
		if !ok {
			result.Failed++
			result.Errors[id] = "Project not found"
			continue
		}
		if project.ServerID == nil || *project.ServerID == "" {
			s.logger.Warn("skipping project without server", "project_id", id, "project_name", project.Name)
			result.Failed++
			result.Errors[id] = "Project does not have a server assigned"
			continue
		}
		if _, busy := active[id]; busy {
			s.logger.Warn("skipping project with active deployment", "project_id", id, "project_name", project.Name)
			result.Failed++
			result.Errors[id] = "A deployment is already in progress"
			continue
		}
		d, err := s.Deploy(ctx, id, userID, domain.TriggerManual, "")
		if err != nil {
			s.logger.Error("batch deployment failed for project", "project_id", id, "error", err)
			result.Failed++
			result.Errors[id] = err.Error()
			continue
		}
		result.Successful++
		result.Deployments = append(result.Deployments, *d)
	}
	return result, nil
}

// MarkAsSuccess overrides a deployment's status to success. Completion time
// and duration are kept when already set.
func (s Service) MarkAsSuccess(ctx context.Context, deploymentID, userID string) error {
	return s.override(ctx, deploymentID, userID, domain.DeploymentSuccess, nil)
}

// MarkAsFailed overrides a deployment's status to failed. An empty message
// keeps the existing error log, or uses a default when there is none.
func (s Service) MarkAsFailed(ctx context.Context, deploymentID, userID, message string) error {
	return s.override(ctx, deploymentID, userID, domain.DeploymentFailed, &message)
}

func (s Service) override(ctx context.Context, deploymentID, userID string, status domain.DeploymentStatus, message *string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	update := domain.DeploymentUpdate{ID: d.ID, Status: &status}
	now := s.now()
	if d.CompletedAt == nil {
		update.CompletedAt = &now
	}
	if d.DurationSeconds == nil {
		duration := s.durationSince(d, now)
		update.DurationSeconds = &duration
	}
	if message != nil {
		errorLog := *message
		if errorLog == "" {
			errorLog = d.ErrorLog
		}
		if errorLog == "" {
			errorLog = msgMarkedFailed
		}
		update.ErrorLog = &errorLog
	}
	if err := s.deployments.UpdateDeployment(ctx, update); err != nil {
		return fmt.Errorf("override deployment status: %w", err)
	}
	s.metrics.DeploymentTransition(string(status))
	s.audit.Record(ctx, optional(userID), "deployment.marked_"+string(status), "deployment", d.ID, map[string]any{"previous_status": d.Status})
	s.logger.Info("deployment manually marked", "deployment_id", d.ID, "status", status, "marked_by", userID)
	return nil
}

// ValidateDeploymentPrerequisites returns every reason projectID cannot be
// deployed. An empty slice means it can.
func (s Service) ValidateDeploymentPrerequisites(ctx context.Context, projectID string) ([]string, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	problems := []string{}
	if project.ServerID == nil || *project.ServerID == "" {
		problems = append(problems, "Project does not have a server assigned")
	}
	if project.RepositoryURL == "" {
		problems = append(problems, "Project does not have a repository URL configured")
	}
	if project.Branch == "" {
		problems = append(problems, "Project does not have a branch configured")
	}
	if project.ServerID != nil && *project.ServerID != "" {
		server, err := s.servers.GetServerByID(ctx, *project.ServerID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load server: %w", err)
		case server.Status != domain.ServerOnline:
			problems = append(problems, "Server is not online")
		}
	}
	return problems, nil
}

// GetDeploymentStats summarizes the last days of a project's deployments.
func (s Service) GetDeploymentStats(ctx context.Context, projectID string, days int) (domain.DeploymentStats, error) {
	if days <= 0 {
		days = 30
	}
	stats, err := s.deployments.DeploymentStats(ctx, projectID, s.now().AddDate(0, 0, -days))
	if err != nil {
		return domain.DeploymentStats{}, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = round2(float64(stats.Successful) / float64(stats.Total) * 100)
	}
	stats.AvgDuration = round2(stats.AvgDuration)
	return stats, nil
}

// GetRecentDeployments lists a project's newest deployments.
func (s Service) GetRecentDeployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// RecentAcrossProjects lists the newest deployments of every project.
func (s Service) RecentAcrossProjects(ctx context.Context, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListRecentDeployments(ctx, limit)
}

// Get returns a deployment.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// DeploymentLogs is the persisted output of a deployment.
type DeploymentLogs struct {
	Logs            string
	Status          domain.DeploymentStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *int
}

// GetDeploymentLogs returns the output log, with errors appended for failed
// deployments.
func (s Service) GetDeploymentLogs(ctx context.Context, deploymentID string) (DeploymentLogs, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return DeploymentLogs{}, err
	}
	logs := d.OutputLog
	if d.Status == domain.DeploymentFailed && d.ErrorLog != "" {
		logs += "\n\n=== ERRORS ===\n" + d.ErrorLog
	}
	return DeploymentLogs{
		Logs:            logs,
		Status:          d.Status,
		StartedAt:       d.StartedAt,
		CompletedAt:     d.CompletedAt,
		DurationSeconds: d.DurationSeconds,
	}, nil
}

// CheckForUpdates compares the deployed commit with the remote branch.
func (s Service) CheckForUpdates(ctx context.Context, projectID string) (*domain.UpdateStatus, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.commits.CheckForUpdates(ctx, *project)
}

// dispatch sends a freshly created deployment through the approval gate or
// onto the queue. On failure the deployment is marked failed.
func (s Service) dispatch(ctx context.Context, d *domain.Deployment, userID string) error {
	required, err := s.gate.RequiresApproval(ctx, d)
	if err != nil {
		s.fail(ctx, d, "Failed to evaluate approval policy: "+err.Error())
		return fmt.Errorf("evaluate approval policy: %w", err)
	}
	if required {
		if _, err := s.gate.RequestApproval(ctx, d, userID); err != nil {
			s.fail(ctx, d, "Failed to request approval: "+err.Error())
			return fmt.Errorf("request approval: %w", err)
		}
		d.Status = domain.DeploymentPendingApproval
		return nil
	}
	if err := s.queue.Enqueue(ctx, d.ID, 0); err != nil {
		s.fail(ctx, d, "Failed to queue deployment: "+err.Error())
		return fmt.Errorf("enqueue deployment: %w", err)
	}
	return nil
}

func (s Service) fail(ctx context.Context, d *domain.Deployment, message string) {
	now := s.now()
	status := domain.DeploymentFailed
	duration := s.durationSince(d, now)
	err := s.deployments.UpdateDeployment(context.WithoutCancel(ctx), domain.DeploymentUpdate{
		ID:              d.ID,
		Status:          &status,
		ErrorLog:        &message,
		CompletedAt:     &now,
		DurationSeconds: &duration,
	})
	if err != nil {
		s.logger.Error("failed to mark deployment failed", "deployment_id", d.ID, "error", err)
		return
	}
	d.Status = status
	d.ErrorLog = message
	s.metrics.DeploymentTransition(string(status))
}

func (s Service) resolveCommit(ctx context.Context, project domain.Project) (string, string) {
	if s.commits == nil || project.RepositoryURL == "" {
		return "pending", ""
	}
	commit, err := s.commits.CurrentCommit(ctx, project)
	if err != nil || commit == nil || commit.Hash == "" {
		if err != nil {
			s.logger.Warn("failed to resolve current commit", "project_id", project.ID, "error", err)
		}
		return "pending", ""
	}
	return commit.Hash, commit.Message
}

func (s Service) captureSnapshot(project domain.Project) (json.RawMessage, error) {
	env := project.EnvVariables
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(domain.EnvironmentSnapshot{
		Branch:         project.Branch,
		Environment:    project.Environment,
		RuntimeVersion: project.RuntimeVersion,
		Framework:      project.Framework,
		EnvVariables:   env,
		CapturedAt:     s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode environment snapshot: %w", err)
	}
	return data, nil
}

func (s Service) durationSince(d *domain.Deployment, now time.Time) int {
	start := d.CreatedAt
	if d.StartedAt != nil {
		start = *d.StartedAt
	}
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start).Seconds())
}

func branchOf(p domain.Project) string {
	if p.Branch == "" {
		return "main"
	}
	return p.Branch
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
