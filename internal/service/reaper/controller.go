// Package reaper periodically cleans up work that stalled: deployments
// stuck running, pending deployments whose queue item was lost, expired
// approval requests and backups past their retention window.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

const (
	defaultInterval  = time.Minute
	reconcileTimeout = 30 * time.Second
	requeueAfter     = 5 * time.Minute
)

// ApprovalExpirer expires approval requests left pending too long.
type ApprovalExpirer interface {
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)
}

// RetentionPruner removes backups outside the retention policy.
type RetentionPruner interface {
	ApplyRetention(ctx context.Context) (int, error)
}

// Enqueuer re-delivers pending deployments.
type Enqueuer interface {
	Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error
}

// LogCloser ends live log streams of reaped deployments.
type LogCloser interface {
	Finish(deploymentID, status string)
}

// Controller runs the cleanup loop.
type Controller struct {
	deployments repository.DeploymentRepository
	approvals   ApprovalExpirer
	retention   RetentionPruner
	queue       Enqueuer
	logs        LogCloser
	metrics     *metrics.Collector
	logger      *slog.Logger

	interval      time.Duration
	deploymentTTL time.Duration
	approvalTTL   time.Duration

	now func() time.Time
}

// New constructs a controller. approvals, retention, queue and logs may be
// nil to disable the corresponding pass.
func New(deployments repository.DeploymentRepository, approvals ApprovalExpirer, retention RetentionPruner, queue Enqueuer, logs LogCloser, collector *metrics.Collector, logger *slog.Logger, cfg config.OrchestratorConfig) *Controller {
	if deployments == nil {
		return nil
	}
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Controller{
		deployments:   deployments,
		approvals:     approvals,
		retention:     retention,
		queue:         queue,
		logs:          logs,
		metrics:       collector,
		logger:        logger.With("component", "reaper"),
		interval:      interval,
		deploymentTTL: cfg.DeploymentStale,
		approvalTTL:   cfg.ApprovalTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the cleanup loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reaper started", "interval", c.interval)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := c.now()
	c.failStaleDeployments(opCtx, now)
	c.requeuePending(opCtx, now)
	c.expireApprovals(opCtx)
	c.applyRetention(opCtx)
}

func (c *Controller) failStaleDeployments(ctx context.Context, now time.Time) {
	if c.deploymentTTL <= 0 {
		return
	}
	stale, err := c.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, domain.DeploymentRunning, now.Add(-c.deploymentTTL))
	if err != nil {
		c.logger.Warn("failed to list stale deployments", "error", err)
		return
	}
	for _, dep := range stale {
		msg := fmt.Sprintf("Deployment timed out after %s", formatDuration(c.deploymentTTL))
		status := domain.DeploymentFailed
		completedAt := now
		update := domain.DeploymentUpdate{
			ID:           dep.ID,
			Status:       &status,
			ErrorLog:     &msg,
			CompletedAt:  &completedAt,
			ExpectStatus: []domain.DeploymentStatus{domain.DeploymentRunning},
		}
		if dep.StartedAt != nil && now.After(*dep.StartedAt) {
			duration := int(now.Sub(*dep.StartedAt).Seconds())
			update.DurationSeconds = &duration
		}
		if err := c.deployments.UpdateDeployment(ctx, update); err != nil {
			c.logger.Warn("failed to time out deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		c.metrics.DeploymentTransition(string(status))
		if c.logs != nil {
			c.logs.Finish(dep.ID, string(status))
		}
		c.logger.Info("deployment marked failed after timeout", "deployment_id", dep.ID, "project_id", dep.ProjectID)
	}
}

// requeuePending re-delivers pending deployments nobody picked up. Workers
// claim before running, so a duplicate delivery is skipped.
func (c *Controller) requeuePending(ctx context.Context, now time.Time) {
	if c.queue == nil {
		return
	}
	pending, err := c.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, domain.DeploymentPending, now.Add(-requeueAfter))
	if err != nil {
		c.logger.Warn("failed to list pending deployments", "error", err)
		return
	}
	for _, dep := range pending {
		if err := c.queue.Enqueue(ctx, dep.ID, 0); err != nil {
			c.logger.Warn("failed to requeue deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		c.metrics.QueueJob("requeued")
		c.logger.Info("pending deployment requeued", "deployment_id", dep.ID)
	}
}

func (c *Controller) expireApprovals(ctx context.Context) {
	if c.approvals == nil || c.approvalTTL <= 0 {
		return
	}
	n, err := c.approvals.ExpireStale(ctx, c.approvalTTL)
	if err != nil {
		c.logger.Warn("failed to expire approvals", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("expired stale approvals", "count", n)
	}
}

func (c *Controller) applyRetention(ctx context.Context) {
	if c.retention == nil {
		return
	}
	n, err := c.retention.ApplyRetention(ctx)
	if err != nil {
		c.logger.Warn("failed to apply backup retention", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("pruned backups", "count", n)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
