package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		CommitHash string `json:"commit_hash" validate:"omitempty,hexadecimal,min=7,max=40"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deploy.Deploy(req.Context(), req.PathValue("projectID"), userID(req), domain.TriggerManual, strings.TrimSpace(payload.CommitHash))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (r *Router) handleSchedule(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deploy.QueueDeployment(req.Context(), req.PathValue("projectID"), userID(req), payload.ScheduledAt)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		DeploymentID string `json:"deployment_id" validate:"required"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deploy.Rollback(req.Context(), req.PathValue("projectID"), payload.DeploymentID, userID(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request) {
	list, err := r.deploy.GetRecentDeployments(req.Context(), req.PathValue("projectID"), queryInt(req, "limit", 10))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleRecentDeployments(w http.ResponseWriter, req *http.Request) {
	list, err := r.deploy.RecentAcrossProjects(req.Context(), queryInt(req, "limit", 20))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleDeploymentStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.deploy.GetDeploymentStats(req.Context(), req.PathValue("projectID"), queryInt(req, "days", 30))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleUpdates(w http.ResponseWriter, req *http.Request) {
	status, err := r.deploy.CheckForUpdates(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handlePrerequisites(w http.ResponseWriter, req *http.Request) {
	problems, err := r.deploy.ValidateDeploymentPrerequisites(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": len(problems) == 0, "problems": problems})
}

func (r *Router) handleBatchDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ProjectIDs []string `json:"project_ids" validate:"required,min=1,dive,required"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.deploy.BatchDeploy(req.Context(), payload.ProjectIDs, userID(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.deploy.Get(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	logs, err := r.deploy.GetDeploymentLogs(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	cancelled, err := r.deploy.CancelDeployment(req.Context(), req.PathValue("deploymentID"), userID(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "Deployment is not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (r *Router) handleMarkSuccess(w http.ResponseWriter, req *http.Request) {
	if err := r.deploy.MarkAsSuccess(req.Context(), req.PathValue("deploymentID"), userID(req)); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.DeploymentSuccess)})
}

func (r *Router) handleMarkFailed(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if err := r.deploy.MarkAsFailed(req.Context(), req.PathValue("deploymentID"), userID(req), strings.TrimSpace(payload.Message)); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.DeploymentFailed)})
}

func (r *Router) handlePendingApprovals(w http.ResponseWriter, req *http.Request) {
	list, err := r.approvals.GetPendingApprovals(req.Context(), userID(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleApprovalStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.approvals.GetApprovalStats(req.Context(), userID(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleApprove(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Notes string `json:"notes" validate:"max=2000"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	approval, err := r.approvals.Approve(req.Context(), req.PathValue("approvalID"), userID(req), payload.Notes)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (r *Router) handleReject(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Reason string `json:"reason" validate:"required,max=2000"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	approval, err := r.approvals.Reject(req.Context(), req.PathValue("approvalID"), userID(req), payload.Reason)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}
