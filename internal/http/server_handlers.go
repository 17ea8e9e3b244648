package httpx

import (
	"net/http"
	"strings"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/bulk"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/tenant"
)

type bulkResponse struct {
	Results map[string]domain.TargetResult `json:"results"`
	Summary domain.BulkSummary             `json:"summary"`
}

func (r *Router) loadServer(w http.ResponseWriter, req *http.Request) (*domain.Server, bool) {
	srv, err := r.servers.Get(req.Context(), req.PathValue("serverID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	return srv, true
}

func (r *Router) handleTestConnection(w http.ResponseWriter, req *http.Request) {
	srv, ok := r.loadServer(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, r.servers.TestConnection(req.Context(), srv))
}

func (r *Router) handleVerifyDocker(w http.ResponseWriter, req *http.Request) {
	srv, ok := r.loadServer(w, req)
	if !ok {
		return
	}
	status := r.servers.VerifyDocker(req.Context(), srv)
	writeJSON(w, http.StatusOK, map[string]any{"installed": status.Installed, "version": status.Version})
}

// handleServerOp runs one server operation and reports its TargetResult.
// Operational failures are part of the result, not an HTTP error.
func (r *Router) handleServerOp(kind bulk.OperationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			Service string `json:"service"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		if kind == bulk.OpRestartService && strings.TrimSpace(payload.Service) == "" {
			writeError(w, http.StatusUnprocessableEntity, "service is required")
			return
		}
		srv, ok := r.loadServer(w, req)
		if !ok {
			return
		}
		var result domain.TargetResult
		switch kind {
		case bulk.OpPing:
			result = r.servers.Ping(req.Context(), srv)
		case bulk.OpReboot:
			result = r.servers.Reboot(req.Context(), srv)
		case bulk.OpRestartService:
			result = r.servers.RestartService(req.Context(), srv, strings.TrimSpace(payload.Service))
		case bulk.OpInstallDocker:
			result = r.servers.InstallDocker(req.Context(), srv)
		default:
			writeError(w, http.StatusBadRequest, bulk.ErrUnknownOperation.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

var bulkPermissions = map[bulk.OperationKind]string{
	bulk.OpPing:           domain.PermManageServers,
	bulk.OpReboot:         domain.PermManageServers,
	bulk.OpRestartService: domain.PermManageServers,
	bulk.OpInstallDocker:  domain.PermManageServers,
	bulk.OpDeploy:         domain.PermDeploy,
	bulk.OpTenantDeploy:   domain.PermDeploy,
}

func (r *Router) handleBulk(w http.ResponseWriter, req *http.Request) {
	kind := bulk.OperationKind(req.PathValue("operation"))
	permission, ok := bulkPermissions[kind]
	if !ok {
		writeError(w, http.StatusBadRequest, bulk.ErrUnknownOperation.Error())
		return
	}
	r.requirePermission(permission, func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			IDs       []string              `json:"ids" validate:"required,min=1,dive,required"`
			Service   string                `json:"service"`
			ProjectID string                `json:"project_id"`
			Options   *tenant.DeployOptions `json:"options"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		params := bulk.Params{UserID: userID(req), Service: strings.TrimSpace(payload.Service), ProjectID: payload.ProjectID, Tenant: tenant.DefaultDeployOptions()}
		if payload.Options != nil {
			params.Tenant = *payload.Options
		}
		switch {
		case kind == bulk.OpRestartService && params.Service == "":
			writeError(w, http.StatusUnprocessableEntity, "service is required")
			return
		case kind == bulk.OpTenantDeploy && params.ProjectID == "":
			writeError(w, http.StatusUnprocessableEntity, "project_id is required")
			return
		}
		r.runBulk(w, req, kind, payload.IDs, params)
	})(w, req)
}

func (r *Router) runBulk(w http.ResponseWriter, req *http.Request, kind bulk.OperationKind, ids []string, params bulk.Params) {
	results, err := r.bulk.Run(req.Context(), kind, ids, params)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse{Results: results, Summary: domain.Summarize(results)})
}

func (r *Router) handleListTenants(w http.ResponseWriter, req *http.Request) {
	list, err := r.tenants.ListTenants(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleTenantStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.tenants.Stats(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleTenantDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		TenantIDs []string              `json:"tenant_ids"`
		Options   *tenant.DeployOptions `json:"options"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	params := bulk.Params{UserID: userID(req), ProjectID: req.PathValue("projectID"), Tenant: tenant.DefaultDeployOptions()}
	if payload.Options != nil {
		params.Tenant = *payload.Options
	}
	r.runBulk(w, req, bulk.OpTenantDeploy, payload.TenantIDs, params)
}
