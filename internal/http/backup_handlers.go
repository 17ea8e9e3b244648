package httpx

import (
	"net/http"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/backup"
)

// backupStatus reports 201 for a stored backup and 200 for a recorded
// failure so clients can tell the two apart without parsing the body.
func backupStatus(b *domain.Backup) int {
	if b.Status == domain.BackupFailed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	kind := domain.BackupKind(req.URL.Query().Get("kind"))
	switch kind {
	case "", domain.BackupKindFile, domain.BackupKindDatabase:
	default:
		writeError(w, http.StatusBadRequest, "kind must be file or database")
		return
	}
	list, err := r.backups.List(req.Context(), req.PathValue("projectID"), kind)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleFullBackup(w http.ResponseWriter, req *http.Request) {
	var opts backup.Options
	if !decodeJSON(w, req, &opts) {
		return
	}
	b, err := r.backups.CreateFullBackup(req.Context(), req.PathValue("projectID"), opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, backupStatus(b), b)
}

func (r *Router) handleIncrementalBackup(w http.ResponseWriter, req *http.Request) {
	var opts backup.Options
	if !decodeJSON(w, req, &opts) {
		return
	}
	b, err := r.backups.CreateIncrementalBackup(req.Context(), req.PathValue("backupID"), opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, backupStatus(b), b)
}

func (r *Router) handleDatabaseBackup(w http.ResponseWriter, req *http.Request) {
	var opts backup.DatabaseOptions
	if !decodeJSON(w, req, &opts) {
		return
	}
	b, err := r.backups.CreateDatabaseBackup(req.Context(), req.PathValue("projectID"), opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, backupStatus(b), b)
}

func (r *Router) handleGetBackup(w http.ResponseWriter, req *http.Request) {
	b, err := r.backups.Get(req.Context(), req.PathValue("backupID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (r *Router) handleBackupChain(w http.ResponseWriter, req *http.Request) {
	chain, err := r.backups.GetBackupChain(req.Context(), req.PathValue("backupID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request) {
	var opts backup.RestoreOptions
	if !decodeJSON(w, req, &opts) {
		return
	}
	result, err := r.backups.RestoreBackup(req.Context(), req.PathValue("backupID"), opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleDeleteBackup(w http.ResponseWriter, req *http.Request) {
	if err := r.backups.DeleteBackup(req.Context(), req.PathValue("backupID")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleExecutions(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := domain.ExecutionFilter{
		ServerID: q.Get("server_id"),
		Status:   domain.ExecutionStatus(q.Get("status")),
		Limit:    queryInt(req, "limit", 50),
	}
	list, err := r.executions.History(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleGetExecution(w http.ResponseWriter, req *http.Request) {
	record, err := r.executions.Get(req.Context(), req.PathValue("executionID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleAudit(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	events, err := r.auditTrail.List(req.Context(), q.Get("subject_type"), q.Get("subject_id"), queryInt(req, "limit", 100))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
