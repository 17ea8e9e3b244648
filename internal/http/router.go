// Package httpx exposes the orchestrator over HTTP.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/backup"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/bulk"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/deploy"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/server"
	"github.com/MohamedRoshdi/devflow-sub019/internal/ws"
)

// Deployer is the deployment surface used by handlers.
type Deployer interface {
	Deploy(ctx context.Context, projectID, userID string, trigger domain.Trigger, commitHash string) (*domain.Deployment, error)
	Rollback(ctx context.Context, projectID, targetDeploymentID, userID string) (*domain.Deployment, error)
	QueueDeployment(ctx context.Context, projectID, userID string, scheduledAt *time.Time) (*domain.Deployment, error)
	CancelDeployment(ctx context.Context, deploymentID, userID string) (bool, error)
	BatchDeploy(ctx context.Context, projectIDs []string, userID string) (deploy.BatchResult, error)
	MarkAsSuccess(ctx context.Context, deploymentID, userID string) error
	MarkAsFailed(ctx context.Context, deploymentID, userID, message string) error
	ValidateDeploymentPrerequisites(ctx context.Context, projectID string) ([]string, error)
	GetDeploymentStats(ctx context.Context, projectID string, days int) (domain.DeploymentStats, error)
	GetRecentDeployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	RecentAcrossProjects(ctx context.Context, limit int) ([]domain.Deployment, error)
	Get(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentLogs(ctx context.Context, deploymentID string) (deploy.DeploymentLogs, error)
	CheckForUpdates(ctx context.Context, projectID string) (*domain.UpdateStatus, error)
}

// Approver decides approval requests.
type Approver interface {
	Approve(ctx context.Context, approvalID, actorID, notes string) (*domain.DeploymentApproval, error)
	Reject(ctx context.Context, approvalID, actorID, reason string) (*domain.DeploymentApproval, error)
	GetPendingApprovals(ctx context.Context, userID string) ([]domain.DeploymentApproval, error)
	GetApprovalStats(ctx context.Context, userID string) (domain.ApprovalStats, error)
}

// ServerOperator runs single-server actions.
type ServerOperator interface {
	Get(ctx context.Context, id string) (*domain.Server, error)
	TestConnection(ctx context.Context, srv *domain.Server) server.ConnectionResult
	Ping(ctx context.Context, srv *domain.Server) domain.TargetResult
	Reboot(ctx context.Context, srv *domain.Server) domain.TargetResult
	RestartService(ctx context.Context, srv *domain.Server, service string) domain.TargetResult
	VerifyDocker(ctx context.Context, srv *domain.Server) server.DockerStatus
	InstallDocker(ctx context.Context, srv *domain.Server) domain.TargetResult
}

// BulkRunner fans an operation out over many targets.
type BulkRunner interface {
	Run(ctx context.Context, kind bulk.OperationKind, ids []string, p bulk.Params) (map[string]domain.TargetResult, error)
}

// TenantDirectory lists tenants of multi-tenant projects.
type TenantDirectory interface {
	ListTenants(ctx context.Context, projectID string) ([]domain.Tenant, error)
	Stats(ctx context.Context, projectID string) (domain.TenantStats, error)
}

// BackupManager creates, restores and deletes backups.
type BackupManager interface {
	Get(ctx context.Context, id string) (*domain.Backup, error)
	List(ctx context.Context, projectID string, kind domain.BackupKind) ([]domain.Backup, error)
	CreateFullBackup(ctx context.Context, projectID string, opts backup.Options) (*domain.Backup, error)
	CreateIncrementalBackup(ctx context.Context, parentID string, opts backup.Options) (*domain.Backup, error)
	CreateDatabaseBackup(ctx context.Context, projectID string, opts backup.DatabaseOptions) (*domain.Backup, error)
	GetBackupChain(ctx context.Context, id string) ([]domain.Backup, error)
	RestoreBackup(ctx context.Context, id string, opts backup.RestoreOptions) (backup.RestoreResult, error)
	DeleteBackup(ctx context.Context, id string) error
}

// ExecutionHistory reads recorded command executions.
type ExecutionHistory interface {
	History(ctx context.Context, filter domain.ExecutionFilter) ([]domain.CommandExecution, error)
	Get(ctx context.Context, id string) (*domain.CommandExecution, error)
}

// AuditTrail reads audit events.
type AuditTrail interface {
	List(ctx context.Context, subjectType, subjectID string, limit int) ([]domain.AuditEvent, error)
}

// PermissionChecker answers global permission questions.
type PermissionChecker interface {
	Can(ctx context.Context, userID, permission string) (bool, error)
}

// WebhookReceiver turns push deliveries into deployments.
type WebhookReceiver interface {
	HandlePush(ctx context.Context, projectID string, payload []byte, signature string) (*domain.Deployment, error)
}

// LogStream exposes live deployment output.
type LogStream interface {
	Hub() *ws.Hub
	Backlog(deploymentID string) [][]byte
}

// Services groups the collaborators the router dispatches to.
type Services struct {
	Deploy      Deployer
	Approvals   Approver
	Servers     ServerOperator
	Bulk        BulkRunner
	Tenants     TenantDirectory
	Backups     BackupManager
	Executions  ExecutionHistory
	Audit       AuditTrail
	Permissions PermissionChecker
	Webhook     WebhookReceiver
	Logs        LogStream
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deploy      Deployer
	approvals   Approver
	servers     ServerOperator
	bulk        BulkRunner
	tenants     TenantDirectory
	backups     BackupManager
	executions  ExecutionHistory
	auditTrail  AuditTrail
	permissions PermissionChecker
	webhook     WebhookReceiver
	logs        LogStream
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	dbHealth    func(context.Context) error

	gatherer  prometheus.Gatherer
	metrics   *httpMetrics
	heartbeat time.Duration
}

type rateClass struct {
	name   string
	limit  int
	window time.Duration
}

var (
	rateRead     = rateClass{name: "read", limit: 120, window: time.Minute}
	rateWrite    = rateClass{name: "write", limit: 60, window: time.Minute}
	rateBulk     = rateClass{name: "bulk", limit: 10, window: time.Minute}
	rateStream   = rateClass{name: "stream", limit: 30, window: 30 * time.Second}
	rateWebhook  = rateClass{name: "webhook", limit: 60, window: time.Minute}
	rateRecovery = rateClass{name: "recovery", limit: 6, window: time.Minute}
)

const (
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 15 * time.Second
	maxWebhookBody     = 1 << 20
)

// NewRouter assembles routes with dependencies. A nil registry uses the
// default Prometheus registry.
func NewRouter(logger *slog.Logger, svcs Services, jwtSecret string, limiter RateLimiter, dbHealth func(context.Context) error, registry *prometheus.Registry) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "http"),
		deploy:      svcs.Deploy,
		approvals:   svcs.Approvals,
		servers:     svcs.Servers,
		bulk:        svcs.Bulk,
		tenants:     svcs.Tenants,
		backups:     svcs.Backups,
		executions:  svcs.Executions,
		auditTrail:  svcs.Audit,
		permissions: svcs.Permissions,
		webhook:     svcs.Webhook,
		logs:        svcs.Logs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: strings.TrimSpace(jwtSecret),
		dbHealth:  dbHealth,
		heartbeat: streamHeartbeat,
	}
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	r.gatherer = prometheus.DefaultGatherer
	if registry != nil {
		registerer, r.gatherer = registry, registry
	}
	r.metrics = newHTTPMetrics(registerer)
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.handle("POST /webhooks/{projectID}", r.withRateLimit(rateWebhook, rateLimitKeyIP, r.handleWebhook))

	// deployments
	r.handle("POST /projects/{projectID}/deployments", r.handlerAuthPerm(rateWrite, domain.PermDeploy, r.handleDeploy))
	r.handle("GET /projects/{projectID}/deployments", r.handlerAuthRate(rateRead, r.handleProjectDeployments))
	r.handle("POST /projects/{projectID}/deployments/schedule", r.handlerAuthPerm(rateWrite, domain.PermDeploy, r.handleSchedule))
	r.handle("GET /projects/{projectID}/deployments/stats", r.handlerAuthRate(rateRead, r.handleDeploymentStats))
	r.handle("POST /projects/{projectID}/rollback", r.handlerAuthPerm(rateWrite, domain.PermDeploy, r.handleRollback))
	r.handle("GET /projects/{projectID}/updates", r.handlerAuthRate(rateRead, r.handleUpdates))
	r.handle("GET /projects/{projectID}/prerequisites", r.handlerAuthRate(rateRead, r.handlePrerequisites))
	r.handle("GET /deployments/recent", r.handlerAuthRate(rateRead, r.handleRecentDeployments))
	r.handle("POST /deployments/batch", r.handlerAuthPerm(rateBulk, domain.PermDeploy, r.handleBatchDeploy))
	r.handle("GET /deployments/{deploymentID}", r.handlerAuthRate(rateRead, r.handleGetDeployment))
	r.handle("GET /deployments/{deploymentID}/logs", r.handlerAuthRate(rateRead, r.handleDeploymentLogs))
	r.handle("GET /deployments/{deploymentID}/stream", r.handlerAuthRate(rateStream, r.handleDeploymentStream))
	r.handle("GET /deployments/{deploymentID}/ws", r.handlerAuthRate(rateStream, r.handleDeploymentWS))
	r.handle("POST /deployments/{deploymentID}/cancel", r.handlerAuthPerm(rateWrite, domain.PermDeploy, r.handleCancel))
	r.handle("POST /deployments/{deploymentID}/mark-success", r.handlerAuthPerm(rateRecovery, domain.PermDeploy, r.handleMarkSuccess))
	r.handle("POST /deployments/{deploymentID}/mark-failed", r.handlerAuthPerm(rateRecovery, domain.PermDeploy, r.handleMarkFailed))

	// approvals check permissions per project inside the service
	r.handle("GET /approvals/pending", r.handlerAuthRate(rateRead, r.handlePendingApprovals))
	r.handle("GET /approvals/stats", r.handlerAuthRate(rateRead, r.handleApprovalStats))
	r.handle("POST /approvals/{approvalID}/approve", r.handlerAuthRate(rateWrite, r.handleApprove))
	r.handle("POST /approvals/{approvalID}/reject", r.handlerAuthRate(rateWrite, r.handleReject))

	// servers
	r.handle("POST /servers/{serverID}/test-connection", r.handlerAuthPerm(rateWrite, domain.PermManageServers, r.handleTestConnection))
	r.handle("POST /servers/{serverID}/ping", r.handlerAuthPerm(rateWrite, domain.PermManageServers, r.handleServerOp(bulk.OpPing)))
	r.handle("POST /servers/{serverID}/reboot", r.handlerAuthPerm(rateRecovery, domain.PermManageServers, r.handleServerOp(bulk.OpReboot)))
	r.handle("POST /servers/{serverID}/restart-service", r.handlerAuthPerm(rateWrite, domain.PermManageServers, r.handleServerOp(bulk.OpRestartService)))
	r.handle("GET /servers/{serverID}/docker", r.handlerAuthPerm(rateRead, domain.PermManageServers, r.handleVerifyDocker))
	r.handle("POST /servers/{serverID}/docker/install", r.handlerAuthPerm(rateRecovery, domain.PermManageServers, r.handleServerOp(bulk.OpInstallDocker)))
	r.handle("POST /bulk/{operation}", r.handlerAuthRate(rateBulk, r.handleBulk))

	// tenants
	r.handle("GET /projects/{projectID}/tenants", r.handlerAuthRate(rateRead, r.handleListTenants))
	r.handle("GET /projects/{projectID}/tenants/stats", r.handlerAuthRate(rateRead, r.handleTenantStats))
	r.handle("POST /projects/{projectID}/tenants/deploy", r.handlerAuthPerm(rateBulk, domain.PermDeploy, r.handleTenantDeploy))

	// backups
	r.handle("GET /projects/{projectID}/backups", r.handlerAuthPerm(rateRead, domain.PermManageBackups, r.handleListBackups))
	r.handle("POST /projects/{projectID}/backups/files", r.handlerAuthPerm(rateWrite, domain.PermManageBackups, r.handleFullBackup))
	r.handle("POST /projects/{projectID}/backups/database", r.handlerAuthPerm(rateWrite, domain.PermManageBackups, r.handleDatabaseBackup))
	r.handle("GET /backups/{backupID}", r.handlerAuthPerm(rateRead, domain.PermManageBackups, r.handleGetBackup))
	r.handle("GET /backups/{backupID}/chain", r.handlerAuthPerm(rateRead, domain.PermManageBackups, r.handleBackupChain))
	r.handle("POST /backups/{backupID}/incremental", r.handlerAuthPerm(rateWrite, domain.PermManageBackups, r.handleIncrementalBackup))
	r.handle("POST /backups/{backupID}/restore", r.handlerAuthPerm(rateRecovery, domain.PermManageBackups, r.handleRestore))
	r.handle("DELETE /backups/{backupID}", r.handlerAuthPerm(rateWrite, domain.PermManageBackups, r.handleDeleteBackup))

	// history
	r.handle("GET /executions", r.handlerAuthPerm(rateRead, domain.PermManageServers, r.handleExecutions))
	r.handle("GET /executions/{executionID}", r.handlerAuthPerm(rateRead, domain.PermManageServers, r.handleGetExecution))
	r.handle("GET /audit", r.handlerAuthPerm(rateRead, domain.PermManageServers, r.handleAudit))
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(h))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("projectID")
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Webhook-Signature")
	}
	d, err := r.webhook.HandlePush(req.Context(), projectID, body, signature)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(d.Status), "deployment_id": d.ID})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.metrics.observe(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// queryInt parses a positive integer query parameter, returning fallback
// when it is absent or invalid.
func queryInt(req *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
