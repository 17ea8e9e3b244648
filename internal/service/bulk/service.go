// Package bulk fans one operation out across many servers, projects or
// tenants and collects a result per target.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/tenant"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

// OperationKind names a fan-out operation.
type OperationKind string

const (
	OpPing           OperationKind = "ping"
	OpReboot         OperationKind = "reboot"
	OpRestartService OperationKind = "restart_service"
	OpInstallDocker  OperationKind = "install_docker"
	OpDeploy         OperationKind = "deploy"
	OpTenantDeploy   OperationKind = "tenant_deploy"
)

// ErrUnknownOperation is returned for kinds without a handler.
var ErrUnknownOperation = errors.New("bulk: unknown operation")

// ServerOps performs single-server actions.
type ServerOps interface {
	Ping(ctx context.Context, server *domain.Server) domain.TargetResult
	Reboot(ctx context.Context, server *domain.Server) domain.TargetResult
	RestartService(ctx context.Context, server *domain.Server, service string) domain.TargetResult
	InstallDocker(ctx context.Context, server *domain.Server) domain.TargetResult
}

// Deployer starts project deployments.
type Deployer interface {
	Deploy(ctx context.Context, projectID, userID string, trigger domain.Trigger, commitHash string) (*domain.Deployment, error)
}

// TenantDeployer deploys individual tenants.
type TenantDeployer interface {
	Resolve(ctx context.Context, projectID string, tenantIDs []string) ([]tenant.Target, error)
	Deploy(ctx context.Context, target tenant.Target, opts tenant.DeployOptions) domain.TargetResult
}

// Params carries operation specific arguments.
type Params struct {
	UserID    string
	Service   string
	ProjectID string
	Tenant    tenant.DeployOptions
}

// targetFunc runs the operation against one target id.
type targetFunc func(ctx context.Context, id string) domain.TargetResult

// preparer loads what an operation needs and returns the ids to visit.
type preparer func(s Service, ctx context.Context, ids []string, p Params) ([]string, targetFunc, error)

var operations = map[OperationKind]preparer{
	OpPing:           prepareServers(func(ops ServerOps, ctx context.Context, srv *domain.Server, _ Params) domain.TargetResult { return ops.Ping(ctx, srv) }),
	OpReboot:         prepareServers(func(ops ServerOps, ctx context.Context, srv *domain.Server, _ Params) domain.TargetResult { return ops.Reboot(ctx, srv) }),
	OpInstallDocker:  prepareServers(func(ops ServerOps, ctx context.Context, srv *domain.Server, _ Params) domain.TargetResult { return ops.InstallDocker(ctx, srv) }),
	OpRestartService: prepareServers(func(ops ServerOps, ctx context.Context, srv *domain.Server, p Params) domain.TargetResult { return ops.RestartService(ctx, srv, p.Service) }),
	OpDeploy:         prepareDeploy,
	OpTenantDeploy:   prepareTenantDeploy,
}

// Service coordinates fan-out operations.
type Service struct {
	servers     repository.ServerRepository
	projects    repository.ProjectRepository
	serverOps   ServerOps
	deployer    Deployer
	tenants     TenantDeployer
	metrics     *metrics.Collector
	logger      *slog.Logger
	concurrency int
	limiter     *rate.Limiter
}

// New constructs a bulk coordinator. A zero BulkRatePerSecond disables pacing.
func New(servers repository.ServerRepository, projects repository.ProjectRepository, serverOps ServerOps, deployer Deployer, tenants TenantDeployer, collector *metrics.Collector, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	concurrency := cfg.BulkConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.BulkRatePerSecond > 0 {
		burst := int(cfg.BulkRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BulkRatePerSecond), burst)
	}
	return Service{
		servers:     servers,
		projects:    projects,
		serverOps:   serverOps,
		deployer:    deployer,
		tenants:     tenants,
		metrics:     collector,
		logger:      logger.With("component", "bulk"),
		concurrency: concurrency,
		limiter:     limiter,
	}
}

// Run executes kind against every target. Per-target failures, panics
// included, are recorded in the result map and never abort the batch.
// The returned error covers only an unknown kind or a failed lookup.
func (s Service) Run(ctx context.Context, kind OperationKind, ids []string, p Params) (map[string]domain.TargetResult, error) {
	prepare, ok := operations[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, kind)
	}
	targets, run, err := prepare(s, ctx, dedupe(ids), p)
	if err != nil {
		return nil, err
	}

	results := make(map[string]domain.TargetResult, len(targets))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range targets {
		g.Go(func() error {
			res := s.runOne(gctx, kind, id, run)
			s.metrics.BulkTarget(string(kind), res.Success)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary := domain.Summarize(results)
	s.logger.Info("bulk operation finished", "operation", kind, "total", summary.Total, "successful", summary.Successful, "failed", summary.Failed)
	return results, nil
}

func (s Service) runOne(ctx context.Context, kind OperationKind, id string, run targetFunc) (res domain.TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bulk target panicked", "operation", kind, "target_id", id, "panic", r)
			res = domain.TargetResult{TargetID: id, Message: fmt.Sprintf("Operation failed: %v", r)}
		}
	}()
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return domain.TargetResult{TargetID: id, Message: "Operation cancelled: " + err.Error()}
		}
	}
	res = run(ctx, id)
	if res.TargetID == "" {
		res.TargetID = id
	}
	return res
}

func prepareServers(op func(ServerOps, context.Context, *domain.Server, Params) domain.TargetResult) preparer {
	return func(s Service, ctx context.Context, ids []string, p Params) ([]string, targetFunc, error) {
		servers, err := s.servers.ListServersByIDs(ctx, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("load servers: %w", err)
		}
		byID := make(map[string]domain.Server, len(servers))
		for _, srv := range servers {
			byID[srv.ID] = srv
		}
		return ids, func(ctx context.Context, id string) domain.TargetResult {
			srv, ok := byID[id]
			if !ok {
				return domain.TargetResult{TargetID: id, Message: "Server not found"}
			}
			return op(s.serverOps, ctx, &srv, p)
		}, nil
	}
}

func prepareDeploy(s Service, ctx context.Context, ids []string, p Params) ([]string, targetFunc, error) {
	projects, err := s.projects.ListProjectsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	names := make(map[string]string, len(projects))
	for _, project := range projects {
		names[project.ID] = project.Name
	}
	return ids, func(ctx context.Context, id string) domain.TargetResult {
		name, ok := names[id]
		if !ok {
			return domain.TargetResult{TargetID: id, Message: "Project not found"}
		}
		res := domain.TargetResult{TargetID: id, Name: name}
		deployment, err := s.deployer.Deploy(ctx, id, p.UserID, domain.TriggerManual, "")
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Success = true
		res.Message = "Deployment started: " + deployment.ID
		if deployment.Status == domain.DeploymentPendingApproval {
			res.Message = "Deployment awaiting approval: " + deployment.ID
		}
		return res
	}, nil
}

func prepareTenantDeploy(s Service, ctx context.Context, ids []string, p Params) ([]string, targetFunc, error) {
	targets, err := s.tenants.Resolve(ctx, p.ProjectID, ids)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]tenant.Target, len(targets))
	for _, t := range targets {
		byID[t.Tenant.ID] = t
	}
	visit := ids
	if len(visit) == 0 {
		visit = make([]string, 0, len(targets))
		for _, t := range targets {
			visit = append(visit, t.Tenant.ID)
		}
	}
	return visit, func(ctx context.Context, id string) domain.TargetResult {
		target, ok := byID[id]
		if !ok {
			return domain.TargetResult{TargetID: id, Message: "Tenant not found"}
		}
		return s.tenants.Deploy(ctx, target, p.Tenant)
	}, nil
}

// PingServers tests connectivity of every server and records its status.
func (s Service) PingServers(ctx context.Context, serverIDs []string) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpPing, serverIDs, Params{})
}

// RebootServers reboots every server.
func (s Service) RebootServers(ctx context.Context, serverIDs []string) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpReboot, serverIDs, Params{})
}

// RestartServiceOnServers restarts service on every server.
func (s Service) RestartServiceOnServers(ctx context.Context, serverIDs []string, service string) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpRestartService, serverIDs, Params{Service: service})
}

// InstallDockerOnServers installs Docker where missing.
func (s Service) InstallDockerOnServers(ctx context.Context, serverIDs []string) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpInstallDocker, serverIDs, Params{})
}

// DeployProjects starts a deployment of every project.
func (s Service) DeployProjects(ctx context.Context, projectIDs []string, userID string) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpDeploy, projectIDs, Params{UserID: userID})
}

// DeployTenants deploys the selected tenants of a multi-tenant project, or
// all of them when tenantIDs is empty.
func (s Service) DeployTenants(ctx context.Context, projectID string, tenantIDs []string, opts tenant.DeployOptions) (map[string]domain.TargetResult, error) {
	return s.Run(ctx, OpTenantDeploy, tenantIDs, Params{ProjectID: projectID, Tenant: opts})
}

// SummaryStats aggregates results.
func SummaryStats(results map[string]domain.TargetResult) domain.BulkSummary {
	return domain.Summarize(results)
}

// Kinds lists the supported operations.
func Kinds() []OperationKind {
	return []OperationKind{OpPing, OpReboot, OpRestartService, OpInstallDocker, OpDeploy, OpTenantDeploy}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
