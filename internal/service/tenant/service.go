// Package tenant deploys multi-tenant projects tenant by tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/cache"
	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

const stepTimeout = 5 * time.Minute

// ErrNotMultiTenant rejects tenant operations on single-tenant projects.
var ErrNotMultiTenant = domain.NewPreconditionError("Project is not multi-tenant")

// Runner executes commands on servers.
type Runner interface {
	Execute(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error)
}

// DeployOptions selects the per-tenant steps.
type DeployOptions struct {
	RunMigrations bool     `json:"run_migrations"`
	ClearCache    bool     `json:"clear_cache"`
	HealthCheck   bool     `json:"health_check"`
	Services      []string `json:"restart_services,omitempty"`
}

// DefaultDeployOptions migrates, clears caches and health checks.
func DefaultDeployOptions() DeployOptions {
	return DeployOptions{RunMigrations: true, ClearCache: true, HealthCheck: true}
}

// Target is a resolved tenant deployment destination.
type Target struct {
	Project domain.Project
	Server  domain.Server
	Tenant  domain.Tenant
}

// Service runs tenant deployments.
type Service struct {
	projects     repository.ProjectRepository
	servers      repository.ServerRepository
	tenants      repository.TenantRepository
	runner       Runner
	cache        cache.Cache
	http         *http.Client
	logger       *slog.Logger
	projectsRoot string
	cacheTTL     time.Duration
	now          func() time.Time
}

// New constructs a tenant service.
func New(projects repository.ProjectRepository, servers repository.ServerRepository, tenants repository.TenantRepository, runner Runner, c cache.Cache, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	timeout := cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	root := cfg.ProjectsRoot
	if root == "" {
		root = "/var/www"
	}
	return Service{
		projects:     projects,
		servers:      servers,
		tenants:      tenants,
		runner:       runner,
		cache:        c,
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", "tenants"),
		projectsRoot: root,
		cacheTTL:     ttl,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ListTenants returns a project's tenants, served from cache when fresh.
func (s Service) ListTenants(ctx context.Context, projectID string) ([]domain.Tenant, error) {
	key := cacheKey(projectID)
	if s.cache != nil {
		var cached []domain.Tenant
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("tenant cache read failed", "project_id", projectID, "error", err)
		} else if found {
			return cached, nil
		}
	}
	tenants, err := s.tenants.ListTenantsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, tenants, s.cacheTTL); err != nil {
			s.logger.Warn("tenant cache write failed", "project_id", projectID, "error", err)
		}
	}
	return tenants, nil
}

// InvalidateTenants drops the cached tenant list of a project.
func (s Service) InvalidateTenants(ctx context.Context, projectID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, cacheKey(projectID))
}

// Stats counts a project's tenants by status. Tenants without a status
// count as active.
func (s Service) Stats(ctx context.Context, projectID string) (domain.TenantStats, error) {
	tenants, err := s.ListTenants(ctx, projectID)
	if err != nil {
		return domain.TenantStats{}, err
	}
	stats := domain.TenantStats{Total: len(tenants)}
	for _, t := range tenants {
		switch t.Status {
		case domain.TenantInactive:
			stats.Inactive++
		case domain.TenantSuspended:
			stats.Suspended++
		default:
			stats.Active++
		}
	}
	return stats, nil
}

// Resolve loads the project, its server and the selected tenants. An
// empty tenantIDs selects every tenant.
func (s Service) Resolve(ctx context.Context, projectID string, tenantIDs []string) ([]Target, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.MultiTenant {
		return nil, ErrNotMultiTenant
	}
	if project.ServerID == nil {
		return nil, domain.NewPreconditionError("Project does not have a server assigned")
	}
	server, err := s.servers.GetServerByID(ctx, *project.ServerID)
	if err != nil {
		return nil, err
	}
	tenants, err := s.ListTenants(ctx, projectID)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(tenants))
	for _, t := range tenants {
		if len(tenantIDs) > 0 && !slices.Contains(tenantIDs, t.ID) {
			continue
		}
		targets = append(targets, Target{Project: *project, Server: *server, Tenant: t})
	}
	return targets, nil
}

// Deploy runs the tenant steps on the project's server. A failing health
// probe turns an otherwise clean run into a failure.
func (s Service) Deploy(ctx context.Context, target Target, opts DeployOptions) domain.TargetResult {
	tenant := target.Tenant
	result := domain.TargetResult{TargetID: tenant.ID, Name: tenant.Name}
	start := s.now()
	if err := s.deploy(ctx, target, opts); err != nil {
		s.logger.Warn("tenant deployment failed", "project_id", target.Project.ID, "tenant_id", tenant.ID, "error", err)
		result.Message = err.Error()
		return result
	}
	if err := s.tenants.MarkTenantDeployed(ctx, tenant.ID, s.now()); err != nil {
		s.logger.Warn("failed to stamp tenant deployment", "tenant_id", tenant.ID, "error", err)
	}
	elapsed := s.now().Sub(start).Milliseconds()
	result.LatencyMS = &elapsed
	result.Success = true
	result.Message = "Successfully deployed to tenant " + tenant.Name
	return result
}

func (s Service) deploy(ctx context.Context, target Target, opts DeployOptions) error {
	id := remote.Quote(target.Tenant.ID)
	if err := s.artisan(ctx, target, "tenant:switch "+id); err != nil {
		return fmt.Errorf("Failed to set tenant context: %w", err)
	}
	if opts.RunMigrations {
		if err := s.artisan(ctx, target, "migrate --force --database="+remote.Quote("tenant_"+target.Tenant.ID)); err != nil {
			return fmt.Errorf("Tenant migrations failed: %w", err)
		}
	}
	if opts.ClearCache {
		for _, cmd := range []string{"cache:clear", "config:clear", "view:clear"} {
			if err := s.artisan(ctx, target, cmd+" --tenant="+id); err != nil {
				return fmt.Errorf("Failed to clear tenant cache: %w", err)
			}
		}
	}
	for _, svc := range opts.Services {
		if err := s.compose(ctx, target, "restart "+remote.Quote(svc)); err != nil {
			return fmt.Errorf("Failed to restart %s: %w", svc, err)
		}
	}
	if opts.HealthCheck {
		if err := s.checkHealth(ctx, target); err != nil {
			return fmt.Errorf("Health check failed: %w", err)
		}
	}
	return nil
}

func (s Service) checkHealth(ctx context.Context, target Target) error {
	if err := s.artisan(ctx, target, "tenant:db:check "+remote.Quote(target.Tenant.ID)); err != nil {
		return errors.New("Database connection failed")
	}
	url := strings.TrimSpace(target.Tenant.HealthCheckURL)
	if url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("X-Tenant-Id", target.Tenant.ID)
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s Service) artisan(ctx context.Context, target Target, args string) error {
	return s.compose(ctx, target, "exec -T app php artisan "+args)
}

func (s Service) compose(ctx context.Context, target Target, args string) error {
	dir := target.Project.DeployPath
	if dir == "" {
		dir = path.Join(s.projectsRoot, target.Project.Slug)
	}
	cmd := fmt.Sprintf("cd %s && docker compose %s", remote.Quote(dir), args)
	server := target.Server
	record, err := s.runner.Execute(ctx, &server, cmd, domain.ExecOptions{
		Timeout:  stepTimeout,
		Metadata: map[string]any{"tenant_id": target.Tenant.ID},
	})
	if err != nil {
		return err
	}
	if !record.Succeeded() {
		if stderr := strings.TrimSpace(record.Stderr); stderr != "" {
			return errors.New(stderr)
		}
		return errors.New(record.ErrorMessage)
	}
	return nil
}

func cacheKey(projectID string) string {
	return "tenants:" + projectID
}
