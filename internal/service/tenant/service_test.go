package tenant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/cache"
	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

func TestListTenantsIsCached(t *testing.T) {
	repo := &fakeTenants{tenants: []domain.Tenant{{ID: "t1", ProjectID: "proj-1", Name: "Acme"}}}
	svc := newTestService(func(s *Service) { s.tenants = repo })

	for i := 0; i < 3; i++ {
		tenants, err := svc.ListTenants(context.Background(), "proj-1")
		if err != nil {
			t.Fatalf("ListTenants: %v", err)
		}
		if len(tenants) != 1 || tenants[0].Name != "Acme" {
			t.Fatalf("unexpected tenants %+v", tenants)
		}
	}
	if repo.lists != 1 {
		t.Fatalf("expected one repository read, got %d", repo.lists)
	}

	if err := svc.InvalidateTenants(context.Background(), "proj-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := svc.ListTenants(context.Background(), "proj-1"); err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if repo.lists != 2 {
		t.Fatalf("expected reload after invalidation, got %d reads", repo.lists)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	repo := &fakeTenants{tenants: []domain.Tenant{
		{ID: "t1", Status: domain.TenantActive},
		{ID: "t2", Status: domain.TenantInactive},
		{ID: "t3", Status: domain.TenantSuspended},
		{ID: "t4"},
	}}
	svc := newTestService(func(s *Service) { s.tenants = repo })

	stats, err := svc.Stats(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := domain.TenantStats{Total: 4, Active: 2, Inactive: 1, Suspended: 1}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestResolveRejectsSingleTenantProjects(t *testing.T) {
	svc := newTestService(func(s *Service) {
		s.projects = fakeProjects{project: domain.Project{ID: "proj-1"}}
	})
	_, err := svc.Resolve(context.Background(), "proj-1", nil)
	if !errors.Is(err, domain.ErrPrecondition) || err.Error() != "Project is not multi-tenant" {
		t.Fatalf("expected precondition, got %v", err)
	}
}

func TestResolveFiltersTenants(t *testing.T) {
	repo := &fakeTenants{tenants: []domain.Tenant{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}}
	svc := newTestService(func(s *Service) { s.tenants = repo })

	targets, err := svc.Resolve(context.Background(), "proj-1", []string{"t1", "t3"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 2 || targets[0].Tenant.ID != "t1" || targets[1].Tenant.ID != "t3" {
		t.Fatalf("unexpected targets %+v", targets)
	}
	if targets[0].Server.ID != "srv-1" {
		t.Fatalf("expected server resolved, got %+v", targets[0].Server)
	}
}

func TestDeployRunsStepsAndStampsTenant(t *testing.T) {
	var gotHeader string
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Tenant-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	repo := &fakeTenants{}
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.tenants = repo
		s.runner = runner
	})
	target := testTarget()
	target.Tenant.HealthCheckURL = health.URL

	res := svc.Deploy(context.Background(), target, DeployOptions{RunMigrations: true, ClearCache: true, HealthCheck: true, Services: []string{"queue-acme"}})

	if !res.Success || res.Message != "Successfully deployed to tenant Acme" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotHeader != "t1" {
		t.Fatalf("expected tenant header, got %q", gotHeader)
	}
	if repo.deployed != "t1" {
		t.Fatalf("expected tenant stamped, got %q", repo.deployed)
	}
	wantFragments := []string{
		"cd '/var/www/saas' && docker compose exec -T app php artisan tenant:switch 't1'",
		"migrate --force --database='tenant_t1'",
		"cache:clear --tenant='t1'",
		"config:clear --tenant='t1'",
		"view:clear --tenant='t1'",
		"docker compose restart 'queue-acme'",
		"tenant:db:check 't1'",
	}
	if len(runner.commands) != len(wantFragments) {
		t.Fatalf("expected %d commands, got %v", len(wantFragments), runner.commands)
	}
	for i, fragment := range wantFragments {
		if !strings.Contains(runner.commands[i], fragment) {
			t.Fatalf("command %d: expected %q in %q", i, fragment, runner.commands[i])
		}
	}
}

func TestDeployHealthProbeDowngradesSuccess(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer health.Close()

	repo := &fakeTenants{}
	svc := newTestService(func(s *Service) { s.tenants = repo })
	target := testTarget()
	target.Tenant.HealthCheckURL = health.URL

	res := svc.Deploy(context.Background(), target, DefaultDeployOptions())

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Message != "Health check failed: Health check returned HTTP 503" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if repo.deployed != "" {
		t.Fatalf("failed tenant must not be stamped")
	}
}

func TestDeployStopsAtFailingStep(t *testing.T) {
	runner := &fakeRunner{fail: "migrate"}
	svc := newTestService(func(s *Service) { s.runner = runner })

	res := svc.Deploy(context.Background(), testTarget(), DefaultDeployOptions())

	if res.Success || res.Message != "Tenant migrations failed: SQLSTATE[42S01]" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected to stop after migrations, got %v", runner.commands)
	}
}

func newTestService(opts ...func(*Service)) Service {
	serverID := "srv-1"
	svc := Service{
		projects:     fakeProjects{project: domain.Project{ID: "proj-1", Slug: "saas", ServerID: &serverID, MultiTenant: true}},
		servers:      fakeServers{},
		tenants:      &fakeTenants{},
		runner:       &fakeRunner{},
		cache:        cache.NewMemory(),
		http:         &http.Client{Timeout: time.Second},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		projectsRoot: "/var/www",
		cacheTTL:     time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

func testTarget() Target {
	return Target{
		Project: domain.Project{ID: "proj-1", Slug: "saas", MultiTenant: true},
		Server:  domain.Server{ID: "srv-1", Address: "10.0.0.5"},
		Tenant:  domain.Tenant{ID: "t1", Name: "Acme"},
	}
}

type fakeProjects struct {
	repository.ProjectRepository
	project domain.Project
}

func (f fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	if id != f.project.ID {
		return nil, repository.ErrNotFound
	}
	p := f.project
	return &p, nil
}

type fakeServers struct {
	repository.ServerRepository
}

func (fakeServers) GetServerByID(_ context.Context, id string) (*domain.Server, error) {
	return &domain.Server{ID: id, Address: "10.0.0.5"}, nil
}

type fakeTenants struct {
	mu       sync.Mutex
	tenants  []domain.Tenant
	lists    int
	deployed string
}

func (f *fakeTenants) ListTenantsByProject(context.Context, string) ([]domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return append([]domain.Tenant(nil), f.tenants...), nil
}

func (f *fakeTenants) MarkTenantDeployed(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = id
	return nil
}

type fakeRunner struct {
	mu       sync.Mutex
	fail     string
	commands []string
}

func (f *fakeRunner) Execute(_ context.Context, _ *domain.Server, command string, _ domain.ExecOptions) (*domain.CommandExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.fail != "" && strings.Contains(command, f.fail) {
		return &domain.CommandExecution{Status: domain.ExecutionFailed, FailureKind: domain.FailureExit, Stderr: "SQLSTATE[42S01]\n"}, nil
	}
	return &domain.CommandExecution{Status: domain.ExecutionSuccess}, nil
}
