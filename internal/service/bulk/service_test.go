package bulk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/tenant"
)

func TestPingServersIsolatesPanics(t *testing.T) {
	ops := &fakeOps{panicOn: "b"}
	svc := newTestService(func(s *Service) { s.serverOps = ops })

	results, err := svc.PingServers(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("PingServers returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if !results["a"].Success || !results["c"].Success {
		t.Fatalf("expected a and c to succeed: %+v", results)
	}
	if results["b"].Success || results["b"].TargetID != "b" {
		t.Fatalf("expected b failed, got %+v", results["b"])
	}
	summary := SummaryStats(results)
	if summary != (domain.BulkSummary{Total: 3, Successful: 2, Failed: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRunReportsMissingServers(t *testing.T) {
	svc := newTestService()

	results, err := svc.RebootServers(context.Background(), []string{"a", "ghost"})
	if err != nil {
		t.Fatalf("RebootServers: %v", err)
	}
	if results["ghost"].Success || results["ghost"].Message != "Server not found" {
		t.Fatalf("unexpected ghost result %+v", results["ghost"])
	}
	if !results["a"].Success {
		t.Fatalf("expected a rebooted")
	}
}

func TestRunRejectsUnknownOperation(t *testing.T) {
	svc := newTestService()
	_, err := svc.Run(context.Background(), OperationKind("format_disk"), []string{"a"}, Params{})
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestEveryKindHasHandler(t *testing.T) {
	for _, kind := range Kinds() {
		if _, ok := operations[kind]; !ok {
			t.Fatalf("missing handler for %s", kind)
		}
	}
}

func TestRunHonoursConcurrencyLimit(t *testing.T) {
	ops := &fakeOps{delay: 20 * time.Millisecond}
	svc := newTestService(func(s *Service) {
		s.serverOps = ops
		s.concurrency = 2
	})

	if _, err := svc.InstallDockerOnServers(context.Background(), []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatalf("InstallDockerOnServers: %v", err)
	}
	if peak := ops.maxInFlight.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent targets, saw %d", peak)
	}
	if ops.calls.Load() != 5 {
		t.Fatalf("expected 5 calls, got %d", ops.calls.Load())
	}
}

func TestRunDeduplicatesTargets(t *testing.T) {
	ops := &fakeOps{}
	svc := newTestService(func(s *Service) { s.serverOps = ops })

	results, err := svc.RestartServiceOnServers(context.Background(), []string{"a", "a", "", "b"}, "nginx")
	if err != nil {
		t.Fatalf("RestartServiceOnServers: %v", err)
	}
	if len(results) != 2 || ops.calls.Load() != 2 {
		t.Fatalf("expected two targets, got %d results and %d calls", len(results), ops.calls.Load())
	}
	if ops.lastService != "nginx" {
		t.Fatalf("expected service passed through, got %q", ops.lastService)
	}
}

func TestRunStopsPacingOnCancelledContext(t *testing.T) {
	ops := &fakeOps{}
	svc := newTestService(func(s *Service) {
		s.serverOps = ops
		s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
		s.concurrency = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := svc.PingServers(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("PingServers: %v", err)
	}
	summary := SummaryStats(results)
	if summary.Total != 2 || summary.Successful != 1 || summary.Failed != 1 {
		t.Fatalf("expected one paced-out target, got %+v", summary)
	}
}

func TestDeployProjectsRecordsPerProjectOutcome(t *testing.T) {
	deployer := &fakeDeployer{fail: map[string]error{
		"p2": domain.NewPreconditionError("A deployment is already in progress for project 'api'. Please wait for it to complete or cancel it first."),
	}}
	svc := newTestService(func(s *Service) { s.deployer = deployer })

	results, err := svc.DeployProjects(context.Background(), []string{"p1", "p2", "p3"}, "alice")
	if err != nil {
		t.Fatalf("DeployProjects: %v", err)
	}
	if !results["p1"].Success || results["p1"].Name != "shop" {
		t.Fatalf("unexpected p1 %+v", results["p1"])
	}
	if results["p2"].Success || results["p2"].Name != "api" {
		t.Fatalf("unexpected p2 %+v", results["p2"])
	}
	if results["p3"].Success || results["p3"].Message != "Project not found" {
		t.Fatalf("unexpected p3 %+v", results["p3"])
	}
	if deployer.user != "alice" {
		t.Fatalf("expected user passed through, got %q", deployer.user)
	}
}

func TestDeployTenantsDefaultsToAllTenants(t *testing.T) {
	tenants := &fakeTenants{targets: []tenant.Target{
		{Tenant: domain.Tenant{ID: "t1", Name: "Acme"}},
		{Tenant: domain.Tenant{ID: "t2", Name: "Globex"}},
	}, unhealthy: "t2"}
	svc := newTestService(func(s *Service) { s.tenants = tenants })

	results, err := svc.DeployTenants(context.Background(), "proj-1", nil, tenant.DefaultDeployOptions())
	if err != nil {
		t.Fatalf("DeployTenants: %v", err)
	}
	if len(results) != 2 || !results["t1"].Success || results["t2"].Success {
		t.Fatalf("unexpected results %+v", results)
	}
	if tenants.projectID != "proj-1" {
		t.Fatalf("expected project passed through, got %q", tenants.projectID)
	}
}

func TestDeployTenantsPropagatesResolveError(t *testing.T) {
	tenants := &fakeTenants{err: tenant.ErrNotMultiTenant}
	svc := newTestService(func(s *Service) { s.tenants = tenants })

	_, err := svc.DeployTenants(context.Background(), "proj-1", nil, tenant.DefaultDeployOptions())
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func newTestService(opts ...func(*Service)) Service {
	svc := Service{
		servers:     fakeServers{},
		projects:    fakeProjects{},
		serverOps:   &fakeOps{},
		deployer:    &fakeDeployer{},
		tenants:     &fakeTenants{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

type fakeServers struct {
	repository.ServerRepository
}

func (fakeServers) ListServersByIDs(_ context.Context, ids []string) ([]domain.Server, error) {
	var out []domain.Server
	for _, id := range ids {
		if id == "ghost" {
			continue
		}
		out = append(out, domain.Server{ID: id, Name: "server-" + id})
	}
	return out, nil
}

type fakeProjects struct {
	repository.ProjectRepository
}

func (fakeProjects) ListProjectsByIDs(_ context.Context, ids []string) ([]domain.Project, error) {
	names := map[string]string{"p1": "shop", "p2": "api"}
	var out []domain.Project
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, domain.Project{ID: id, Name: name})
		}
	}
	return out, nil
}

type fakeOps struct {
	panicOn     string
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	mu          sync.Mutex
	lastService string
}

func (f *fakeOps) do(server *domain.Server) domain.TargetResult {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if server.ID == f.panicOn {
		panic("ssh session exploded")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return domain.TargetResult{TargetID: server.ID, Name: server.Name, Success: true, Message: "ok"}
}

func (f *fakeOps) Ping(_ context.Context, s *domain.Server) domain.TargetResult   { return f.do(s) }
func (f *fakeOps) Reboot(_ context.Context, s *domain.Server) domain.TargetResult { return f.do(s) }
func (f *fakeOps) InstallDocker(_ context.Context, s *domain.Server) domain.TargetResult {
	return f.do(s)
}
func (f *fakeOps) RestartService(_ context.Context, s *domain.Server, service string) domain.TargetResult {
	f.mu.Lock()
	f.lastService = service
	f.mu.Unlock()
	return f.do(s)
}

type fakeDeployer struct {
	mu   sync.Mutex
	fail map[string]error
	user string
}

func (f *fakeDeployer) Deploy(_ context.Context, projectID, userID string, _ domain.Trigger, _ string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = userID
	if err := f.fail[projectID]; err != nil {
		return nil, err
	}
	return &domain.Deployment{ID: "dep-" + projectID, ProjectID: projectID, Status: domain.DeploymentPending}, nil
}

type fakeTenants struct {
	targets   []tenant.Target
	unhealthy string
	err       error
	projectID string
}

func (f *fakeTenants) Resolve(_ context.Context, projectID string, _ []string) ([]tenant.Target, error) {
	f.projectID = projectID
	return f.targets, f.err
}

func (f *fakeTenants) Deploy(_ context.Context, target tenant.Target, _ tenant.DeployOptions) domain.TargetResult {
	res := domain.TargetResult{TargetID: target.Tenant.ID, Name: target.Tenant.Name, Success: true}
	if target.Tenant.ID == f.unhealthy {
		res.Success = false
		res.Message = "Health check failed: Health check returned HTTP 503"
	}
	return res
}
