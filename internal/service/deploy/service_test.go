package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

func TestDeployCreatesPendingAndEnqueues(t *testing.T) {
	deps := newFakeDeploymentRepo()
	queue := &fakeQueue{}
	svc := newTestService(func(s *Service) {
		s.deployments = deps
		s.queue = queue
		s.commits = fakeCommits{commit: &domain.Commit{Hash: "abc1234def", Message: "Add checkout"}}
	})

	d, err := svc.Deploy(context.Background(), "proj-api", "user-a", domain.TriggerManual, "")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if d.Status != domain.DeploymentPending || d.CommitHash != "abc1234def" || d.CommitMessage != "Add checkout" {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if len(queue.ids) != 1 || queue.ids[0] != d.ID {
		t.Fatalf("expected deployment enqueued, got %v", queue.ids)
	}
	var snap domain.EnvironmentSnapshot
	if err := json.Unmarshal(d.EnvironmentSnapshot, &snap); err != nil {
		t.Fatalf("snapshot not JSON: %v", err)
	}
	if snap.Branch != "main" || snap.RuntimeVersion != "8.3" || snap.EnvVariables["APP_ENV"] != "production" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDeployRejectsSecondActiveDeployment(t *testing.T) {
	deps := newFakeDeploymentRepo()
	svc := newTestService(func(s *Service) { s.deployments = deps })

	if _, err := svc.Deploy(context.Background(), "proj-api", "user-a", domain.TriggerManual, "abc"); err != nil {
		t.Fatalf("first Deploy returned error: %v", err)
	}
	_, err := svc.Deploy(context.Background(), "proj-api", "user-b", domain.TriggerManual, "abc")
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if !strings.Contains(err.Error(), "project 'api'") {
		t.Fatalf("expected message to reference project name, got %q", err.Error())
	}
}

func TestConcurrentDeploysOnlyOneWins(t *testing.T) {
	deps := newFakeDeploymentRepo()
	svc := newTestService(func(s *Service) { s.deployments = deps })

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deploy(context.Background(), "proj-api", "user-a", domain.TriggerManual, "abc"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one deployment to be created, got %d", wins)
	}
}

func TestDeployFallsBackToPendingCommit(t *testing.T) {
	svc := newTestService(func(s *Service) {
		s.commits = fakeCommits{err: errors.New("remote unreachable")}
	})
	d, err := svc.Deploy(context.Background(), "proj-api", "user-a", "", "")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if d.CommitHash != "pending" || d.TriggeredBy != domain.TriggerManual {
		t.Fatalf("unexpected deployment %+v", d)
	}
}

func TestDeployRequestsApprovalWhenRequired(t *testing.T) {
	queue := &fakeQueue{}
	gate := &fakeGate{required: true}
	svc := newTestService(func(s *Service) {
		s.queue = queue
		s.gate = gate
	})
	d, err := svc.Deploy(context.Background(), "proj-api", "user-a", domain.TriggerManual, "abc")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if d.Status != domain.DeploymentPendingApproval || gate.requested != 1 {
		t.Fatalf("expected approval request, got status %s requests %d", d.Status, gate.requested)
	}
	if len(queue.ids) != 0 {
		t.Fatalf("expected nothing enqueued, got %v", queue.ids)
	}
}

func TestDeployMarksFailedWhenQueueUnavailable(t *testing.T) {
	deps := newFakeDeploymentRepo()
	svc := newTestService(func(s *Service) {
		s.deployments = deps
		s.queue = &fakeQueue{err: errors.New("redis down")}
	})
	if _, err := svc.Deploy(context.Background(), "proj-api", "user-a", domain.TriggerManual, "abc"); err == nil {
		t.Fatalf("expected enqueue error")
	}
	for _, d := range deps.items {
		if d.Status != domain.DeploymentFailed || !strings.Contains(d.ErrorLog, "redis down") {
			t.Fatalf("expected failed deployment, got %+v", d)
		}
	}
	if ok, _ := svc.HasActiveDeployment(context.Background(), "proj-api"); ok {
		t.Fatalf("expected no active deployment after failure")
	}
}

func TestRollbackValidation(t *testing.T) {
	deps := newFakeDeploymentRepo()
	deps.put(domain.Deployment{ID: "other", ProjectID: "proj-web", Status: domain.DeploymentSuccess, CommitHash: "x"})
	deps.put(domain.Deployment{ID: "failed", ProjectID: "proj-api", Status: domain.DeploymentFailed, CommitHash: "x"})
	deps.put(domain.Deployment{ID: "nohash", ProjectID: "proj-api", Status: domain.DeploymentSuccess})
	svc := newTestService(func(s *Service) { s.deployments = deps })

	cases := map[string]string{
		"other":  "Target deployment does not belong to this project",
		"failed": "Can only rollback to successful deployments",
		"nohash": "Target deployment does not have a commit hash",
	}
	for target, want := range cases {
		_, err := svc.Rollback(context.Background(), "proj-api", target, "user-a")
		if err == nil || err.Error() != want {
			t.Fatalf("rollback to %s: expected %q, got %v", target, want, err)
		}
	}
}

func TestRollbackCreatesDerivedDeployment(t *testing.T) {
	deps := newFakeDeploymentRepo()
	deps.put(domain.Deployment{
		ID:                  "good",
		ProjectID:           "proj-api",
		Branch:              "release",
		Status:              domain.DeploymentSuccess,
		CommitHash:          "f00dbabe",
		EnvironmentSnapshot: json.RawMessage(`{"branch":"release"}`),
	})
	queue := &fakeQueue{}
	svc := newTestService(func(s *Service) {
		s.deployments = deps
		s.queue = queue
	})

	d, err := svc.Rollback(context.Background(), "proj-api", "good", "user-a")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if d.TriggeredBy != domain.TriggerRollback || d.CommitHash != "f00dbabe" || d.Branch != "release" {
		t.Fatalf("unexpected rollback deployment %+v", d)
	}
	if d.CommitMessage != "Rollback to: f00dbabe" {
		t.Fatalf("unexpected commit message %q", d.CommitMessage)
	}
	if d.RollbackDeploymentID == nil || *d.RollbackDeploymentID != "good" {
		t.Fatalf("expected rollback reference")
	}
	if string(d.EnvironmentSnapshot) != `{"branch":"release"}` {
		t.Fatalf("expected target snapshot, got %s", d.EnvironmentSnapshot)
	}

	if _, err := svc.Rollback(context.Background(), "proj-api", "good", "user-a"); err == nil || err.Error() != "Cannot rollback while another deployment is in progress" {
		t.Fatalf("expected in-progress error, got %v", err)
	}
}

func TestQueueDeploymentDelaysUntilScheduledTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	queue := &fakeQueue{}
	svc := newTestService(func(s *Service) {
		s.queue = queue
		s.now = func() time.Time { return now }
	})

	at := now.Add(90 * time.Minute)
	d, err := svc.QueueDeployment(context.Background(), "proj-api", "user-a", &at)
	if err != nil {
		t.Fatalf("QueueDeployment returned error: %v", err)
	}
	if d.Status != domain.DeploymentScheduled || d.TriggeredBy != domain.TriggerScheduled {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if queue.delays[0] != 90*time.Minute {
		t.Fatalf("expected 90m delay, got %s", queue.delays[0])
	}
	if !strings.Contains(string(d.Metadata), "2026-03-01T11:30:00Z") {
		t.Fatalf("expected scheduled_at metadata, got %s", d.Metadata)
	}

	past := now.Add(-time.Hour)
	if _, err := svc.QueueDeployment(context.Background(), "proj-api", "user-a", &past); err != nil {
		t.Fatalf("QueueDeployment returned error: %v", err)
	}
	if queue.delays[1] != 0 {
		t.Fatalf("expected zero delay for past schedule, got %s", queue.delays[1])
	}
}

func TestCancelDeployment(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	deps := newFakeDeploymentRepo()
	deps.put(domain.Deployment{ID: "run", ProjectID: "proj-api", Status: domain.DeploymentRunning, StartedAt: &started})
	deps.put(domain.Deployment{ID: "done", ProjectID: "proj-web", Status: domain.DeploymentSuccess})
	svc := newTestService(func(s *Service) {
		s.deployments = deps
		s.now = func() time.Time { return started.Add(42 * time.Second) }
	})

	ok, err := svc.CancelDeployment(context.Background(), "run", "user-a")
	if err != nil || !ok {
		t.Fatalf("expected cancellation, got %v %v", ok, err)
	}
	d := deps.items["run"]
	if d.Status != domain.DeploymentCancelled || d.ErrorLog != "Deployment cancelled by user" {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if d.DurationSeconds == nil || *d.DurationSeconds != 42 || d.CompletedAt == nil {
		t.Fatalf("expected completion stamps, got %+v", d)
	}

	ok, err = svc.CancelDeployment(context.Background(), "done", "user-a")
	if err != nil || ok {
		t.Fatalf("expected terminal deployment to stay untouched, got %v %v", ok, err)
	}
	if deps.items["done"].Status != domain.DeploymentSuccess {
		t.Fatalf("terminal deployment changed")
	}
}

func TestBatchDeployIsolatesFailures(t *testing.T) {
	deps := newFakeDeploymentRepo()
	deps.put(domain.Deployment{ID: "busy", ProjectID: "proj-web", Status: domain.DeploymentRunning})
	svc := newTestService(func(s *Service) { s.deployments = deps })

	res, err := svc.BatchDeploy(context.Background(), []string{"proj-noserver", "proj-api", "proj-web", "proj-missing"}, "user-a")
	if err != nil {
		t.Fatalf("BatchDeploy returned error: %v", err)
	}
	if res.Successful != 1 || res.Failed != 3 || len(res.Deployments) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Deployments[0].ProjectID != "proj-api" {
		t.Fatalf("expected deployment for proj-api, got %s", res.Deployments[0].ProjectID)
	}
	if res.Errors["proj-noserver"] != "Project does not have a server assigned" {
		t.Fatalf("unexpected reason %q", res.Errors["proj-noserver"])
	}
}

func TestMarkAsOverrides(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	duration := 60
	deps := newFakeDeploymentRepo()
	deps.put(domain.Deployment{ID: "a", ProjectID: "proj-api", Status: domain.DeploymentRunning, StartedAt: &started})
	deps.put(domain.Deployment{ID: "b", ProjectID: "proj-web", Status: domain.DeploymentFailed, StartedAt: &started, CompletedAt: &completed, DurationSeconds: &duration, ErrorLog: "exit 1"})
	svc := newTestService(func(s *Service) {
		s.deployments = deps
		s.now = func() time.Time { return started.Add(10 * time.Minute) }
	})

	if err := svc.MarkAsFailed(context.Background(), "a", "user-a", ""); err != nil {
		t.Fatalf("MarkAsFailed returned error: %v", err)
	}
	if got := deps.items["a"]; got.ErrorLog != "Manually marked as failed" || *got.DurationSeconds != 600 {
		t.Fatalf("unexpected deployment %+v", got)
	}
	if err := svc.MarkAsSuccess(context.Background(), "b", "user-a"); err != nil {
		t.Fatalf("MarkAsSuccess returned error: %v", err)
	}
	got := deps.items["b"]
	if got.Status != domain.DeploymentSuccess || !got.CompletedAt.Equal(completed) || *got.DurationSeconds != 60 {
		t.Fatalf("expected existing completion data kept, got %+v", got)
	}
}

func TestValidateDeploymentPrerequisitesReportsAll(t *testing.T) {
	svc := newTestService(func(s *Service) {
		s.projects = fakeProjects{"proj-bare": {ID: "proj-bare", Name: "bare"}}
	})
	problems, err := svc.ValidateDeploymentPrerequisites(context.Background(), "proj-bare")
	if err != nil {
		t.Fatalf("ValidateDeploymentPrerequisites returned error: %v", err)
	}
	if len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", problems)
	}

	offline := "srv-off"
	svc = newTestService(func(s *Service) {
		s.projects = fakeProjects{"p": {ID: "p", ServerID: &offline, RepositoryURL: "git@x:y.git", Branch: "main"}}
	})
	problems, _ = svc.ValidateDeploymentPrerequisites(context.Background(), "p")
	if len(problems) != 1 || problems[0] != "Server is not online" {
		t.Fatalf("expected offline server problem, got %v", problems)
	}
}

func TestStatsAndLogs(t *testing.T) {
	deps := newFakeDeploymentRepo()
	deps.stats = domain.DeploymentStats{Total: 3, Successful: 2, Failed: 1, AvgDuration: 41.666}
	deps.put(domain.Deployment{ID: "f", ProjectID: "proj-api", Status: domain.DeploymentFailed, OutputLog: "step 1", ErrorLog: "exit 2"})
	svc := newTestService(func(s *Service) { s.deployments = deps })

	stats, err := svc.GetDeploymentStats(context.Background(), "proj-api", 0)
	if err != nil {
		t.Fatalf("GetDeploymentStats returned error: %v", err)
	}
	if stats.SuccessRate != 66.67 || stats.AvgDuration != 41.67 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	logs, err := svc.GetDeploymentLogs(context.Background(), "f")
	if err != nil {
		t.Fatalf("GetDeploymentLogs returned error: %v", err)
	}
	if logs.Logs != "step 1\n\n=== ERRORS ===\nexit 2" {
		t.Fatalf("unexpected logs %q", logs.Logs)
	}
}

func newTestService(opts ...func(*Service)) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(defaultProjects(), fakeServers{}, newFakeDeploymentRepo(), fakeCommits{}, &fakeGate{}, &fakeQueue{}, noopAudit{}, nil, logger)
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

func defaultProjects() fakeProjects {
	online := "srv-on"
	return fakeProjects{
		"proj-api":      {ID: "proj-api", Name: "api", ServerID: &online, RepositoryURL: "git@example.com:api.git", Branch: "main", RuntimeVersion: "8.3", EnvVariables: map[string]string{"APP_ENV": "production"}},
		"proj-web":      {ID: "proj-web", Name: "web", ServerID: &online, RepositoryURL: "git@example.com:web.git", Branch: "main"},
		"proj-noserver": {ID: "proj-noserver", Name: "orphan"},
	}
}

type fakeProjects map[string]domain.Project

func (f fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	p, ok := f[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (f fakeProjects) ListProjectsByIDs(_ context.Context, ids []string) ([]domain.Project, error) {
	var out []domain.Project
	for _, id := range ids {
		if p, ok := f[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakeProjects) UpdateProjectCommit(context.Context, string, string) error { return nil }

type fakeServers struct{}

func (fakeServers) GetServerByID(_ context.Context, id string) (*domain.Server, error) {
	status := domain.ServerOnline
	if id == "srv-off" {
		status = domain.ServerOffline
	}
	return &domain.Server{ID: id, Status: status}, nil
}

func (fakeServers) ListServersByIDs(context.Context, []string) ([]domain.Server, error) {
	return nil, nil
}

func (fakeServers) UpdateServerStatus(context.Context, string, domain.ServerStatus, *time.Time) error {
	return nil
}

func (fakeServers) UpdateServerDocker(context.Context, string, bool, string) error { return nil }

type fakeCommits struct {
	commit *domain.Commit
	status *domain.UpdateStatus
	err    error
}

func (f fakeCommits) CurrentCommit(context.Context, domain.Project) (*domain.Commit, error) {
	return f.commit, f.err
}

func (f fakeCommits) CheckForUpdates(context.Context, domain.Project) (*domain.UpdateStatus, error) {
	return f.status, f.err
}

type fakeGate struct {
	required  bool
	requested int
}

func (f *fakeGate) RequiresApproval(context.Context, *domain.Deployment) (bool, error) {
	return f.required, nil
}

func (f *fakeGate) RequestApproval(_ context.Context, d *domain.Deployment, requester string) (*domain.DeploymentApproval, error) {
	f.requested++
	return &domain.DeploymentApproval{DeploymentID: d.ID, RequestedBy: requester, Status: domain.ApprovalPending}, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	ids    []string
	delays []time.Duration
	err    error
}

func (f *fakeQueue) Enqueue(_ context.Context, id string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	f.delays = append(f.delays, delay)
	return nil
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, *string, string, string, string, map[string]any) {}

// fakeDeploymentRepo enforces the active deployment rule under a mutex.
type fakeDeploymentRepo struct {
	mu    sync.Mutex
	items map[string]*domain.Deployment
	stats domain.DeploymentStats
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{items: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) put(d domain.Deployment) {
	f.items[d.ID] = &d
}

func (f *fakeDeploymentRepo) activeFor(projectID, exclude string) bool {
	for _, d := range f.items {
		if d.ProjectID == projectID && d.ID != exclude && d.Status.IsActive() {
			return true
		}
	}
	return false
}

func (f *fakeDeploymentRepo) CreateActiveDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeFor(d.ProjectID, "") {
		return repository.ErrActiveDeployment
	}
	cp := *d
	f.items[d.ID] = &cp
	return nil
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.items[d.ID] = &cp
	return nil
}

func (f *fakeDeploymentRepo) ActivateDeployment(_ context.Context, id string, from []domain.DeploymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		allowed = allowed || d.Status == s
	}
	if !allowed {
		return repository.ErrConflict
	}
	if f.activeFor(d.ProjectID, id) {
		return repository.ErrActiveDeployment
	}
	d.Status = domain.DeploymentPending
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeployment(_ context.Context, u domain.DeploymentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if len(u.ExpectStatus) > 0 {
		match := false
		for _, s := range u.ExpectStatus {
			match = match || d.Status == s
		}
		if !match {
			return repository.ErrConflict
		}
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.CommitHash != nil {
		d.CommitHash = *u.CommitHash
	}
	if u.CommitMessage != nil {
		d.CommitMessage = *u.CommitMessage
	}
	if u.OutputLog != nil {
		d.OutputLog = *u.OutputLog
	}
	if u.ErrorLog != nil {
		d.ErrorLog = *u.ErrorLog
	}
	if u.StartedAt != nil {
		d.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		d.CompletedAt = u.CompletedAt
	}
	if u.DurationSeconds != nil {
		d.DurationSeconds = u.DurationSeconds
	}
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeploymentRepo) GetActiveDeployment(_ context.Context, projectID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.items {
		if d.ProjectID == projectID && d.Status.IsActive() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListActiveProjectIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if f.activeFor(id, "") {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.items {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListRecentDeployments(context.Context, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(context.Context, domain.DeploymentStatus, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) DeploymentStats(context.Context, string, time.Time) (domain.DeploymentStats, error) {
	return f.stats, nil
}
