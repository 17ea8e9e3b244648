//go:build integration

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MohamedRoshdi/devflow-sub019/internal/app/migrate"
	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/repository/postgres/
func newIntegrationRepo(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, "../../../db/migrations", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	defer runner.Close()
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(pool, nil), pool
}

func createProject(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO projects (id, name, slug) VALUES ($1, $2, $3)`, id, "Shop", "shop-"+id[:8])
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM projects WHERE id = $1`, id)
	})
	return id
}

func newDeployment(projectID string, status domain.DeploymentStatus) *domain.Deployment {
	return &domain.Deployment{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Branch:      "main",
		Status:      status,
		TriggeredBy: domain.TriggerManual,
	}
}

func TestCreateActiveDeploymentAdmitsOnePerProject(t *testing.T) {
	repo, pool := newIntegrationRepo(t)
	projectID := createProject(t, pool)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
		other   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CreateActiveDeployment(context.Background(), newDeployment(projectID, domain.DeploymentPending))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, repository.ErrActiveDeployment):
				refused++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	if created != 1 || refused != callers-1 || len(other) != 0 {
		t.Fatalf("expected 1 created and %d refused, got %d/%d errors=%v", callers-1, created, refused, other)
	}

	var active int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM deployments WHERE project_id = $1 AND status IN ('pending', 'running')`, projectID).Scan(&active); err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected one active row, got %d", active)
	}
}

func TestActivateDeploymentRespectsActiveDeployment(t *testing.T) {
	repo, pool := newIntegrationRepo(t)
	ctx := context.Background()
	projectID := createProject(t, pool)

	scheduled := newDeployment(projectID, domain.DeploymentScheduled)
	if err := repo.CreateDeployment(ctx, scheduled); err != nil {
		t.Fatalf("create scheduled: %v", err)
	}
	running := newDeployment(projectID, domain.DeploymentRunning)
	if err := repo.CreateActiveDeployment(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}

	from := []domain.DeploymentStatus{domain.DeploymentScheduled}
	if err := repo.ActivateDeployment(ctx, scheduled.ID, from); !errors.Is(err, repository.ErrActiveDeployment) {
		t.Fatalf("expected ErrActiveDeployment, got %v", err)
	}

	failed := domain.DeploymentFailed
	now := time.Now().UTC()
	if err := repo.UpdateDeployment(ctx, domain.DeploymentUpdate{ID: running.ID, Status: &failed, CompletedAt: &now}); err != nil {
		t.Fatalf("finish running: %v", err)
	}
	if err := repo.ActivateDeployment(ctx, scheduled.ID, from); err != nil {
		t.Fatalf("activate after finish: %v", err)
	}
	got, err := repo.GetDeploymentByID(ctx, scheduled.ID)
	if err != nil || got.Status != domain.DeploymentPending {
		t.Fatalf("expected pending, got %+v err=%v", got, err)
	}
}

func TestResolveApprovalKeepsApprovalPendingWhileProjectBusy(t *testing.T) {
	repo, pool := newIntegrationRepo(t)
	ctx := context.Background()
	projectID := createProject(t, pool)

	gated := newDeployment(projectID, domain.DeploymentPendingApproval)
	if err := repo.CreateDeployment(ctx, gated); err != nil {
		t.Fatalf("create gated: %v", err)
	}
	approvalID := uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO deployment_approvals (id, deployment_id) VALUES ($1, $2)`, approvalID, gated.ID); err != nil {
		t.Fatalf("insert approval: %v", err)
	}
	if err := repo.CreateActiveDeployment(ctx, newDeployment(projectID, domain.DeploymentRunning)); err != nil {
		t.Fatalf("create running: %v", err)
	}

	err := repo.ResolveApproval(ctx, repository.ApprovalDecision{
		ApprovalID:       approvalID,
		Status:           domain.ApprovalApproved,
		RespondedAt:      time.Now().UTC(),
		DeploymentStatus: domain.DeploymentPending,
	})
	if !errors.Is(err, repository.ErrActiveDeployment) {
		t.Fatalf("expected ErrActiveDeployment, got %v", err)
	}
	approval, err := repo.GetApprovalByID(ctx, approvalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if approval.Status != domain.ApprovalPending {
		t.Fatalf("expected approval left pending, got %s", approval.Status)
	}
}

func TestTerminalUpdatesStoreUndecodableText(t *testing.T) {
	repo, pool := newIntegrationRepo(t)
	ctx := context.Background()
	projectID := createProject(t, pool)

	d := newDeployment(projectID, domain.DeploymentRunning)
	if err := repo.CreateActiveDeployment(ctx, d); err != nil {
		t.Fatalf("create running: %v", err)
	}
	failed := domain.DeploymentFailed
	output := "remote: \xff\xfe progress\x00"
	errorLog := "fatal: bad object \xc3"
	err := repo.UpdateDeployment(ctx, domain.DeploymentUpdate{
		ID: d.ID, Status: &failed, OutputLog: &output, ErrorLog: &errorLog,
		ExpectStatus: []domain.DeploymentStatus{domain.DeploymentRunning},
	})
	if err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	got, err := repo.GetDeploymentByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.Status != domain.DeploymentFailed || !utf8.ValidString(got.OutputLog) || !strings.HasPrefix(got.ErrorLog, "fatal: bad object") {
		t.Fatalf("unexpected deployment %+v", got)
	}

	code := 1
	completed := time.Now().UTC()
	exec := &domain.CommandExecution{
		ID:        uuid.NewString(),
		Command:   "php artisan migrate",
		Mode:      domain.ModeLocal,
		Status:    domain.ExecutionRunning,
		StartedAt: completed.Add(-time.Second),
	}
	if err := repo.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	exec.Status = domain.ExecutionFailed
	exec.FailureKind = domain.FailureExit
	exec.ExitCode = &code
	exec.Stdout = "ok\x00"
	exec.Stderr = "a\xc3"
	exec.ErrorMessage = "a\xc3\x00"
	exec.CompletedAt = &completed
	if err := repo.CompleteExecution(ctx, exec); err != nil {
		t.Fatalf("complete execution: %v", err)
	}
	stored, err := repo.GetExecutionByID(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.Status != domain.ExecutionFailed || stored.ErrorMessage != "a�" {
		t.Fatalf("unexpected execution %+v", stored)
	}
}
