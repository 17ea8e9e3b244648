// Package worker runs queued deployments on their project servers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/notify"
	"github.com/MohamedRoshdi/devflow-sub019/internal/queue"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/sanitize"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/execution"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/logs"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

var (
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
)

const (
	defaultPollEvery  = 2 * time.Second
	defaultTimeout    = 30 * time.Minute
	defaultDeferDelay = 30 * time.Second
	claimSlack        = time.Minute
)

// Runner executes commands on servers.
type Runner interface {
	Execute(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error)
	Stream(ctx context.Context, target *domain.Server, command string, stdin io.Reader, w io.Writer, opts domain.ExecOptions) (*domain.CommandExecution, error)
}

// ApprovalGate parks scheduled deployments that need an approver.
type ApprovalGate interface {
	RequiresApproval(ctx context.Context, deployment *domain.Deployment) (bool, error)
	RequestApproval(ctx context.Context, deployment *domain.Deployment, requesterID string) (*domain.DeploymentApproval, error)
}

// Notifier announces finished deployments.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

// Worker drains the deployment queue.
type Worker struct {
	queue        queue.Queue
	deployments  repository.DeploymentRepository
	projects     repository.ProjectRepository
	servers      repository.ServerRepository
	runner       Runner
	gate         ApprovalGate
	logs         logs.Service
	notifier     Notifier
	metrics      *metrics.Collector
	logger       *slog.Logger
	concurrency  int
	pollEvery    time.Duration
	timeout      time.Duration
	deferDelay   time.Duration
	projectsRoot string
	now          func() time.Time
}

// New constructs a worker.
func New(q queue.Queue, deployments repository.DeploymentRepository, projects repository.ProjectRepository, servers repository.ServerRepository, runner Runner, gate ApprovalGate, logSvc logs.Service, notifier Notifier, collector *metrics.Collector, logger *slog.Logger, cfg config.OrchestratorConfig) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.WorkerPollEvery
	if poll <= 0 {
		poll = defaultPollEvery
	}
	timeout := cfg.DeployTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	root := cfg.ProjectsRoot
	if root == "" {
		root = "/var/www"
	}
	return &Worker{
		queue:        q,
		deployments:  deployments,
		projects:     projects,
		servers:      servers,
		runner:       runner,
		gate:         gate,
		logs:         logSvc,
		notifier:     notifier,
		metrics:      collector,
		logger:       logger.With("component", "worker"),
		concurrency:  concurrency,
		pollEvery:    poll,
		timeout:      timeout,
		deferDelay:   defaultDeferDelay,
		projectsRoot: root,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("deployment worker started", "concurrency", w.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("deployment worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, w.pollEvery)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollEvery):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Process(ctx, job.DeploymentID)
	}
}

// Process handles one delivery of deploymentID. Redelivered or stale jobs
// are skipped.
func (w *Worker) Process(ctx context.Context, deploymentID string) {
	claimed, err := w.queue.Claim(ctx, deploymentID, w.timeout+claimSlack)
	if err != nil {
		w.logger.Warn("failed to claim deployment", "deployment_id", deploymentID, "error", err)
		w.metrics.QueueJob("error")
		return
	}
	if !claimed {
		w.metrics.QueueJob("duplicate")
		return
	}
	defer func() {
		if err := w.queue.Release(context.WithoutCancel(ctx), deploymentID); err != nil {
			w.logger.Warn("failed to release claim", "deployment_id", deploymentID, "error", err)
		}
	}()

	deployment, err := w.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			w.metrics.QueueJob("missing")
			return
		}
		w.logger.Error("failed to load deployment", "deployment_id", deploymentID, "error", err)
		w.metrics.QueueJob("error")
		return
	}

	switch deployment.Status {
	case domain.DeploymentScheduled:
		if !w.promote(ctx, deployment) {
			return
		}
	case domain.DeploymentPending:
	default:
		w.metrics.QueueJob("skipped")
		return
	}
	w.metrics.QueueJob("processed")
	w.execute(ctx, deployment)
}

// promote moves a due scheduled deployment into pending, through the
// approval gate and the single active deployment rule.
func (w *Worker) promote(ctx context.Context, d *domain.Deployment) bool {
	if w.gate != nil {
		required, err := w.gate.RequiresApproval(ctx, d)
		if err != nil {
			w.logger.Error("failed to evaluate approval policy", "deployment_id", d.ID, "error", err)
			w.metrics.QueueJob("error")
			return false
		}
		if required {
			requester := ""
			if d.UserID != nil {
				requester = *d.UserID
			}
			if _, err := w.gate.RequestApproval(ctx, d, requester); err != nil {
				w.logger.Error("failed to request approval", "deployment_id", d.ID, "error", err)
				w.metrics.QueueJob("error")
				return false
			}
			w.metrics.QueueJob("approval")
			return false
		}
	}

	err := w.deployments.ActivateDeployment(ctx, d.ID, []domain.DeploymentStatus{domain.DeploymentScheduled})
	switch {
	case err == nil:
		d.Status = domain.DeploymentPending
		w.metrics.DeploymentTransition(string(domain.DeploymentPending))
		return true
	case errors.Is(err, repository.ErrActiveDeployment):
		if err := w.queue.Enqueue(ctx, d.ID, w.deferDelay); err != nil {
			w.logger.Error("failed to defer scheduled deployment", "deployment_id", d.ID, "error", err)
		}
		w.metrics.QueueJob("deferred")
	case errors.Is(err, repository.ErrConflict):
		w.metrics.QueueJob("skipped")
	default:
		w.logger.Error("failed to activate scheduled deployment", "deployment_id", d.ID, "error", err)
		w.metrics.QueueJob("error")
	}
	return false
}

func (w *Worker) execute(parent context.Context, d *domain.Deployment) {
	started := w.now()
	running := domain.DeploymentRunning
	err := w.deployments.UpdateDeployment(parent, domain.DeploymentUpdate{
		ID:           d.ID,
		Status:       &running,
		StartedAt:    &started,
		ExpectStatus: []domain.DeploymentStatus{domain.DeploymentPending},
	})
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			w.logger.Error("failed to mark deployment running", "deployment_id", d.ID, "error", err)
		}
		return
	}
	d.Status = running
	d.StartedAt = &started
	w.metrics.DeploymentTransition(string(running))

	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	out := &transcript{deploymentID: d.ID, logs: w.logs}
	project, err := w.checkout(ctx, d, out)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("deployment timed out after %s", w.timeout)
		}
		w.finish(parent, d, nil, domain.DeploymentFailed, out, err.Error())
		return
	}
	w.finish(parent, d, project, domain.DeploymentSuccess, out, "")
}

// checkout brings the project's working copy on its server to the
// deployment's branch and commit.
func (w *Worker) checkout(ctx context.Context, d *domain.Deployment, out *transcript) (*domain.Project, error) {
	project, err := w.projects.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("Project not found for deployment: %w", err)
	}
	serverID := d.ServerID
	if serverID == nil {
		serverID = project.ServerID
	}
	if serverID == nil {
		return nil, errors.New("Project does not have a server assigned")
	}
	server, err := w.servers.GetServerByID(ctx, *serverID)
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}

	branch := d.Branch
	if branch == "" {
		branch = project.Branch
	}
	dir := w.projectPath(*project)

	out.line("=== Setting Up Repository ===")
	out.line("Repository: " + project.RepositoryURL)
	out.line("Branch: " + branch)
	out.line("Path: " + dir)
	if !branchPattern.MatchString(branch) {
		out.line("✗ Invalid branch name format")
		return nil, errors.New("Invalid branch name format")
	}
	if project.RepositoryURL == "" {
		return nil, errors.New("Project does not have a repository URL configured")
	}

	probe, err := w.runner.Execute(ctx, server, fmt.Sprintf("test -d %s && echo exists || echo not_exists", remote.Quote(dir+"/.git")), domain.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("check repository: %w", err)
	}
	if !probe.Succeeded() {
		return nil, fmt.Errorf("check repository: %w", execution.Err(probe))
	}
	exists := strings.TrimSpace(probe.Stdout) == "exists"
	if exists {
		out.line("→ Repository exists")
		out.line("")
		out.line("Repository already exists, pulling latest changes...")
		out.line("$ git fetch origin " + branch)
		out.line("$ git reset --hard origin/" + branch)
		cmd := fmt.Sprintf("cd %[1]s && git fetch origin %[2]s && git reset --hard %[3]s",
			remote.Quote(dir), remote.Quote(branch), remote.Quote("origin/"+branch))
		if err := w.step(ctx, server, d.ID, cmd, out, "Git pull failed"); err != nil {
			return nil, err
		}
		out.line("✓ Repository updated successfully")
	} else {
		out.line("→ Repository not found")
		out.line("")
		out.line("=== Cloning Repository ===")
		out.line(fmt.Sprintf("$ git clone --branch %s %s %s", branch, project.RepositoryURL, dir))
		cmd := fmt.Sprintf("mkdir -p %s && git clone --branch %s --single-branch %s %s",
			remote.Quote(path.Dir(dir)), remote.Quote(branch), remote.Quote(project.RepositoryURL), remote.Quote(dir))
		if err := w.step(ctx, server, d.ID, cmd, out, "Git clone failed"); err != nil {
			return nil, err
		}
		out.line("✓ Repository cloned successfully")
	}

	if commitPattern.MatchString(d.CommitHash) {
		out.line("")
		out.line("$ git reset --hard " + d.CommitHash)
		cmd := fmt.Sprintf("cd %s && git reset --hard %s", remote.Quote(dir), d.CommitHash)
		if err := w.step(ctx, server, d.ID, cmd, out, "Checkout of commit "+d.CommitHash+" failed"); err != nil {
			return nil, err
		}
	}

	head, err := w.runner.Execute(ctx, server, fmt.Sprintf("cd %s && git log -1 --pretty=format:'%%H%%n%%s'", remote.Quote(dir)), domain.ExecOptions{})
	if err == nil && head.Succeeded() {
		hash, message, _ := strings.Cut(strings.TrimSpace(head.Stdout), "\n")
		if hash != "" {
			d.CommitHash = hash
			d.CommitMessage = message
			out.line("")
			out.line("Deployed commit: " + hash)
		}
	} else {
		w.logger.Warn("failed to read deployed commit", "deployment_id", d.ID, "error", firstErr(err, execution.Err(head)))
	}
	return project, nil
}

// step streams one command's output into the transcript.
func (w *Worker) step(ctx context.Context, server *domain.Server, deploymentID, command string, out *transcript, failure string) error {
	record, err := w.runner.Stream(ctx, server, command, nil, out.writer(), domain.ExecOptions{
		Timeout:  w.timeout,
		Metadata: map[string]any{"deployment_id": deploymentID},
	})
	out.flush()
	if err != nil {
		return fmt.Errorf("%s: %w", failure, err)
	}
	if !record.Succeeded() {
		out.line("✗ " + failure)
		if stderr := strings.TrimSpace(record.Stderr); stderr != "" {
			out.line(stderr)
			return fmt.Errorf("%s: %s", failure, stderr)
		}
		return fmt.Errorf("%s: %w", failure, execution.Err(record))
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, d *domain.Deployment, project *domain.Project, status domain.DeploymentStatus, out *transcript, errorLog string) {
	ctx = context.WithoutCancel(ctx)
	now := w.now()
	duration := 0
	if d.StartedAt != nil && now.After(*d.StartedAt) {
		duration = int(now.Sub(*d.StartedAt).Seconds())
	}
	output := sanitize.Text(out.String())
	errorLog = sanitize.Text(errorLog)
	update := domain.DeploymentUpdate{
		ID:              d.ID,
		Status:          &status,
		OutputLog:       &output,
		CompletedAt:     &now,
		DurationSeconds: &duration,
		ExpectStatus:    []domain.DeploymentStatus{domain.DeploymentRunning},
	}
	if errorLog != "" {
		update.ErrorLog = &errorLog
	}
	if status == domain.DeploymentSuccess && d.CommitHash != "" {
		update.CommitHash = &d.CommitHash
		update.CommitMessage = &d.CommitMessage
	}
	if err := w.deployments.UpdateDeployment(ctx, update); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			w.logger.Info("deployment changed state while running", "deployment_id", d.ID)
		} else {
			w.logger.Error("failed to record deployment result", "deployment_id", d.ID, "status", status, "error", err)
		}
		w.logs.Finish(d.ID, string(status))
		return
	}
	d.Status = status
	w.metrics.DeploymentTransition(string(status))
	w.logs.Finish(d.ID, string(status))

	event := notify.EventDeploymentSuccess
	subject := "Deployment succeeded"
	if status == domain.DeploymentSuccess {
		if project != nil && d.CommitHash != "" {
			if err := w.projects.UpdateProjectCommit(ctx, project.ID, d.CommitHash); err != nil {
				w.logger.Warn("failed to record project commit", "project_id", project.ID, "error", err)
			}
		}
		w.logger.Info("deployment succeeded", "deployment_id", d.ID, "project_id", d.ProjectID, "duration_seconds", duration)
	} else {
		event = notify.EventDeploymentFailed
		subject = "Deployment failed"
		w.logger.Warn("deployment failed", "deployment_id", d.ID, "project_id", d.ProjectID, "error", errorLog)
	}
	if w.notifier == nil {
		return
	}
	var recipients []string
	if d.UserID != nil {
		recipients = []string{*d.UserID}
	}
	w.notifier.Notify(ctx, notify.Message{
		Event:      event,
		Recipients: recipients,
		Subject:    subject,
		Payload: map[string]any{
			"deployment_id": d.ID,
			"project_id":    d.ProjectID,
			"status":        string(status),
			"commit_hash":   d.CommitHash,
			"error":         errorLog,
		},
	})
}

func (w *Worker) projectPath(p domain.Project) string {
	if p.DeployPath != "" {
		return p.DeployPath
	}
	return path.Join(w.projectsRoot, p.Slug)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// transcript accumulates the output log while streaming every line to
// live subscribers.
type transcript struct {
	deploymentID string
	logs         logs.Service
	mu           sync.Mutex
	b            strings.Builder
	stream       *logs.LineWriter
}

func (t *transcript) line(s string) {
	t.mu.Lock()
	t.b.WriteString(s)
	t.b.WriteByte('\n')
	t.mu.Unlock()
	t.logs.Line(t.deploymentID, "system", s)
}

func (t *transcript) writer() io.Writer {
	t.stream = t.logs.Writer(t.deploymentID, "stdout")
	return io.MultiWriter(lockedWriter{t}, t.stream)
}

func (t *transcript) flush() {
	if t.stream != nil {
		t.stream.Flush()
		t.stream = nil
	}
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimRight(t.b.String(), "\n")
}

type lockedWriter struct{ t *transcript }

func (l lockedWriter) Write(p []byte) (int, error) {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	return l.t.b.Write(p)
}
