package server

import (
	"context"
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

func TestPingMarksServerOnline(t *testing.T) {
	repo := &fakeServers{}
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"echo": success("CONNECTION_TEST\n"),
	}}
	svc := newTestService(func(s *Service) {
		s.servers = repo
		s.runner = runner
	})
	srv := &domain.Server{ID: "srv-1", Name: "web-1", Address: "10.0.0.5"}

	res := svc.Ping(context.Background(), srv)

	if !res.Success || res.LatencyMS == nil || res.Message != "Server is online" {
		t.Fatalf("unexpected result %+v", res)
	}
	if repo.status["srv-1"] != domain.ServerOnline || srv.LastPingAt == nil {
		t.Fatalf("expected server marked online, got %v", repo.status)
	}
}

func TestPingMarksServerOfflineOnAuthFailure(t *testing.T) {
	repo := &fakeServers{}
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"echo": {Status: domain.ExecutionFailed, FailureKind: domain.FailureAuth, ErrorMessage: "auth"},
	}}
	svc := newTestService(func(s *Service) {
		s.servers = repo
		s.runner = runner
	})

	res := svc.Ping(context.Background(), &domain.Server{ID: "srv-1", Address: "10.0.0.5"})

	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Message, "SSH authentication failed") {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if repo.status["srv-1"] != domain.ServerOffline {
		t.Fatalf("expected offline, got %s", repo.status["srv-1"])
	}
}

func TestTestConnectionLocal(t *testing.T) {
	runner := &fakeRunner{local: true}
	svc := newTestService(func(s *Service) { s.runner = runner })

	res := svc.TestConnection(context.Background(), &domain.Server{ID: "srv-1", Address: "127.0.0.1"})

	if !res.Reachable || res.Message != "Localhost connection available" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("local test should not run commands")
	}
}

func TestTestConnectionReportsRecordError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("record execution: db down")}
	svc := newTestService(func(s *Service) { s.runner = runner })

	res := svc.TestConnection(context.Background(), &domain.Server{ID: "srv-1", Address: "10.0.0.5"})

	if res.Reachable || !strings.HasPrefix(res.Message, "Connection test failed: ") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRebootToleratesDroppedConnection(t *testing.T) {
	repo := &fakeServers{}
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"reboot": {Status: domain.ExecutionFailed, FailureKind: domain.FailureTransport, ErrorMessage: "connection reset"},
	}}
	svc := newTestService(func(s *Service) {
		s.servers = repo
		s.runner = runner
	})

	res := svc.Reboot(context.Background(), &domain.Server{ID: "srv-1", Address: "10.0.0.5", Username: "deploy"})

	if !res.Success {
		t.Fatalf("expected reboot accepted, got %+v", res)
	}
	if repo.status["srv-1"] != domain.ServerMaintenance {
		t.Fatalf("expected maintenance, got %s", repo.status["srv-1"])
	}
	if !runner.elevated["reboot"] {
		t.Fatalf("reboot must be elevated")
	}
}

func TestRestartServiceAllowList(t *testing.T) {
	cases := map[string]bool{
		"nginx":       true,
		"php8.3-fpm":  true,
		"php-fpm":     true,
		"php8-fpm":    false,
		"sshd":        false,
		"nginx; rm /": false,
	}
	for service, allowed := range cases {
		if got := ServiceAllowed(service); got != allowed {
			t.Fatalf("ServiceAllowed(%q) = %v, want %v", service, got, allowed)
		}
	}

	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) { s.runner = runner })
	res := svc.RestartService(context.Background(), &domain.Server{ID: "srv-1"}, "sshd")
	if res.Success || res.Message != "Service not allowed: sshd" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("disallowed service must not run commands")
	}

	res = svc.RestartService(context.Background(), &domain.Server{ID: "srv-1"}, "nginx")
	if !res.Success || res.Message != "Service 'nginx' restarted successfully." {
		t.Fatalf("unexpected result %+v", res)
	}
	if runner.commands[0] != "systemctl restart nginx" {
		t.Fatalf("unexpected command %q", runner.commands[0])
	}
}

func TestInstallDockerAlreadyInstalled(t *testing.T) {
	repo := &fakeServers{}
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"docker --version": success("Docker version 24.0.7, build afdd53b\n"),
	}}
	svc := newTestService(func(s *Service) {
		s.servers = repo
		s.runner = runner
	})

	res := svc.InstallDocker(context.Background(), &domain.Server{ID: "srv-1"})

	if !res.Success || !res.AlreadyInstalled || res.Version != "24.0.7" {
		t.Fatalf("unexpected result %+v", res)
	}
	if runner.ran(installScript) {
		t.Fatalf("install script must not run")
	}
	if repo.docker["srv-1"] != "24.0.7" {
		t.Fatalf("expected docker version recorded, got %v", repo.docker)
	}
}

func TestInstallDockerReverifiesAfterScriptFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"docker --version": {Status: domain.ExecutionFailed, FailureKind: domain.FailureExit},
		installScript:      {Status: domain.ExecutionFailed, FailureKind: domain.FailureExit, Stderr: "E: dpkg was interrupted"},
	}}
	runner.after = map[string]func(*fakeRunner){
		installScript: func(r *fakeRunner) {
			r.responses["docker --version"] = success("Docker version 26.1.1, build 4cf5afa\n")
		},
	}
	svc := newTestService(func(s *Service) { s.runner = runner })

	res := svc.InstallDocker(context.Background(), &domain.Server{ID: "srv-1", Username: "deploy"})

	if !res.Success || res.Version != "26.1.1" || res.Message != "Docker installed successfully!" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !runner.elevated[installScript] {
		t.Fatalf("install must be elevated")
	}
}

func TestInstallDockerFailureMessageIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 300)
	runner := &fakeRunner{responses: map[string]*domain.CommandExecution{
		"docker --version": {Status: domain.ExecutionFailed, FailureKind: domain.FailureExit},
		installScript:      {Status: domain.ExecutionFailed, FailureKind: domain.FailureExit, Stderr: long},
	}}
	svc := newTestService(func(s *Service) { s.runner = runner })

	res := svc.InstallDocker(context.Background(), &domain.Server{ID: "srv-1"})

	want := "Docker installation failed. " + strings.Repeat("x", 200) + "..."
	if res.Success || res.Message != want {
		t.Fatalf("unexpected message %q", res.Message)
	}
}

func TestVerifyDockerUsesEngineOnLocalTargets(t *testing.T) {
	runner := &fakeRunner{local: true, responses: map[string]*domain.CommandExecution{
		"docker --version": {Status: domain.ExecutionFailed, FailureKind: domain.FailureExit},
	}}
	svc := newTestService(func(s *Service) {
		s.runner = runner
		s.docker = fakeDocker{version: "26.1.1"}
	})

	status := svc.VerifyDocker(context.Background(), &domain.Server{ID: "local"})

	if !status.Installed || status.Version != "26.1.1" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func newTestService(opts ...func(*Service)) Service {
	svc := Service{
		servers:        &fakeServers{},
		runner:         &fakeRunner{},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		installTimeout: time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

func success(stdout string) *domain.CommandExecution {
	code := 0
	return &domain.CommandExecution{Status: domain.ExecutionSuccess, Stdout: stdout, ExitCode: &code}
}

type fakeServers struct {
	repository.ServerRepository
	mu     sync.Mutex
	status map[string]domain.ServerStatus
	docker map[string]string
}

func (f *fakeServers) UpdateServerStatus(_ context.Context, id string, status domain.ServerStatus, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = map[string]domain.ServerStatus{}
	}
	f.status[id] = status
	return nil
}

func (f *fakeServers) UpdateServerDocker(_ context.Context, id string, _ bool, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docker == nil {
		f.docker = map[string]string{}
	}
	f.docker[id] = version
	return nil
}

// fakeRunner answers by command prefix; unknown commands succeed silently.
type fakeRunner struct {
	mu        sync.Mutex
	local     bool
	err       error
	responses map[string]*domain.CommandExecution
	after     map[string]func(*fakeRunner)
	commands  []string
	elevated  map[string]bool
}

func (f *fakeRunner) IsLocal(context.Context, *domain.Server) bool { return f.local }

func (f *fakeRunner) Execute(_ context.Context, _ *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.elevated == nil {
		f.elevated = map[string]bool{}
	}
	f.elevated[command] = opts.Elevated
	if f.err != nil {
		return nil, f.err
	}
	record := success("")
	for prefix, resp := range f.responses {
		if strings.HasPrefix(command, prefix) {
			cp := *resp
			record = &cp
			break
		}
	}
	if hook, ok := f.after[command]; ok {
		hook(f)
	}
	return record, nil
}

func (f *fakeRunner) ran(command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == command {
			return true
		}
	}
	return false
}

type fakeDocker struct {
	version string
	err     error
}

func (f fakeDocker) ServerVersion(context.Context) (string, error) {
	return f.version, f.err
}
