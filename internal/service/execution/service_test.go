package execution

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
)

func TestExecuteLocalSuccess(t *testing.T) {
	repo := &fakeExecutionRepo{}
	local := &fakeTransport{result: remote.Result{Stdout: "CONNECTION_TEST\n"}}
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.transports.Local = local
	})

	rec, err := svc.Execute(context.Background(), nil, "echo CONNECTION_TEST", domain.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if rec.Status != domain.ExecutionSuccess || rec.Mode != domain.ModeLocal {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", rec.ExitCode)
	}
	if repo.created != 1 || repo.completed != 1 {
		t.Fatalf("expected one create and one completion, got %d/%d", repo.created, repo.completed)
	}
	if repo.createdStatus != domain.ExecutionRunning {
		t.Fatalf("expected row inserted as running, got %s", repo.createdStatus)
	}
}

func TestExecuteChoosesBackendByCredentials(t *testing.T) {
	password := &fakeTransport{}
	native := &fakeTransport{}
	svc := newTestService(func(s *Service) {
		s.identity = fakeIdentity{}
		s.transports.Password = password
		s.transports.Native = native
	})

	withPassword := &domain.Server{ID: "srv-1", Address: "203.0.113.10", Username: "deploy", Password: "pw"}
	withKey := &domain.Server{ID: "srv-2", Address: "203.0.113.11", Username: "deploy", PrivateKey: "KEY"}

	if _, err := svc.Execute(context.Background(), withPassword, "uptime", domain.ExecOptions{Elevated: true}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if _, err := svc.Execute(context.Background(), withKey, "uptime", domain.ExecOptions{}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(password.requests) != 1 || password.requests[0].Password != "pw" || !password.requests[0].Elevated {
		t.Fatalf("expected password backend request, got %+v", password.requests)
	}
	if len(native.requests) != 1 || native.requests[0].PrivateKey != "KEY" || native.requests[0].Port != 22 {
		t.Fatalf("expected native backend request, got %+v", native.requests)
	}
}

func TestExecuteClassifiesFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		stderr   string
		kind     domain.FailureKind
		exitCode *int
	}{
		{name: "auth", err: remote.ErrAuthFailed, kind: domain.FailureAuth},
		{name: "timeout", err: remote.ErrTimeout, kind: domain.FailureTimeout},
		{name: "exit", err: &remote.ExitError{Code: 2}, stderr: "no such file\n", kind: domain.FailureExit, exitCode: intPtr(2)},
		{name: "transport", err: errors.New("connection reset"), kind: domain.FailureTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(func(s *Service) {
				s.transports.Local = &fakeTransport{result: remote.Result{Stderr: tc.stderr}, err: tc.err}
			})
			rec, err := svc.Execute(context.Background(), nil, "ls /missing", domain.ExecOptions{})
			if err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}
			if rec.Status != domain.ExecutionFailed || rec.FailureKind != tc.kind {
				t.Fatalf("expected failed/%s, got %s/%s", tc.kind, rec.Status, rec.FailureKind)
			}
			if tc.exitCode != nil && (rec.ExitCode == nil || *rec.ExitCode != *tc.exitCode) {
				t.Fatalf("expected exit code %d, got %v", *tc.exitCode, rec.ExitCode)
			}
			if tc.kind == domain.FailureExit && rec.ErrorMessage != "no such file" {
				t.Fatalf("expected stderr as message, got %q", rec.ErrorMessage)
			}
			if Err(rec) == nil {
				t.Fatalf("expected Err to rebuild an error")
			}
		})
	}
}

func TestErrRebuildsTypedErrors(t *testing.T) {
	code := 4
	rec := &domain.CommandExecution{Status: domain.ExecutionFailed, FailureKind: domain.FailureExit, ExitCode: &code, ErrorMessage: "bad"}
	var exitErr *remote.ExitError
	if !errors.As(Err(rec), &exitErr) || exitErr.Code != 4 {
		t.Fatalf("expected ExitError code 4, got %v", Err(rec))
	}
	rec = &domain.CommandExecution{Status: domain.ExecutionFailed, FailureKind: domain.FailureTimeout, ErrorMessage: "slow"}
	if !errors.Is(Err(rec), remote.ErrTimeout) {
		t.Fatalf("expected ErrTimeout")
	}
	if Err(&domain.CommandExecution{Status: domain.ExecutionSuccess}) != nil {
		t.Fatalf("expected nil error for success")
	}
}

func TestExecuteSanitizesAndTruncates(t *testing.T) {
	repo := &fakeExecutionRepo{}
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.maxOutput = 16
		s.transports.Local = &fakeTransport{result: remote.Result{Stdout: strings.Repeat("x", 40)}}
	})
	rec, err := svc.Execute(context.Background(), nil, "mysqldump -uroot -psecret shop", domain.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if strings.Contains(rec.Command, "secret") || strings.Contains(repo.createdCommand, "secret") {
		t.Fatalf("expected password masked, got %q", rec.Command)
	}
	if rec.Stdout != strings.Repeat("x", 16)+TruncationMarker {
		t.Fatalf("unexpected truncated stdout %q", rec.Stdout)
	}
}

func TestExecuteKeepsMultibyteOutputValid(t *testing.T) {
	repo := &fakeExecutionRepo{}
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.maxOutput = 4
		s.transports.Local = &fakeTransport{
			result: remote.Result{Stdout: "ok\x00\xffdone", Stderr: "a" + strings.Repeat("é", 10)},
			err:    &remote.ExitError{Code: 1},
		}
	})
	rec, err := svc.Execute(context.Background(), nil, "php artisan migrate", domain.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if rec.Stderr != "aé"+TruncationMarker {
		t.Fatalf("expected stderr cut on a rune boundary, got %q", rec.Stderr)
	}
	if rec.ErrorMessage != "aé\n... [output truncated]" {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage)
	}
	for name, text := range map[string]string{"stdout": rec.Stdout, "stderr": rec.Stderr, "error": rec.ErrorMessage} {
		if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
			t.Fatalf("%s is not storable: %q", name, text)
		}
	}
	if len(repo.records) != 1 || repo.records[0].Status != domain.ExecutionFailed {
		t.Fatalf("expected one terminal update, got %+v", repo.records)
	}
}

func TestExecuteFallsBackToMinimalCompletion(t *testing.T) {
	repo := &fakeExecutionRepo{completeErrs: []error{errors.New("invalid byte sequence for encoding")}}
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.transports.Local = &fakeTransport{
			result: remote.Result{Stdout: "lots of output", Stderr: "boom"},
			err:    &remote.ExitError{Code: 3},
		}
	})
	if _, err := svc.Execute(context.Background(), nil, "make", domain.ExecOptions{}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if repo.completed != 2 {
		t.Fatalf("expected a retried terminal update, got %d attempts", repo.completed)
	}
	retry := repo.records[1]
	if retry.Status != domain.ExecutionFailed || retry.FailureKind != domain.FailureExit || retry.ErrorMessage != "boom" {
		t.Fatalf("unexpected retry record %+v", retry)
	}
	if retry.Stdout != "" || retry.Stderr != "" {
		t.Fatalf("expected retry without captured output, got %q / %q", retry.Stdout, retry.Stderr)
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	repo := &fakeExecutionRepo{}
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.transports.Local = &fakeTransport{panicWith: "nil map"}
	})
	rec, err := svc.Execute(context.Background(), nil, "true", domain.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if rec.Status != domain.ExecutionFailed || rec.FailureKind != domain.FailureTransport {
		t.Fatalf("expected transport failure, got %s/%s", rec.Status, rec.FailureKind)
	}
	if !strings.Contains(rec.ErrorMessage, "nil map") {
		t.Fatalf("expected panic message, got %q", rec.ErrorMessage)
	}
	if repo.completed != 1 {
		t.Fatalf("expected terminal update after panic, got %d", repo.completed)
	}
}

func TestExecuteReturnsErrorWhenAuditInsertFails(t *testing.T) {
	local := &fakeTransport{}
	svc := newTestService(func(s *Service) {
		s.executions = &fakeExecutionRepo{createErr: errors.New("db down")}
		s.transports.Local = local
	})
	if _, err := svc.Execute(context.Background(), nil, "true", domain.ExecOptions{}); err == nil {
		t.Fatalf("expected error")
	}
	if len(local.requests) != 0 {
		t.Fatalf("expected no dispatch without an audit row")
	}
}

func TestExecuteCompletesAfterCancellation(t *testing.T) {
	repo := &fakeExecutionRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	svc := newTestService(func(s *Service) {
		s.executions = repo
		s.transports.Local = &fakeTransport{err: remote.ErrTimeout, onRun: cancel}
	})
	if _, err := svc.Execute(ctx, nil, "sleep 100", domain.ExecOptions{Timeout: time.Second}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if repo.completeCtxErr != nil {
		t.Fatalf("expected completion context to survive cancellation, got %v", repo.completeCtxErr)
	}
}

func TestStreamWritesStdout(t *testing.T) {
	var buf bytes.Buffer
	svc := newTestService(func(s *Service) {
		s.transports.Local = &fakeTransport{stream: "archive-bytes"}
	})
	rec, err := svc.Stream(context.Background(), nil, "cat /tmp/a.tar.gz", nil, &buf, domain.ExecOptions{})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if buf.String() != "archive-bytes" {
		t.Fatalf("unexpected streamed data %q", buf.String())
	}
	if rec.Stdout != "[streamed 13 bytes]" {
		t.Fatalf("unexpected stdout summary %q", rec.Stdout)
	}
}

func newTestService(opts ...func(*Service)) Service {
	svc := Service{
		executions:     &fakeExecutionRepo{},
		identity:       fakeIdentity{local: map[string]bool{"127.0.0.1": true}},
		transports:     Transports{Local: &fakeTransport{}, Password: &fakeTransport{}, Native: &fakeTransport{}},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		defaultTimeout: time.Second,
		maxOutput:      64 * 1024,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

func intPtr(v int) *int { return &v }

type fakeIdentity struct {
	local map[string]bool
}

func (f fakeIdentity) IsLocal(_ context.Context, address string) bool {
	return f.local[address]
}

type fakeTransport struct {
	mu        sync.Mutex
	requests  []remote.Request
	result    remote.Result
	err       error
	stream    string
	panicWith string
	onRun     func()
}

func (f *fakeTransport) Run(_ context.Context, req remote.Request) (remote.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun()
	}
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	if req.Stdout != nil && f.stream != "" {
		_, _ = io.WriteString(req.Stdout, f.stream)
	}
	return f.result, f.err
}

type fakeExecutionRepo struct {
	mu             sync.Mutex
	created        int
	completed      int
	createdStatus  domain.ExecutionStatus
	createdCommand string
	createErr      error
	completeErrs   []error
	completeCtxErr error
	records        []domain.CommandExecution
}

func (f *fakeExecutionRepo) CreateExecution(_ context.Context, e *domain.CommandExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created++
	f.createdStatus = e.Status
	f.createdCommand = e.Command
	return nil
}

func (f *fakeExecutionRepo) CompleteExecution(ctx context.Context, e *domain.CommandExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	f.completeCtxErr = ctx.Err()
	f.records = append(f.records, *e)
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeExecutionRepo) GetExecutionByID(context.Context, string) (*domain.CommandExecution, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExecutionRepo) ListExecutions(context.Context, domain.ExecutionFilter) ([]domain.CommandExecution, error) {
	return f.records, nil
}
