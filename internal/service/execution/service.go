package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/metrics"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/sanitize"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

// TruncationMarker terminates output that exceeded the capture limit.
const TruncationMarker = "\n... [output truncated]"

// HostIdentity decides whether an address refers to this host.
type HostIdentity interface {
	IsLocal(ctx context.Context, address string) bool
}

// Transports groups the command backends.
type Transports struct {
	Local    remote.Transport
	Password remote.Transport
	Native   remote.Transport
}

// Service runs commands on targets and records every run.
type Service struct {
	executions     repository.ExecutionRepository
	identity       HostIdentity
	transports     Transports
	metrics        *metrics.Collector
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxOutput      int
	now            func() time.Time
}

// New returns an execution service.
func New(executions repository.ExecutionRepository, identity HostIdentity, transports Transports, collector *metrics.Collector, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return Service{
		executions:     executions,
		identity:       identity,
		transports:     transports,
		metrics:        collector,
		logger:         logger.With("component", "runner"),
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// IsLocal reports whether target runs on this host. A nil target is local.
func (s Service) IsLocal(ctx context.Context, target *domain.Server) bool {
	return target == nil || s.identity.IsLocal(ctx, target.Address)
}

// Execute runs command on target and returns its audit record. The error is
// non-nil only when the record could not be created; command failures are
// described by the record itself.
func (s Service) Execute(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error) {
	return s.run(ctx, target, command, opts, nil, nil)
}

// Stream runs command on target, streaming its stdout into w and feeding
// stdin when set. Only stderr is captured on the record.
func (s Service) Stream(ctx context.Context, target *domain.Server, command string, stdin io.Reader, w io.Writer, opts domain.ExecOptions) (*domain.CommandExecution, error) {
	if w == nil {
		return nil, errors.New("stream destination required")
	}
	return s.run(ctx, target, command, opts, stdin, w)
}

func (s Service) run(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions, stdin io.Reader, stdout io.Writer) (record *domain.CommandExecution, err error) {
	mode := domain.ModeSSH
	if s.IsLocal(ctx, target) {
		mode = domain.ModeLocal
	}
	record = &domain.CommandExecution{
		ID:          uuid.NewString(),
		UserID:      opts.UserID,
		Command:     sanitize.Command(command),
		Mode:        mode,
		Status:      domain.ExecutionRunning,
		FailureKind: domain.FailureNone,
		StartedAt:   s.now(),
	}
	if target != nil {
		id := target.ID
		record.ServerID = &id
	}
	if len(opts.Metadata) > 0 {
		if meta, merr := json.Marshal(opts.Metadata); merr == nil {
			record.Metadata = meta
		}
	}
	if err := s.executions.CreateExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", "execution_id", record.ID, "panic", r)
			record.Status = domain.ExecutionFailed
			record.FailureKind = domain.FailureTransport
			record.ErrorMessage = fmt.Sprintf("panic: %v", r)
			record.ExitCode = nil
		}
		s.finish(ctx, record)
		err = nil
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	req := remote.Request{
		Command:  command,
		Elevated: opts.Elevated,
		Timeout:  timeout,
		Stdin:    stdin,
		Stdout:   stdout,
	}
	transport := s.transports.Local
	if mode == domain.ModeSSH {
		req.Host = target.Address
		req.Port = target.SSHPort()
		req.User = target.Username
		req.Password = target.Password
		req.PrivateKey = target.PrivateKey
		transport = s.transports.Native
		if target.AuthMode() == domain.AuthPassword {
			transport = s.transports.Password
		}
	}
	if transport == nil {
		panic(fmt.Sprintf("no transport configured for %s execution", mode))
	}

	var counter *countingWriter
	if stdout != nil {
		counter = &countingWriter{w: stdout}
		req.Stdout = counter
	}
	res, runErr := transport.Run(ctx, req)
	if counter != nil {
		res.Stdout = fmt.Sprintf("[streamed %d bytes]", counter.n)
	}
	s.apply(record, res, runErr, timeout)
	return record, nil
}

func (s Service) apply(record *domain.CommandExecution, res remote.Result, runErr error, timeout time.Duration) {
	record.Stdout = truncate(sanitize.Text(res.Stdout), s.maxOutput)
	record.Stderr = truncate(sanitize.Text(res.Stderr), s.maxOutput)

	var exitErr *remote.ExitError
	switch {
	case runErr == nil:
		code := 0
		record.ExitCode = &code
		record.Status = domain.ExecutionSuccess
		record.FailureKind = domain.FailureNone
		return
	case errors.Is(runErr, remote.ErrAuthFailed):
		record.FailureKind = domain.FailureAuth
		record.ErrorMessage = "Authentication failed"
	case errors.Is(runErr, remote.ErrTimeout):
		record.FailureKind = domain.FailureTimeout
		record.ErrorMessage = fmt.Sprintf("Command timed out after %s", timeout)
	case errors.As(runErr, &exitErr):
		code := exitErr.Code
		record.ExitCode = &code
		record.FailureKind = domain.FailureExit
		record.ErrorMessage = strings.TrimSpace(record.Stderr)
		if record.ErrorMessage == "" {
			record.ErrorMessage = fmt.Sprintf("Command exited with status %d", code)
		}
	default:
		record.FailureKind = domain.FailureTransport
		record.ErrorMessage = sanitize.Text(runErr.Error())
	}
	record.Status = domain.ExecutionFailed
}

// finish writes the terminal state even when ctx has been cancelled.
func (s Service) finish(ctx context.Context, record *domain.CommandExecution) {
	completed := s.now()
	record.CompletedAt = &completed
	record.DurationMS = completed.Sub(record.StartedAt).Milliseconds()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.executions.CompleteExecution(writeCtx, record); err != nil {
		s.logger.Error("failed to record execution result", "execution_id", record.ID, "error", err)
		if !errors.Is(err, repository.ErrNotFound) {
			s.completeMinimal(writeCtx, record)
		}
	}
	s.metrics.ObserveExecution(string(record.Mode), string(record.Status), string(record.FailureKind), completed.Sub(record.StartedAt))
	if record.Status == domain.ExecutionFailed {
		s.logger.Warn("command failed",
			"execution_id", record.ID,
			"mode", record.Mode,
			"failure_kind", record.FailureKind,
			"command", record.Command,
			"error", record.ErrorMessage,
		)
	}
}

// Err rebuilds a typed error from a finished record. It returns nil for
// successful executions.
func Err(record *domain.CommandExecution) error {
	if record == nil || record.Status != domain.ExecutionFailed {
		return nil
	}
	switch record.FailureKind {
	case domain.FailureAuth:
		return remote.ErrAuthFailed
	case domain.FailureTimeout:
		return fmt.Errorf("%s: %w", record.ErrorMessage, remote.ErrTimeout)
	case domain.FailureExit:
		code := -1
		if record.ExitCode != nil {
			code = *record.ExitCode
		}
		return fmt.Errorf("%s: %w", record.ErrorMessage, &remote.ExitError{Code: code})
	default:
		return errors.New(record.ErrorMessage)
	}
}

// completeMinimal retries the terminal update without captured output so the
// record never stays running.
func (s Service) completeMinimal(ctx context.Context, record *domain.CommandExecution) {
	minimal := *record
	minimal.Stdout, minimal.Stderr = "", ""
	minimal.ErrorMessage = sanitize.Text(sanitize.Truncate(record.ErrorMessage, 1024))
	if err := s.executions.CompleteExecution(ctx, &minimal); err != nil {
		s.logger.Error("failed to record minimal execution result", "execution_id", record.ID, "error", err)
	}
}

func truncate(out string, limit int) string {
	if limit <= 0 || len(out) <= limit {
		return out
	}
	return sanitize.Truncate(out, limit) + TruncationMarker
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// History lists recorded executions, newest first.
func (s Service) History(ctx context.Context, filter domain.ExecutionFilter) ([]domain.CommandExecution, error) {
	return s.executions.ListExecutions(ctx, filter)
}

// Get returns a single execution record.
func (s Service) Get(ctx context.Context, id string) (*domain.CommandExecution, error) {
	return s.executions.GetExecutionByID(ctx, id)
}
