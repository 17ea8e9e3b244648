// Package server performs operational actions on managed servers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/remote"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

const (
	connectionMarker   = "CONNECTION_TEST"
	connectionTimeout  = 10 * time.Second
	restartTimeout     = 60 * time.Second
	verifyTimeout      = 30 * time.Second
	installScript      = "curl -fsSL https://get.docker.com | sh"
	maxInstallErrorLen = 200
)

var (
	allowedServices = []string{"nginx", "apache2", "mysql", "mariadb", "redis", "php-fpm", "docker", "supervisor"}
	phpFPMPattern   = regexp.MustCompile(`^php\d+\.\d+-fpm$`)
	dockerVersionRe = regexp.MustCompile(`Docker version ([0-9.]+)`)
)

// Runner executes commands on servers.
type Runner interface {
	Execute(ctx context.Context, target *domain.Server, command string, opts domain.ExecOptions) (*domain.CommandExecution, error)
	IsLocal(ctx context.Context, target *domain.Server) bool
}

// DockerProbe reads the local Docker engine version.
type DockerProbe interface {
	ServerVersion(ctx context.Context) (string, error)
}

// ConnectionResult describes a connectivity test.
type ConnectionResult struct {
	Reachable bool   `json:"reachable"`
	Message   string `json:"message"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Service runs server operations.
type Service struct {
	servers        repository.ServerRepository
	runner         Runner
	docker         DockerProbe
	logger         *slog.Logger
	installTimeout time.Duration
	now            func() time.Time
}

// New constructs a server service. docker may be nil when no local daemon
// is reachable.
func New(servers repository.ServerRepository, runner Runner, docker DockerProbe, logger *slog.Logger, cfg config.OrchestratorConfig) Service {
	timeout := cfg.InstallTimeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return Service{
		servers:        servers,
		runner:         runner,
		docker:         docker,
		logger:         logger.With("component", "servers"),
		installTimeout: timeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Get loads a server.
func (s Service) Get(ctx context.Context, id string) (*domain.Server, error) {
	return s.servers.GetServerByID(ctx, id)
}

// TestConnection runs a marker command on the server and measures the round trip.
func (s Service) TestConnection(ctx context.Context, server *domain.Server) ConnectionResult {
	if s.runner.IsLocal(ctx, server) {
		return ConnectionResult{Reachable: true, Message: "Localhost connection available"}
	}
	start := s.now()
	record, err := s.runner.Execute(ctx, server, `echo "`+connectionMarker+`"`, domain.ExecOptions{Timeout: connectionTimeout})
	latency := s.now().Sub(start).Milliseconds()
	if err != nil {
		return ConnectionResult{Message: "Connection test failed: " + err.Error(), Error: err.Error()}
	}
	if record.Succeeded() && strings.Contains(record.Stdout, connectionMarker) {
		return ConnectionResult{Reachable: true, Message: "SSH connection successful", LatencyMS: latency}
	}
	switch record.FailureKind {
	case domain.FailureAuth:
		return ConnectionResult{Message: "SSH authentication failed: Invalid username or password", Error: "Authentication failed"}
	case domain.FailureTimeout:
		return ConnectionResult{
			Message: fmt.Sprintf("Connection timed out - Server may be unreachable or firewall blocking port %d", server.SSHPort()),
			Error:   record.ErrorMessage,
		}
	}
	detail := strings.TrimSpace(record.Stderr)
	if detail == "" {
		detail = record.ErrorMessage
	}
	return ConnectionResult{Message: "SSH connection failed: " + detail, Error: detail}
}

// Ping tests connectivity and records the server as online or offline.
func (s Service) Ping(ctx context.Context, server *domain.Server) domain.TargetResult {
	conn := s.TestConnection(ctx, server)
	status := domain.ServerOffline
	if conn.Reachable {
		status = domain.ServerOnline
	}
	now := s.now()
	if err := s.servers.UpdateServerStatus(ctx, server.ID, status, &now); err != nil {
		s.logger.Warn("failed to update server status", "server_id", server.ID, "error", err)
	}
	server.Status = status
	server.LastPingAt = &now

	result := domain.TargetResult{TargetID: server.ID, Name: server.Name, Success: conn.Reachable}
	if conn.Reachable {
		latency := conn.LatencyMS
		result.LatencyMS = &latency
		result.Message = "Server is online"
	} else {
		result.Message = "Server is offline: " + conn.Message
	}
	return result
}

// Reboot issues a reboot and puts the server into maintenance. A dropped
// connection is expected while the host goes down.
func (s Service) Reboot(ctx context.Context, server *domain.Server) domain.TargetResult {
	result := domain.TargetResult{TargetID: server.ID, Name: server.Name}
	record, err := s.runner.Execute(ctx, server, "reboot", domain.ExecOptions{Elevated: true, Timeout: connectionTimeout})
	if err != nil {
		result.Message = "Failed to reboot server: " + err.Error()
		return result
	}
	if !record.Succeeded() && (record.FailureKind == domain.FailureAuth || record.FailureKind == domain.FailureExit) {
		result.Message = "Failed to reboot server: " + failureDetail(record)
		return result
	}
	if err := s.servers.UpdateServerStatus(ctx, server.ID, domain.ServerMaintenance, nil); err != nil {
		s.logger.Warn("failed to update server status", "server_id", server.ID, "error", err)
	}
	server.Status = domain.ServerMaintenance
	s.logger.Info("server reboot initiated", "server_id", server.ID)
	result.Success = true
	result.Message = "Server reboot initiated. It may take a few minutes to come back online."
	return result
}

// ServiceAllowed reports whether service may be restarted remotely.
func ServiceAllowed(service string) bool {
	return slices.Contains(allowedServices, service) || phpFPMPattern.MatchString(service)
}

// RestartService restarts an allow-listed systemd unit.
func (s Service) RestartService(ctx context.Context, server *domain.Server, service string) domain.TargetResult {
	result := domain.TargetResult{TargetID: server.ID, Name: server.Name}
	if !ServiceAllowed(service) {
		result.Message = "Service not allowed: " + service
		return result
	}
	record, err := s.runner.Execute(ctx, server, "systemctl restart "+service, domain.ExecOptions{Elevated: true, Timeout: restartTimeout})
	if err != nil {
		result.Message = "Failed to restart service: " + err.Error()
		return result
	}
	if !record.Succeeded() {
		result.Message = "Failed to restart service: " + failureDetail(record)
		return result
	}
	s.logger.Info("service restarted", "server_id", server.ID, "service", service)
	result.Success = true
	result.Message = fmt.Sprintf("Service '%s' restarted successfully.", service)
	return result
}

// DockerStatus is the outcome of a Docker verification.
type DockerStatus struct {
	Installed bool
	Version   string
}

// VerifyDocker checks for a Docker CLI on the server. On local targets the
// engine is double-checked through the Docker API when available.
func (s Service) VerifyDocker(ctx context.Context, server *domain.Server) DockerStatus {
	var status DockerStatus
	record, err := s.runner.Execute(ctx, server, "docker --version", domain.ExecOptions{Timeout: verifyTimeout})
	if err == nil && record.Succeeded() {
		status.Installed = true
		if m := dockerVersionRe.FindStringSubmatch(record.Stdout); m != nil {
			status.Version = m[1]
		}
	}
	if s.docker != nil && s.runner.IsLocal(ctx, server) {
		version, derr := s.docker.ServerVersion(ctx)
		switch {
		case derr == nil && version != "":
			status.Installed = true
			if status.Version == "" {
				status.Version = version
			}
		case derr != nil && status.Installed:
			s.logger.Debug("docker cli present but engine unreachable", "server_id", server.ID, "error", derr)
		}
	}
	return status
}

// InstallDocker installs Docker unless it is already present.
func (s Service) InstallDocker(ctx context.Context, server *domain.Server) domain.TargetResult {
	result := domain.TargetResult{TargetID: server.ID, Name: server.Name}
	if current := s.VerifyDocker(ctx, server); current.Installed {
		s.recordDocker(ctx, server, current)
		result.Success = true
		result.AlreadyInstalled = true
		result.Version = current.Version
		result.Message = "Docker is already installed"
		return result
	}

	record, err := s.runner.Execute(ctx, server, installScript, domain.ExecOptions{Elevated: true, Timeout: s.installTimeout})
	// The script can fail late, after the engine is in place.
	verified := s.VerifyDocker(ctx, server)
	if verified.Installed {
		s.recordDocker(ctx, server, verified)
		s.logger.Info("docker installed", "server_id", server.ID, "version", verified.Version)
		result.Success = true
		result.Version = verified.Version
		result.Message = "Docker installed successfully!"
		return result
	}
	switch {
	case err != nil:
		result.Message = "Installation failed: " + err.Error()
	case record.Succeeded():
		result.Message = "Docker installation completed but verification failed"
	default:
		detail := failureDetail(record)
		if len(detail) > maxInstallErrorLen {
			detail = detail[:maxInstallErrorLen] + "..."
		}
		result.Message = "Docker installation failed. " + detail
	}
	s.logger.Warn("docker installation failed", "server_id", server.ID, "message", result.Message)
	return result
}

func (s Service) recordDocker(ctx context.Context, server *domain.Server, status DockerStatus) {
	if err := s.servers.UpdateServerDocker(ctx, server.ID, status.Installed, status.Version); err != nil {
		s.logger.Warn("failed to record docker status", "server_id", server.ID, "error", err)
	}
	server.DockerPresent = status.Installed
	server.DockerVersion = status.Version
}

func failureDetail(record *domain.CommandExecution) string {
	if record.FailureKind == domain.FailureAuth {
		return remote.ErrAuthFailed.Error()
	}
	if detail := strings.TrimSpace(record.Stderr); detail != "" {
		return detail
	}
	if detail := strings.TrimSpace(record.Stdout); detail != "" {
		return detail
	}
	if record.ErrorMessage != "" {
		return record.ErrorMessage
	}
	return "Unknown error - no output"
}
