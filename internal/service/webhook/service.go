// Package webhook turns signed VCS push events into deployments.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

var (
	// ErrMissingSignature is returned when the request carries no signature.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrNotConfigured is returned when no webhook secret is set.
	ErrNotConfigured = errors.New("webhook secret not configured")
)

// Deployer starts deployments.
type Deployer interface {
	Deploy(ctx context.Context, projectID, userID string, trigger domain.Trigger, commitHash string) (*domain.Deployment, error)
}

// PushEvent is the subset of a push payload the orchestrator reads.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Branch returns the branch name of a refs/heads/ ref.
func (e PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Service validates webhook deliveries.
type Service struct {
	secret   []byte
	projects repository.ProjectRepository
	deployer Deployer
	logger   *slog.Logger
}

// New constructs a webhook service.
func New(secret string, projects repository.ProjectRepository, deployer Deployer, logger *slog.Logger) Service {
	return Service{
		secret:   []byte(strings.TrimSpace(secret)),
		projects: projects,
		deployer: deployer,
		logger:   logger.With("component", "webhook"),
	}
}

// ValidateSignature checks an HMAC-SHA256 signature of payload. The
// signature may carry a "sha256=" prefix.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return ErrNotConfigured
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrMissingSignature
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandlePush verifies the delivery and deploys the project when the push
// targets its branch. A push to another branch returns a nil deployment.
func (s Service) HandlePush(ctx context.Context, projectID string, payload []byte, signature string) (*domain.Deployment, error) {
	if err := s.ValidateSignature(payload, signature); err != nil {
		s.logger.Warn("webhook rejected", "project_id", projectID, "error", err)
		return nil, err
	}
	var event PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.NewPreconditionError("Invalid webhook payload")
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	branch := project.Branch
	if branch == "" {
		branch = "main"
	}
	if event.Ref != "" && event.Branch() != branch {
		s.logger.Info("webhook ignored for other branch", "project_id", projectID, "ref", event.Ref)
		return nil, nil
	}
	commit := strings.TrimSpace(event.After)
	if strings.Trim(commit, "0") == "" {
		commit = ""
	}
	return s.deployer.Deploy(ctx, projectID, "", domain.TriggerWebhook, commit)
}
