package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

const testSecret = "s3cret"

func sign(payload string) string {
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(payload))
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	svc := newTestService()
	body := []byte(`{"ref":"refs/heads/main"}`)

	if err := svc.ValidateSignature(body, sign(string(body))); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := svc.ValidateSignature(body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	if err := svc.ValidateSignature(body, sign("tampered")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	unconfigured := New("", fakeProjects{}, &fakeDeployer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := unconfigured.ValidateSignature(body, sign(string(body))); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestHandlePushDeploysMatchingBranch(t *testing.T) {
	deployer := &fakeDeployer{}
	svc := newTestService(func(s *Service) { s.deployer = deployer })
	body := `{"ref":"refs/heads/main","after":"4f2a9c1d"}`

	d, err := svc.HandlePush(context.Background(), "proj-1", []byte(body), sign(body))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if d == nil || deployer.trigger != domain.TriggerWebhook || deployer.commit != "4f2a9c1d" {
		t.Fatalf("unexpected deploy call %+v", deployer)
	}
}

func TestHandlePushIgnoresOtherBranches(t *testing.T) {
	deployer := &fakeDeployer{}
	svc := newTestService(func(s *Service) { s.deployer = deployer })
	body := `{"ref":"refs/heads/feature/x","after":"4f2a9c1d"}`

	d, err := svc.HandlePush(context.Background(), "proj-1", []byte(body), sign(body))
	if err != nil || d != nil {
		t.Fatalf("expected ignored push, got %v %v", d, err)
	}
	if deployer.calls != 0 {
		t.Fatalf("deployer must not be called")
	}
}

func TestHandlePushDropsZeroCommit(t *testing.T) {
	deployer := &fakeDeployer{}
	svc := newTestService(func(s *Service) { s.deployer = deployer })
	body := `{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000"}`

	if _, err := svc.HandlePush(context.Background(), "proj-1", []byte(body), sign(body)); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if deployer.commit != "" {
		t.Fatalf("expected branch head deploy, got %q", deployer.commit)
	}
}

func newTestService(opts ...func(*Service)) Service {
	svc := New(testSecret, fakeProjects{}, &fakeDeployer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

type fakeProjects struct {
	repository.ProjectRepository
}

func (fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	return &domain.Project{ID: id, Name: "shop", Branch: "main"}, nil
}

type fakeDeployer struct {
	calls   int
	trigger domain.Trigger
	commit  string
}

func (f *fakeDeployer) Deploy(_ context.Context, projectID, _ string, trigger domain.Trigger, commit string) (*domain.Deployment, error) {
	f.calls++
	f.trigger = trigger
	f.commit = commit
	return &domain.Deployment{ID: "dep-1", ProjectID: projectID, Status: domain.DeploymentPending}, nil
}
