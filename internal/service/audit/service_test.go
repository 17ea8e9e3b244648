package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

func TestRecordStoresPayload(t *testing.T) {
	repo := &fakeAuditRepo{}
	svc := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	user := "user-1"

	svc.Record(context.Background(), &user, "deployment.approved", "deployment", "dep-1", map[string]any{"notes": "ok"})

	if len(repo.events) != 1 {
		t.Fatalf("expected one event, got %d", len(repo.events))
	}
	got := repo.events[0]
	if got.Action != "deployment.approved" || got.SubjectID != "dep-1" || *got.UserID != "user-1" {
		t.Fatalf("unexpected event %+v", got)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["notes"] != "ok" {
		t.Fatalf("unexpected payload %s (%v)", got.Payload, err)
	}
}

func TestRecordSwallowsErrors(t *testing.T) {
	svc := New(&fakeAuditRepo{err: errors.New("db down")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Record(context.Background(), nil, "x", "y", "z", nil)
}

type fakeAuditRepo struct {
	events []domain.AuditEvent
	err    error
}

func (f *fakeAuditRepo) InsertAuditEvent(_ context.Context, e *domain.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeAuditRepo) ListAuditEvents(context.Context, string, string, int) ([]domain.AuditEvent, error) {
	return f.events, nil
}
