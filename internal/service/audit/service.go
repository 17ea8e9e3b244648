package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

// Service appends audit events. Recording failures are logged and never
// interrupt the audited action.
type Service struct {
	events repository.AuditRepository
	logger *slog.Logger
}

// New returns an audit service.
func New(events repository.AuditRepository, logger *slog.Logger) Service {
	return Service{events: events, logger: logger.With("component", "audit")}
}

// Event builds an event without persisting it, for callers that store it
// inside their own transaction.
func Event(userID *string, action, subjectType, subjectID string, payload map[string]any) *domain.AuditEvent {
	event := &domain.AuditEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		CreatedAt:   time.Now().UTC(),
	}
	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = data
		}
	}
	return event
}

// Record persists an event.
func (s Service) Record(ctx context.Context, userID *string, action, subjectType, subjectID string, payload map[string]any) {
	event := Event(userID, action, subjectType, subjectID, payload)
	if err := s.events.InsertAuditEvent(ctx, event); err != nil {
		s.logger.Error("failed to record audit event", "action", action, "subject_id", subjectID, "error", err)
	}
}

// List returns the newest events for a subject.
func (s Service) List(ctx context.Context, subjectType, subjectID string, limit int) ([]domain.AuditEvent, error) {
	return s.events.ListAuditEvents(ctx, subjectType, subjectID, limit)
}
