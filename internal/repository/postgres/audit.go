package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

var errMissingAudit = errors.New("audit event required")

// InsertAuditEvent appends an audit event.
func (r *Repository) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil {
		return errMissingAudit
	}
	return mapError(insertAuditEvent(ctx, r.pool, event))
}

// ListAuditEvents returns the newest events for a subject.
func (r *Repository) ListAuditEvents(ctx context.Context, subjectType, subjectID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, user_id, action, subject_type, subject_id, payload, created_at
		FROM audit_events WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, subjectType, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.SubjectType, &e.SubjectID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertAuditEvent(ctx context.Context, db execer, e *domain.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_events (id, user_id, action, subject_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := db.Exec(ctx, query,
		e.ID,
		stringPtrToNil(e.UserID),
		e.Action,
		e.SubjectType,
		e.SubjectID,
		bytesToNil(e.Payload),
		e.CreatedAt.UTC(),
	)
	return err
}
