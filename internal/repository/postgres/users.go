package postgres

import (
	"context"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

// GetUserByID fetches a user together with global permissions.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT u.id, u.name, u.email, u.created_at,
			COALESCE(ARRAY_AGG(p.permission) FILTER (WHERE p.permission IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_permissions p ON p.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id`
	var u domain.User
	if err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.Permissions); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// UserHasPermission reports whether the user holds a global permission.
func (r *Repository) UserHasPermission(ctx context.Context, userID, permission string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM user_permissions WHERE user_id = $1 AND permission = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, userID, permission).Scan(&ok); err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

// ProjectIDsWithPermission lists projects where the user holds a scoped permission.
func (r *Repository) ProjectIDsWithPermission(ctx context.Context, userID, permission string) ([]string, error) {
	const query = `SELECT project_id::text FROM project_members WHERE user_id = $1 AND permission = $2 ORDER BY project_id`
	rows, err := r.pool.Query(ctx, query, userID, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUsersWithPermission lists users holding permission globally or, when
// projectID is set, scoped to that project.
func (r *Repository) ListUsersWithPermission(ctx context.Context, permission, projectID string) ([]domain.User, error) {
	const query = `SELECT DISTINCT u.id, u.name, u.email, u.created_at
		FROM users u
		LEFT JOIN user_permissions up ON up.user_id = u.id AND up.permission = $1
		LEFT JOIN project_members pm ON pm.user_id = u.id AND pm.permission = $1 AND pm.project_id::text = $2
		WHERE up.user_id IS NOT NULL OR pm.user_id IS NOT NULL
		ORDER BY u.email`
	rows, err := r.pool.Query(ctx, query, permission, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
