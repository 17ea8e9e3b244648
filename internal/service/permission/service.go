// Package permission answers authorization questions from stored grants.
package permission

import (
	"context"
	"fmt"
	"slices"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
)

// Service resolves global and project-scoped permissions.
type Service struct {
	users repository.UserRepository
}

// New returns a permission service.
func New(users repository.UserRepository) Service {
	return Service{users: users}
}

// Can reports whether userID holds a global permission.
func (s Service) Can(ctx context.Context, userID, permission string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return s.users.UserHasPermission(ctx, userID, permission)
}

// CanApprove reports whether userID may decide approvals for projectID:
// either approve_all_deployments or approve_deployments scoped to the project.
func (s Service) CanApprove(ctx context.Context, userID, projectID string) (bool, error) {
	all, err := s.Can(ctx, userID, domain.PermApproveAllDeployments)
	if err != nil || all {
		return all, err
	}
	scoped, err := s.users.ProjectIDsWithPermission(ctx, userID, domain.PermApproveDeployments)
	if err != nil {
		return false, fmt.Errorf("load project permissions: %w", err)
	}
	return slices.Contains(scoped, projectID), nil
}

// ApprovableProjects returns the projects userID may approve for. A nil
// slice with all=true means every project.
func (s Service) ApprovableProjects(ctx context.Context, userID string) (ids []string, all bool, err error) {
	all, err = s.Can(ctx, userID, domain.PermApproveAllDeployments)
	if err != nil || all {
		return nil, all, err
	}
	ids, err = s.users.ProjectIDsWithPermission(ctx, userID, domain.PermApproveDeployments)
	if err != nil {
		return nil, false, fmt.Errorf("load project permissions: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, false, nil
}

// Approvers lists users allowed to approve deployments of projectID,
// de-duplicated and in email order per grant.
func (s Service) Approvers(ctx context.Context, projectID string) ([]domain.User, error) {
	global, err := s.users.ListUsersWithPermission(ctx, domain.PermApproveAllDeployments, "")
	if err != nil {
		return nil, fmt.Errorf("list global approvers: %w", err)
	}
	scoped, err := s.users.ListUsersWithPermission(ctx, domain.PermApproveDeployments, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project approvers: %w", err)
	}
	seen := make(map[string]struct{}, len(global)+len(scoped))
	out := make([]domain.User, 0, len(global)+len(scoped))
	for _, u := range append(global, scoped...) {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// User loads a user record.
func (s Service) User(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, userID)
}
