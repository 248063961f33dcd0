package service

import (
	"context"
	"errors"
	"sort"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/repository"
)

var (
	ErrRoleInUse          = errors.New("role is assigned to users")
	ErrRoleAlreadyExists  = errors.New("role already exists")
	ErrPermissionConflict = errors.New("permission already exists")
)

type RBACService struct {
	roleRepo repository.RoleRepository
	permRepo repository.PermissionRepository
	cache    RBACPermissionCacheStore
}

func NewRBACService(roleRepo repository.RoleRepository, permRepo repository.PermissionRepository, cache RBACPermissionCacheStore) *RBACService {
	return &RBACService{
		roleRepo: roleRepo,
		permRepo: permRepo,
		cache:    cache,
	}
}

// EffectivePermissions unions permissions across all of a user's roles.
// The result is deduplicated and sorted so two users with the same grants
// always compare equal.
func (s *RBACService) EffectivePermissions(userID uint) ([]string, error) {
	roles, err := s.roleRepo.RolesByUser(userID)
	if err != nil {
		return nil, err
	}
	return flattenPermissions(roles), nil
}

func flattenPermissions(roles []domain.Role) []string {
	seen := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range role.Permissions {
			seen[perm.Name()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *RBACService) UserRoles(userID uint) ([]domain.Role, error) {
	return s.roleRepo.RolesByUser(userID)
}

// AssignRole grants a role to a user. Re-assigning an already held role
// is a no-op and reports created=false.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleID uint) (created bool, err error) {
	if _, err := s.roleRepo.FindByID(roleID); err != nil {
		return false, err
	}
	_, created, err = s.roleRepo.Assign(userID, roleID)
	if err != nil {
		return false, err
	}
	if created {
		s.invalidateUser(ctx, userID)
	}
	return created, nil
}

func (s *RBACService) RevokeRole(ctx context.Context, userID, roleID uint) (removed bool, err error) {
	removed, err = s.roleRepo.Unassign(userID, roleID)
	if err != nil {
		return false, err
	}
	if removed {
		s.invalidateUser(ctx, userID)
	}
	return removed, nil
}

// AssignDefaultRole attaches the configured default role to a freshly
// registered user. Missing default role is reported to the caller, who
// decides whether registration proceeds without one.
func (s *RBACService) AssignDefaultRole(ctx context.Context, userID uint) error {
	role, err := s.roleRepo.FindDefault()
	if err != nil {
		return err
	}
	if _, _, err := s.roleRepo.Assign(userID, role.ID); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

func (s *RBACService) ListRoles() ([]domain.Role, error) {
	return s.roleRepo.List()
}

func (s *RBACService) GetRole(id uint) (*domain.Role, error) {
	return s.roleRepo.FindByID(id)
}

func (s *RBACService) CreateRole(ctx context.Context, name, description string, isDefault bool, permissionIDs []uint) (*domain.Role, error) {
	if _, err := s.roleRepo.FindByName(name); err == nil {
		return nil, ErrRoleAlreadyExists
	} else if !errors.Is(err, repository.ErrRoleNotFound) {
		return nil, err
	}
	role := &domain.Role{Name: name, Description: description, IsDefault: isDefault}
	if err := s.roleRepo.Create(role, permissionIDs); err != nil {
		return nil, err
	}
	s.invalidateAll(ctx)
	return role, nil
}

func (s *RBACService) UpdateRolePermissions(ctx context.Context, roleID uint, permissionIDs []uint) (*domain.Role, error) {
	role, err := s.roleRepo.FindByID(roleID)
	if err != nil {
		return nil, err
	}
	if err := s.roleRepo.Update(role, permissionIDs); err != nil {
		return nil, err
	}
	s.invalidateAll(ctx)
	return s.roleRepo.FindByID(roleID)
}

func (s *RBACService) DeleteRole(ctx context.Context, roleID uint) error {
	role, err := s.roleRepo.FindByID(roleID)
	if err != nil {
		return err
	}
	assigned, err := s.roleRepo.CountAssignments(role.ID)
	if err != nil {
		return err
	}
	if assigned > 0 {
		return ErrRoleInUse
	}
	if err := s.roleRepo.DeleteByID(role.ID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

func (s *RBACService) ListPermissions() ([]domain.Permission, error) {
	return s.permRepo.List()
}

func (s *RBACService) CreatePermission(resource, action, description string) (*domain.Permission, error) {
	if _, err := s.permRepo.FindByResourceAction(resource, action); err == nil {
		return nil, ErrPermissionConflict
	} else if !errors.Is(err, repository.ErrPermissionNotFound) {
		return nil, err
	}
	perm := &domain.Permission{Resource: resource, Action: action, Description: description}
	if err := s.permRepo.Create(perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *RBACService) DeletePermission(ctx context.Context, id uint) error {
	if err := s.permRepo.DeleteByID(id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

func (s *RBACService) invalidateUser(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	_ = s.cache.InvalidateUser(ctx, userID)
}

func (s *RBACService) invalidateAll(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.InvalidateAll(ctx)
}
