package service

import (
	"context"
	"errors"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/repository"
)

var ErrSelfStatusChange = errors.New("cannot change own account status")

type UpdateProfileInput struct {
	Username *string
	Phone    *string
}

// UserService covers profile reads and the admin user surface. Role
// mutations route through RBACService so cache invalidation stays in
// one place.
type UserService struct {
	userRepo repository.UserRepository
	rbac     *RBACService
}

func NewUserService(userRepo repository.UserRepository, rbac *RBACService) *UserService {
	return &UserService{userRepo: userRepo, rbac: rbac}
}

// GetByID returns the user together with their effective permissions.
func (s *UserService) GetByID(id uint) (*domain.User, []string, error) {
	user, err := s.userRepo.FindByID(id)
	if err != nil {
		return nil, nil, err
	}
	return user, flattenPermissions(user.Roles), nil
}

// UpdateProfile changes the mutable profile fields. Changing the phone
// number clears its verified flag until the new number is confirmed.
func (s *UserService) UpdateProfile(id uint, in UpdateProfileInput) (*domain.User, error) {
	user, err := s.userRepo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if in.Username != nil {
		if other, err := s.userRepo.FindByUsername(*in.Username); err == nil && other.ID != id {
			return nil, ErrUsernameTaken
		} else if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
		user.Username = in.Username
	}
	if in.Phone != nil {
		if other, err := s.userRepo.FindByPhone(*in.Phone); err == nil && other.ID != id {
			return nil, ErrPhoneTaken
		} else if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
		if user.Phone == nil || *user.Phone != *in.Phone {
			user.Phone = in.Phone
			user.PhoneVerified = false
		}
	}
	if err := s.userRepo.Update(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) List(query repository.UserListQuery) (repository.PageResult[domain.User], error) {
	return s.userRepo.ListPaged(query)
}

// SetStatus is the admin suspend/reactivate switch. Admins cannot lock
// themselves out.
func (s *UserService) SetStatus(actorID, userID uint, status domain.UserStatus) (*domain.User, error) {
	if actorID == userID {
		return nil, ErrSelfStatusChange
	}
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	user.Status = status
	if err := s.userRepo.Update(user); err != nil {
		return nil, err
	}
	return user, nil
}

// SetRoles replaces a user's role grants with the given set.
func (s *UserService) SetRoles(ctx context.Context, userID uint, roleIDs []uint) error {
	if _, err := s.userRepo.FindByID(userID); err != nil {
		return err
	}
	current, err := s.rbac.UserRoles(userID)
	if err != nil {
		return err
	}
	wanted := make(map[uint]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = struct{}{}
	}
	for _, role := range current {
		if _, keep := wanted[role.ID]; keep {
			delete(wanted, role.ID)
			continue
		}
		if _, err := s.rbac.RevokeRole(ctx, userID, role.ID); err != nil {
			return err
		}
	}
	for id := range wanted {
		if _, err := s.rbac.AssignRole(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}
