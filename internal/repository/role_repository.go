package repository

import (
	"context"
	"errors"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"
	"gorm.io/gorm"
)

var (
	ErrRoleNotFound  = errors.New("role not found")
	ErrNoDefaultRole = errors.New("no default role configured")
)

type RoleRepository interface {
	FindByID(id uint) (*domain.Role, error)
	FindByName(name string) (*domain.Role, error)
	FindDefault() (*domain.Role, error)
	List() ([]domain.Role, error)
	Create(role *domain.Role, permissionIDs []uint) error
	Update(role *domain.Role, permissionIDs []uint) error
	DeleteByID(id uint) error

	// Assign is idempotent per (user, role): when the pair already
	// exists the existing record comes back with created=false.
	Assign(userID, roleID uint) (*domain.UserRole, bool, error)
	Unassign(userID, roleID uint) (bool, error)
	CountAssignments(roleID uint) (int64, error)
	RolesByUser(userID uint) ([]domain.Role, error)
}

type GormRoleRepository struct{ db *gorm.DB }

func NewRoleRepository(db *gorm.DB) RoleRepository { return &GormRoleRepository{db: db} }

func (r *GormRoleRepository) FindByID(id uint) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").First(&role, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_id", "success")
	return &role, nil
}

func (r *GormRoleRepository) FindByName(name string) (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").Where("name = ?", name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_by_name", "success")
	return &role, nil
}

func (r *GormRoleRepository) FindDefault() (*domain.Role, error) {
	var role domain.Role
	err := r.db.Preload("Permissions").Where("is_default = ?", true).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "role", "find_default", "not_found")
			return nil, ErrNoDefaultRole
		}
		observability.RecordRepositoryOperation(context.Background(), "role", "find_default", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "find_default", "success")
	return &role, nil
}

func (r *GormRoleRepository) List() ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.Preload("Permissions").Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "list", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "list", "success")
	return roles, err
}

func (r *GormRoleRepository) Create(role *domain.Role, permissionIDs []uint) error {
	if err := r.db.Create(role).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	if len(permissionIDs) == 0 {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "success")
		return nil
	}
	var perms []domain.Permission
	if err := r.db.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	if err := r.db.Model(role).Association("Permissions").Replace(perms); err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "create", "success")
	return nil
}

func (r *GormRoleRepository) Update(role *domain.Role, permissionIDs []uint) error {
	if err := r.db.Save(role).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "update", "error")
		return err
	}
	if permissionIDs != nil {
		var perms []domain.Permission
		if len(permissionIDs) > 0 {
			if err := r.db.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
				observability.RecordRepositoryOperation(context.Background(), "role", "update", "error")
				return err
			}
		}
		if err := r.db.Model(role).Association("Permissions").Replace(perms); err != nil {
			observability.RecordRepositoryOperation(context.Background(), "role", "update", "error")
			return err
		}
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "update", "success")
	return nil
}

func (r *GormRoleRepository) DeleteByID(id uint) error {
	res := r.db.Delete(&domain.Role{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "delete_by_id", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "role", "delete_by_id", "not_found")
		return ErrRoleNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "delete_by_id", "success")
	return nil
}

func (r *GormRoleRepository) Assign(userID, roleID uint) (*domain.UserRole, bool, error) {
	var existing domain.UserRole
	err := r.db.Where("user_id = ? AND role_id = ?", userID, roleID).First(&existing).Error
	if err == nil {
		observability.RecordRepositoryOperation(context.Background(), "user_role", "assign", "exists")
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		observability.RecordRepositoryOperation(context.Background(), "user_role", "assign", "error")
		return nil, false, err
	}

	record := domain.UserRole{UserID: userID, RoleID: roleID}
	if err := r.db.Create(&record).Error; err != nil {
		// A concurrent assign can win the race past the existence check;
		// the unique index turns that into a fetch of the winner's row.
		var winner domain.UserRole
		if ferr := r.db.Where("user_id = ? AND role_id = ?", userID, roleID).First(&winner).Error; ferr == nil {
			observability.RecordRepositoryOperation(context.Background(), "user_role", "assign", "exists")
			return &winner, false, nil
		}
		observability.RecordRepositoryOperation(context.Background(), "user_role", "assign", "error")
		return nil, false, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user_role", "assign", "success")
	return &record, true, nil
}

func (r *GormRoleRepository) Unassign(userID, roleID uint) (bool, error) {
	res := r.db.Where("user_id = ? AND role_id = ?", userID, roleID).Delete(&domain.UserRole{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "user_role", "unassign", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "user_role", "unassign", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(context.Background(), "user_role", "unassign", "success")
	return true, nil
}

func (r *GormRoleRepository) CountAssignments(roleID uint) (int64, error) {
	var count int64
	err := r.db.Model(&domain.UserRole{}).Where("role_id = ?", roleID).Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user_role", "count_assignments", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user_role", "count_assignments", "success")
	return count, nil
}

func (r *GormRoleRepository) RolesByUser(userID uint) ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.Preload("Permissions").
		Joins("JOIN user_roles ur ON ur.role_id = roles.id").
		Where("ur.user_id = ?", userID).
		Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "role", "roles_by_user", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(context.Background(), "role", "roles_by_user", "success")
	return roles, nil
}
