package repository

import (
	"context"
	"errors"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

type UserListQuery struct {
	PageRequest
	SortBy    string
	SortOrder string
	Email     string
	Status    string
}

type UserRepository interface {
	FindByID(id uint) (*domain.User, error)
	FindByEmail(email string) (*domain.User, error)
	FindByPhone(phone string) (*domain.User, error)
	FindByUsername(username string) (*domain.User, error)
	Create(user *domain.User) error
	Update(user *domain.User) error
	UpdateLastLogin(id uint, at time.Time) error
	SetVerified(id uint, emailVerified, phoneVerified *bool, status *domain.UserStatus) error
	SetPasswordHash(id uint, hash string) error
	ListPaged(query UserListQuery) (PageResult[domain.User], error)
}

// Sort columns accepted by ListPaged. Anything else falls back to the
// id ordering.
var sortableUserColumns = map[string]bool{
	"email":         true,
	"status":        true,
	"created_at":    true,
	"last_login_at": true,
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(id uint) (*domain.User, error) {
	return r.findOne("find_by_id", func(q *gorm.DB) *gorm.DB { return q.Where("id = ?", id) })
}

func (r *GormUserRepository) FindByEmail(email string) (*domain.User, error) {
	return r.findOne("find_by_email", func(q *gorm.DB) *gorm.DB { return q.Where("email = ?", email) })
}

func (r *GormUserRepository) FindByPhone(phone string) (*domain.User, error) {
	return r.findOne("find_by_phone", func(q *gorm.DB) *gorm.DB { return q.Where("phone = ?", phone) })
}

func (r *GormUserRepository) FindByUsername(username string) (*domain.User, error) {
	return r.findOne("find_by_username", func(q *gorm.DB) *gorm.DB { return q.Where("username = ?", username) })
}

func (r *GormUserRepository) findOne(op string, scope func(*gorm.DB) *gorm.DB) (*domain.User, error) {
	var u domain.User
	err := scope(r.db.Preload("Roles.Permissions")).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", op, "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", op, "success")
	return &u, nil
}

func (r *GormUserRepository) Create(user *domain.User) error {
	err := r.db.Create(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "create", "success")
	return nil
}

func (r *GormUserRepository) Update(user *domain.User) error {
	err := r.db.Save(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update", "success")
	return nil
}

func (r *GormUserRepository) UpdateLastLogin(id uint, at time.Time) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Update("last_login_at", at).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update_last_login", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update_last_login", "success")
	return nil
}

// SetVerified flips the requested verification flags and, when status is
// given, the account status in one update.
func (r *GormUserRepository) SetVerified(id uint, emailVerified, phoneVerified *bool, status *domain.UserStatus) error {
	updates := map[string]any{}
	if emailVerified != nil {
		updates["email_verified"] = *emailVerified
	}
	if phoneVerified != nil {
		updates["phone_verified"] = *phoneVerified
	}
	if status != nil {
		updates["status"] = *status
	}
	if len(updates) == 0 {
		return nil
	}
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "set_verified", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "set_verified", "success")
	return nil
}

func (r *GormUserRepository) SetPasswordHash(id uint, hash string) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Update("password_hash", hash).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "set_password_hash", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "set_password_hash", "success")
	return nil
}

func (r *GormUserRepository) ListPaged(query UserListQuery) (PageResult[domain.User], error) {
	req := normalizePageRequest(query.PageRequest)
	result := PageResult[domain.User]{
		Page:     req.Page,
		PageSize: req.PageSize,
	}

	base := r.db.Model(&domain.User{})
	if query.Email != "" {
		base = base.Where("users.email LIKE ?", query.Email+"%")
	}
	if query.Status != "" {
		base = base.Where("users.status = ?", query.Status)
	}

	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "error")
		return PageResult[domain.User]{}, err
	}

	direction := "asc"
	if query.SortOrder == "desc" {
		direction = "desc"
	}
	listQuery := base.Preload("Roles")
	if sortableUserColumns[query.SortBy] {
		listQuery = listQuery.Order("users." + query.SortBy + " " + direction)
	}
	listQuery = listQuery.Order("users.id " + direction)

	offset := (req.Page - 1) * req.PageSize
	if err := listQuery.Offset(offset).Limit(req.PageSize).Find(&result.Items).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "error")
		return PageResult[domain.User]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observability.RecordRepositoryOperation(context.Background(), "user", "list_paged", "success")
	return result, nil
}
