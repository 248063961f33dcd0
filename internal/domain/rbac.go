package domain

import "time"

type Role struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Description string       `gorm:"size:255" json:"description,omitempty"`
	IsDefault   bool         `gorm:"index;not null;default:false" json:"is_default"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is a resource+action pair, unique by the composite.
type Permission struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Resource    string    `gorm:"size:64;uniqueIndex:idx_permissions_resource_action;not null" json:"resource"`
	Action      string    `gorm:"size:64;uniqueIndex:idx_permissions_resource_action;not null" json:"action"`
	Description string    `gorm:"size:255" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name renders the canonical "resource:action" form used in claims and
// policy tables.
func (p Permission) Name() string {
	return p.Resource + ":" + p.Action
}

// UserRole maps onto the user_roles join table backing User.Roles.
// Declared explicitly so assignment can be idempotent per (user, role).
type UserRole struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex:idx_user_roles_user_role;not null" json:"user_id"`
	RoleID    uint      `gorm:"uniqueIndex:idx_user_roles_user_role;not null" json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (UserRole) TableName() string { return "user_roles" }
