package domain

import "time"

type UserStatus string

const (
	UserStatusPendingVerification UserStatus = "pending_verification"
	UserStatusActive              UserStatus = "active"
	UserStatusInactive            UserStatus = "inactive"
	UserStatusSuspended           UserStatus = "suspended"
)

type AuthProvider string

const (
	AuthProviderLocal  AuthProvider = "local"
	AuthProviderGoogle AuthProvider = "google"
)

type User struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	Email         string       `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Username      *string      `gorm:"size:64;uniqueIndex" json:"username,omitempty"`
	Phone         *string      `gorm:"size:32;uniqueIndex" json:"phone,omitempty"`
	PasswordHash  *string      `gorm:"size:128" json:"-"`
	Status        UserStatus   `gorm:"size:32;index;not null;default:pending_verification" json:"status"`
	Provider      AuthProvider `gorm:"size:32;not null;default:local" json:"provider"`
	EmailVerified bool         `gorm:"not null;default:false" json:"email_verified"`
	PhoneVerified bool         `gorm:"not null;default:false" json:"phone_verified"`
	LastLoginAt   *time.Time   `json:"last_login_at,omitempty"`
	Roles         []Role       `gorm:"many2many:user_roles" json:"roles,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CanLogin reports whether the account status permits authentication.
// Users awaiting OTP verification may still log in.
func (u *User) CanLogin() bool {
	return u.Status == UserStatusActive || u.Status == UserStatusPendingVerification
}
