package domain

import "time"

// RefreshToken is one link of a rotation chain. The token value is opaque
// random material, never a JWT; validity is decided entirely by this record.
type RefreshToken struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Token           string     `gorm:"size:160;uniqueIndex;not null" json:"-"`
	UserID          uint       `gorm:"index;not null" json:"user_id"`
	DeviceID        *string    `gorm:"size:128;index" json:"device_id,omitempty"`
	DeviceType      *string    `gorm:"size:32" json:"device_type,omitempty"`
	SessionID       *uint      `gorm:"index" json:"session_id,omitempty"`
	ExpiresAt       time.Time  `gorm:"index;not null" json:"expires_at"`
	IsRevoked       bool       `gorm:"index;not null;default:false" json:"is_revoked"`
	ReplacedByToken *string    `gorm:"size:160" json:"-"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Usable reports whether the token can still mint access tokens.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}
