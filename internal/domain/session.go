package domain

import "time"

// UserSession is the human-visible device record. It survives refresh-token
// rotation; logout is the only flow that cascades between the two.
type UserSession struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Token        string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	UserID       uint      `gorm:"index;not null" json:"user_id"`
	DeviceID     *string   `gorm:"size:128;index" json:"device_id,omitempty"`
	DeviceType   *string   `gorm:"size:32" json:"device_type,omitempty"`
	DeviceName   *string   `gorm:"size:128" json:"device_name,omitempty"`
	IP           string    `gorm:"size:64" json:"ip"`
	UserAgent    string    `gorm:"size:512" json:"user_agent"`
	Location     *string   `gorm:"size:128" json:"location,omitempty"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expires_at"`
	LastActiveAt time.Time `gorm:"index;not null" json:"last_active_at"`
	IsActive     bool      `gorm:"index;not null;default:true" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
