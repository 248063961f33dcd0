package domain

import "time"

type AuthEventType string

const (
	AuthEventRegistration AuthEventType = "REGISTRATION"
	AuthEventLoginSuccess AuthEventType = "LOGIN_SUCCESS"
	AuthEventLoginFailure AuthEventType = "LOGIN_FAILURE"
	AuthEventTokenRefresh AuthEventType = "TOKEN_REFRESH"
	AuthEventLogout       AuthEventType = "LOGOUT"
)

// AuthEvent is an append-only audit record. Rows are never updated; the
// suspicious-login heuristic and throttling windows read recent history.
type AuthEvent struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	EventType     AuthEventType `gorm:"size:32;index;not null" json:"event_type"`
	UserID        *uint         `gorm:"index" json:"user_id,omitempty"`
	Email         *string       `gorm:"size:255;index" json:"email,omitempty"`
	Phone         *string       `gorm:"size:32" json:"phone,omitempty"`
	DeviceID      *string       `gorm:"size:128" json:"device_id,omitempty"`
	DeviceType    *string       `gorm:"size:32" json:"device_type,omitempty"`
	IP            string        `gorm:"size:64" json:"ip"`
	UserAgent     string        `gorm:"size:512" json:"user_agent"`
	Location      *string       `gorm:"size:128" json:"location,omitempty"`
	Success       bool          `gorm:"index;not null" json:"success"`
	FailureReason *string       `gorm:"size:255" json:"failure_reason,omitempty"`
	Metadata      *string       `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
}
