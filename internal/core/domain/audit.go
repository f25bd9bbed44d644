package domain

import "time"

// AuditEventType enumerates the security events recorded in the audit trail.
type AuditEventType string

const (
	EventUserRegistered   AuditEventType = "UserRegistered"
	EventLoginSuccessful  AuditEventType = "LoginSuccessful"
	EventLoginFailed      AuditEventType = "LoginFailed"
	EventLogoutSuccessful AuditEventType = "LogoutSuccessful"
	EventTokenRefreshed   AuditEventType = "TokenRefreshed"
	EventTokenReused      AuditEventType = "TokenReused"
	EventPasswordChanged  AuditEventType = "PasswordChanged"
	EventSessionRevoked   AuditEventType = "SessionRevoked"
	EventAccountLocked    AuditEventType = "AccountLocked"
	EventAccountUnlocked  AuditEventType = "AccountUnlocked"
)

// AuditLog is an immutable security event. UserID is a weak reference and
// outlives the user's soft-delete.
type AuditLog struct {
	ID             string         `json:"id"`
	EventType      AuditEventType `json:"eventType"`
	Description    string         `json:"description"`
	UserID         *string        `json:"userId,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// UserRef converts a user id into the optional reference stored on AuditLog.
func UserRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
