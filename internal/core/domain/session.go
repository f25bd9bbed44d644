package domain

import "time"

// SessionStatus represents the lifecycle state of a device session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "Active"
	SessionExpired     SessionStatus = "Expired"
	SessionRevoked     SessionStatus = "Revoked"
	SessionCompromised SessionStatus = "Compromised"
)

// DefaultDeviceName is used when the caller does not name its device.
const DefaultDeviceName = "Unknown Device"

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// Session is one authenticated device or browser instance.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"-"`
	DeviceName     string        `json:"deviceName"`
	IPAddress      string        `json:"ipAddress,omitempty"`
	UserAgent      string        `json:"userAgent,omitempty"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Status         SessionStatus `json:"status"`
	RevokedAt      *time.Time    `json:"-"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// NewSession returns an Active session stamped at now.
func NewSession(id, userID, deviceName, ip, userAgent string, now time.Time) *Session {
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}
	at := now.UTC()
	return &Session{
		ID:             id,
		UserID:         userID,
		DeviceName:     deviceName,
		IPAddress:      ip,
		UserAgent:      userAgent,
		LastActivityAt: at,
		Status:         SessionActive,
		CreatedAt:      at,
	}
}

func (s *Session) IsActive() bool { return s.Status == SessionActive }

// Touch advances LastActivityAt on an active session.
func (s *Session) Touch(now time.Time) {
	if s.IsActive() {
		s.LastActivityAt = now.UTC()
	}
}

// Terminate moves an Active session into the terminal status to. It returns
// false and leaves the session untouched if it is already terminal.
func (s *Session) Terminate(to SessionStatus, now time.Time) bool {
	if !s.IsActive() || !to.Terminal() {
		return false
	}
	s.Status = to
	if to != SessionExpired {
		at := now.UTC()
		s.RevokedAt = &at
	}
	return true
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.RevokedAt = cloneTime(s.RevokedAt)
	return &c
}
