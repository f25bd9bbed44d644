package domain

import (
	"strings"
	"time"
)

// Role is the authorization tier carried in access tokens.
type Role string

const (
	RoleGuest   Role = "Guest"
	RoleUser    Role = "User"
	RoleManager Role = "Manager"
	RoleAdmin   Role = "Admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// User models an identity that can authenticate against the service.
//
// Email is stored normalized (trimmed, lower-case) and is unique among users
// that are not soft-deleted. Users are never hard-deleted.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	FullName            string     `json:"fullName"`
	Role                Role       `json:"role"`
	IsActive            bool       `json:"isActive"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	LockoutEndTime      *time.Time `json:"-"`

	AuditFields
	SoftDeleteFields
}

// NewUser builds an active user with a normalized email.
func NewUser(id, email, passwordHash, fullName string, role Role) *User {
	return &User{
		ID:           id,
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		FullName:     strings.TrimSpace(fullName),
		Role:         role,
		IsActive:     true,
	}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RecordLogin stamps a successful authentication.
func (u *User) RecordLogin(now time.Time) {
	t := now.UTC()
	u.LastLoginAt = &t
}

// UpdatePassword replaces the stored hash.
func (u *User) UpdatePassword(hash string) {
	u.PasswordHash = hash
}

// SoftDelete marks the user deleted and inactive. The record is kept.
func (u *User) SoftDelete(now time.Time) {
	u.SoftDeleteFields.SoftDelete(now)
	u.IsActive = false
}

// Profile returns the public view of the user.
func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:          u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		Role:        u.Role,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	c.LockoutEndTime = cloneTime(u.LockoutEndTime)
	c.UpdatedAt = cloneTime(u.UpdatedAt)
	c.DeletedAt = cloneTime(u.DeletedAt)
	return &c
}

// UserProfile is what callers outside the core may see of a user.
type UserProfile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"fullName"`
	Role        Role       `json:"role"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
