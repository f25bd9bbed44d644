package service

import (
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// LockoutPolicy decides when repeated credential failures suspend logins.
// It performs no I/O; callers persist the user it mutates.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// NewLockoutPolicy falls back to 5 attempts / 15 minutes for non-positive values.
func NewLockoutPolicy(threshold int, duration time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	return LockoutPolicy{Threshold: threshold, Duration: duration}
}

// RecordFailure counts one more consecutive failure. When the new count
// reaches the threshold the lockout window starts at now.
func (p LockoutPolicy) RecordFailure(u *domain.User, now time.Time) (attempts int, shouldLock bool) {
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= p.Threshold {
		end := now.UTC().Add(p.Duration)
		u.LockoutEndTime = &end
		return u.FailedLoginAttempts, true
	}
	return u.FailedLoginAttempts, false
}

// IsLockedOut is true strictly before LockoutEndTime.
func (p LockoutPolicy) IsLockedOut(u *domain.User, now time.Time) bool {
	return u.LockoutEndTime != nil && u.LockoutEndTime.After(now)
}

// RecordSuccess clears the failure counter and any lockout.
func (p LockoutPolicy) RecordSuccess(u *domain.User) {
	u.FailedLoginAttempts = 0
	u.LockoutEndTime = nil
}
