package domain

import "time"

// RefreshToken is one issued refresh credential. Records are kept after
// revocation so that a second presentation can be recognised as reuse.
type RefreshToken struct {
	ID              string
	UserID          string
	SessionID       string
	Token           string
	ExpiresAt       time.Time
	IsRevoked       bool
	RevokedAt       *time.Time
	ReplacedByToken *string
	IPAddress       string
	UserAgent       string
	CreatedAt       time.Time
}

// IsExpired reports whether now has reached ExpiresAt.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token can still be exchanged.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// Revoke moves the token to its terminal state. replacedBy is set only when
// the token was consumed by rotation. Returns false if already revoked.
func (t *RefreshToken) Revoke(now time.Time, replacedBy string) bool {
	if t.IsRevoked {
		return false
	}
	at := now.UTC()
	t.IsRevoked = true
	t.RevokedAt = &at
	if replacedBy != "" {
		r := replacedBy
		t.ReplacedByToken = &r
	}
	return true
}

func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	c := *t
	c.RevokedAt = cloneTime(t.RevokedAt)
	if t.ReplacedByToken != nil {
		r := *t.ReplacedByToken
		c.ReplacedByToken = &r
	}
	return &c
}
