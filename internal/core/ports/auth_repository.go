package ports

import (
	"context"
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// UnitOfWork runs fn inside a single store transaction. All writes made
// through tx commit together when fn returns nil and are discarded otherwise.
// Implementations must not retry fn and must not expose partial writes if ctx
// is cancelled before commit.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Users() UserRepository
	RefreshTokens() RefreshTokenRepository
	Sessions() SessionRepository
	Audit() AuditRecorder
}

// UserRepository persists users. Lookups never return soft-deleted users.
type UserRepository interface {
	// FindByEmail expects a normalized email. Returns domain.ErrUserNotFound.
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	// Create returns domain.ErrEmailAlreadyRegistered when a live user owns the email.
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
	Count(ctx context.Context) (int64, error)
}

// RefreshTokenRepository persists refresh tokens. Rows are never deleted.
type RefreshTokenRepository interface {
	// FindByToken returns domain.ErrRefreshTokenNotFound for unknown strings.
	FindByToken(ctx context.Context, token string) (*domain.RefreshToken, error)
	// Create returns domain.ErrDuplicateRefreshToken if the string was ever issued.
	Create(ctx context.Context, token *domain.RefreshToken) error
	// Revoke transitions one token from active to revoked. It reports false,
	// without error, when the token was already revoked by someone else.
	Revoke(ctx context.Context, id string, at time.Time, replacedBy *string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	RevokeForSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error)
	RevokeForUserIP(ctx context.Context, userID, ip string, at time.Time) (int64, error)
}

// SessionRepository persists device sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	// FindForUser returns domain.ErrSessionNotFound unless the session
	// exists and belongs to userID.
	FindForUser(ctx context.Context, id, userID string) (*domain.Session, error)
	// ListActive is ordered by LastActivityAt descending.
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
	// LatestActiveByIP returns the most recently active session for userID
	// originating from ip, or domain.ErrSessionNotFound.
	LatestActiveByIP(ctx context.Context, userID, ip string) (*domain.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// Terminate moves one Active session to status. Reports false when the
	// session was not Active.
	Terminate(ctx context.Context, id string, status domain.SessionStatus, at time.Time) (bool, error)
	// TerminateAllActive moves every Active session of userID to status.
	TerminateAllActive(ctx context.Context, userID string, status domain.SessionStatus, at time.Time) (int64, error)
}
