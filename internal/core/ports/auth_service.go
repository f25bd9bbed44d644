package ports

import (
	"context"
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// RequestMeta is caller context supplied by the transport. It is recorded in
// audit events and used for session correlation, never for authorization.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type RegisterInput struct {
	Email    string
	Password string
	FullName string
	Meta     RequestMeta
}

type LoginInput struct {
	Email      string
	Password   string
	DeviceName string
	Meta       RequestMeta
}

type ChangePasswordInput struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
	Meta            RequestMeta
}

// AuthResult is returned by Login and Refresh.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SessionID    string
	User         domain.UserProfile
}

// AuthService exposes the authentication operations.
type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.UserProfile, error)
	Login(ctx context.Context, in LoginInput) (*AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*AuthResult, error)
	Logout(ctx context.Context, refreshToken string, meta RequestMeta) error
	ChangePassword(ctx context.Context, in ChangePasswordInput) error
	UnlockAccount(ctx context.Context, userID string, meta RequestMeta) error
}

// SessionService exposes session management for an authenticated user.
type SessionService interface {
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
	RevokeSession(ctx context.Context, sessionID, userID string, meta RequestMeta) error
	RevokeAllSessions(ctx context.Context, userID string, meta RequestMeta) error
}

// PasswordHasher is the credential verifier capability.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	UserID    string
	Email     string
	Role      domain.Role
	SessionID string
	ExpiresAt time.Time
}

// TokenIssuer mints access tokens and opaque refresh token strings.
type TokenIssuer interface {
	IssueAccessToken(userID, email string, role domain.Role, sessionID string) (token string, expiresAt time.Time, err error)
	IssueRefreshToken() (string, error)
}

// AccessTokenVerifier validates access tokens presented to protected routes.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (*AccessClaims, error)
}
