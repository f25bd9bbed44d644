package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// TokenCorrelation selects how refresh tokens are tied to sessions.
type TokenCorrelation string

const (
	// CorrelateBySession uses the session id stored on each refresh token.
	CorrelateBySession TokenCorrelation = "session"
	// CorrelateByIP matches tokens and sessions by originating IP address.
	CorrelateByIP TokenCorrelation = "ip"
)

const DefaultRefreshTTL = 7 * 24 * time.Hour

// RefreshTokenRotator owns the refresh token state machine:
//
//	Active --rotate--> Revoked(replacedBy=next)
//	Active --revoke--> Revoked
//	Active --time----> Expired (derived, never stored)
//
// Presenting a Revoked token is treated as theft.
type RefreshTokenRotator struct {
	issuer      ports.TokenIssuer
	refreshTTL  time.Duration
	correlation TokenCorrelation
	now         func() time.Time
}

func NewRefreshTokenRotator(issuer ports.TokenIssuer, refreshTTL time.Duration, correlation TokenCorrelation, now func() time.Time) *RefreshTokenRotator {
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if correlation == "" {
		correlation = CorrelateBySession
	}
	if now == nil {
		now = time.Now
	}
	return &RefreshTokenRotator{issuer: issuer, refreshTTL: refreshTTL, correlation: correlation, now: now}
}

// Issue creates a new Active token for userID bound to sessionID.
func (r *RefreshTokenRotator) Issue(ctx context.Context, tx ports.Tx, userID, sessionID string, meta ports.RequestMeta) (*domain.RefreshToken, error) {
	raw, err := r.issuer.IssueRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := r.now().UTC()
	tok := &domain.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Token:     raw,
		ExpiresAt: now.Add(r.refreshTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
	}
	if err := tx.RefreshTokens().Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return tok, nil
}

// Inspect classifies a presented token string. A revoked token is returned
// together with domain.ErrTokenReused so the caller can contain the reuse.
func (r *RefreshTokenRotator) Inspect(ctx context.Context, tx ports.Tx, presented string) (*domain.RefreshToken, error) {
	if presented == "" {
		return nil, &domain.InvalidTokenError{Reason: domain.ReasonTokenNotFound}
	}
	tok, err := tx.RefreshTokens().FindByToken(ctx, presented)
	if errors.Is(err, domain.ErrRefreshTokenNotFound) {
		return nil, &domain.InvalidTokenError{Reason: domain.ReasonTokenNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if tok.IsRevoked {
		return tok, domain.ErrTokenReused
	}
	if tok.IsExpired(r.now()) {
		return tok, &domain.InvalidTokenError{Reason: domain.ReasonTokenExpired}
	}
	if r.correlation == CorrelateBySession && tok.SessionID != "" {
		sess, err := tx.Sessions().FindForUser(ctx, tok.SessionID, tok.UserID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return tok, &domain.InvalidTokenError{Reason: domain.ReasonSessionInactive}
		}
		if err != nil {
			return nil, fmt.Errorf("find token session: %w", err)
		}
		if !sess.IsActive() {
			return tok, &domain.InvalidTokenError{Reason: domain.ReasonSessionInactive}
		}
	}
	return tok, nil
}

// Rotate consumes an Active token and issues its replacement together with a
// fresh access token. It returns domain.ErrTokenReused if another caller
// revoked the token first.
func (r *RefreshTokenRotator) Rotate(ctx context.Context, tx ports.Tx, old *domain.RefreshToken, user *domain.User, meta ports.RequestMeta) (*ports.AuthResult, error) {
	next, err := r.issuer.IssueRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := r.now().UTC()

	revoked, err := tx.RefreshTokens().Revoke(ctx, old.ID, now, &next)
	if err != nil {
		return nil, fmt.Errorf("revoke rotated token: %w", err)
	}
	if !revoked {
		return nil, domain.ErrTokenReused
	}

	tok := &domain.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		SessionID: old.SessionID,
		Token:     next,
		ExpiresAt: now.Add(r.refreshTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
	}
	if err := tx.RefreshTokens().Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	sessionID, err := r.touchSession(ctx, tx, old, now)
	if err != nil {
		return nil, err
	}

	access, expiresAt, err := r.issuer.IssueAccessToken(user.ID, user.Email, user.Role, sessionID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	ev := newEvent(domain.EventTokenRefreshed, user.ID, meta, now, "Access token refreshed successfully",
		map[string]any{"sessionId": sessionID, "tokenId": tok.ID})
	if err := tx.Audit().Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}

	return &ports.AuthResult{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
		User:         user.Profile(),
	}, nil
}

// touchSession advances the activity stamp of the session behind old.
// Tokens issued before session binding fall back to the user's most recent
// active session.
func (r *RefreshTokenRotator) touchSession(ctx context.Context, tx ports.Tx, old *domain.RefreshToken, now time.Time) (string, error) {
	sessionID := old.SessionID
	if sessionID == "" {
		active, err := tx.Sessions().ListActive(ctx, old.UserID)
		if err != nil {
			return "", fmt.Errorf("list sessions: %w", err)
		}
		if len(active) == 0 {
			return "", nil
		}
		sessionID = active[0].ID
	}
	if err := tx.Sessions().Touch(ctx, sessionID, now); err != nil {
		return "", fmt.Errorf("touch session: %w", err)
	}
	return sessionID, nil
}

// ContainReuse marks every Active session of the token owner Compromised and
// records the TokenReused event. Already terminal sessions are left alone,
// so repeating it is harmless.
func (r *RefreshTokenRotator) ContainReuse(ctx context.Context, tx ports.Tx, tok *domain.RefreshToken, meta ports.RequestMeta) error {
	now := r.now().UTC()
	n, err := tx.Sessions().TerminateAllActive(ctx, tok.UserID, domain.SessionCompromised, now)
	if err != nil {
		return fmt.Errorf("compromise sessions: %w", err)
	}
	ev := newEvent(domain.EventTokenReused, tok.UserID, meta, now,
		"Refresh token reuse detected - all sessions revoked",
		map[string]any{"tokenId": tok.ID, "compromisedSessions": n})
	if err := tx.Audit().Append(ctx, ev); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
