package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// SessionRegistry tracks device sessions and the refresh tokens tied to them.
type SessionRegistry struct {
	uow         ports.UnitOfWork
	correlation TokenCorrelation
	events      ports.EventPublisher
	log         zerolog.Logger
	now         func() time.Time
}

var _ ports.SessionService = (*SessionRegistry)(nil)

func NewSessionRegistry(uow ports.UnitOfWork, correlation TokenCorrelation, events ports.EventPublisher, log zerolog.Logger, now func() time.Time) *SessionRegistry {
	if correlation == "" {
		correlation = CorrelateBySession
	}
	if events == nil {
		events = ports.NopPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{uow: uow, correlation: correlation, events: events, log: log, now: now}
}

// ListActive returns the user's Active sessions, most recently used first.
func (r *SessionRegistry) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := r.uow.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		sessions, err = tx.Sessions().ListActive(ctx, userID)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("list sessions failed")
		return nil, domain.Internal("list sessions", err)
	}
	return sessions, nil
}

// RevokeSession ends one session owned by userID and revokes the refresh
// tokens correlated with it.
func (r *SessionRegistry) RevokeSession(ctx context.Context, sessionID, userID string, meta ports.RequestMeta) error {
	var failure error
	err := runUnit(ctx, r.uow, r.events, func(ctx context.Context, tx ports.Tx) error {
		failure = nil
		sess, err := tx.Sessions().FindForUser(ctx, sessionID, userID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			failure = domain.ErrSessionNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("find session: %w", err)
		}
		if !sess.IsActive() {
			failure = domain.ErrSessionAlreadyInactive
			return nil
		}

		now := r.now().UTC()
		ok, err := tx.Sessions().Terminate(ctx, sess.ID, domain.SessionRevoked, now)
		if err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
		if !ok {
			failure = domain.ErrSessionAlreadyInactive
			return nil
		}

		revoked, err := r.revokeCorrelatedTokens(ctx, tx, sess, now)
		if err != nil {
			return err
		}

		ev := newEvent(domain.EventSessionRevoked, userID, meta, now,
			"Session revoked manually from device: "+sess.DeviceName,
			map[string]any{"sessionId": sess.ID, "revokedTokens": revoked})
		return tx.Audit().Append(ctx, ev)
	})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("revoke session failed")
		return domain.Internal("revoke session", err)
	}
	return failure
}

// RevokeAllSessions ends every Active session of userID and revokes all of
// its refresh tokens. A user with no Active session is left untouched.
func (r *SessionRegistry) RevokeAllSessions(ctx context.Context, userID string, meta ports.RequestMeta) error {
	err := runUnit(ctx, r.uow, r.events, func(ctx context.Context, tx ports.Tx) error {
		now := r.now().UTC()
		n, err := tx.Sessions().TerminateAllActive(ctx, userID, domain.SessionRevoked, now)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		if n == 0 {
			return nil
		}
		tokens, err := tx.RefreshTokens().RevokeAllForUser(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("revoke tokens: %w", err)
		}
		ev := newEvent(domain.EventSessionRevoked, userID, meta, now,
			fmt.Sprintf("All sessions revoked - Total: %d", n),
			map[string]any{"revokedSessions": n, "revokedTokens": tokens})
		return tx.Audit().Append(ctx, ev)
	})
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("revoke all sessions failed")
		return domain.Internal("revoke all sessions", err)
	}
	return nil
}

// open records a new Active session inside the caller's unit of work.
func (r *SessionRegistry) open(ctx context.Context, tx ports.Tx, sess *domain.Session) error {
	if err := tx.Sessions().Create(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// closeForLogout revokes the session the presented token belongs to. It
// returns nil when there is no matching Active session.
func (r *SessionRegistry) closeForLogout(ctx context.Context, tx ports.Tx, tok *domain.RefreshToken, ip string, now time.Time) (*domain.Session, error) {
	var (
		sess *domain.Session
		err  error
	)
	if r.correlation == CorrelateBySession && tok.SessionID != "" {
		sess, err = tx.Sessions().FindForUser(ctx, tok.SessionID, tok.UserID)
	} else {
		sess, err = tx.Sessions().LatestActiveByIP(ctx, tok.UserID, ip)
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find logout session: %w", err)
	}
	if !sess.IsActive() {
		return nil, nil
	}
	ok, err := tx.Sessions().Terminate(ctx, sess.ID, domain.SessionRevoked, now)
	if err != nil {
		return nil, fmt.Errorf("revoke session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if r.correlation == CorrelateBySession {
		if _, err := tx.RefreshTokens().RevokeForSession(ctx, sess.UserID, sess.ID, now); err != nil {
			return nil, fmt.Errorf("revoke session tokens: %w", err)
		}
	}
	return sess, nil
}

// revokeEverything ends all sessions and refresh tokens of a user.
func (r *SessionRegistry) revokeEverything(ctx context.Context, tx ports.Tx, userID string, now time.Time) (sessions, tokens int64, err error) {
	tokens, err = tx.RefreshTokens().RevokeAllForUser(ctx, userID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("revoke tokens: %w", err)
	}
	sessions, err = tx.Sessions().TerminateAllActive(ctx, userID, domain.SessionRevoked, now)
	if err != nil {
		return 0, 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return sessions, tokens, nil
}

func (r *SessionRegistry) revokeCorrelatedTokens(ctx context.Context, tx ports.Tx, sess *domain.Session, now time.Time) (int64, error) {
	var (
		n   int64
		err error
	)
	switch r.correlation {
	case CorrelateByIP:
		n, err = tx.RefreshTokens().RevokeForUserIP(ctx, sess.UserID, sess.IPAddress, now)
	default:
		n, err = tx.RefreshTokens().RevokeForSession(ctx, sess.UserID, sess.ID, now)
	}
	if err != nil {
		return 0, fmt.Errorf("revoke session tokens: %w", err)
	}
	return n, nil
}
