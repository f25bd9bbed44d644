package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// AuthConfig tunes the orchestrator.
type AuthConfig struct {
	RefreshTTL  time.Duration
	Lockout     LockoutPolicy
	Correlation TokenCorrelation
}

// AuthService composes credential checks, lockout, token issuance and
// session tracking. Every operation runs as one unit of work together with
// the audit event describing it.
type AuthService struct {
	uow      ports.UnitOfWork
	hasher   ports.PasswordHasher
	issuer   ports.TokenIssuer
	lockout  LockoutPolicy
	rotator  *RefreshTokenRotator
	sessions *SessionRegistry
	events   ports.EventPublisher
	log      zerolog.Logger
	now      func() time.Time

	decoyOnce sync.Once
	decoy     string
}

var _ ports.AuthService = (*AuthService)(nil)

func NewAuthService(
	uow ports.UnitOfWork,
	hasher ports.PasswordHasher,
	issuer ports.TokenIssuer,
	sessions *SessionRegistry,
	cfg AuthConfig,
	events ports.EventPublisher,
	log zerolog.Logger,
) *AuthService {
	if events == nil {
		events = ports.NopPublisher{}
	}
	if cfg.Lockout.Threshold <= 0 || cfg.Lockout.Duration <= 0 {
		cfg.Lockout = NewLockoutPolicy(cfg.Lockout.Threshold, cfg.Lockout.Duration)
	}
	now := time.Now
	if sessions != nil && sessions.now != nil {
		now = sessions.now
	}
	return &AuthService{
		uow:      uow,
		hasher:   hasher,
		issuer:   issuer,
		lockout:  cfg.Lockout,
		rotator:  NewRefreshTokenRotator(issuer, cfg.RefreshTTL, cfg.Correlation, now),
		sessions: sessions,
		events:   events,
		log:      log,
		now:      now,
	}
}

// Register creates an active account with the User role.
func (s *AuthService) Register(ctx context.Context, in ports.RegisterInput) (*domain.UserProfile, error) {
	email := domain.NormalizeEmail(in.Email)
	fullName := strings.TrimSpace(in.FullName)
	ve := domain.NewValidationError()
	if email == "" {
		ve.Fields["email"] = "email is required"
	}
	if in.Password == "" {
		ve.Fields["password"] = "password is required"
	}
	if fullName == "" {
		ve.Fields["fullName"] = "full name is required"
	}
	if len(ve.Fields) > 0 {
		return nil, ve
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.internal("register", err)
	}

	var (
		profile *domain.UserProfile
		failure error
	)
	err = runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		profile, failure = nil, nil
		_, err := tx.Users().FindByEmail(ctx, email)
		switch {
		case err == nil:
			failure = domain.ErrEmailAlreadyRegistered
			return nil
		case !errors.Is(err, domain.ErrUserNotFound):
			return fmt.Errorf("find user: %w", err)
		}

		now := s.now().UTC()
		user := domain.NewUser(uuid.NewString(), email, hash, fullName, domain.RoleUser)
		user.SetCreatedBy(domain.ActorFromContext(ctx), now)
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		ev := newEvent(domain.EventUserRegistered, user.ID, in.Meta, now, "New user registered: "+user.Email, nil)
		if err := tx.Audit().Append(ctx, ev); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		p := user.Profile()
		profile = &p
		return nil
	})
	if errors.Is(err, domain.ErrEmailAlreadyRegistered) {
		return nil, domain.ErrEmailAlreadyRegistered
	}
	if err != nil {
		return nil, s.internal("register", err)
	}
	if failure != nil {
		return nil, failure
	}

	s.log.Info().Str("user_id", profile.ID).Msg("user registered")
	return profile, nil
}

// Login verifies credentials, applies the lockout policy and opens a session.
func (s *AuthService) Login(ctx context.Context, in ports.LoginInput) (*ports.AuthResult, error) {
	email := domain.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	var (
		result  *ports.AuthResult
		failure error
	)
	err := runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		result, failure = nil, nil
		now := s.now().UTC()

		user, err := tx.Users().FindByEmail(ctx, email)
		if errors.Is(err, domain.ErrUserNotFound) {
			// Spend the same hashing cost as a real check.
			s.hasher.Verify(in.Password, s.decoyHash())
			failure = domain.ErrInvalidCredentials
			ev := newEvent(domain.EventLoginFailed, "", in.Meta, now, "Login attempt with non-existent email",
				map[string]any{"email": email})
			return tx.Audit().Append(ctx, ev)
		}
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}

		if s.lockout.IsLockedOut(user, now) {
			failure = &domain.AccountLockedError{Until: *user.LockoutEndTime}
			ev := newEvent(domain.EventLoginFailed, user.ID, in.Meta, now, "Login attempt on locked account", nil)
			return tx.Audit().Append(ctx, ev)
		}

		if !user.IsActive {
			failure = domain.ErrInactiveAccount
			return nil
		}

		if !s.hasher.Verify(in.Password, user.PasswordHash) {
			attempts, locked := s.lockout.RecordFailure(user, now)
			user.SetUpdatedBy(domain.ActorFromContext(ctx), now)
			if err := tx.Users().Update(ctx, user); err != nil {
				return fmt.Errorf("update user: %w", err)
			}
			var ev *domain.AuditLog
			if locked {
				failure = &domain.AccountLockedError{Until: *user.LockoutEndTime}
				ev = newEvent(domain.EventAccountLocked, user.ID, in.Meta, now,
					fmt.Sprintf("Account locked due to %d failed login attempts", attempts),
					map[string]any{"attempts": attempts, "lockoutEnd": user.LockoutEndTime.Format(time.RFC3339)})
			} else {
				failure = domain.ErrInvalidCredentials
				ev = newEvent(domain.EventLoginFailed, user.ID, in.Meta, now,
					fmt.Sprintf("Invalid password (attempt %d/%d)", attempts, s.lockout.Threshold),
					map[string]any{"attempts": attempts})
			}
			return tx.Audit().Append(ctx, ev)
		}

		s.lockout.RecordSuccess(user)
		user.RecordLogin(now)
		user.SetUpdatedBy(user.ID, now)
		if err := tx.Users().Update(ctx, user); err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		sess := domain.NewSession(uuid.NewString(), user.ID, in.DeviceName, in.Meta.IPAddress, in.Meta.UserAgent, now)
		if err := s.sessions.open(ctx, tx, sess); err != nil {
			return err
		}
		tok, err := s.rotator.Issue(ctx, tx, user.ID, sess.ID, in.Meta)
		if err != nil {
			return err
		}
		access, expiresAt, err := s.issuer.IssueAccessToken(user.ID, user.Email, user.Role, sess.ID)
		if err != nil {
			return fmt.Errorf("issue access token: %w", err)
		}

		ev := newEvent(domain.EventLoginSuccessful, user.ID, in.Meta, now,
			"User logged in from "+in.Meta.IPAddress,
			map[string]any{"sessionId": sess.ID, "deviceName": sess.DeviceName})
		if err := tx.Audit().Append(ctx, ev); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		result = &ports.AuthResult{
			AccessToken:  access,
			RefreshToken: tok.Token,
			ExpiresAt:    expiresAt,
			SessionID:    sess.ID,
			User:         user.Profile(),
		}
		return nil
	})
	if err != nil {
		return nil, s.internal("login", err)
	}
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta ports.RequestMeta) (*ports.AuthResult, error) {
	result, err := s.refresh(ctx, refreshToken, meta)
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		// The store rolled us back because a concurrent rotation of the same
		// token committed first. Evaluating again observes it as revoked.
		s.log.Warn().Msg("refresh lost a concurrent rotation, re-evaluating token")
		result, err = s.refresh(ctx, refreshToken, meta)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			return nil, s.internal("refresh", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AuthService) refresh(ctx context.Context, presented string, meta ports.RequestMeta) (*ports.AuthResult, error) {
	var (
		result  *ports.AuthResult
		failure error
	)
	err := runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		result, failure = nil, nil

		tok, err := s.rotator.Inspect(ctx, tx, presented)
		switch {
		case errors.Is(err, domain.ErrTokenReused):
			failure = domain.ErrTokenReused
			return s.rotator.ContainReuse(ctx, tx, tok, meta)
		case errors.Is(err, domain.ErrInvalidToken):
			failure = err
			return nil
		case err != nil:
			return err
		}

		user, err := tx.Users().FindByID(ctx, tok.UserID)
		if errors.Is(err, domain.ErrUserNotFound) {
			failure = &domain.InvalidTokenError{Reason: domain.ReasonTokenNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}
		if !user.IsActive {
			failure = domain.ErrInactiveAccount
			return nil
		}

		res, err := s.rotator.Rotate(ctx, tx, tok, user, meta)
		if errors.Is(err, domain.ErrTokenReused) {
			failure = domain.ErrTokenReused
			return s.rotator.ContainReuse(ctx, tx, tok, meta)
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		return nil, err
	}
	if err != nil {
		return nil, s.internal("refresh", err)
	}
	if failure != nil {
		if errors.Is(failure, domain.ErrTokenReused) {
			s.log.Warn().Str("ip", meta.IPAddress).Msg("refresh token reuse detected")
		}
		return nil, failure
	}
	return result, nil
}

// Logout revokes the presented token and the session it belongs to.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, meta ports.RequestMeta) error {
	var failure error
	err := runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		failure = nil
		if refreshToken == "" {
			failure = &domain.InvalidTokenError{Reason: domain.ReasonTokenNotFound}
			return nil
		}
		tok, err := tx.RefreshTokens().FindByToken(ctx, refreshToken)
		if errors.Is(err, domain.ErrRefreshTokenNotFound) {
			failure = &domain.InvalidTokenError{Reason: domain.ReasonTokenNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find refresh token: %w", err)
		}

		now := s.now().UTC()
		if !tok.IsRevoked {
			if _, err := tx.RefreshTokens().Revoke(ctx, tok.ID, now, nil); err != nil {
				return fmt.Errorf("revoke refresh token: %w", err)
			}
		}

		sess, err := s.sessions.closeForLogout(ctx, tx, tok, meta.IPAddress, now)
		if err != nil {
			return err
		}
		extra := map[string]any{"tokenId": tok.ID}
		if sess != nil {
			extra["sessionId"] = sess.ID
		}
		ev := newEvent(domain.EventLogoutSuccessful, tok.UserID, meta, now, "User logged out from "+meta.IPAddress, extra)
		return tx.Audit().Append(ctx, ev)
	})
	if err != nil {
		return s.internal("logout", err)
	}
	return failure
}

// ChangePassword replaces the password and forces re-authentication on every
// device of the user.
func (s *AuthService) ChangePassword(ctx context.Context, in ports.ChangePasswordInput) error {
	if in.NewPassword == "" {
		return domain.NewValidationError("newPassword", "new password is required")
	}

	var failure error
	err := runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		failure = nil
		user, err := tx.Users().FindByID(ctx, in.UserID)
		if errors.Is(err, domain.ErrUserNotFound) {
			failure = domain.ErrUserNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}

		now := s.now().UTC()
		if !s.hasher.Verify(in.CurrentPassword, user.PasswordHash) {
			failure = domain.ErrCurrentPasswordIncorrect
			ev := newEvent(domain.EventPasswordChanged, user.ID, in.Meta, now,
				"Failed password change attempt - incorrect current password",
				map[string]any{"success": false})
			return tx.Audit().Append(ctx, ev)
		}

		hash, err := s.hasher.Hash(in.NewPassword)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		user.UpdatePassword(hash)
		user.SetUpdatedBy(domain.ActorFromContext(ctx), now)
		if err := tx.Users().Update(ctx, user); err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		sessions, tokens, err := s.sessions.revokeEverything(ctx, tx, user.ID, now)
		if err != nil {
			return err
		}
		ev := newEvent(domain.EventPasswordChanged, user.ID, in.Meta, now,
			"Password changed successfully - all sessions revoked",
			map[string]any{"success": true, "revokedSessions": sessions, "revokedTokens": tokens})
		return tx.Audit().Append(ctx, ev)
	})
	if err != nil {
		return s.internal("change password", err)
	}
	return failure
}

// UnlockAccount clears the lockout of a user before it expires on its own.
func (s *AuthService) UnlockAccount(ctx context.Context, userID string, meta ports.RequestMeta) error {
	var failure error
	err := runUnit(ctx, s.uow, s.events, func(ctx context.Context, tx ports.Tx) error {
		failure = nil
		user, err := tx.Users().FindByID(ctx, userID)
		if errors.Is(err, domain.ErrUserNotFound) {
			failure = domain.ErrUserNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}

		now := s.now().UTC()
		s.lockout.RecordSuccess(user)
		user.SetUpdatedBy(domain.ActorFromContext(ctx), now)
		if err := tx.Users().Update(ctx, user); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		ev := newEvent(domain.EventAccountUnlocked, user.ID, meta, now, "Account unlocked by administrator",
			map[string]any{"actor": domain.ActorFromContext(ctx)})
		return tx.Audit().Append(ctx, ev)
	})
	if err != nil {
		return s.internal("unlock account", err)
	}
	return failure
}

func (s *AuthService) decoyHash() string {
	s.decoyOnce.Do(func() {
		h, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to build decoy password hash")
			return
		}
		s.decoy = h
	})
	return s.decoy
}

func (s *AuthService) internal(op string, err error) error {
	s.log.Error().Err(err).Str("op", op).Msg("auth operation failed")
	return domain.Internal(op, err)
}
