package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type userRepository struct {
	q querier
}

const userColumns = `id, email, password_hash, full_name, role, is_active, last_login_at,
	failed_login_attempts, lockout_end_time, created_at, created_by, updated_at, updated_by,
	is_deleted, deleted_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	u := &domain.User{}
	var role string
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &role, &u.IsActive, &u.LastLoginAt,
		&u.FailedLoginAttempts, &u.LockoutEndTime, &u.CreatedAt, &u.CreatedBy, &u.UpdatedAt, &u.UpdatedBy,
		&u.IsDeleted, &u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (r *userRepository) findOne(ctx context.Context, where string, arg any) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` AND NOT is_deleted FOR UPDATE`
	u, err := scanUser(r.q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// FindByEmail and FindByID lock the row for the rest of the unit of work so
// concurrent failure counters on one user cannot overwrite each other.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, "email = $1", email)
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *userRepository) Create(ctx context.Context, u *domain.User) error {
	query := `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.q.Exec(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.FullName, string(u.Role), u.IsActive, u.LastLoginAt,
		u.FailedLoginAttempts, u.LockoutEndTime, u.CreatedAt, u.CreatedBy, u.UpdatedAt, u.UpdatedBy,
		u.IsDeleted, u.DeletedAt,
	)
	if isUniqueViolation(err, "users_live_email_key") {
		return domain.ErrEmailAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, u *domain.User) error {
	query := `
		UPDATE users SET
			email = $2, password_hash = $3, full_name = $4, role = $5, is_active = $6,
			last_login_at = $7, failed_login_attempts = $8, lockout_end_time = $9,
			updated_at = $10, updated_by = $11, is_deleted = $12, deleted_at = $13
		WHERE id = $1`
	tag, err := r.q.Exec(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.FullName, string(u.Role), u.IsActive,
		u.LastLoginAt, u.FailedLoginAttempts, u.LockoutEndTime,
		u.UpdatedAt, u.UpdatedBy, u.IsDeleted, u.DeletedAt,
	)
	if isUniqueViolation(err, "users_live_email_key") {
		return domain.ErrEmailAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM users WHERE NOT is_deleted`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

type tokenRepository struct {
	q querier
}

func (r *tokenRepository) FindByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	t := &domain.RefreshToken{}
	var sessionID *string
	err := r.q.QueryRow(ctx, `
		SELECT id, user_id, session_id, token, expires_at, is_revoked, revoked_at,
		       replaced_by_token, ip_address, user_agent, created_at
		FROM refresh_tokens
		WHERE token = $1`, token,
	).Scan(
		&t.ID, &t.UserID, &sessionID, &t.Token, &t.ExpiresAt, &t.IsRevoked, &t.RevokedAt,
		&t.ReplacedByToken, &t.IPAddress, &t.UserAgent, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if sessionID != nil {
		t.SessionID = *sessionID
	}
	return t, nil
}

func (r *tokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, session_id, token, expires_at, is_revoked,
		                            revoked_at, replaced_by_token, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, nullable(t.SessionID), t.Token, t.ExpiresAt, t.IsRevoked,
		t.RevokedAt, t.ReplacedByToken, t.IPAddress, t.UserAgent, t.CreatedAt,
	)
	if isUniqueViolation(err, "refresh_tokens_token_key") {
		return domain.ErrDuplicateRefreshToken
	}
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// Revoke is conditional on the token still being active. A concurrent
// rotation waits on the row lock and then matches zero rows.
func (r *tokenRepository) Revoke(ctx context.Context, id string, at time.Time, replacedBy *string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = $2, replaced_by_token = COALESCE($3, replaced_by_token)
		WHERE id = $1 AND NOT is_revoked`,
		id, at.UTC(), replacedBy,
	)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *tokenRepository) revokeWhere(ctx context.Context, where string, at time.Time, args ...any) (int64, error) {
	query := `UPDATE refresh_tokens SET is_revoked = TRUE, revoked_at = $1 WHERE NOT is_revoked AND ` + where
	tag, err := r.q.Exec(ctx, query, append([]any{at.UTC()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *tokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, "user_id = $2", at, userID)
}

func (r *tokenRepository) RevokeForSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, "user_id = $2 AND session_id = $3", at, userID, sessionID)
}

func (r *tokenRepository) RevokeForUserIP(ctx context.Context, userID, ip string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, "user_id = $2 AND ip_address = $3", at, userID, ip)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type sessionRepository struct {
	q querier
}

const sessionColumns = `id, user_id, device_name, ip_address, user_agent, last_activity_at, status, revoked_at, created_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.DeviceName, &s.IPAddress, &s.UserAgent,
		&s.LastActivityAt, &status, &s.RevokedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}

func (r *sessionRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.q.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.UserID, s.DeviceName, s.IPAddress, s.UserAgent, s.LastActivityAt, string(s.Status), s.RevokedAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepository) FindForUser(ctx context.Context, id, userID string) (*domain.Session, error) {
	s, err := scanSession(r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

func (r *sessionRepository) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND status = $2
		ORDER BY last_activity_at DESC, id`, userID, string(domain.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (r *sessionRepository) LatestActiveByIP(ctx context.Context, userID, ip string) (*domain.Session, error) {
	s, err := scanSession(r.q.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND ip_address = $2 AND status = $3
		ORDER BY last_activity_at DESC, id
		LIMIT 1`, userID, ip, string(domain.SessionActive)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by ip: %w", err)
	}
	return s, nil
}

func (r *sessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND status = $3`,
		id, at.UTC(), string(domain.SessionActive))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func revokedAt(status domain.SessionStatus, at time.Time) *time.Time {
	if status == domain.SessionExpired {
		return nil
	}
	t := at.UTC()
	return &t
}

func (r *sessionRepository) Terminate(ctx context.Context, id string, status domain.SessionStatus, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, nil
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE sessions SET status = $2, revoked_at = $3 WHERE id = $1 AND status = $4`,
		id, string(status), revokedAt(status, at), string(domain.SessionActive))
	if err != nil {
		return false, fmt.Errorf("terminate session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepository) TerminateAllActive(ctx context.Context, userID string, status domain.SessionStatus, at time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, nil
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE sessions SET status = $2, revoked_at = $3 WHERE user_id = $1 AND status = $4`,
		userID, string(status), revokedAt(status, at), string(domain.SessionActive))
	if err != nil {
		return 0, fmt.Errorf("terminate sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

type auditRepository struct {
	q querier
}

func (r *auditRepository) Append(ctx context.Context, e *domain.AuditLog) error {
	var data any
	if len(e.AdditionalData) > 0 {
		data = e.AdditionalData
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO audit_logs (id, event_type, description, user_id, ip_address, user_agent, additional_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.EventType), e.Description, e.UserID, e.IPAddress, e.UserAgent, data, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
