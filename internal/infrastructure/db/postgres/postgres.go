// Package postgres implements the unit of work on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

const defaultTimeout = 10 * time.Second

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Store runs every unit of work in one READ COMMITTED transaction. Row-level
// conditional updates give the single-winner guarantee for token rotation.
type Store struct {
	pool *pgxpool.Pool
}

var _ ports.UnitOfWork = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Do implements ports.UnitOfWork.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = pgTx.Rollback(context.Background()) }()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                    TEXT PRIMARY KEY,
	email                 TEXT NOT NULL,
	password_hash         TEXT NOT NULL,
	full_name             TEXT NOT NULL,
	role                  TEXT NOT NULL,
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	last_login_at         TIMESTAMPTZ,
	failed_login_attempts INTEGER NOT NULL DEFAULT 0 CHECK (failed_login_attempts >= 0),
	lockout_end_time      TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	created_by            TEXT NOT NULL DEFAULT '',
	updated_at            TIMESTAMPTZ,
	updated_by            TEXT NOT NULL DEFAULT '',
	is_deleted            BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at            TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS users_live_email_key ON users (email) WHERE NOT is_deleted;

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users (id),
	device_name      TEXT NOT NULL,
	ip_address       TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	last_activity_at TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL,
	revoked_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user_status_idx ON sessions (user_id, status, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users (id),
	session_id        TEXT REFERENCES sessions (id),
	token             TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	is_revoked        BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at        TIMESTAMPTZ,
	replaced_by_token TEXT,
	ip_address        TEXT NOT NULL DEFAULT '',
	user_agent        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS refresh_tokens_token_key ON refresh_tokens (token);
CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens (user_id) WHERE NOT is_revoked;
CREATE INDEX IF NOT EXISTS refresh_tokens_session_idx ON refresh_tokens (session_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	description     TEXT NOT NULL,
	user_id         TEXT,
	ip_address      TEXT NOT NULL DEFAULT '',
	user_agent      TEXT NOT NULL DEFAULT '',
	additional_data JSONB,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_user_idx ON audit_logs (user_id, created_at DESC);
`

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrentUpdate, err)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraint
}

// querier is the subset of pgx.Tx the repositories use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tx struct {
	q querier
}

func (t *tx) Users() ports.UserRepository                 { return &userRepository{q: t.q} }
func (t *tx) RefreshTokens() ports.RefreshTokenRepository { return &tokenRepository{q: t.q} }
func (t *tx) Sessions() ports.SessionRepository           { return &sessionRepository{q: t.q} }
func (t *tx) Audit() ports.AuditRecorder                  { return &auditRepository{q: t.q} }
