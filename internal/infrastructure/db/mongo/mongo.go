package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

const defaultTimeout = 10 * time.Second

const (
	collUsers         = "users"
	collRefreshTokens = "refresh_tokens"
	collSessions      = "sessions"
	collAuditLogs     = "audit_logs"
)

// errCodeWriteConflict is returned by the server when two transactions touch
// the same document.
const errCodeWriteConflict = 112

// Config captures the minimal settings required to establish a MongoDB connection.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Connect establishes a MongoDB client, verifies connectivity with a ping, and
// returns both the client and the selected database. A default timeout is
// applied when none is provided.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, *mongo.Database, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	return client, db, nil
}

// Store runs units of work as multi-document transactions. It requires a
// replica set or sharded cluster.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ ports.UnitOfWork = (*Store)(nil)

func NewStore(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{client: client, db: db}
}

// Do implements ports.UnitOfWork. The transaction is never retried here; a
// write conflict surfaces as domain.ErrConcurrentUpdate.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txnOpts); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}
		if err := fn(sc, &tx{db: s.db}); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return classify(err)
		}
		if err := ctx.Err(); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return err
		}
		if err := sess.CommitTransaction(sc); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return classify(fmt.Errorf("commit transaction: %w", err))
		}
		return nil
	})
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes creates the collections and the indexes the repositories
// rely on for uniqueness and lookups.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	specs := map[string][]mongo.IndexModel{
		collUsers: {
			{
				Keys: bson.D{{Key: "email", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("uniq_live_email").
					SetPartialFilterExpression(bson.M{"is_deleted": false}),
			},
		},
		collRefreshTokens: {
			{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_revoked", Value: 1}}},
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
		},
		collSessions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}, {Key: "last_activity_at", Value: -1}}},
		},
		collAuditLogs: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "event_type", Value: 1}}},
		},
	}

	for name, models := range specs {
		if err := s.ensureCollection(ctx, name); err != nil {
			return err
		}
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// ensureCollection creates name up front; transactions cannot create
// collections on older servers.
func (s *Store) ensureCollection(ctx context.Context, name string) error {
	err := s.db.CreateCollection(ctx, name)
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func classify(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(errCodeWriteConflict) || se.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrentUpdate, err)
	}
	return err
}

type tx struct {
	db *mongo.Database
}

func (t *tx) Users() ports.UserRepository {
	return &userRepository{coll: t.db.Collection(collUsers)}
}

func (t *tx) RefreshTokens() ports.RefreshTokenRepository {
	return &tokenRepository{coll: t.db.Collection(collRefreshTokens)}
}

func (t *tx) Sessions() ports.SessionRepository {
	return &sessionRepository{coll: t.db.Collection(collSessions)}
}

func (t *tx) Audit() ports.AuditRecorder {
	return &auditRepository{coll: t.db.Collection(collAuditLogs)}
}
