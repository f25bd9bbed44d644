package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/99minutos/auth-service/internal/core/domain"
)

type tokenRepository struct {
	coll *mongo.Collection
}

type mongoRefreshToken struct {
	ID              string     `bson:"_id"`
	UserID          string     `bson:"user_id"`
	SessionID       string     `bson:"session_id,omitempty"`
	Token           string     `bson:"token"`
	ExpiresAt       time.Time  `bson:"expires_at"`
	IsRevoked       bool       `bson:"is_revoked"`
	RevokedAt       *time.Time `bson:"revoked_at,omitempty"`
	ReplacedByToken *string    `bson:"replaced_by_token,omitempty"`
	IPAddress       string     `bson:"ip_address"`
	UserAgent       string     `bson:"user_agent"`
	CreatedAt       time.Time  `bson:"created_at"`
}

func (m mongoRefreshToken) toDomain() *domain.RefreshToken {
	return &domain.RefreshToken{
		ID:              m.ID,
		UserID:          m.UserID,
		SessionID:       m.SessionID,
		Token:           m.Token,
		ExpiresAt:       m.ExpiresAt.UTC(),
		IsRevoked:       m.IsRevoked,
		RevokedAt:       utcPtr(m.RevokedAt),
		ReplacedByToken: m.ReplacedByToken,
		IPAddress:       m.IPAddress,
		UserAgent:       m.UserAgent,
		CreatedAt:       m.CreatedAt.UTC(),
	}
}

func (r *tokenRepository) FindByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	var m mongoRefreshToken
	if err := r.coll.FindOne(ctx, bson.M{"token": token}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return m.toDomain(), nil
}

func (r *tokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	doc := mongoRefreshToken{
		ID:              t.ID,
		UserID:          t.UserID,
		SessionID:       t.SessionID,
		Token:           t.Token,
		ExpiresAt:       t.ExpiresAt,
		IsRevoked:       t.IsRevoked,
		RevokedAt:       t.RevokedAt,
		ReplacedByToken: t.ReplacedByToken,
		IPAddress:       t.IPAddress,
		UserAgent:       t.UserAgent,
		CreatedAt:       t.CreatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateRefreshToken
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// Revoke only matches a token that is still active, so a concurrent rotation
// either conflicts at commit or observes ModifiedCount == 0.
func (r *tokenRepository) Revoke(ctx context.Context, id string, at time.Time, replacedBy *string) (bool, error) {
	set := bson.M{"is_revoked": true, "revoked_at": at.UTC()}
	if replacedBy != nil {
		set["replaced_by_token"] = *replacedBy
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id, "is_revoked": false}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *tokenRepository) revokeMany(ctx context.Context, filter bson.M, at time.Time) (int64, error) {
	filter["is_revoked"] = false
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_revoked": true, "revoked_at": at.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *tokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return r.revokeMany(ctx, bson.M{"user_id": userID}, at)
}

func (r *tokenRepository) RevokeForSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error) {
	return r.revokeMany(ctx, bson.M{"user_id": userID, "session_id": sessionID}, at)
}

func (r *tokenRepository) RevokeForUserIP(ctx context.Context, userID, ip string, at time.Time) (int64, error) {
	return r.revokeMany(ctx, bson.M{"user_id": userID, "ip_address": ip}, at)
}
