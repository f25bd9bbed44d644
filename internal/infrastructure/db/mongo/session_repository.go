package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/auth-service/internal/core/domain"
)

type sessionRepository struct {
	coll *mongo.Collection
}

type mongoSession struct {
	ID             string     `bson:"_id"`
	UserID         string     `bson:"user_id"`
	DeviceName     string     `bson:"device_name"`
	IPAddress      string     `bson:"ip_address"`
	UserAgent      string     `bson:"user_agent"`
	LastActivityAt time.Time  `bson:"last_activity_at"`
	Status         string     `bson:"status"`
	RevokedAt      *time.Time `bson:"revoked_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
}

func (m mongoSession) toDomain() *domain.Session {
	return &domain.Session{
		ID:             m.ID,
		UserID:         m.UserID,
		DeviceName:     m.DeviceName,
		IPAddress:      m.IPAddress,
		UserAgent:      m.UserAgent,
		LastActivityAt: m.LastActivityAt.UTC(),
		Status:         domain.SessionStatus(m.Status),
		RevokedAt:      utcPtr(m.RevokedAt),
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

var byActivityDesc = bson.D{{Key: "last_activity_at", Value: -1}, {Key: "_id", Value: 1}}

func (r *sessionRepository) Create(ctx context.Context, s *domain.Session) error {
	doc := mongoSession{
		ID:             s.ID,
		UserID:         s.UserID,
		DeviceName:     s.DeviceName,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		LastActivityAt: s.LastActivityAt,
		Status:         string(s.Status),
		RevokedAt:      s.RevokedAt,
		CreatedAt:      s.CreatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepository) FindForUser(ctx context.Context, id, userID string) (*domain.Session, error) {
	var m mongoSession
	if err := r.coll.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return m.toDomain(), nil
}

func (r *sessionRepository) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"user_id": userID, "status": string(domain.SessionActive)},
		options.Find().SetSort(byActivityDesc),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoSession
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	out := make([]*domain.Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (r *sessionRepository) LatestActiveByIP(ctx context.Context, userID, ip string) (*domain.Session, error) {
	var m mongoSession
	err := r.coll.FindOne(ctx,
		bson.M{"user_id": userID, "ip_address": ip, "status": string(domain.SessionActive)},
		options.FindOne().SetSort(byActivityDesc),
	).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session by ip: %w", err)
	}
	return m.toDomain(), nil
}

func (r *sessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.SessionActive)},
		bson.M{"$set": bson.M{"last_activity_at": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func terminateUpdate(status domain.SessionStatus, at time.Time) bson.M {
	set := bson.M{"status": string(status)}
	if status != domain.SessionExpired {
		set["revoked_at"] = at.UTC()
	}
	return bson.M{"$set": set}
}

func (r *sessionRepository) Terminate(ctx context.Context, id string, status domain.SessionStatus, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, nil
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.SessionActive)},
		terminateUpdate(status, at),
	)
	if err != nil {
		return false, fmt.Errorf("terminate session: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *sessionRepository) TerminateAllActive(ctx context.Context, userID string, status domain.SessionStatus, at time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, nil
	}
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"user_id": userID, "status": string(domain.SessionActive)},
		terminateUpdate(status, at),
	)
	if err != nil {
		return 0, fmt.Errorf("terminate sessions: %w", err)
	}
	return res.ModifiedCount, nil
}
