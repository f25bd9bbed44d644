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

type userRepository struct {
	coll *mongo.Collection
}

type mongoUser struct {
	ID                  string     `bson:"_id"`
	Email               string     `bson:"email"`
	PasswordHash        string     `bson:"password_hash"`
	FullName            string     `bson:"full_name"`
	Role                string     `bson:"role"`
	IsActive            bool       `bson:"is_active"`
	LastLoginAt         *time.Time `bson:"last_login_at,omitempty"`
	FailedLoginAttempts int        `bson:"failed_login_attempts"`
	LockoutEndTime      *time.Time `bson:"lockout_end_time,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
	CreatedBy           string     `bson:"created_by"`
	UpdatedAt           *time.Time `bson:"updated_at,omitempty"`
	UpdatedBy           string     `bson:"updated_by,omitempty"`
	IsDeleted           bool       `bson:"is_deleted"`
	DeletedAt           *time.Time `bson:"deleted_at,omitempty"`
}

func toMongoUser(u *domain.User) mongoUser {
	return mongoUser{
		ID:                  u.ID,
		Email:               u.Email,
		PasswordHash:        u.PasswordHash,
		FullName:            u.FullName,
		Role:                string(u.Role),
		IsActive:            u.IsActive,
		LastLoginAt:         u.LastLoginAt,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockoutEndTime:      u.LockoutEndTime,
		CreatedAt:           u.CreatedAt,
		CreatedBy:           u.CreatedBy,
		UpdatedAt:           u.UpdatedAt,
		UpdatedBy:           u.UpdatedBy,
		IsDeleted:           u.IsDeleted,
		DeletedAt:           u.DeletedAt,
	}
}

func (m mongoUser) toDomain() *domain.User {
	return &domain.User{
		ID:                  m.ID,
		Email:               m.Email,
		PasswordHash:        m.PasswordHash,
		FullName:            m.FullName,
		Role:                domain.Role(m.Role),
		IsActive:            m.IsActive,
		LastLoginAt:         utcPtr(m.LastLoginAt),
		FailedLoginAttempts: m.FailedLoginAttempts,
		LockoutEndTime:      utcPtr(m.LockoutEndTime),
		AuditFields: domain.AuditFields{
			CreatedAt: m.CreatedAt.UTC(),
			CreatedBy: m.CreatedBy,
			UpdatedAt: utcPtr(m.UpdatedAt),
			UpdatedBy: m.UpdatedBy,
		},
		SoftDeleteFields: domain.SoftDeleteFields{
			IsDeleted: m.IsDeleted,
			DeletedAt: utcPtr(m.DeletedAt),
		},
	}
}

func (r *userRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	filter["is_deleted"] = false
	var mu mongoUser
	if err := r.coll.FindOne(ctx, filter).Decode(&mu); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return mu.toDomain(), nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	if _, err := r.coll.InsertOne(ctx, toMongoUser(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrEmailAlreadyRegistered
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": user.ID}, toMongoUser(user))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrEmailAlreadyRegistered
		}
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"is_deleted": false})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
